// Package http wires the calibration engine behind a REST and WebSocket
// surface: starting and cancelling searches, reading best records, running
// rollup batches and exporting reports.
package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"platecal/internal/backend"
	"platecal/internal/config"
	apierrors "platecal/internal/errors"
	"platecal/internal/jobs"
	"platecal/internal/rollup"
	"platecal/internal/ws"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Logger   *slog.Logger
	Config   *config.Config
	Repo     backend.Repository
	Proc     backend.Processor
	Rollup   *rollup.Service
	Jobs     *jobs.Manager
	Progress *jobs.ProgressBroadcaster
	Hub      *ws.Hub
}

// NewRouter builds the chi router with all routes mounted.
func NewRouter(d Deps) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(d.Logger)
	tuningH := NewTuningHandler(d)
	rollupH := NewRollupHandler(d)
	jobsH := NewJobsHandler(d.Jobs, d.Logger)
	wsH := NewWSHandler(d.Hub, d.Logger)

	r.Get("/healthz", health.Check)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/ws", wsH.Serve)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Mount("/tuning", tuningH.Routes())
		r.Mount("/rollup", rollupH.Routes())
		r.Mount("/jobs", jobsH.Routes())
	})

	return r
}

// renderError writes a structured API error response.
func renderError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, apiErr *apierrors.APIError) {
	if logger != nil {
		logger.WarnContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.Int("status", apiErr.StatusCode),
			slog.String("error", apiErr.Error()))
	}
	render.Render(w, r, apiErr)
}
