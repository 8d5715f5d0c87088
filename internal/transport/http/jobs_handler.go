package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "platecal/internal/errors"
	"platecal/internal/jobs"
)

// JobsHandler serves job status and cancellation.
type JobsHandler struct {
	logger *slog.Logger
	jobs   *jobs.Manager
}

// NewJobsHandler creates a jobs handler.
func NewJobsHandler(m *jobs.Manager, logger *slog.Logger) *JobsHandler {
	return &JobsHandler{
		logger: logger.With(slog.String("component", "jobs_handler")),
		jobs:   m,
	}
}

// Routes returns the job routes.
func (h *JobsHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/{jobID}", h.Get)
	r.Delete("/{jobID}", h.Cancel)
	return r
}

// List handles GET /api/jobs.
func (h *JobsHandler) List(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{"jobs": h.jobs.List()})
}

// Get handles GET /api/jobs/{jobID}.
func (h *JobsHandler) Get(w http.ResponseWriter, r *http.Request) {
	job, ok := h.jobs.Get(chi.URLParam(r, "jobID"))
	if !ok {
		renderError(w, r, h.logger, apierrors.ErrJobNotFound)
		return
	}
	render.JSON(w, r, job)
}

// Cancel handles DELETE /api/jobs/{jobID}. Cancellation is asynchronous;
// the in-flight evaluation completes before the job stops.
func (h *JobsHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	if !h.jobs.Cancel(jobID) {
		if _, ok := h.jobs.Get(jobID); ok {
			// Already finished; nothing to cancel.
			render.JSON(w, r, map[string]string{"status": "finished"})
			return
		}
		renderError(w, r, h.logger, apierrors.ErrJobNotFound)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, map[string]string{"status": "cancelling"})
}
