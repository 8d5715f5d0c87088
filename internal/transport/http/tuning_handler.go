package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	"platecal/internal/backend"
	"platecal/internal/config"
	apierrors "platecal/internal/errors"
	"platecal/internal/jobs"
	"platecal/internal/tuning"
)

// TuningHandler starts per-test coefficient searches as background jobs and
// serves their persisted results.
type TuningHandler struct {
	logger   *slog.Logger
	cfg      config.CalibrationConfig
	proc     backend.Processor
	jobs     *jobs.Manager
	progress *jobs.ProgressBroadcaster
	validate *validator.Validate
}

// NewTuningHandler creates a tuning handler.
func NewTuningHandler(d Deps) *TuningHandler {
	return &TuningHandler{
		logger:   d.Logger.With(slog.String("component", "tuning_handler")),
		cfg:      d.Config.Calibration,
		proc:     d.Proc,
		jobs:     d.Jobs,
		progress: d.Progress,
		validate: validator.New(),
	}
}

// Routes returns the tuning routes.
func (h *TuningHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/search", h.StartSearch)
	r.Post("/refine", h.StartRefine)
	r.Get("/best", h.GetBest)
	r.Get("/estimate", h.GetEstimate)
	return r
}

// SearchRequest starts a pair sweep over one test capture.
type SearchRequest struct {
	DeviceID   string         `json:"device_id" validate:"required"`
	InputCSV   string         `json:"input_csv" validate:"required"`
	TestFolder string         `json:"test_folder" validate:"required"`
	Budget     int            `json:"budget" validate:"required,min=1"`
	Mode       string         `json:"mode" validate:"omitempty,oneof=coarse precise"`
	Origin     *tuning.Coeffs `json:"origin"`
}

// RefineRequest starts a local refinement over one test capture.
type RefineRequest struct {
	DeviceID   string         `json:"device_id" validate:"required"`
	InputCSV   string         `json:"input_csv" validate:"required"`
	TestFolder string         `json:"test_folder" validate:"required"`
	Budget     int            `json:"budget" validate:"required,min=1"`
	Start      *tuning.Coeffs `json:"start"`
}

// StartSearch handles POST /api/tuning/search. Precise mode requires an
// origin; without one the coarse grid is swept.
func (h *TuningHandler) StartSearch(w http.ResponseWriter, r *http.Request) {
	var req SearchRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, h.logger, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		renderError(w, r, h.logger, apierrors.InvalidRequestWithError(err))
		return
	}
	if req.Mode == "precise" && req.Origin == nil {
		renderError(w, r, h.logger, apierrors.ErrValidation("origin", "precise mode requires an origin"))
		return
	}

	opts := tuning.PairSweepOptions{}
	if req.Mode == "precise" {
		opts.PreciseOrigin = req.Origin
	}

	job, err := h.jobs.Start("pair_sweep", req.TestFolder, func(ctx context.Context, jobID string) (interface{}, error) {
		defer h.progress.Release(jobID)
		session, err := tuning.OpenSession(ctx, tuning.SessionOptions{
			Logger:     h.logger,
			Config:     h.cfg,
			Processor:  h.proc,
			DeviceID:   req.DeviceID,
			InputCSV:   req.InputCSV,
			TestFolder: req.TestFolder,
			Budget:     req.Budget,
			Progress:   h.progress.Func(jobID),
		})
		if err != nil {
			return nil, err
		}
		return tuning.NewPairSweep(session).Run(ctx, opts)
	})
	if err != nil {
		renderError(w, r, h.logger, asAPIError(err))
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, job)
}

// StartRefine handles POST /api/tuning/refine.
func (h *TuningHandler) StartRefine(w http.ResponseWriter, r *http.Request) {
	var req RefineRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, h.logger, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		renderError(w, r, h.logger, apierrors.InvalidRequestWithError(err))
		return
	}

	job, err := h.jobs.Start("local_refine", req.TestFolder, func(ctx context.Context, jobID string) (interface{}, error) {
		defer h.progress.Release(jobID)
		session, err := tuning.OpenSession(ctx, tuning.SessionOptions{
			Logger:     h.logger,
			Config:     h.cfg,
			Processor:  h.proc,
			DeviceID:   req.DeviceID,
			InputCSV:   req.InputCSV,
			TestFolder: req.TestFolder,
			Budget:     req.Budget,
			Progress:   h.progress.Func(jobID),
		})
		if err != nil {
			return nil, err
		}
		return tuning.NewLocalRefine(session).Run(ctx, req.Start)
	})
	if err != nil {
		renderError(w, r, h.logger, asAPIError(err))
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, job)
}

// GetBest handles GET /api/tuning/best?test_folder=...
func (h *TuningHandler) GetBest(w http.ResponseWriter, r *http.Request) {
	testFolder := r.URL.Query().Get("test_folder")
	if testFolder == "" {
		renderError(w, r, h.logger, apierrors.ErrValidation("test_folder", "test_folder is required"))
		return
	}
	rec, err := tuning.LoadBest(testFolder)
	if err != nil {
		renderError(w, r, h.logger, apierrors.InternalError(err))
		return
	}
	if rec == nil {
		renderError(w, r, h.logger, apierrors.NotFoundError("best record"))
		return
	}
	render.JSON(w, r, rec)
}

// GetEstimate handles GET /api/tuning/estimate?off_csv=... It derives a
// starting coefficient set analytically from a correction-off processed
// series, suitable as the origin of a precise sweep.
func (h *TuningHandler) GetEstimate(w http.ResponseWriter, r *http.Request) {
	offCSV := r.URL.Query().Get("off_csv")
	if offCSV == "" {
		renderError(w, r, h.logger, apierrors.ErrValidation("off_csv", "off_csv is required"))
		return
	}
	suggestion, err := tuning.SuggestOrigin(offCSV, h.cfg)
	if err != nil {
		renderError(w, r, h.logger, apierrors.InternalError(err))
		return
	}
	render.JSON(w, r, suggestion)
}

// asAPIError maps any error to an APIError, passing structured ones through.
func asAPIError(err error) *apierrors.APIError {
	if apiErr, ok := err.(*apierrors.APIError); ok {
		return apiErr
	}
	return apierrors.InternalError(err)
}
