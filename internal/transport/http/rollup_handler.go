package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apierrors "platecal/internal/errors"
	"platecal/internal/jobs"
	"platecal/internal/rollup"
)

// RollupHandler serves the per-plate-type rollup documents and the batch
// operations that feed them.
type RollupHandler struct {
	logger   *slog.Logger
	svc      *rollup.Service
	jobs     *jobs.Manager
	validate *validator.Validate
}

// NewRollupHandler creates a rollup handler.
func NewRollupHandler(d Deps) *RollupHandler {
	return &RollupHandler{
		logger:   d.Logger.With(slog.String("component", "rollup_handler")),
		svc:      d.Rollup,
		jobs:     d.Jobs,
		validate: validator.New(),
	}
}

// Routes returns the rollup routes.
func (h *RollupHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Route("/{plateType}", func(r chi.Router) {
		r.Use(h.PlateTypeCtx)
		r.Get("/", h.GetRollup)
		r.Delete("/", h.ResetRollup)
		r.Post("/run", h.StartRun)
		r.Get("/top3", h.GetTop3)
		r.Get("/aggregate", h.GetAggregate)
		r.Get("/candidates", h.GetCandidates)
		r.Post("/stage-split", h.StartStageSplit)
		r.Get("/stage-split/summary", h.GetStageSplitSummary)
	})
	return r
}

// PlateTypeCtx validates the plate type parameter.
func (h *RollupHandler) PlateTypeCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pt := chi.URLParam(r, "plateType")
		if pt == "" || len(pt) > 8 {
			renderError(w, r, h.logger, apierrors.ErrValidation("plateType", "invalid plate type"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// GetRollup handles GET /api/rollup/{plateType}.
func (h *RollupHandler) GetRollup(w http.ResponseWriter, r *http.Request) {
	doc, err := h.svc.LoadRollup(chi.URLParam(r, "plateType"))
	if err != nil {
		renderError(w, r, h.logger, apierrors.InternalError(err))
		return
	}
	render.JSON(w, r, doc)
}

// ResetRollup handles DELETE /api/rollup/{plateType}?backup=true.
func (h *RollupHandler) ResetRollup(w http.ResponseWriter, r *http.Request) {
	backup := r.URL.Query().Get("backup") != "false"
	bak, err := h.svc.ResetRollup(chi.URLParam(r, "plateType"), backup)
	if err != nil {
		renderError(w, r, h.logger, apierrors.InternalError(err))
		return
	}
	render.JSON(w, r, map[string]string{"backup_path": bak})
}

// RunRequest starts a batch evaluation of coefficient keys.
type RunRequest struct {
	CoefKeys []string `json:"coef_keys" validate:"required,min=1,dive,required"`
}

// StartRun handles POST /api/rollup/{plateType}/run.
func (h *RollupHandler) StartRun(w http.ResponseWriter, r *http.Request) {
	pt := chi.URLParam(r, "plateType")
	var req RunRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		renderError(w, r, h.logger, apierrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		renderError(w, r, h.logger, apierrors.InvalidRequestWithError(err))
		return
	}

	job, err := h.jobs.Start("rollup_run", "rollup:"+pt, func(ctx context.Context, jobID string) (interface{}, error) {
		doc, runErrs, err := h.svc.RunCoefsAcrossPlateType(ctx, pt, req.CoefKeys)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"plate_type": doc.PlateType,
			"runs":       len(doc.Runs),
			"errors":     runErrs,
			"partial":    len(runErrs) > 0,
		}, nil
	})
	if err != nil {
		renderError(w, r, h.logger, asAPIError(err))
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, job)
}

// GetTop3 handles GET /api/rollup/{plateType}/top3?sort=abs|signed.
func (h *RollupHandler) GetTop3(w http.ResponseWriter, r *http.Request) {
	sortBy := r.URL.Query().Get("sort")
	if sortBy != "signed" {
		sortBy = "abs"
	}
	rows, err := h.svc.Top3ForPlateType(chi.URLParam(r, "plateType"), sortBy)
	if err != nil {
		renderError(w, r, h.logger, apierrors.InternalError(err))
		return
	}
	render.JSON(w, r, map[string]interface{}{"rows": rows})
}

// GetAggregate handles GET /api/rollup/{plateType}/aggregate?coef_key=...
func (h *RollupHandler) GetAggregate(w http.ResponseWriter, r *http.Request) {
	coefKey := r.URL.Query().Get("coef_key")
	if coefKey == "" {
		renderError(w, r, h.logger, apierrors.ErrValidation("coef_key", "coef_key is required"))
		return
	}
	agg, err := h.svc.AggregateSelectedAllMeanSigned(chi.URLParam(r, "plateType"), coefKey)
	if err != nil {
		renderError(w, r, h.logger, apierrors.InternalError(err))
		return
	}
	if agg == nil {
		renderError(w, r, h.logger, apierrors.NotFoundError("aggregate"))
		return
	}
	render.JSON(w, r, agg)
}

// GetCandidates handles GET /api/rollup/{plateType}/candidates?mode=scalar.
func (h *RollupHandler) GetCandidates(w http.ResponseWriter, r *http.Request) {
	candidates, err := h.svc.ListUnifiedCandidates(chi.URLParam(r, "plateType"), r.URL.Query().Get("mode"))
	if err != nil {
		renderError(w, r, h.logger, apierrors.InternalError(err))
		return
	}
	render.JSON(w, r, map[string]interface{}{"candidates": candidates})
}

// StartStageSplit handles POST /api/rollup/{plateType}/stage-split.
func (h *RollupHandler) StartStageSplit(w http.ResponseWriter, r *http.Request) {
	pt := chi.URLParam(r, "plateType")
	mode := r.URL.Query().Get("mode")

	job, err := h.jobs.Start("stage_split", "stage_split:"+pt, func(ctx context.Context, jobID string) (interface{}, error) {
		report, err := h.svc.ExportStageSplitReport(ctx, pt, mode)
		if err != nil {
			return nil, err
		}
		xlsxPath, err := h.svc.ExportStageSplitXLSX(pt, report)
		if err != nil {
			h.logger.Warn("xlsx export failed", slog.String("error", err.Error()))
		}
		return map[string]interface{}{
			"csv_path":  report.CSVPath,
			"xlsx_path": xlsxPath,
			"rows":      len(report.Rows),
			"errors":    report.Errors,
			"summary":   report.Summary,
		}, nil
	})
	if err != nil {
		renderError(w, r, h.logger, asAPIError(err))
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, job)
}

// GetStageSplitSummary handles GET /api/rollup/{plateType}/stage-split/summary.
func (h *RollupHandler) GetStageSplitSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.svc.LoadStageSplitSummary(chi.URLParam(r, "plateType"))
	if err != nil {
		renderError(w, r, h.logger, apierrors.InternalError(err))
		return
	}
	if summary == nil {
		renderError(w, r, h.logger, apierrors.NotFoundError("stage-split summary"))
		return
	}
	render.JSON(w, r, summary)
}
