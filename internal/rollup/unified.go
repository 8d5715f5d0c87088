package rollup

import (
	"context"
	"log/slog"
	"path/filepath"

	"platecal/internal/capture"
	"platecal/internal/coefkey"
	"platecal/internal/config"
)

// unifiedEvalEntry is one capture evaluated against the unified model.
type unifiedEvalEntry struct {
	DeviceID string
	RawCSV   string
	Meta     *capture.Meta
	Bias     capture.BiasMap
}

// UnifiedBiasMetrics averages bias-controlled scores of the unified model
// across captures.
type UnifiedBiasMetrics struct {
	MeanAbs    *float64 `json:"mean_abs"`
	MeanSigned *float64 `json:"mean_signed"`
	StdSigned  *float64 `json:"std_signed"`
	N          int      `json:"n"`
}

// EvaluateUnifiedKBiasMetrics grades the fitted (c, k) model: each capture is
// processed with the unified coefficient, post-corrected for its temperature
// offset from the ideal room temperature, scored against the device bias over
// all stages, and the per-capture statistics averaged. Returns nil when the
// entries do not meet the device and temperature coverage rules, mirroring
// the top-3 eligibility semantics.
func (s *Service) EvaluateUnifiedKBiasMetrics(ctx context.Context, entries []unifiedEvalEntry, c, k float64) (*UnifiedBiasMetrics, error) {
	runLike := make([]Run, 0, len(entries))
	for _, e := range entries {
		var tf *float64
		if e.Meta != nil {
			tf = e.Meta.TemperatureF()
		}
		runLike = append(runLike, Run{DeviceID: e.DeviceID, TempF: tf})
	}
	eligibleDevices, _, _ := EligibleRunsByDeviceAndTemp(runLike, s.cfg.MinDistinctTempsPerDevice)
	if eligibleDevices < s.cfg.MinEligibleDevices {
		return nil, nil
	}

	triple := coefkey.Unified(coefkey.ModeScalar, c)
	var absVals, signedVals, stdVals []float64

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if e.Meta == nil || e.Bias == nil {
			continue
		}
		tf := e.Meta.TemperatureF()
		if tf == nil {
			continue
		}

		baselineCells, selectedCells, err := s.ensureProcessedPair(ctx, e.DeviceID, e.RawCSV, triple)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.WarnContext(ctx, "unified evaluation skipped capture",
				slog.String("device_id", e.DeviceID),
				slog.String("raw_csv", filepath.Base(e.RawCSV)),
				slog.String("error", err.Error()))
			continue
		}
		payload, err := s.analyzer.AnalyzePair(baselineCells, selectedCells, e.Meta)
		if err != nil {
			continue
		}

		deltaT := *tf - s.cfg.IdealRoomTempF
		ApplyPostCorrection(payload.Selected, deltaT, k, s.cfg.PostCorrectionFrefN)

		score := ScoreRunAgainstBias(payload.Selected, e.Bias, ScoreOptions{
			StageKey:          config.StageAll,
			DeviceType:        e.Meta.DeviceType,
			PassBinMultiplier: s.cfg.PassBinMultiplier,
		})
		if score.N == 0 {
			continue
		}
		if score.MeanAbs != nil {
			absVals = append(absVals, *score.MeanAbs)
		}
		if score.MeanSigned != nil {
			signedVals = append(signedVals, *score.MeanSigned)
		}
		if score.StdSigned != nil {
			stdVals = append(stdVals, *score.StdSigned)
		}
	}

	out := &UnifiedBiasMetrics{N: len(absVals)}
	if len(absVals) > 0 {
		v := meanOf(absVals)
		out.MeanAbs = &v
	}
	if len(signedVals) > 0 {
		v := meanOf(signedVals)
		out.MeanSigned = &v
	}
	if len(stdVals) > 0 {
		v := meanOf(stdVals)
		out.StdSigned = &v
	}
	return out, nil
}
