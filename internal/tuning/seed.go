package tuning

import (
	"fmt"

	"platecal/internal/capture"
	"platecal/internal/coefkey"
	"platecal/internal/config"
)

// AxisEstimate is one per-phase, per-axis coefficient estimate derived from a
// correction-off series.
type AxisEstimate struct {
	Phase  string      `json:"phase"`
	Axis   string      `json:"axis"`
	Coef   float64     `json:"coef"`
	N      int         `json:"n"`
	Method string      `json:"method"`
	Line   []LinePoint `json:"line,omitempty"`
}

// LinePoint is one point of the fitted model line, for overlaying the
// estimate on the captured series.
type LinePoint struct {
	TempF float64 `json:"temp_f"`
	Value float64 `json:"value"`
}

// OriginSuggestion is a starting coefficient set for a precise sweep or
// refinement, estimated analytically instead of searched.
type OriginSuggestion struct {
	Origin    Coeffs         `json:"origin"`
	Estimates []AxisEstimate `json:"estimates"`
}

// SuggestOrigin estimates per-axis correction coefficients from a processed
// correction-off series: anchored slope per phase and axis, normalized by the
// baseline value (z) or the baseline RMS (x, y), averaged across phases and
// snapped to the coefficient grid. Axes with no estimable phase stay zero.
func SuggestOrigin(offCSV string, cfg config.CalibrationConfig) (*OriginSuggestion, error) {
	anchorOpts := AnchorOptions{
		BaselineLowF:  cfg.BaselineLowF,
		BaselineHighF: cfg.BaselineHighF,
		TargetF:       cfg.IdealRoomTempF,
	}
	axisMax := map[string]float64{"x": cfg.XMax, "y": cfg.YMax, "z": cfg.ZMax}

	out := &OriginSuggestion{}
	anyData := false
	for _, axis := range axes {
		norm := NormalizationRMSBaseline
		if axis == "z" {
			norm = NormalizationY0
		}

		var coefs []float64
		for _, phase := range phases {
			pts, err := capture.ReadSumPoints(offCSV, phase, axis)
			if err != nil {
				return nil, fmt.Errorf("estimate %s/%s: %w", phase, axis, err)
			}
			if len(pts) == 0 {
				continue
			}
			anyData = true
			anchor := ComputeBaselineAnchor(pts, anchorOpts)
			c, n, ok := EstimateCoef(pts, anchor, EstimateCoefOptions{
				Normalization: norm,
				BaselineLowF:  cfg.BaselineLowF,
				BaselineHighF: cfg.BaselineHighF,
			})
			if !ok {
				continue
			}
			coefs = append(coefs, c)
			temps := make([]float64, 0, len(pts))
			for _, p := range pts {
				temps = append(temps, p.TempF)
			}
			// The correction coefficient and the observed drift have
			// opposite signs, so the overlay line negates c.
			line := make([]LinePoint, 0, len(temps))
			for _, p := range CoefLinePoints(anchor, -c, temps) {
				line = append(line, LinePoint{TempF: p.TempF, Value: p.Value})
			}
			out.Estimates = append(out.Estimates, AxisEstimate{
				Phase:  phase,
				Axis:   axis,
				Coef:   c,
				N:      n,
				Method: anchor.Method,
				Line:   line,
			})
		}
		if len(coefs) == 0 {
			continue
		}
		v := coefkey.Quantize(mean(coefs), cfg.QuantizeStep)
		if v < 0 {
			v = 0
		}
		if v > axisMax[axis] {
			v = axisMax[axis]
		}
		out.Origin = out.Origin.WithAxis(axis, v)
	}
	if !anyData {
		return nil, fmt.Errorf("no series data in %s", offCSV)
	}
	return out, nil
}
