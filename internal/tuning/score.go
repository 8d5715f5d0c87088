package tuning

import (
	"fmt"
	"math"

	"platecal/internal/capture"
	"platecal/internal/config"
)

// ScoreCandidate grades a candidate processed series against the baseline
// targets. Only samples outside the baseline temperature band count; an axis
// with no out-of-band samples scores +Inf so the candidate can never win.
// Axes with a zero weight are not evaluated.
func ScoreCandidate(candidateCSV string, targets Targets, cfg config.CalibrationConfig) (Score, error) {
	weights := map[string]float64{
		"x": cfg.ScoreWeightX,
		"y": cfg.ScoreWeightY,
		"z": cfg.ScoreWeightZ,
	}

	per := map[string]map[string]float64{}
	total := 0.0
	for _, phase := range phases {
		per[phase] = map[string]float64{}
		for _, axis := range axes {
			w := weights[axis]
			if w == 0 {
				continue
			}
			target := targets[phase][axis]
			pts, err := capture.ReadSumPoints(candidateCSV, phase, axis)
			if err != nil {
				return Score{}, fmt.Errorf("score %s/%s: %w", phase, axis, err)
			}

			sum := 0.0
			n := 0
			for _, p := range pts {
				if p.TempF >= cfg.BaselineLowF && p.TempF <= cfg.BaselineHighF {
					continue
				}
				d := p.Value - target
				sum += d * d
				n++
			}

			mse := math.Inf(1)
			if n > 0 {
				mse = sum / float64(n)
			}
			per[phase][axis] = mse
			total += w * mse
		}
	}
	return Score{Total: total, PerPhaseAxisMSE: per}, nil
}
