package tuning

import (
	"fmt"

	"platecal/internal/capture"
	"platecal/internal/config"
)

var (
	phases = []string{config.Phase45LB, config.PhaseBodyweight}
	axes   = []string{"x", "y", "z"}
)

// ComputeBaselineTargets derives the per-phase, per-axis target values from
// a correction-off processed series. Each target is the mean of the samples
// inside the baseline temperature band; when the band is empty it falls back
// to the mean of every sample, and to 0 when the series has no data at all.
func ComputeBaselineTargets(offCSV string, cfg config.CalibrationConfig) (Targets, error) {
	targets := Targets{}
	for _, phase := range phases {
		targets[phase] = map[string]float64{}
		for _, axis := range axes {
			pts, err := capture.ReadSumPoints(offCSV, phase, axis)
			if err != nil {
				return nil, fmt.Errorf("baseline targets for %s/%s: %w", phase, axis, err)
			}
			var inBand []float64
			for _, p := range pts {
				if p.TempF >= cfg.BaselineLowF && p.TempF <= cfg.BaselineHighF {
					inBand = append(inBand, p.Value)
				}
			}
			if len(inBand) == 0 {
				for _, p := range pts {
					inBand = append(inBand, p.Value)
				}
			}
			targets[phase][axis] = mean(inBand)
		}
	}
	return targets, nil
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
