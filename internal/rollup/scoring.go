package rollup

import (
	"math"

	"platecal/internal/capture"
	"platecal/internal/config"
)

// ScoreOptions parameterizes bias-controlled scoring.
type ScoreOptions struct {
	StageKey   string
	DeviceType string
	// PassBinMultiplier is the color-bin multiplier counted as passing
	// (light_green, 1.0, unless configured otherwise).
	PassBinMultiplier float64
}

// ScoreRunAgainstBias grades one analyzed run against bias-adjusted targets.
// Each cell's target is the stage target scaled by (1 + bias) for that cell,
// so runs are judged against the device's room-temperature behavior rather
// than absolute truth. The signed error is a percentage of the adjusted
// target; a cell passes when its absolute error in Newtons stays within the
// stage threshold times the pass-bin multiplier.
func ScoreRunAgainstBias(run *capture.RunData, bias capture.BiasMap, opts ScoreOptions) ScoreResult {
	if opts.PassBinMultiplier <= 0 {
		opts.PassBinMultiplier = config.ColorBinMultipliers["light_green"]
	}

	var stageKeys []string
	if run != nil {
		if opts.StageKey == config.StageAll {
			for k := range run.Stages {
				stageKeys = append(stageKeys, k)
			}
		} else {
			stageKeys = []string{opts.StageKey}
		}
	}

	var absPcts, signedPcts []float64
	passCount, total := 0, 0
	for _, sk := range stageKeys {
		stage := run.Stages[sk]
		if stage == nil {
			continue
		}
		threshold := config.PassingThreshold(sk, opts.DeviceType)
		for _, cell := range stage.Cells {
			target := stage.TargetN * (1.0 + bias.At(cell.Row, cell.Col))
			if target == 0 {
				continue
			}
			signed := (cell.MeanN - target) / target * 100.0
			absPcts = append(absPcts, math.Abs(signed))
			signedPcts = append(signedPcts, signed)
			total++

			errRatio := 999.0
			if threshold > 0 {
				errRatio = math.Abs(cell.MeanN-target) / threshold
			}
			if errRatio <= opts.PassBinMultiplier {
				passCount++
			}
		}
	}

	if len(absPcts) == 0 {
		return ScoreResult{N: 0}
	}

	meanAbs := meanOf(absPcts)
	meanSigned := meanOf(signedPcts)
	varSum := 0.0
	for _, v := range signedPcts {
		d := v - meanSigned
		varSum += d * d
	}
	div := len(signedPcts) - 1
	if div < 1 {
		div = 1
	}
	stdSigned := math.Sqrt(varSum / float64(div))
	passRate := 100.0 * float64(passCount) / float64(total)

	return ScoreResult{
		N:          len(absPcts),
		MeanAbs:    &meanAbs,
		MeanSigned: &meanSigned,
		StdSigned:  &stdSigned,
		PassRate:   &passRate,
	}
}

func meanOf(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}
