package rollup

import (
	"math"

	"platecal/internal/capture"
	"platecal/internal/coefkey"
)

// Observation pairs a stage force with the best coefficient found there.
type Observation struct {
	ForceN float64
	Coef   float64
}

// ComputeCAndK fits the unified post-correction model from per-stage best
// coefficients. c is the quantized mean coefficient; k is the force
// sensitivity from an anchored least-squares fit of the coefficient deltas
// against normalized force offsets x = (F - Fref)/Fref:
//
//	k = sum(x_i * (c_i - c)) / sum(x_i^2)
//
// Returns ok=false without observations or a usable reference force.
func ComputeCAndK(obs []Observation, frefN, quantizeStep float64) (c, k float64, ok bool) {
	if len(obs) == 0 || frefN <= 0 {
		return 0, 0, false
	}

	sum := 0.0
	for _, o := range obs {
		sum += o.Coef
	}
	c = coefkey.Quantize(sum/float64(len(obs)), quantizeStep)

	num, den := 0.0, 0.0
	for _, o := range obs {
		x := (o.ForceN - frefN) / frefN
		num += x * (o.Coef - c)
		den += x * x
	}
	if den != 0 {
		k = num / den
	}
	return c, k, true
}

// PostCorrectionScale computes the per-cell correction factor
//
//	scale = 1 + deltaT * k * ((|F| - Fref)/Fref)
//
// so readings far from the reference force get a temperature-and-load
// dependent adjustment. A non-positive Fref disables the correction.
func PostCorrectionScale(fzN, deltaTF, k, frefN float64) float64 {
	if frefN <= 0 {
		return 1.0
	}
	return 1.0 + deltaTF*k*((math.Abs(fzN)-frefN)/frefN)
}

// ApplyPostCorrection rescales every cell mean in place and re-derives the
// cell's signed percent error and tolerance ratio from the corrected value.
func ApplyPostCorrection(run *capture.RunData, deltaTF, k, frefN float64) {
	if run == nil || frefN <= 0 {
		return
	}
	for _, stage := range run.Stages {
		if stage == nil {
			continue
		}
		for i := range stage.Cells {
			cell := &stage.Cells[i]
			corrected := cell.MeanN * PostCorrectionScale(cell.MeanN, deltaTF, k, frefN)
			cell.MeanN = corrected
			if stage.TargetN != 0 {
				cell.SignedPct = (corrected - stage.TargetN) / stage.TargetN * 100.0
			}
			if stage.ToleranceN != 0 {
				cell.AbsRatio = math.Abs(corrected-stage.TargetN) / stage.ToleranceN
			}
		}
	}
}
