package tuning

import (
	"context"
	"math"
)

// goldenRatioConjugate shrinks the bracket by ~0.618 per iteration.
const goldenRatioConjugate = 0.6180339887498949

// GoldenOptions bounds a 1-D golden-section minimization on a quantized
// coefficient grid.
type GoldenOptions struct {
	Min  float64
	Max  float64
	Step float64
}

// GoldenResult reports the minimizer found, if any candidate scored.
type GoldenResult struct {
	OK        bool
	BestCoef  float64
	BestScore float64
}

// EvalFunc scores one quantized coefficient. A nil score means no data was
// available at that point; the search then probes nearby grid points.
type EvalFunc func(ctx context.Context, coef float64) (*float64, error)

// GoldenSectionSearch minimizes eval over [Min, Max] assuming the objective
// is unimodal. All probes are snapped to the Step grid and each grid point
// is evaluated at most once; endpoints are probed first so a boundary
// minimum is never missed. The search stops once the bracket width reaches
// one step.
func GoldenSectionSearch(ctx context.Context, opts GoldenOptions, eval EvalFunc) (GoldenResult, error) {
	step := opts.Step
	if step <= 0 {
		step = 0.0001
	}
	lo := quantize(opts.Min, step)
	hi := quantize(opts.Max, step)

	res := GoldenResult{}
	evaluated := map[int64]*float64{}

	tick := func(c float64) int64 {
		return int64(math.Round(c / step))
	}

	evalAt := func(c float64) (*float64, error) {
		cc := math.Max(opts.Min, math.Min(opts.Max, quantize(c, step)))
		if v, ok := evaluated[tick(cc)]; ok {
			return v, nil
		}
		v, err := eval(ctx, cc)
		if err != nil {
			return nil, err
		}
		evaluated[tick(cc)] = v
		if v != nil && (!res.OK || *v < res.BestScore) {
			res.OK = true
			res.BestCoef = cc
			res.BestScore = *v
		}
		return v, nil
	}

	// nearestUnevaluated scans outward one step at a time for a grid point
	// that has not been probed yet.
	nearestUnevaluated := func(start, loB, hiB float64) (float64, bool) {
		startQ := quantize(start, step)
		if startQ >= loB && startQ <= hiB {
			if _, ok := evaluated[tick(startQ)]; !ok {
				return startQ, true
			}
		}
		maxSteps := int(math.Round((hiB - loB) / step))
		for j := 1; j <= maxSteps; j++ {
			a := quantize(startQ-float64(j)*step, step)
			b := quantize(startQ+float64(j)*step, step)
			if a >= loB && a <= hiB {
				if _, ok := evaluated[tick(a)]; !ok {
					return a, true
				}
			}
			if b >= loB && b <= hiB {
				if _, ok := evaluated[tick(b)]; !ok {
					return b, true
				}
			}
		}
		return 0, false
	}

	if _, err := evalAt(lo); err != nil {
		return res, err
	}
	if _, err := evalAt(hi); err != nil {
		return res, err
	}

	x1 := quantize(hi-goldenRatioConjugate*(hi-lo), step)
	x2 := quantize(lo+goldenRatioConjugate*(hi-lo), step)
	if x1 == x2 {
		x2 = quantize(x1+step, step)
	}
	if alt, ok := nearestUnevaluated(x1, lo, hi); ok {
		x1 = alt
		if _, err := evalAt(x1); err != nil {
			return res, err
		}
	}
	if alt, ok := nearestUnevaluated(x2, lo, hi); ok {
		x2 = alt
		if _, err := evalAt(x2); err != nil {
			return res, err
		}
	}

	for i := 0; i < 120; i++ {
		if hi-lo <= step {
			break
		}

		f1 := evaluated[tick(quantize(x1, step))]
		f2 := evaluated[tick(quantize(x2, step))]
		if f1 == nil {
			alt, ok := nearestUnevaluated(x1, lo, hi)
			if !ok {
				break
			}
			x1 = alt
			var err error
			if f1, err = evalAt(x1); err != nil {
				return res, err
			}
		}
		if f2 == nil {
			alt, ok := nearestUnevaluated(x2, lo, hi)
			if !ok {
				break
			}
			x2 = alt
			var err error
			if f2, err = evalAt(x2); err != nil {
				return res, err
			}
		}
		if f1 == nil || f2 == nil {
			break
		}

		if *f1 > *f2 {
			lo = x1
			x1 = x2
			x2 = quantize(lo+goldenRatioConjugate*(hi-lo), step)
			if alt, ok := nearestUnevaluated(x2, lo, hi); ok {
				x2 = alt
			}
			if _, err := evalAt(x2); err != nil {
				return res, err
			}
		} else {
			hi = x2
			x2 = x1
			x1 = quantize(hi-goldenRatioConjugate*(hi-lo), step)
			if alt, ok := nearestUnevaluated(x1, lo, hi); ok {
				x1 = alt
			}
			if _, err := evalAt(x1); err != nil {
				return res, err
			}
		}
	}
	return res, nil
}

func quantize(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Round(v/step) * step
}
