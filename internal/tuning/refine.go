package tuning

import (
	"context"
	"fmt"
	"math"
)

// maxNudgeSteps bounds how far the plateau nudge may walk along one axis.
const maxNudgeSteps = 500

// LocalRefine walks outward from the best known coefficients in small steps:
// per-axis forward and backward line searches with a tight worse-streak
// stop, and when a full pass over the axes yields no improvement, a "nudge"
// that relocates to the nearest unevaluated neighbor on a rotating axis so
// the search escapes plateaus instead of spinning on cached scores.
type LocalRefine struct {
	session *Session
}

// NewLocalRefine creates a refinement search over an open session.
func NewLocalRefine(s *Session) *LocalRefine {
	return &LocalRefine{session: s}
}

// Run refines starting from the session's best coefficients, with non-zero
// axes of start overriding the resume point. It stops when the budget is
// spent, no moves remain inside the axis bounds, or ctx is cancelled.
func (lr *LocalRefine) Run(ctx context.Context, start *Coeffs) (*BestRecord, error) {
	cfg := lr.session.cfg
	axisMax := map[string]float64{"x": cfg.XMax, "y": cfg.YMax, "z": cfg.ZMax}
	step := cfg.RefineStep
	if step <= 0 {
		step = 0.0001
	}
	worseLimit := cfg.RefineStopAfterWorse
	if worseLimit < 1 {
		worseLimit = 1
	}

	ref := Coeffs{}
	if best, _, ok := lr.session.Best(); ok {
		ref = best
	}
	if start != nil {
		if start.X != 0 {
			ref.X = start.X
		}
		if start.Y != 0 {
			ref.Y = start.Y
		}
		if start.Z != 0 {
			ref.Z = start.Z
		}
	}

	emitStatus := func(msg string) {
		best, bestScore, ok := lr.session.Best()
		p := Progress{
			Event:      "refine_status",
			Message:    msg,
			BestScore:  scorePtr(bestScore),
			TuningMode: ModeLocalRefine,
		}
		if ok {
			p.BestCoeffs = &best
			p.BestOutputCSV = lr.session.bestCSV
		}
		lr.session.Emit(p)
	}

	evalTagged := func(c Coeffs, tag string) (float64, bool, error) {
		return lr.session.Evaluate(ctx, c, "refine:"+tag, ModeLocalRefine)
	}

	refScore := math.Inf(1)
	if cached, ok := lr.session.Cached(ref); ok {
		refScore = cached
	} else {
		emitStatus("Refine: evaluating start point")
		if s, ok, err := evalTagged(ref, "start"); err != nil {
			rec, werr := lr.session.WriteBest(ModeLocalRefine, true, nil, nil)
			if werr != nil {
				return nil, werr
			}
			return rec, nil
		} else if ok {
			refScore = s
		}
	}

	refBest := ref
	refBestScore := refScore
	axisOrder := []string{"x", "y", "z"}
	nudgeAxis := 0
	cancelled := false

loop:
	for lr.session.BudgetLeft() {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		prevNewRuns := lr.session.NewRuns()
		improved := false

		for _, ax := range axisOrder {
			if ctx.Err() != nil {
				cancelled = true
				break loop
			}
			origin := math.Max(0, math.Min(axisMax[ax], refBest.Axis(ax)))

			scoreAt := func(v float64, tag string) (float64, bool, error) {
				return evalTagged(refBest.WithAxis(ax, v), tag)
			}

			sOrigin, ok, err := scoreAt(origin, ax+":origin")
			if err != nil {
				cancelled = true
				break loop
			}
			if !ok {
				break
			}

			bestFwd, bestFwdVal := sOrigin, origin
			worse := 0
			for v := round7(origin + step); v <= axisMax[ax]+1e-12; v = round7(v + step) {
				s, ok, err := scoreAt(v, ax+":+")
				if err != nil {
					cancelled = true
					break loop
				}
				if !ok {
					break
				}
				if s < bestFwd {
					bestFwd, bestFwdVal = s, v
					worse = 0
				} else {
					worse++
					if worse >= worseLimit {
						break
					}
				}
			}

			bestBack, bestBackVal := sOrigin, origin
			worse = 0
			for v := round7(origin - step); v >= -1e-12; v = round7(v - step) {
				vc := round7(math.Max(0, v))
				s, ok, err := scoreAt(vc, ax+":-")
				if err != nil {
					cancelled = true
					break loop
				}
				if !ok {
					break
				}
				if s < bestBack {
					bestBack, bestBackVal = s, vc
					worse = 0
				} else {
					worse++
					if worse >= worseLimit {
						break
					}
				}
			}

			candVal, candScore := bestBackVal, bestBack
			if bestFwd < bestBack {
				candVal, candScore = bestFwdVal, bestFwd
			}
			if candScore < refBestScore {
				refBestScore = candScore
				refBest = refBest.WithAxis(ax, candVal)
				improved = true
			}
		}

		if improved {
			continue
		}

		// Plateau: probe increasing step multiples on a rotating axis,
		// preferring the first point that triggers a NEW evaluation.
		ax := axisOrder[nudgeAxis%3]
		nudgeAxis++
		cur := refBest.Axis(ax)

		maxK := int(math.Max(1, math.Round(axisMax[ax]/step)))
		if maxK > maxNudgeSteps {
			maxK = maxNudgeSteps
		}

		moved := false
		evaluatedNew := false
	nudge:
		for k := 1; k <= maxK; k++ {
			for _, sign := range []float64{1, -1} {
				nv := math.Max(0, math.Min(axisMax[ax], cur+sign*float64(k)*step))
				if math.Abs(nv-cur) < 1e-12 {
					continue
				}
				cand := refBest.WithAxis(ax, nv)
				if cached, ok := lr.session.Cached(cand); ok {
					if !moved {
						refBest = cand
						refBestScore = cached
						moved = true
					}
					continue
				}
				s, ok, err := evalTagged(cand, fmt.Sprintf("nudge:%s", ax))
				if err != nil {
					cancelled = true
					break loop
				}
				if !ok {
					continue
				}
				refBest = cand
				refBestScore = s
				moved = true
				evaluatedNew = true
				break nudge
			}
		}

		if !moved {
			emitStatus("Refine: no further moves available (at bounds).")
			break
		}
		if !evaluatedNew && lr.session.NewRuns() == prevNewRuns {
			emitStatus("Refine: no new combos left to evaluate near current best; stopping.")
			break
		}
	}

	return lr.session.WriteBest(ModeLocalRefine, cancelled, nil, nil)
}
