package tuning

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// errBudgetSpent stops a sweep once the new-evaluation budget is used up.
var errBudgetSpent = errors.New("evaluation budget spent")

// PairSweepOptions selects between the coarse grid and the precise
// symmetric-offset grid around a known-good origin.
type PairSweepOptions struct {
	PreciseOrigin *Coeffs
}

// PairSweep explores coefficient space by fixing two axes on a grid and
// scanning the third axis with an early stop after consecutive non-improving
// evaluations. All three axis pairings are covered: (x,y) scanning z,
// (x,z) scanning y and (y,z) scanning x.
type PairSweep struct {
	session *Session
}

// NewPairSweep creates a sweep over an open session.
func NewPairSweep(s *Session) *PairSweep {
	return &PairSweep{session: s}
}

// Run executes the sweep until the budget is spent, the grid is exhausted or
// ctx is cancelled. The persisted best record is returned either way; a
// cancelled sweep is marked Cancelled with its partial progress intact.
func (ps *PairSweep) Run(ctx context.Context, opts PairSweepOptions) (*BestRecord, error) {
	cfg := ps.session.cfg

	var xVals, yVals, zVals []float64
	mode := ModeCoarse
	origin := Coeffs{}
	if opts.PreciseOrigin != nil {
		origin = clampNonNegative(*opts.PreciseOrigin)
		xVals = gridFromOrigin(origin.X, cfg.PreciseOffsetMax, cfg.PreciseOffsetStep)
		yVals = gridFromOrigin(origin.Y, cfg.PreciseOffsetMax, cfg.PreciseOffsetStep)
		zVals = gridFromOrigin(origin.Z, cfg.PreciseOffsetMax, cfg.PreciseOffsetStep)
		mode = ModePrecise
	} else {
		xVals = gridFromMax(cfg.XMax, cfg.SweepStep)
		yVals = gridFromMax(cfg.YMax, cfg.SweepStep)
		zVals = gridFromMax(cfg.ZMax, cfg.SweepStep)
	}

	axisMax := map[string]float64{"x": cfg.XMax, "y": cfg.YMax, "z": cfg.ZMax}
	pairsTotal := len(xVals)*len(yVals) + len(xVals)*len(zVals) + len(yVals)*len(zVals)
	pairsDone := 0
	worseLimit := cfg.SweepStopAfterWorse
	if worseLimit < 1 {
		worseLimit = 1
	}

	emit := func(currentScore float64) {
		best, bestScore, _ := ps.session.Best()
		p := Progress{
			PairsDone:    intPtr(pairsDone),
			PairsTotal:   intPtr(pairsTotal),
			CurrentScore: scorePtr(currentScore),
			BestScore:    scorePtr(bestScore),
			BestOutputCSV: func() string {
				if ps.session.bestCoeffs != nil {
					return ps.session.bestCSV
				}
				return ""
			}(),
			TuningMode: mode,
		}
		if ps.session.bestCoeffs != nil {
			p.BestCoeffs = &best
		}
		ps.session.Emit(p)
	}

	// scanPair minimizes the third axis for one fixed (a, b) pair. Budget
	// exhaustion mid-scan ends the scan but not the pair bookkeeping.
	scanPair := func(ctx context.Context, third, fixedA, fixedB string, va, vb float64) (float64, error) {
		bestLocal := math.Inf(1)
		base := Coeffs{}.WithAxis(fixedA, va).WithAxis(fixedB, vb)
		pairID := fmt.Sprintf("%s%s:%.7f,%.7f", fixedA, fixedB, va, vb)

		tryAt := func(v3 float64, pid string) (float64, bool, error) {
			s, ok, err := ps.session.Evaluate(ctx, base.WithAxis(third, round7(v3)), pid, mode)
			if err != nil || !ok {
				return 0, false, err
			}
			return s, true, nil
		}

		if mode == ModePrecise {
			originV := round7(math.Max(0, origin.Axis(third)))
			step := round7(cfg.PreciseOffsetStep)
			if step <= 0 {
				step = 0.0001
			}
			max3 := math.Max(0, axisMax[third])

			runDirection := func(delta float64, clampMin0, clampMax bool) error {
				s0, ok, err := tryAt(originV, pairID)
				if err != nil || !ok {
					return err
				}
				if s0 < bestLocal {
					bestLocal = s0
				}
				bestDir := s0
				worse := 0
				for v3 := round7(originV + delta); ; v3 = round7(v3 + delta) {
					if clampMin0 && v3 < -1e-12 {
						return nil
					}
					vEval := v3
					if clampMin0 {
						vEval = round7(math.Max(0, vEval))
					}
					if clampMax && vEval > max3+1e-12 {
						return nil
					}
					s, ok, err := tryAt(vEval, pairID)
					if err != nil || !ok {
						return err
					}
					if s < bestLocal {
						bestLocal = s
					}
					if s < bestDir {
						bestDir = s
						worse = 0
					} else {
						worse++
						if worse >= worseLimit {
							return nil
						}
					}
				}
			}
			if err := runDirection(step, false, true); err != nil {
				return bestLocal, err
			}
			if err := runDirection(-step, true, false); err != nil {
				return bestLocal, err
			}
			return bestLocal, nil
		}

		var thirdVals []float64
		switch third {
		case "x":
			thirdVals = xVals
		case "y":
			thirdVals = yVals
		default:
			thirdVals = zVals
		}
		worse := 0
		for _, v3 := range thirdVals {
			s, ok, err := tryAt(v3, pairID)
			if err != nil || !ok {
				return bestLocal, err
			}
			if s < bestLocal {
				bestLocal = s
				worse = 0
				continue
			}
			worse++
			if worse >= worseLimit {
				break
			}
		}
		return bestLocal, nil
	}

	sweep := func(ctx context.Context, third, fixedA, fixedB string, aVals, bVals []float64) error {
		for _, va := range aVals {
			if err := ctx.Err(); err != nil {
				return err
			}
			if !ps.session.BudgetLeft() {
				return errBudgetSpent
			}
			for _, vb := range bVals {
				if err := ctx.Err(); err != nil {
					return err
				}
				if !ps.session.BudgetLeft() {
					return errBudgetSpent
				}
				bestLocal, err := scanPair(ctx, third, fixedA, fixedB, va, vb)
				if err != nil {
					return err
				}
				pairsDone++
				emit(bestLocal)
			}
		}
		return nil
	}

	cancelled := false
	pairings := []struct{ third, a, b string }{
		{"z", "x", "y"},
		{"y", "x", "z"},
		{"x", "y", "z"},
	}
	for _, p := range pairings {
		var aVals, bVals []float64
		switch p.a {
		case "x":
			aVals = xVals
		case "y":
			aVals = yVals
		}
		switch p.b {
		case "y":
			bVals = yVals
		case "z":
			bVals = zVals
		}
		err := sweep(ctx, p.third, p.a, p.b, aVals, bVals)
		if err == nil {
			continue
		}
		if errors.Is(err, errBudgetSpent) {
			break
		}
		cancelled = true
		break
	}

	return ps.session.WriteBest(mode, cancelled, intPtr(pairsTotal), intPtr(pairsDone))
}

// gridFromMax builds the coarse grid 0..maxV inclusive.
func gridFromMax(maxV, step float64) []float64 {
	if step <= 0 {
		step = 0.001
	}
	n := int(math.Round(maxV / step))
	vals := make([]float64, 0, n+1)
	for i := 0; i <= n; i++ {
		vals = append(vals, round7(step*float64(i)))
	}
	return vals
}

// gridFromOrigin builds the precise grid origin +/- [0..offsetMax] in steps
// of offsetStep, clamped at zero and deduplicated.
func gridFromOrigin(origin, offsetMax, offsetStep float64) []float64 {
	if offsetStep <= 0 {
		offsetStep = 0.0001
	}
	if offsetMax < 0 {
		offsetMax = 0
	}
	n := int(math.Round(offsetMax / offsetStep))
	seen := map[float64]bool{}
	var vals []float64
	for i := -n; i <= n; i++ {
		v := round7(math.Max(0, origin+offsetStep*float64(i)))
		if !seen[v] {
			seen[v] = true
			vals = append(vals, v)
		}
	}
	sort.Float64s(vals)
	return vals
}

func clampNonNegative(c Coeffs) Coeffs {
	return Coeffs{
		X: round7(math.Max(0, c.X)),
		Y: round7(math.Max(0, c.Y)),
		Z: round7(math.Max(0, c.Z)),
	}
}

func round7(v float64) float64 {
	return math.Round(v*1e7) / 1e7
}
