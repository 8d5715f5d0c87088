package tuning

import (
	"math"
	"sort"

	"platecal/internal/capture"
)

// Normalization selects how the anchored slope is scaled into a coefficient.
type Normalization string

const (
	// NormalizationY0 divides by the signed baseline value. Good for the
	// z axis where the baseline is large and stable.
	NormalizationY0 Normalization = "y0"
	// NormalizationRMSBaseline divides by the RMS magnitude of the
	// baseline-band values. Robust for the near-zero x and y axes.
	NormalizationRMSBaseline Normalization = "rms_baseline"
)

// BaselineAnchor is the stable (T0, Y0) reference point coefficient
// estimation and model-line plotting hang off.
type BaselineAnchor struct {
	T0               float64
	Y0               float64
	Method           string
	UsedBaselineBand bool
}

// AnchorOptions tunes ComputeBaselineAnchor.
type AnchorOptions struct {
	BaselineLowF  float64
	BaselineHighF float64
	TargetF       float64
	ClosestK      int
}

// SummaryStats summarizes a sample of values.
type SummaryStats struct {
	N      int
	Mean   float64
	Std    float64
	Median float64
	P25    float64
	P75    float64
}

// Summarize computes population statistics over values.
func Summarize(values []float64) SummaryStats {
	if len(values) == 0 {
		return SummaryStats{}
	}
	n := len(values)
	m := mean(values)
	varSum := 0.0
	for _, v := range values {
		d := v - m
		varSum += d * d
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return SummaryStats{
		N:      n,
		Mean:   m,
		Std:    math.Sqrt(varSum / float64(n)),
		Median: percentile(sorted, 50),
		P25:    percentile(sorted, 25),
		P75:    percentile(sorted, 75),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	k := float64(len(sorted)-1) * (p / 100.0)
	f := int(k)
	c := f + 1
	if c >= len(sorted) {
		return sorted[f]
	}
	return sorted[f]*(float64(c)-k) + sorted[c]*(k-float64(f))
}

// ComputeBaselineAnchor picks the anchor with a stable preference order:
// weighted in-band mean biased toward the target temperature, plain in-band
// mean, weighted mean of the k points closest to the target, mean of all
// points, then the first point as last resort.
func ComputeBaselineAnchor(points []capture.Point, opts AnchorOptions) BaselineAnchor {
	if opts.ClosestK < 1 {
		opts.ClosestK = 5
	}
	if len(points) == 0 {
		return BaselineAnchor{T0: opts.TargetF, Method: "first"}
	}

	var baseline []capture.Point
	for _, p := range points {
		if p.TempF >= opts.BaselineLowF && p.TempF <= opts.BaselineHighF {
			baseline = append(baseline, p)
		}
	}
	if len(baseline) > 0 {
		wSum, tSum, ySum := 0.0, 0.0, 0.0
		for _, p := range baseline {
			w := 1.0 / (1.0 + math.Abs(p.TempF-opts.TargetF))
			wSum += w
			tSum += w * p.TempF
			ySum += w * p.Value
		}
		if wSum > 0 {
			return BaselineAnchor{
				T0:               tSum / wSum,
				Y0:               ySum / wSum,
				Method:           "weighted_baseline",
				UsedBaselineBand: true,
			}
		}
	}

	k := opts.ClosestK
	if k > len(points) {
		k = len(points)
	}
	closest := append([]capture.Point(nil), points...)
	sort.Slice(closest, func(i, j int) bool {
		return math.Abs(closest[i].TempF-opts.TargetF) < math.Abs(closest[j].TempF-opts.TargetF)
	})
	closest = closest[:k]
	wSum, tSum, ySum := 0.0, 0.0, 0.0
	for _, p := range closest {
		w := 1.0 / (1.0 + math.Abs(p.TempF-opts.TargetF))
		wSum += w
		tSum += w * p.TempF
		ySum += w * p.Value
	}
	if wSum > 0 {
		return BaselineAnchor{T0: tSum / wSum, Y0: ySum / wSum, Method: "closest_k"}
	}

	tSum, ySum = 0.0, 0.0
	for _, p := range points {
		tSum += p.TempF
		ySum += p.Value
	}
	n := float64(len(points))
	return BaselineAnchor{T0: tSum / n, Y0: ySum / n, Method: "mean_all"}
}

// EstimateSlope fits the anchored least-squares slope
// m = sum((ti-T0)(yi-Y0)) / sum((ti-T0)^2) in raw units per degree.
// Returns ok=false when the denominator is zero.
func EstimateSlope(points []capture.Point, anchor BaselineAnchor) (float64, int, bool) {
	num, den := 0.0, 0.0
	n := 0
	for _, p := range points {
		dt := p.TempF - anchor.T0
		dy := p.Value - anchor.Y0
		num += dt * dy
		den += dt * dt
		n++
	}
	if n == 0 || den == 0 {
		return 0, 0, false
	}
	m := num / den
	if math.IsNaN(m) {
		return 0, 0, false
	}
	return m, n, true
}

// EstimateCoefOptions tunes EstimateCoef.
type EstimateCoefOptions struct {
	Normalization Normalization
	BaselineLowF  float64
	BaselineHighF float64
}

// EstimateCoef turns the anchored slope into a correction coefficient in
// 1/degF. The sign is flipped because the processor applies coefficients
// with the opposite convention. Returns ok=false when no usable
// normalization scale exists.
func EstimateCoef(points []capture.Point, anchor BaselineAnchor, opts EstimateCoefOptions) (float64, int, bool) {
	m, n, ok := EstimateSlope(points, anchor)
	if !ok {
		return 0, 0, false
	}

	scale := anchor.Y0
	if opts.Normalization == NormalizationRMSBaseline {
		var baselineYs []float64
		for _, p := range points {
			if p.TempF >= opts.BaselineLowF && p.TempF <= opts.BaselineHighF {
				baselineYs = append(baselineYs, p.Value)
			}
		}
		scale = rms(baselineYs)
		if scale == 0 {
			scale = math.Abs(anchor.Y0)
		}
		if scale == 0 {
			all := make([]float64, 0, len(points))
			for _, p := range points {
				all = append(all, p.Value)
			}
			scale = rms(all)
		}
	}
	if scale == 0 {
		return 0, 0, false
	}

	c := -(m / scale)
	if math.IsNaN(c) {
		return 0, 0, false
	}
	return c, n, true
}

// CoefLinePoints generates the model line y(t) = Y0 * (1 - (T0-t)*C) for
// plotting a coefficient against captured data, sorted by temperature.
func CoefLinePoints(anchor BaselineAnchor, coef float64, tValues []float64) []capture.Point {
	pts := make([]capture.Point, 0, len(tValues))
	for _, t := range tValues {
		dt := anchor.T0 - t
		pts = append(pts, capture.Point{TempF: t, Value: anchor.Y0 * (1.0 - dt*coef)})
	}
	sort.Slice(pts, func(i, j int) bool { return pts[i].TempF < pts[j].TempF })
	return pts
}

func rms(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	s2 := 0.0
	for _, v := range vals {
		s2 += v * v
	}
	return math.Sqrt(s2 / float64(len(vals)))
}
