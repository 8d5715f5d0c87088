// Package tuning implements the per-test coefficient search engine: baseline
// target derivation, candidate scoring, the persisted evaluation cache and
// the three search strategies that drive it.
package tuning

import (
	"math"

	"platecal/internal/coefkey"
)

// Tuning modes recorded in run and best artifacts.
const (
	ModeCoarse      = "coarse"
	ModePrecise     = "precise"
	ModeLocalRefine = "local_refine"
)

// Coeffs is one x/y/z coefficient vector evaluated by a search.
type Coeffs struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Triple lifts the vector into a keyed coefficient triple.
func (c Coeffs) Triple(mode string) coefkey.Triple {
	return coefkey.Triple{Mode: mode, X: c.X, Y: c.Y, Z: c.Z}
}

// Axis returns the named axis value.
func (c Coeffs) Axis(axis string) float64 {
	switch axis {
	case "x":
		return c.X
	case "y":
		return c.Y
	case "z":
		return c.Z
	}
	return 0
}

// WithAxis returns a copy with the named axis replaced.
func (c Coeffs) WithAxis(axis string, v float64) Coeffs {
	switch axis {
	case "x":
		c.X = v
	case "y":
		c.Y = v
	case "z":
		c.Z = v
	}
	return c
}

// Targets holds baseline target values per phase and axis.
type Targets map[string]map[string]float64

// Score is a weighted target-MSE evaluation of one candidate output.
type Score struct {
	Total           float64
	PerPhaseAxisMSE map[string]map[string]float64
}

// Viable reports whether the candidate produced a finite score.
func (s Score) Viable() bool {
	return !math.IsInf(s.Total, 1)
}

// scorePtr encodes a score for JSON artifacts: +Inf (non-viable) becomes
// null so the files stay parseable by any JSON reader.
func scorePtr(v float64) *float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return nil
	}
	f := v
	return &f
}

// scoreVal decodes a stored score, mapping null back to +Inf.
func scoreVal(p *float64) float64 {
	if p == nil {
		return math.Inf(1)
	}
	return *p
}
