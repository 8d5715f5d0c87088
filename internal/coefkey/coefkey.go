// Package coefkey defines the canonical representation of a temperature
// correction coefficient set and its stable string key.
//
// Keys look like "scalar:x=0.002000,y=0.002000,z=0.002000" and are used as
// dedupe and cache identities everywhere coefficients are persisted, so the
// formatting here must never change.
package coefkey

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Modes accepted in coefficient keys.
const (
	ModeScalar = "scalar"
	ModeLegacy = "legacy"
)

// Triple is one coefficient set for the three force axes.
type Triple struct {
	Mode string  `json:"mode"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Z    float64 `json:"z"`
}

// Key returns the canonical key for t with 6-decimal axis formatting.
// An empty mode falls back to "legacy" to match historical artifacts.
func (t Triple) Key() string {
	m := strings.ToLower(strings.TrimSpace(t.Mode))
	if m == "" {
		m = ModeLegacy
	}
	return fmt.Sprintf("%s:x=%.6f,y=%.6f,z=%.6f", m, t.X, t.Y, t.Z)
}

// Unified reports whether all three axes carry the same value within tol.
func (t Triple) Unified(tol float64) bool {
	return math.Abs(t.X-t.Y) <= tol && math.Abs(t.X-t.Z) <= tol
}

// Quantize snaps every axis to the nearest multiple of step.
// A non-positive step returns t unchanged.
func (t Triple) Quantize(step float64) Triple {
	if step <= 0 {
		return t
	}
	return Triple{
		Mode: t.Mode,
		X:    Quantize(t.X, step),
		Y:    Quantize(t.Y, step),
		Z:    Quantize(t.Z, step),
	}
}

// Quantize snaps v to the nearest multiple of step.
func Quantize(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	return math.Round(v/step) * step
}

// Unified builds a triple with the same coefficient on all axes.
func Unified(mode string, c float64) Triple {
	return Triple{Mode: mode, X: c, Y: c, Z: c}
}

// Parse decodes a stored coefficient key. It accepts the canonical format
// plus minor variations (extra whitespace, axis parts in any order, missing
// mode prefix). It returns ok=false when any of x, y, z is absent or
// unparseable.
func Parse(key string) (Triple, bool) {
	s := strings.TrimSpace(key)
	if s == "" {
		return Triple{}, false
	}
	mode := ""
	rest := s
	if i := strings.Index(s, ":"); i >= 0 {
		mode = s[:i]
		rest = s[i+1:]
	}

	axes := map[string]float64{}
	for _, part := range strings.Split(rest, ",") {
		part = strings.TrimSpace(part)
		k, v, found := strings.Cut(part, "=")
		if !found {
			continue
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return Triple{}, false
		}
		axes[strings.ToLower(strings.TrimSpace(k))] = f
	}

	x, okX := axes["x"]
	y, okY := axes["y"]
	z, okZ := axes["z"]
	if !okX || !okY || !okZ {
		return Triple{}, false
	}
	return Triple{
		Mode: strings.ToLower(strings.TrimSpace(mode)),
		X:    x,
		Y:    y,
		Z:    z,
	}, true
}

// Tag formats a coefficient value for filenames: fixed 6 decimals with
// trailing zeros (and a trailing dot) stripped, "0" for zero.
func Tag(v float64) string {
	s := strconv.FormatFloat(v, 'f', 6, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" || s == "-" {
		return "0"
	}
	return s
}
