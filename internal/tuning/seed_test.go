package tuning

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSuggestOriginRecoversLinearDrift(t *testing.T) {
	// z drops 0.4 per degree away from a 100 N baseline at 76 F, the drift
	// a +0.004 correction coefficient exactly cancels. x and y are flat.
	body := "phase,sum-t,sum-x,sum-y,sum-z\n"
	for _, phase := range []string{"45lb", "bodyweight"} {
		for _, temp := range []float64{60, 68, 75, 76, 77, 84, 90} {
			z := 100 * (1 - (temp-76)*0.004)
			body += fmt.Sprintf("%s,%.1f,10,10,%.6f\n", phase, temp, z)
		}
	}
	path := writeSeries(t, body)

	got, err := SuggestOrigin(path, testCalibConfig())
	require.NoError(t, err)
	assert.InDelta(t, 0.004, got.Origin.Z, 1e-6)
	assert.InDelta(t, 0.0, got.Origin.X, 1e-9)
	assert.InDelta(t, 0.0, got.Origin.Y, 1e-9)
	assert.NotEmpty(t, got.Estimates)
	for _, e := range got.Estimates {
		assert.Equal(t, "weighted_baseline", e.Method)
		assert.Equal(t, 7, e.N)
		assert.Len(t, e.Line, 7)
	}
	// The overlay line tracks the captured z series.
	for _, e := range got.Estimates {
		if e.Axis != "z" {
			continue
		}
		for _, p := range e.Line {
			assert.InDelta(t, 100*(1-(p.TempF-76)*0.004), p.Value, 0.5)
		}
	}
}

func TestSuggestOriginClampsToAxisBounds(t *testing.T) {
	// A steep drift estimates beyond ZMax and is clamped to it.
	body := "phase,sum-t,sum-x,sum-y,sum-z\n"
	for _, phase := range []string{"45lb", "bodyweight"} {
		for _, temp := range []float64{60, 76, 90} {
			z := 100 * (1 - (temp-76)*0.05)
			body += fmt.Sprintf("%s,%.1f,0,0,%.6f\n", phase, temp, z)
		}
	}
	path := writeSeries(t, body)

	cfg := testCalibConfig()
	got, err := SuggestOrigin(path, cfg)
	require.NoError(t, err)
	assert.InDelta(t, cfg.ZMax, got.Origin.Z, 1e-9)
}

func TestSuggestOriginNegativeDriftFloorsAtZero(t *testing.T) {
	// Values rising with temperature would need a negative coefficient,
	// which the searchable grid does not carry.
	body := "phase,sum-t,sum-x,sum-y,sum-z\n"
	for _, phase := range []string{"45lb", "bodyweight"} {
		for _, temp := range []float64{60, 76, 90} {
			z := 100 * (1 + (temp-76)*0.004)
			body += fmt.Sprintf("%s,%.1f,0,0,%.6f\n", phase, temp, z)
		}
	}
	path := writeSeries(t, body)

	got, err := SuggestOrigin(path, testCalibConfig())
	require.NoError(t, err)
	assert.Equal(t, 0.0, got.Origin.Z)
}

func TestSuggestOriginEmptySeries(t *testing.T) {
	path := writeSeries(t, "phase,sum-t,sum-x,sum-y,sum-z\n")
	_, err := SuggestOrigin(path, testCalibConfig())
	assert.Error(t, err)

	_, err = SuggestOrigin(filepath.Join(t.TempDir(), "absent.csv"), testCalibConfig())
	assert.Error(t, err)
}
