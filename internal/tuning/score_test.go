package tuning

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platecal/internal/config"
)

func writeSeries(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "series.csv")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestComputeBaselineTargetsUsesBand(t *testing.T) {
	path := writeSeries(t,
		"phase,sum-t,sum-x,sum-y,sum-z\n"+
			"45lb,75,1,2,100\n"+
			"45lb,77,1,2,100\n"+
			"45lb,60,1,2,150\n"+
			"bodyweight,75,1,2,200\n"+
			"bodyweight,90,1,2,260\n")

	targets, err := ComputeBaselineTargets(path, testCalibConfig())
	require.NoError(t, err)
	assert.InDelta(t, 100.0, targets[config.Phase45LB]["z"], 1e-9)
	assert.InDelta(t, 200.0, targets[config.PhaseBodyweight]["z"], 1e-9)
}

func TestComputeBaselineTargetsFallsBackToAllSamples(t *testing.T) {
	// No sample inside 74..78; the mean of everything stands in.
	path := writeSeries(t,
		"phase,sum-t,sum-x,sum-y,sum-z\n"+
			"45lb,60,0,0,90\n"+
			"45lb,90,0,0,110\n"+
			"bodyweight,60,0,0,200\n")

	targets, err := ComputeBaselineTargets(path, testCalibConfig())
	require.NoError(t, err)
	assert.InDelta(t, 100.0, targets[config.Phase45LB]["z"], 1e-9)
	assert.InDelta(t, 200.0, targets[config.PhaseBodyweight]["z"], 1e-9)
}

func TestScoreCandidateOutOfBandMSE(t *testing.T) {
	// Out-of-band samples sit 30 above the target on both phases.
	path := writeSeries(t,
		"phase,sum-t,sum-x,sum-y,sum-z\n"+
			"45lb,75,0,0,100\n"+
			"45lb,60,0,0,130\n"+
			"45lb,90,0,0,130\n"+
			"bodyweight,75,0,0,100\n"+
			"bodyweight,60,0,0,130\n")

	targets := Targets{
		config.Phase45LB:        {"x": 0, "y": 0, "z": 100},
		config.PhaseBodyweight:  {"x": 0, "y": 0, "z": 100},
	}
	score, err := ScoreCandidate(path, targets, testCalibConfig())
	require.NoError(t, err)

	assert.InDelta(t, 900.0, score.PerPhaseAxisMSE[config.Phase45LB]["z"], 1e-9)
	assert.InDelta(t, 900.0, score.PerPhaseAxisMSE[config.PhaseBodyweight]["z"], 1e-9)
	assert.InDelta(t, 1800.0, score.Total, 1e-9)
	assert.True(t, score.Viable())

	// Zero-weight axes are never read.
	_, hasX := score.PerPhaseAxisMSE[config.Phase45LB]["x"]
	assert.False(t, hasX)
}

func TestScoreCandidateEmptyAxisIsNonViable(t *testing.T) {
	// Every sample is in-band, so no out-of-band MSE exists.
	path := writeSeries(t,
		"phase,sum-t,sum-x,sum-y,sum-z\n"+
			"45lb,75,0,0,100\n"+
			"bodyweight,76,0,0,100\n")

	targets := Targets{
		config.Phase45LB:       {"z": 100},
		config.PhaseBodyweight: {"z": 100},
	}
	score, err := ScoreCandidate(path, targets, testCalibConfig())
	require.NoError(t, err)
	assert.True(t, math.IsInf(score.Total, 1))
	assert.False(t, score.Viable())
}
