package rollup

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platecal/internal/capture"
	"platecal/internal/config"
)

func TestScoreRunAgainstBiasDumbbellStage(t *testing.T) {
	run := &capture.RunData{Stages: map[string]*capture.Stage{
		config.StageDB: {
			TargetN: 200,
			Cells: []capture.Cell{
				{Row: 0, Col: 0, MeanN: 202},
				{Row: 0, Col: 1, MeanN: 198},
			},
		},
	}}

	res := ScoreRunAgainstBias(run, nil, ScoreOptions{
		StageKey:   config.StageDB,
		DeviceType: "06",
	})
	require.Equal(t, 2, res.N)
	require.NotNil(t, res.MeanAbs)
	require.NotNil(t, res.MeanSigned)
	require.NotNil(t, res.PassRate)

	// +/-2 N on a 200 N target is +/-1%; both cells sit inside the 5 N
	// type-06 dumbbell threshold.
	assert.InDelta(t, 1.0, *res.MeanAbs, 1e-9)
	assert.InDelta(t, 0.0, *res.MeanSigned, 1e-9)
	assert.InDelta(t, 100.0, *res.PassRate, 1e-9)
}

func TestScoreRunAgainstBiasAppliesCellBias(t *testing.T) {
	run := &capture.RunData{Stages: map[string]*capture.Stage{
		config.StageBW: {
			TargetN: 200,
			Cells:   []capture.Cell{{Row: 0, Col: 0, MeanN: 220}},
		},
	}}
	bias := capture.BiasMap{{0.10}}

	res := ScoreRunAgainstBias(run, bias, ScoreOptions{
		StageKey:   config.StageBW,
		DeviceType: "06",
	})
	require.Equal(t, 1, res.N)
	// The adjusted target is 220, so the cell reads exactly on target.
	assert.InDelta(t, 0.0, *res.MeanSigned, 1e-9)
	assert.InDelta(t, 100.0, *res.PassRate, 1e-9)
	// A single sample carries no spread.
	assert.InDelta(t, 0.0, *res.StdSigned, 1e-9)
}

func TestScoreRunAgainstBiasMergedStages(t *testing.T) {
	run := &capture.RunData{Stages: map[string]*capture.Stage{
		config.StageDB: {
			TargetN: 200,
			Cells:   []capture.Cell{{MeanN: 204}},
		},
		config.StageBW: {
			TargetN: 800,
			Cells:   []capture.Cell{{MeanN: 792}},
		},
	}}

	res := ScoreRunAgainstBias(run, nil, ScoreOptions{
		StageKey:   config.StageAll,
		DeviceType: "06",
	})
	require.Equal(t, 2, res.N)
	// db: +2%, bw: -1%.
	assert.InDelta(t, 1.5, *res.MeanAbs, 1e-9)
	assert.InDelta(t, 0.5, *res.MeanSigned, 1e-9)
	// db: 4 N error inside the 5 N band; bw: 8 N error exactly at the
	// 8 N type-06 bodyweight threshold. Both pass.
	assert.InDelta(t, 100.0, *res.PassRate, 1e-9)
}

func TestScoreRunAgainstBiasFailingCell(t *testing.T) {
	run := &capture.RunData{Stages: map[string]*capture.Stage{
		config.StageDB: {
			TargetN: 200,
			Cells: []capture.Cell{
				{MeanN: 210}, // 10 N error, outside the 5 N band
				{MeanN: 201},
			},
		},
	}}
	res := ScoreRunAgainstBias(run, nil, ScoreOptions{
		StageKey:   config.StageDB,
		DeviceType: "06",
	})
	assert.InDelta(t, 50.0, *res.PassRate, 1e-9)
}

func TestScoreRunAgainstBiasEmpty(t *testing.T) {
	res := ScoreRunAgainstBias(nil, nil, ScoreOptions{StageKey: config.StageAll})
	assert.Equal(t, ScoreResult{N: 0}, res)

	res = ScoreRunAgainstBias(&capture.RunData{Stages: map[string]*capture.Stage{}}, nil,
		ScoreOptions{StageKey: config.StageAll})
	assert.Equal(t, 0, res.N)
	assert.Nil(t, res.MeanAbs)
}

func TestScoreRunAgainstBiasSkipsZeroTarget(t *testing.T) {
	run := &capture.RunData{Stages: map[string]*capture.Stage{
		config.StageDB: {
			TargetN: 0,
			Cells:   []capture.Cell{{MeanN: 50}},
		},
	}}
	res := ScoreRunAgainstBias(run, nil, ScoreOptions{StageKey: config.StageDB, DeviceType: "06"})
	assert.Equal(t, 0, res.N)
}
