package rollup

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"platecal/internal/capture"
)

func TestPctByCell(t *testing.T) {
	stage := &capture.Stage{
		TargetN: 200,
		Cells: []capture.Cell{
			{Row: 0, Col: 0, MeanN: 210},
			{Row: 1, Col: 1, MeanN: 190},
		},
	}
	pcts := pctByCell(stage)
	assert.Len(t, pcts, 2)
	assert.InDelta(t, 0.05, pcts[cellPos{0, 0}], 1e-9)
	assert.InDelta(t, -0.05, pcts[cellPos{1, 1}], 1e-9)

	// A non-positive target yields no usable offsets.
	assert.Empty(t, pctByCell(&capture.Stage{TargetN: 0, Cells: stage.Cells}))
}

func TestMapMean(t *testing.T) {
	assert.Equal(t, 0.0, mapMean(nil))
	m := map[cellPos]float64{
		{0, 0}: 0.10,
		{0, 1}: -0.04,
	}
	assert.InDelta(t, 0.03, mapMean(m), 1e-9)
}

func TestAverageMaps(t *testing.T) {
	a := capture.BiasMap{{0.10, 0.20}, {0.30, 0.40}}
	b := capture.BiasMap{{0.30, 0.00}, {0.10, 0.20}}
	avg := averageMaps([]capture.BiasMap{a, b}, 2, 2)
	assert.InDelta(t, 0.20, avg.At(0, 0), 1e-9)
	assert.InDelta(t, 0.10, avg.At(0, 1), 1e-9)
	assert.InDelta(t, 0.20, avg.At(1, 0), 1e-9)
	assert.InDelta(t, 0.30, avg.At(1, 1), 1e-9)

	// No contributing baselines leaves an all-zero grid of the right shape.
	empty := averageMaps(nil, 2, 3)
	assert.Len(t, empty, 2)
	assert.Len(t, empty[0], 3)
	assert.Equal(t, 0.0, empty.At(1, 2))
}
