package capture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platecal/internal/config"
)

func writeCells(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestAnalyzeSingleStageTargets(t *testing.T) {
	path := writeCells(t, "run.cells.csv",
		"stage,row,col,mean_n\n"+
			"db,0,0,205\n"+
			"db,0,1,195\n"+
			"bw,0,0,810\n")
	meta := &Meta{DeviceID: "06.0001", DeviceType: "06", BodyWeightN: 800}

	run, err := NewAnalyzer().AnalyzeSingle(path, meta)
	require.NoError(t, err)

	db := run.Stages[config.StageDB]
	require.NotNil(t, db)
	assert.InDelta(t, config.DumbbellTargetN, db.TargetN, 1e-9)
	assert.InDelta(t, 5.0, db.ToleranceN, 1e-9)
	require.Len(t, db.Cells, 2)

	bw := run.Stages[config.StageBW]
	require.NotNil(t, bw)
	assert.InDelta(t, 800.0, bw.TargetN, 1e-9)
	assert.InDelta(t, 8.0, bw.ToleranceN, 1e-9)
	assert.InDelta(t, 1.25, bw.Cells[0].SignedPct, 1e-9)
	assert.InDelta(t, 1.25, bw.Cells[0].AbsRatio, 1e-9)
}

func TestAnalyzeSingleTargetColumnOverride(t *testing.T) {
	path := writeCells(t, "run.cells.csv",
		"stage,row,col,mean_n,target_n\n"+
			"db,0,0,101,100\n")
	run, err := NewAnalyzer().AnalyzeSingle(path, &Meta{DeviceType: "06"})
	require.NoError(t, err)

	db := run.Stages[config.StageDB]
	assert.InDelta(t, 100.0, db.TargetN, 1e-9)
	assert.InDelta(t, 1.0, db.Cells[0].SignedPct, 1e-9)
}

func TestAnalyzeSingleSkipsMalformedRows(t *testing.T) {
	path := writeCells(t, "run.cells.csv",
		"stage,row,col,mean_n\n"+
			"db,0,0,205\n"+
			",1,1,205\n"+
			"db,x,0,205\n"+
			"db,0,1,notanumber\n")
	run, err := NewAnalyzer().AnalyzeSingle(path, &Meta{DeviceType: "06"})
	require.NoError(t, err)
	assert.Len(t, run.Stages[config.StageDB].Cells, 1)
}

func TestAnalyzeSingleMissingColumn(t *testing.T) {
	path := writeCells(t, "run.cells.csv", "stage,row,col\ndb,0,0\n")
	_, err := NewAnalyzer().AnalyzeSingle(path, nil)
	assert.Error(t, err)
}

func TestAnalyzePairGridExtentFallback(t *testing.T) {
	base := writeCells(t, "base.cells.csv",
		"stage,row,col,mean_n\ndb,0,0,200\ndb,2,3,200\n")
	sel := writeCells(t, "sel.cells.csv",
		"stage,row,col,mean_n\ndb,1,1,200\n")

	p, err := NewAnalyzer().AnalyzePair(base, sel, &Meta{DeviceType: "06", BodyWeightN: 800})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Grid.Rows)
	assert.Equal(t, 4, p.Grid.Cols)
	assert.Equal(t, "06", p.Grid.DeviceType)
	assert.InDelta(t, 800.0, p.BodyWeightN, 1e-9)
	require.NotNil(t, p.Baseline)
	require.NotNil(t, p.Selected)
}

func TestReadSumPointsSortsAndFilters(t *testing.T) {
	path := writeCells(t, "series.csv",
		"phase,sum-t,sum-x,sum-y,sum-z\n"+
			"45lb,90,1,2,130\n"+
			"45lb,60,1,2,110\n"+
			"bodyweight,75,1,2,500\n"+
			"45lb,notanumber,1,2,120\n")

	pts, err := ReadSumPoints(path, "45lb", "z")
	require.NoError(t, err)
	require.Len(t, pts, 2)
	assert.Equal(t, 60.0, pts[0].TempF)
	assert.Equal(t, 90.0, pts[1].TempF)
	assert.Equal(t, 110.0, pts[0].Value)

	// Missing files read as empty, not as an error.
	pts, err = ReadSumPoints(filepath.Join(t.TempDir(), "absent.csv"), "45lb", "z")
	require.NoError(t, err)
	assert.Empty(t, pts)

	_, err = ReadSumPoints(path, "45lb", "w")
	assert.Error(t, err)
}
