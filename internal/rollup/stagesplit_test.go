package rollup

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlateTypeFromDeviceID(t *testing.T) {
	assert.Equal(t, "06", plateTypeFromDeviceID("06.0012"))
	assert.Equal(t, "08", plateTypeFromDeviceID(" 08.0001 "))
	assert.Equal(t, "07", plateTypeFromDeviceID("07"))
	assert.Equal(t, "", plateTypeFromDeviceID(""))
}

func TestStageSplitObservations(t *testing.T) {
	rows := []StageSplitRow{
		{
			BodyWeightN:     fp(800),
			BestBWCoef:      fp(0.0045),
			DumbbellWeightN: 206.3,
			BestDBCoef:      fp(0.0038),
		},
		{
			// No per-stage result, contributes nothing.
			DumbbellWeightN: 206.3,
		},
		{
			// Body weight missing, only the dumbbell stage counts.
			DumbbellWeightN: 206.3,
			BestDBCoef:      fp(0.0040),
		},
	}

	obs := stageSplitObservations(rows)
	require.Len(t, obs, 3)
	assert.Equal(t, Observation{ForceN: 800, Coef: 0.0045}, obs[0])
	assert.Equal(t, Observation{ForceN: 206.3, Coef: 0.0038}, obs[1])
	assert.Equal(t, Observation{ForceN: 206.3, Coef: 0.0040}, obs[2])
}

func TestWriteStageSplitCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "type06-stage-split.csv")
	rows := []StageSplitRow{
		{
			PlateType:       "06",
			DeviceID:        "06.0001",
			RawCSV:          "capture.csv",
			TempF:           fp(61.5),
			BodyWeightN:     fp(800),
			BestBWCoef:      fp(0.0045),
			BWMeanAbs:       fp(1.2),
			DumbbellWeightN: 206.3,
		},
	}
	require.NoError(t, writeStageSplitCSV(path, rows))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "best_bw_coef", records[0][5])
	assert.Equal(t, "06.0001", records[1][1])
	assert.Equal(t, "61.5", records[1][3])
	assert.Equal(t, "0.0045", records[1][5])
	// Stages without a result leave empty columns.
	assert.Equal(t, "", records[1][8])
}

func TestLoadStageSplitSummaryMissing(t *testing.T) {
	svc := newPersistService(t)
	sum, err := svc.LoadStageSplitSummary("06")
	require.NoError(t, err)
	assert.Nil(t, sum)
}

func TestStageSplitCachePaths(t *testing.T) {
	svc := newPersistService(t)
	assert.Equal(t,
		filepath.Join(svc.analysisDir, "temp_coef_stage_split_reports", "type06-stage-split.csv"),
		svc.StageSplitCSVPath("06"))
}

func TestSaveAndLoadStageSplitCache(t *testing.T) {
	svc := newPersistService(t)
	require.NoError(t, os.MkdirAll(svc.stageSplitDir(), 0o755))

	report := &StageSplitReport{
		Rows: []StageSplitRow{{PlateType: "06"}},
		Summary: &StageSplitSummary{
			Coef:    0.0042,
			CoefKey: "scalar:x=0.004200,y=0.004200,z=0.004200",
			K:       0.0015,
			N:       4,
		},
	}
	sig := []stageSplitSignatureEntry{
		{DeviceID: "06.0002", RawCSV: "b.csv", Mode: "scalar"},
		{DeviceID: "06.0001", RawCSV: "a.csv", Mode: "scalar"},
	}
	svc.saveStageSplitCache("06", sig, report)

	sum, err := svc.LoadStageSplitSummary("06")
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.InDelta(t, 0.0042, sum.Coef, 1e-9)
	assert.InDelta(t, 0.0015, sum.K, 1e-9)
	assert.Equal(t, 4, sum.N)
}

func TestRemoveStaleStageSplitReports(t *testing.T) {
	svc := newPersistService(t)
	dir := svc.stageSplitDir()
	require.NoError(t, os.MkdirAll(dir, 0o755))

	stale := filepath.Join(dir, "type06-stage-split-20250101.csv")
	current := filepath.Join(dir, "type06-stage-split.csv")
	other := filepath.Join(dir, "type07-stage-split-20250101.csv")
	for _, p := range []string{stale, current, other} {
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	svc.removeStaleStageSplitReports("06")

	_, err := os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	assert.FileExists(t, current)
	assert.FileExists(t, other)
}
