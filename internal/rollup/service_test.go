package rollup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platecal/internal/backend"
	"platecal/internal/capture"
	"platecal/internal/coefkey"
)

func newPersistService(t *testing.T) *Service {
	t.Helper()
	return &Service{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:         testRollupConfig(),
		analysisDir: t.TempDir(),
	}
}

func TestLoadRollupMissingIsEmptyDocument(t *testing.T) {
	svc := newPersistService(t)
	doc, err := svc.LoadRollup("06")
	require.NoError(t, err)
	assert.Equal(t, 1, doc.Version)
	assert.Equal(t, "06", doc.PlateType)
	assert.Empty(t, doc.Runs)
}

func TestSaveAndLoadRollupRoundTrip(t *testing.T) {
	svc := newPersistService(t)
	doc := &Rollup{
		Version:   1,
		PlateType: "06",
		Runs: []Run{
			scoredRun("scalar:x=0.004000,y=0.004000,z=0.004000", "06.0001", 60, 2.0, 1.0),
		},
	}
	require.NoError(t, svc.SaveRollup(doc))
	assert.Greater(t, doc.UpdatedAtMs, int64(0))

	loaded, err := svc.LoadRollup("06")
	require.NoError(t, err)
	require.Len(t, loaded.Runs, 1)
	assert.Equal(t, doc.Runs[0].CoefKey, loaded.Runs[0].CoefKey)
	assert.Equal(t, doc.UpdatedAtMs, loaded.UpdatedAtMs)
}

func TestMergeRunsOverwritesSameIdentity(t *testing.T) {
	doc := &Rollup{Runs: []Run{
		scoredRun("k1", "06.0001", 60, 2.0, 1.0),
		scoredRun("k1", "06.0002", 60, 2.0, 1.0),
	}}

	updated := scoredRun("k1", "06.0001", 60, 9.0, 9.0)
	fresh := scoredRun("k2", "06.0001", 60, 1.0, 1.0)
	mergeRuns(doc, []Run{updated, fresh})

	require.Len(t, doc.Runs, 3)
	assert.InDelta(t, 9.0, *doc.Runs[0].Selected["all"].MeanAbs, 1e-9)
	assert.Equal(t, "k2", doc.Runs[2].CoefKey)
}

func TestResetRollupBackupAndRemove(t *testing.T) {
	svc := newPersistService(t)
	require.NoError(t, svc.SaveRollup(&Rollup{Version: 1, PlateType: "06"}))

	bak, err := svc.ResetRollup("06", true)
	require.NoError(t, err)
	require.NotEmpty(t, bak)
	assert.FileExists(t, bak)
	assert.Equal(t, filepath.Dir(svc.RollupPath("06")), filepath.Dir(bak))
	_, err = os.Stat(svc.RollupPath("06"))
	assert.True(t, os.IsNotExist(err))

	// Resetting a missing document is a no-op.
	bak, err = svc.ResetRollup("06", true)
	require.NoError(t, err)
	assert.Empty(t, bak)

	require.NoError(t, svc.SaveRollup(&Rollup{Version: 1, PlateType: "06"}))
	bak, err = svc.ResetRollup("06", false)
	require.NoError(t, err)
	assert.Empty(t, bak)
	_, err = os.Stat(svc.RollupPath("06"))
	assert.True(t, os.IsNotExist(err))
}

func TestListUnifiedCandidates(t *testing.T) {
	svc := newPersistService(t)
	doc := &Rollup{Version: 1, PlateType: "06", Runs: []Run{
		scoredRun("scalar:x=0.004000,y=0.004000,z=0.004000", "06.0001", 60, 1, 1),
		scoredRun("scalar:x=0.004000,y=0.004000,z=0.004000", "06.0002", 60, 1, 1), // duplicate key
		scoredRun("scalar:x=0.001000,y=0.001000,z=0.001000", "06.0001", 60, 1, 1),
		scoredRun("scalar:x=0.001000,y=0.002000,z=0.003000", "06.0001", 60, 1, 1), // not unified
		scoredRun("legacy:x=0.002000,y=0.002000,z=0.002000", "06.0001", 60, 1, 1), // other mode
		scoredRun("scalar:x=0.050000,y=0.050000,z=0.050000", "06.0001", 60, 1, 1), // out of range
	}}
	require.NoError(t, svc.SaveRollup(doc))

	got, err := svc.ListUnifiedCandidates("06", "scalar")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 0.001, got[0].Coef, 1e-9)
	assert.InDelta(t, 0.004, got[1].Coef, 1e-9)

	// Without a mode filter the legacy key joins in.
	got, err = svc.ListUnifiedCandidates("06", "")
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

// stubRepo serves canned library answers for service tests that never reach
// the processor.
type stubRepo struct {
	devices   []string
	tests     map[string][]string
	testsErr  map[string]error
	biasErr   map[string]error
	baselines map[string][]backend.BaselineEntry
}

func (r *stubRepo) ListDevices() ([]string, error) { return r.devices, nil }

func (r *stubRepo) ListTests(deviceID string) ([]string, error) {
	if err := r.testsErr[deviceID]; err != nil {
		return nil, err
	}
	return r.tests[deviceID], nil
}

func (r *stubRepo) LoadMeta(rawCSV string) (*capture.Meta, error) { return nil, nil }

func (r *stubRepo) ListRoomBaselineTests(deviceID string, minTempF, maxTempF float64) ([]backend.BaselineEntry, error) {
	return r.baselines[deviceID], nil
}

func (r *stubRepo) ProcessedPair(rawCSV string, triple coefkey.Triple) (string, string) {
	return "", ""
}

func (r *stubRepo) ProcessedOffPath(rawCSV string) string { return "" }

func (r *stubRepo) LoadBiasCache(deviceID string) (*capture.BiasCache, error) {
	if err := r.biasErr[deviceID]; err != nil {
		return nil, err
	}
	return nil, errors.New("no bias cache")
}

func (r *stubRepo) SaveBiasCache(deviceID string, cache *capture.BiasCache) (string, error) {
	return "", nil
}

func newRepoService(t *testing.T, repo backend.Repository) *Service {
	t.Helper()
	cfg := testRollupConfig()
	cfg.RoomBaselineMinF = 71
	cfg.RoomBaselineMaxF = 77
	return &Service{
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		cfg:         cfg,
		analysisDir: t.TempDir(),
		repo:        repo,
	}
}

func TestRunCoefsAccumulatesDeviceFailures(t *testing.T) {
	repo := &stubRepo{
		devices:  []string{"06.0001", "06.0002"},
		testsErr: map[string]error{"06.0001": errors.New("walk failed")},
		tests:    map[string][]string{"06.0002": {"/lib/06.0002/t1/capture.csv"}},
		biasErr:  map[string]error{"06.0002": errors.New("no room baselines found")},
	}
	svc := newRepoService(t, repo)

	doc, runErrs, err := svc.RunCoefsAcrossPlateType(context.Background(), "06",
		[]string{"scalar:x=0.002000,y=0.002000,z=0.002000"})
	require.NoError(t, err, "per-device failures must not fail the batch")
	require.NotNil(t, doc)
	assert.Empty(t, doc.Runs)

	require.Len(t, runErrs, 2)
	assert.Contains(t, runErrs[0], "06.0001")
	assert.Contains(t, runErrs[0], "list tests")
	assert.Contains(t, runErrs[1], "06.0002")
	assert.Contains(t, runErrs[1], "bias baseline")

	// The merged document is still persisted.
	assert.FileExists(t, svc.RollupPath("06"))
}

func TestRunCoefsRejectsMalformedKey(t *testing.T) {
	svc := newRepoService(t, &stubRepo{devices: []string{"06.0001"}})
	_, _, err := svc.RunCoefsAcrossPlateType(context.Background(), "06", []string{"bogus"})
	assert.Error(t, err)
}

func TestTop3ExcludesBiasBaselineRuns(t *testing.T) {
	const (
		keyA = "scalar:x=0.002000,y=0.002000,z=0.002000"
		keyB = "scalar:x=0.009000,y=0.009000,z=0.009000"
	)
	baselineCSV := "/lib/06.0002/base/capture.csv"
	repo := &stubRepo{
		baselines: map[string][]backend.BaselineEntry{
			"06.0002": {{CSVPath: baselineCSV}},
		},
	}
	svc := newRepoService(t, repo)

	runs := []Run{
		scoredRun(keyA, "06.0001", 60, 2.0, 1.0),
		scoredRun(keyA, "06.0001", 90, 2.0, 1.0),
		scoredRun(keyA, "06.0002", 60, 2.0, 1.0),
		scoredRun(keyA, "06.0002", 90, 2.0, 1.0),
		scoredRun(keyB, "06.0001", 60, 3.0, 1.0),
		scoredRun(keyB, "06.0001", 90, 3.0, 1.0),
		scoredRun(keyB, "06.0002", 60, 3.0, 1.0),
	}
	// The capture that taught the device its bias grades itself nearly
	// perfectly; an old document may still carry it.
	biased := scoredRun(keyB, "06.0002", 75, 0.0, 0.0)
	biased.RawCSV = baselineCSV
	runs = append(runs, biased)
	require.NoError(t, svc.SaveRollup(&Rollup{Version: 1, PlateType: "06", Runs: runs}))

	rows, err := svc.Top3ForPlateType("06", "abs")
	require.NoError(t, err)
	// Dropping the baseline run leaves keyB's second device with a single
	// temperature, so the key loses eligibility entirely.
	require.Len(t, rows, 1)
	assert.Equal(t, keyA, rows[0].CoefKey)
}
