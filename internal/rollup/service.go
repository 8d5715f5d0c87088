package rollup

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"platecal/internal/backend"
	"platecal/internal/capture"
	"platecal/internal/coefkey"
	"platecal/internal/config"
	"platecal/internal/tuning"
)

const (
	rollupDirName     = "temp_coef_rollup"
	stageSplitDirName = "temp_coef_stage_split_reports"

	// Devices processed concurrently during a batch rollup run.
	rollupConcurrency = 3
)

// Service maintains the persisted per-plate-type rollup documents and the
// reports derived from them.
type Service struct {
	logger      *slog.Logger
	cfg         config.CalibrationConfig
	analysisDir string
	repo        backend.Repository
	proc        backend.Processor
	analyzer    *capture.Analyzer
	bias        *BiasService
}

// NewService creates a rollup service.
func NewService(logger *slog.Logger, cfg *config.Config, repo backend.Repository, proc backend.Processor) *Service {
	analyzer := capture.NewAnalyzer()
	return &Service{
		logger:      logger.With(slog.String("component", "rollup")),
		cfg:         cfg.Calibration,
		analysisDir: cfg.Paths.AnalysisDir,
		repo:        repo,
		proc:        proc,
		analyzer:    analyzer,
		bias:        NewBiasService(logger, cfg.Calibration, repo, proc, analyzer),
	}
}

// RollupPath returns where the rollup document for a plate type lives.
func (s *Service) RollupPath(plateType string) string {
	return filepath.Join(s.analysisDir, rollupDirName, "type"+plateType+".json")
}

// LoadRollup reads the rollup document for a plate type. A missing file
// yields an empty document so callers can append to it.
func (s *Service) LoadRollup(plateType string) (*Rollup, error) {
	path := s.RollupPath(plateType)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Rollup{Version: 1, PlateType: plateType}, nil
		}
		return nil, fmt.Errorf("read rollup: %w", err)
	}
	var doc Rollup
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rollup %s: %w", path, err)
	}
	if doc.PlateType == "" {
		doc.PlateType = plateType
	}
	return &doc, nil
}

// SaveRollup persists the document, stamping its update time.
func (s *Service) SaveRollup(doc *Rollup) error {
	doc.UpdatedAtMs = time.Now().UnixMilli()
	path := s.RollupPath(doc.PlateType)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create rollup dir: %w", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode rollup: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write rollup: %w", err)
	}
	return nil
}

// ResetRollup removes the rollup document for a plate type. When backup is
// set the file is moved aside to a timestamped .bak sibling instead of being
// deleted; the backup path is returned.
func (s *Service) ResetRollup(plateType string, backup bool) (string, error) {
	path := s.RollupPath(plateType)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("stat rollup: %w", err)
	}
	if backup {
		bak := fmt.Sprintf("%s.bak.%d", path, time.Now().UnixMilli())
		if err := os.Rename(path, bak); err != nil {
			return "", fmt.Errorf("back up rollup: %w", err)
		}
		return bak, nil
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("remove rollup: %w", err)
	}
	return "", nil
}

// RunCoefsAcrossPlateType evaluates the given coefficient keys on every
// non-baseline capture of every matching device and merges the scored runs
// into the plate type's rollup document. Existing runs with the same
// (coef_key, device_id, raw_csv) identity are overwritten. One device's
// failure never aborts the batch: every run that did score is merged and
// the per-device failures come back as the error list.
func (s *Service) RunCoefsAcrossPlateType(ctx context.Context, plateType string, coefKeys []string) (*Rollup, []string, error) {
	triples := make(map[string]coefkey.Triple, len(coefKeys))
	for _, ck := range coefKeys {
		t, ok := coefkey.Parse(ck)
		if !ok {
			return nil, nil, fmt.Errorf("invalid coefficient key %q", ck)
		}
		triples[ck] = t
	}
	if len(triples) == 0 {
		return nil, nil, fmt.Errorf("no coefficient keys given")
	}

	devices, err := s.repo.ListDevices()
	if err != nil {
		return nil, nil, fmt.Errorf("list devices: %w", err)
	}

	var mu sync.Mutex
	var newRuns []Run
	var runErrs []string

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rollupConcurrency)
	for _, deviceID := range devices {
		deviceID := deviceID
		g.Go(func() error {
			runs, devErrs, err := s.runDevice(gctx, plateType, deviceID, coefKeys, triples)
			if err != nil {
				return err
			}
			mu.Lock()
			newRuns = append(newRuns, runs...)
			runErrs = append(runErrs, devErrs...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	sort.Strings(runErrs)

	doc, err := s.LoadRollup(plateType)
	if err != nil {
		return nil, nil, err
	}
	mergeRuns(doc, newRuns)
	if err := s.SaveRollup(doc); err != nil {
		return nil, nil, err
	}
	s.logger.InfoContext(ctx, "rollup updated",
		slog.String("plate_type", plateType),
		slog.Int("new_runs", len(newRuns)),
		slog.Int("total_runs", len(doc.Runs)),
		slog.Int("errors", len(runErrs)))
	return doc, runErrs, nil
}

// runDevice scores every coefficient key on every non-baseline capture of a
// device. Captures whose plate type does not match are skipped. Failures
// confined to this device are returned as error strings so the batch keeps
// going; only cancellation aborts it.
func (s *Service) runDevice(ctx context.Context, plateType, deviceID string, coefKeys []string, triples map[string]coefkey.Triple) ([]Run, []string, error) {
	tests, err := s.repo.ListTests(deviceID)
	if err != nil {
		return nil, []string{fmt.Sprintf("device %s: list tests: %v", deviceID, err)}, nil
	}
	if len(tests) == 0 {
		return nil, nil, nil
	}

	biasCache, err := s.deviceBias(ctx, deviceID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, ctx.Err()
		}
		s.logger.WarnContext(ctx, "skipping device without bias baseline",
			slog.String("device_id", deviceID),
			slog.String("error", err.Error()))
		return nil, []string{fmt.Sprintf("device %s: bias baseline: %v", deviceID, err)}, nil
	}
	biasMap := biasCache.Map()

	var out []Run
	var errs []string
	for _, rawCSV := range tests {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		meta, err := s.repo.LoadMeta(rawCSV)
		if err != nil || meta == nil {
			continue
		}
		if meta.DeviceType != plateType || meta.IsRoomBaseline() {
			continue
		}
		for _, ck := range coefKeys {
			run, err := s.scoreRun(ctx, plateType, deviceID, rawCSV, meta, ck, triples[ck], biasMap)
			if err != nil {
				if ctx.Err() != nil {
					return nil, nil, ctx.Err()
				}
				s.logger.WarnContext(ctx, "run scoring failed",
					slog.String("device_id", deviceID),
					slog.String("raw_csv", filepath.Base(rawCSV)),
					slog.String("coef_key", ck),
					slog.String("error", err.Error()))
				errs = append(errs, fmt.Sprintf("device %s: %s [%s]: %v",
					deviceID, filepath.Base(rawCSV), ck, err))
				continue
			}
			out = append(out, *run)
		}
	}
	return out, errs, nil
}

// deviceBias returns the stored bias cache for a device, computing it when
// absent.
func (s *Service) deviceBias(ctx context.Context, deviceID string) (*capture.BiasCache, error) {
	cache, err := s.repo.LoadBiasCache(deviceID)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		return cache, nil
	}
	return s.bias.ComputeAndStoreForDevice(ctx, deviceID)
}

// scoreRun processes one capture with a coefficient set (and without, for the
// baseline column) and grades both against the device bias.
func (s *Service) scoreRun(ctx context.Context, plateType, deviceID, rawCSV string, meta *capture.Meta, coefKey string, triple coefkey.Triple, bias capture.BiasMap) (*Run, error) {
	baselineCells, selectedCells, err := s.ensureProcessedPair(ctx, deviceID, rawCSV, triple)
	if err != nil {
		return nil, err
	}
	payload, err := s.analyzer.AnalyzePair(baselineCells, selectedCells, meta)
	if err != nil {
		return nil, err
	}

	run := &Run{
		PlateType:    plateType,
		DeviceID:     deviceID,
		DeviceType:   meta.DeviceType,
		CoefKey:      coefKey,
		Mode:         triple.Mode,
		Coefs:        tuning.Coeffs{X: triple.X, Y: triple.Y, Z: triple.Z},
		RawCSV:       rawCSV,
		TempF:        meta.TemperatureF(),
		BaselineCSV:  baselineCells,
		SelectedCSV:  selectedCells,
		Baseline:     stageScores(payload.Baseline, bias, meta.DeviceType, s.cfg.PassBinMultiplier),
		Selected:     stageScores(payload.Selected, bias, meta.DeviceType, s.cfg.PassBinMultiplier),
		RecordedAtMs: time.Now().UnixMilli(),
	}
	return run, nil
}

// ensureProcessedPair makes sure both processed outputs of a capture exist,
// running the processor for whichever is missing, and returns their
// cell-summary paths.
func (s *Service) ensureProcessedPair(ctx context.Context, deviceID, rawCSV string, triple coefkey.Triple) (string, string, error) {
	baselinePath, selectedPath := s.repo.ProcessedPair(rawCSV, triple)

	if _, err := os.Stat(baselinePath); err != nil {
		if _, err := s.proc.Process(ctx, backend.ProcessRequest{
			InputCSV:       rawCSV,
			DeviceID:       deviceID,
			OutputDir:      filepath.Dir(rawCSV),
			OutputFilename: filepath.Base(baselinePath),
			RoomTempF:      s.cfg.IdealRoomTempF,
			Mode:           triple.Mode,
		}); err != nil {
			return "", "", fmt.Errorf("process baseline: %w", err)
		}
	}
	if _, err := os.Stat(selectedPath); err != nil {
		t := triple
		if _, err := s.proc.Process(ctx, backend.ProcessRequest{
			InputCSV:       rawCSV,
			DeviceID:       deviceID,
			OutputDir:      filepath.Dir(rawCSV),
			OutputFilename: filepath.Base(selectedPath),
			RoomTempF:      s.cfg.IdealRoomTempF,
			Mode:           triple.Mode,
			Coefficients:   &t,
		}); err != nil {
			return "", "", fmt.Errorf("process selected: %w", err)
		}
	}
	return backend.CellsPath(baselinePath), backend.CellsPath(selectedPath), nil
}

// stageScores grades a run for the merged view plus each stage present.
func stageScores(run *capture.RunData, bias capture.BiasMap, deviceType string, passBin float64) StageScores {
	out := StageScores{
		config.StageAll: ScoreRunAgainstBias(run, bias, ScoreOptions{
			StageKey:          config.StageAll,
			DeviceType:        deviceType,
			PassBinMultiplier: passBin,
		}),
	}
	for _, sk := range []string{config.StageDB, config.StageBW} {
		if run == nil || run.Stages[sk] == nil {
			continue
		}
		out[sk] = ScoreRunAgainstBias(run, bias, ScoreOptions{
			StageKey:          sk,
			DeviceType:        deviceType,
			PassBinMultiplier: passBin,
		})
	}
	return out
}

// mergeRuns overwrites same-identity runs and appends the rest.
func mergeRuns(doc *Rollup, runs []Run) {
	index := make(map[dedupeKey]int, len(doc.Runs))
	for i, r := range doc.Runs {
		index[r.dedupe()] = i
	}
	for _, r := range runs {
		if i, ok := index[r.dedupe()]; ok {
			doc.Runs[i] = r
			continue
		}
		index[r.dedupe()] = len(doc.Runs)
		doc.Runs = append(doc.Runs, r)
	}
}

// Top3ForPlateType ranks the stored runs of a plate type. Runs whose source
// capture also fed a device's bias baseline are excluded before ranking:
// older documents (and documents written by other tools) may still carry
// them, and a capture graded against a bias learned from itself ranks
// artificially well.
func (s *Service) Top3ForPlateType(plateType, sortBy string) ([]Top3Row, error) {
	doc, err := s.LoadRollup(plateType)
	if err != nil {
		return nil, err
	}
	return Top3RowsForPlateType(s.withoutBiasBaselineRuns(doc.Runs), sortBy, s.cfg), nil
}

// withoutBiasBaselineRuns drops runs whose raw capture is one of its
// device's room-temperature bias baselines. A device whose baselines cannot
// be listed keeps its runs; the library may have moved since the rollup was
// written.
func (s *Service) withoutBiasBaselineRuns(runs []Run) []Run {
	devices := map[string]bool{}
	for _, r := range runs {
		if r.DeviceID != "" {
			devices[r.DeviceID] = true
		}
	}
	baselineCSVs := map[string]bool{}
	for deviceID := range devices {
		entries, err := s.repo.ListRoomBaselineTests(deviceID, s.cfg.RoomBaselineMinF, s.cfg.RoomBaselineMaxF)
		if err != nil {
			s.logger.Warn("room baseline listing failed",
				slog.String("device_id", deviceID),
				slog.String("error", err.Error()))
			continue
		}
		for _, e := range entries {
			baselineCSVs[e.CSVPath] = true
		}
	}
	if len(baselineCSVs) == 0 {
		return runs
	}
	out := make([]Run, 0, len(runs))
	for _, r := range runs {
		if baselineCSVs[r.RawCSV] {
			continue
		}
		out = append(out, r)
	}
	return out
}

// AggregateSelectedAllMeanSigned pools one coefficient key across the stored
// runs of a plate type. Unlike the top-3 ranking this accepts single-device
// coverage so candidate listings stay informative on small fleets.
func (s *Service) AggregateSelectedAllMeanSigned(plateType, coefKey string) (*Aggregate, error) {
	doc, err := s.LoadRollup(plateType)
	if err != nil {
		return nil, err
	}
	return AggregateMeanSignedForCoefKey(doc.Runs, coefKey, s.cfg, 1), nil
}

// UnifiedCandidate is one x=y=z coefficient key seen in a rollup.
type UnifiedCandidate struct {
	CoefKey string  `json:"coef_key"`
	Coef    float64 `json:"coef"`
}

// ListUnifiedCandidates returns the distinct unified (x=y=z) coefficient
// keys of a mode stored in the plate type's rollup, restricted to the
// configured coefficient interval and sorted by coefficient ascending.
func (s *Service) ListUnifiedCandidates(plateType, mode string) ([]UnifiedCandidate, error) {
	doc, err := s.LoadRollup(plateType)
	if err != nil {
		return nil, err
	}
	seen := map[string]bool{}
	var out []UnifiedCandidate
	for _, r := range doc.Runs {
		if seen[r.CoefKey] {
			continue
		}
		t, ok := coefkey.Parse(r.CoefKey)
		if !ok {
			continue
		}
		if mode != "" && t.Mode != mode {
			continue
		}
		if !t.Unified(s.cfg.QuantizeStep / 2) {
			continue
		}
		if t.X < s.cfg.UnifiedMinCoef || t.X > s.cfg.UnifiedMaxCoef {
			continue
		}
		seen[r.CoefKey] = true
		out = append(out, UnifiedCandidate{CoefKey: r.CoefKey, Coef: t.X})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Coef < out[j].Coef })
	return out, nil
}
