package rollup

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"platecal/internal/capture"
	"platecal/internal/coefkey"
	"platecal/internal/config"
	"platecal/internal/tuning"
)

// StageSplitRow is one per-test result of the stage-split search: the best
// unified coefficient found independently for the bodyweight and dumbbell
// stages of a single capture.
type StageSplitRow struct {
	PlateType       string   `json:"plate_type"`
	DeviceID        string   `json:"device_id"`
	RawCSV          string   `json:"raw_csv"`
	TempF           *float64 `json:"temp_f"`
	BodyWeightN     *float64 `json:"body_weight_n"`
	BestBWCoef      *float64 `json:"best_bw_coef"`
	BWMeanAbs       *float64 `json:"bw_mean_abs"`
	DumbbellWeightN float64  `json:"dumbbell_weight_n"`
	BestDBCoef      *float64 `json:"best_db_coef"`
	DBMeanAbs       *float64 `json:"db_mean_abs"`
}

// StageSplitSummary is the fitted unified post-correction model plus its
// bias-controlled quality metrics.
type StageSplitSummary struct {
	Coef       float64  `json:"coef"`
	CoefKey    string   `json:"coef_key"`
	K          float64  `json:"k"`
	MeanAbs    *float64 `json:"mean_abs"`
	MeanSigned *float64 `json:"mean_signed"`
	StdSigned  *float64 `json:"std_signed"`
	N          int      `json:"n"`
}

// StageSplitReport is the result of one stage-split export.
type StageSplitReport struct {
	CSVPath string             `json:"csv_path"`
	Rows    []StageSplitRow    `json:"rows"`
	Errors  []string           `json:"errors"`
	Summary *StageSplitSummary `json:"summary"`
}

// stageSplitSignatureEntry identifies one test included in a report, so a
// cached summary can be reused until the test set changes.
type stageSplitSignatureEntry struct {
	DeviceID string `json:"device_id"`
	RawCSV   string `json:"raw_csv"`
	Mode     string `json:"mode"`
}

type stageSplitCache struct {
	Signature []stageSplitSignatureEntry `json:"signature"`
	Rows      int                        `json:"rows"`
	Errors    []string                   `json:"errors"`
	Summary   *StageSplitSummary         `json:"summary"`
}

// stageSplitEvalKey memoizes processed-and-scored unified coefficients so
// the bw and db searches of one capture share evaluations.
type stageSplitEvalKey struct {
	rawCSV string
	coef   string
	mode   string
}

func (s *Service) stageSplitDir() string {
	return filepath.Join(s.analysisDir, stageSplitDirName)
}

// StageSplitCSVPath returns where the report CSV for a plate type lives.
func (s *Service) StageSplitCSVPath(plateType string) string {
	return filepath.Join(s.stageSplitDir(), "type"+plateType+"-stage-split.csv")
}

func (s *Service) stageSplitCachePath(plateType string) string {
	return filepath.Join(s.stageSplitDir(), "type"+plateType+"-stage-split.cache.json")
}

// LoadStageSplitSummary returns the cached unified model for a plate type,
// or nil when no report has been exported yet.
func (s *Service) LoadStageSplitSummary(plateType string) (*StageSplitSummary, error) {
	data, err := os.ReadFile(s.stageSplitCachePath(plateType))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read stage-split cache: %w", err)
	}
	var cached stageSplitCache
	if err := json.Unmarshal(data, &cached); err != nil {
		return nil, fmt.Errorf("parse stage-split cache: %w", err)
	}
	return cached.Summary, nil
}

// ExportStageSplitReport searches, per non-baseline capture of a plate type,
// for the best unified (x=y=z) coefficient of each stage separately, writes
// the per-test rows to a CSV, fits the force-dependent post-correction model
// from them and caches the summary.
func (s *Service) ExportStageSplitReport(ctx context.Context, plateType, mode string) (*StageSplitReport, error) {
	if plateType == "" {
		return nil, fmt.Errorf("missing plate type")
	}
	if mode == "" {
		mode = coefkey.ModeScalar
	}

	allDevices, err := s.repo.ListDevices()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var devices []string
	for _, d := range allDevices {
		if plateTypeFromDeviceID(d) == plateType {
			devices = append(devices, d)
		}
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("no devices found for plate type %s", plateType)
	}

	if err := os.MkdirAll(s.stageSplitDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create report dir: %w", err)
	}
	s.removeStaleStageSplitReports(plateType)

	report := &StageSplitReport{CSVPath: s.StageSplitCSVPath(plateType)}
	evalCache := map[stageSplitEvalKey]StageScores{}
	var signature []stageSplitSignatureEntry
	var entries []unifiedEvalEntry

	for _, deviceID := range devices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		biasCache, err := s.bias.ComputeAndStoreForDevice(ctx, deviceID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			report.Errors = append(report.Errors, fmt.Sprintf("%s: bias compute failed: %v", deviceID, err))
			continue
		}
		biasMap := biasCache.Map()

		tests, err := s.repo.ListTests(deviceID)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: list tests failed: %v", deviceID, err))
			continue
		}
		for _, rawCSV := range tests {
			meta, err := s.repo.LoadMeta(rawCSV)
			if err != nil || meta == nil || meta.IsRoomBaseline() {
				continue
			}
			signature = append(signature, stageSplitSignatureEntry{
				DeviceID: deviceID,
				RawCSV:   filepath.Base(rawCSV),
				Mode:     mode,
			})

			row := StageSplitRow{
				PlateType:       plateType,
				DeviceID:        deviceID,
				RawCSV:          filepath.Base(rawCSV),
				TempF:           meta.TemperatureF(),
				DumbbellWeightN: s.cfg.DumbbellWeightN,
			}
			if meta.BodyWeightN > 0 {
				bw := meta.BodyWeightN
				row.BodyWeightN = &bw
			}

			bwBest, err := s.bestUnifiedCoefForStage(ctx, deviceID, rawCSV, meta, biasMap, config.StageBW, mode, evalCache)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %s: bw search failed: %v", deviceID, row.RawCSV, err))
				continue
			}
			dbBest, err := s.bestUnifiedCoefForStage(ctx, deviceID, rawCSV, meta, biasMap, config.StageDB, mode, evalCache)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				report.Errors = append(report.Errors, fmt.Sprintf("%s: %s: db search failed: %v", deviceID, row.RawCSV, err))
				continue
			}
			if bwBest.OK {
				c, m := bwBest.BestCoef, bwBest.BestScore
				row.BestBWCoef, row.BWMeanAbs = &c, &m
			}
			if dbBest.OK {
				c, m := dbBest.BestCoef, dbBest.BestScore
				row.BestDBCoef, row.DBMeanAbs = &c, &m
			}

			report.Rows = append(report.Rows, row)
			entries = append(entries, unifiedEvalEntry{
				DeviceID: deviceID,
				RawCSV:   rawCSV,
				Meta:     meta,
				Bias:     biasMap,
			})
		}
	}

	if c, k, ok := ComputeCAndK(stageSplitObservations(report.Rows), s.cfg.PostCorrectionFrefN, s.cfg.QuantizeStep); ok {
		metrics, err := s.EvaluateUnifiedKBiasMetrics(ctx, entries, c, k)
		if err != nil {
			return nil, err
		}
		if metrics != nil {
			report.Summary = &StageSplitSummary{
				Coef:       c,
				CoefKey:    coefkey.Unified(mode, c).Key(),
				K:          k,
				MeanAbs:    metrics.MeanAbs,
				MeanSigned: metrics.MeanSigned,
				StdSigned:  metrics.StdSigned,
				N:          metrics.N,
			}
		}
	}

	if err := writeStageSplitCSV(report.CSVPath, report.Rows); err != nil {
		return nil, err
	}
	s.saveStageSplitCache(plateType, signature, report)

	s.logger.InfoContext(ctx, "stage-split report exported",
		slog.String("plate_type", plateType),
		slog.Int("rows", len(report.Rows)),
		slog.Int("errors", len(report.Errors)))
	return report, nil
}

// bestUnifiedCoefForStage golden-section searches the unified coefficient
// interval for the value minimizing one stage's bias-controlled mean
// absolute error on a single capture.
func (s *Service) bestUnifiedCoefForStage(ctx context.Context, deviceID, rawCSV string, meta *capture.Meta, bias capture.BiasMap, stageKey, mode string, evalCache map[stageSplitEvalKey]StageScores) (tuning.GoldenResult, error) {
	eval := func(ctx context.Context, coef float64) (*float64, error) {
		scores, err := s.unifiedScores(ctx, deviceID, rawCSV, meta, bias, coef, mode, evalCache)
		if err != nil {
			return nil, err
		}
		if scores == nil {
			return nil, nil
		}
		stage, ok := scores[stageKey]
		if !ok || stage.MeanAbs == nil {
			return nil, nil
		}
		return stage.MeanAbs, nil
	}
	return tuning.GoldenSectionSearch(ctx, tuning.GoldenOptions{
		Min:  s.cfg.UnifiedMinCoef,
		Max:  s.cfg.UnifiedMaxCoef,
		Step: s.cfg.QuantizeStep,
	}, eval)
}

// unifiedScores processes (if needed) and grades one capture at a unified
// coefficient, memoizing per (capture, coefficient, mode). A processing or
// analysis failure memoizes nil so the point is never retried.
func (s *Service) unifiedScores(ctx context.Context, deviceID, rawCSV string, meta *capture.Meta, bias capture.BiasMap, coef float64, mode string, evalCache map[stageSplitEvalKey]StageScores) (StageScores, error) {
	c := coefkey.Quantize(clamp(coef, s.cfg.UnifiedMinCoef, s.cfg.UnifiedMaxCoef), s.cfg.QuantizeStep)
	key := stageSplitEvalKey{rawCSV: rawCSV, coef: fmt.Sprintf("%.6f", c), mode: mode}
	if scores, ok := evalCache[key]; ok {
		return scores, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	triple := coefkey.Unified(mode, c)
	baselineCells, selectedCells, err := s.ensureProcessedPair(ctx, deviceID, rawCSV, triple)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		evalCache[key] = nil
		return nil, nil
	}
	payload, err := s.analyzer.AnalyzePair(baselineCells, selectedCells, meta)
	if err != nil {
		evalCache[key] = nil
		return nil, nil
	}
	scores := stageScores(payload.Selected, bias, meta.DeviceType, s.cfg.PassBinMultiplier)
	evalCache[key] = scores
	return scores, nil
}

// stageSplitObservations pairs each stage's best coefficient with the force
// applied during that stage.
func stageSplitObservations(rows []StageSplitRow) []Observation {
	var obs []Observation
	for _, r := range rows {
		if r.BodyWeightN != nil && *r.BodyWeightN > 0 && r.BestBWCoef != nil {
			obs = append(obs, Observation{ForceN: *r.BodyWeightN, Coef: *r.BestBWCoef})
		}
		if r.DumbbellWeightN > 0 && r.BestDBCoef != nil {
			obs = append(obs, Observation{ForceN: r.DumbbellWeightN, Coef: *r.BestDBCoef})
		}
	}
	return obs
}

func writeStageSplitCSV(path string, rows []StageSplitRow) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report csv: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{
		"plate_type", "device_id", "raw_csv", "temp_f", "body_weight_n",
		"best_bw_coef", "bw_mean_abs", "dumbbell_weight_n", "best_db_coef", "db_mean_abs",
	}
	if err := w.Write(header); err != nil {
		return fmt.Errorf("write report header: %w", err)
	}
	for _, r := range rows {
		record := []string{
			r.PlateType,
			r.DeviceID,
			r.RawCSV,
			csvFloat(r.TempF),
			csvFloat(r.BodyWeightN),
			csvFloat(r.BestBWCoef),
			csvFloat(r.BWMeanAbs),
			strconv.FormatFloat(r.DumbbellWeightN, 'f', -1, 64),
			csvFloat(r.BestDBCoef),
			csvFloat(r.DBMeanAbs),
		}
		if err := w.Write(record); err != nil {
			return fmt.Errorf("write report row: %w", err)
		}
	}
	w.Flush()
	return w.Error()
}

func csvFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

// saveStageSplitCache persists the report signature and summary; failures
// only cost a recompute next time, so they are logged and swallowed.
func (s *Service) saveStageSplitCache(plateType string, signature []stageSplitSignatureEntry, report *StageSplitReport) {
	sort.Slice(signature, func(i, j int) bool {
		a, b := signature[i], signature[j]
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		if a.RawCSV != b.RawCSV {
			return a.RawCSV < b.RawCSV
		}
		return a.Mode < b.Mode
	})
	cached := stageSplitCache{
		Signature: signature,
		Rows:      len(report.Rows),
		Errors:    report.Errors,
		Summary:   report.Summary,
	}
	data, err := json.MarshalIndent(cached, "", "  ")
	if err == nil {
		err = os.WriteFile(s.stageSplitCachePath(plateType), data, 0o644)
	}
	if err != nil {
		s.logger.Warn("failed to save stage-split cache",
			slog.String("plate_type", plateType),
			slog.String("error", err.Error()))
	}
}

// removeStaleStageSplitReports deletes older timestamped report files so the
// directory only carries the current CSV per plate type.
func (s *Service) removeStaleStageSplitReports(plateType string) {
	prefix := "type" + plateType + "-stage-split-"
	entries, err := os.ReadDir(s.stageSplitDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, prefix) && strings.HasSuffix(strings.ToLower(name), ".csv") {
			os.Remove(filepath.Join(s.stageSplitDir(), name))
		}
	}
}

// plateTypeFromDeviceID extracts the plate type prefix of a device ID
// ("06.0012" belongs to plate type "06").
func plateTypeFromDeviceID(deviceID string) string {
	d := strings.TrimSpace(deviceID)
	if i := strings.Index(d, "."); i >= 0 {
		return strings.TrimSpace(d[:i])
	}
	return d
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
