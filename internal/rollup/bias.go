package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"platecal/internal/backend"
	"platecal/internal/capture"
	"platecal/internal/coefkey"
	"platecal/internal/config"
)

// BiasService learns the per-device, per-cell baseline bias from processed
// correction-off outputs of room-temperature captures. The bias lets later
// scoring judge runs against "room-temp behavior" instead of absolute truth.
type BiasService struct {
	logger   *slog.Logger
	cfg      config.CalibrationConfig
	repo     backend.Repository
	proc     backend.Processor
	analyzer *capture.Analyzer
}

// NewBiasService creates a bias service.
func NewBiasService(logger *slog.Logger, cfg config.CalibrationConfig, repo backend.Repository, proc backend.Processor, analyzer *capture.Analyzer) *BiasService {
	return &BiasService{
		logger:   logger.With(slog.String("component", "bias")),
		cfg:      cfg,
		repo:     repo,
		proc:     proc,
		analyzer: analyzer,
	}
}

// ComputeAndStoreForDevice recomputes the device bias cache and persists it.
// Every usable room baseline must contribute; a single broken baseline
// invalidates bias-controlled grading for the device, so it returns an
// error rather than a partial cache.
func (b *BiasService) ComputeAndStoreForDevice(ctx context.Context, deviceID string) (*capture.BiasCache, error) {
	baselines, err := b.repo.ListRoomBaselineTests(deviceID, b.cfg.RoomBaselineMinF, b.cfg.RoomBaselineMaxF)
	if err != nil {
		return nil, fmt.Errorf("list room baselines: %w", err)
	}
	if len(baselines) == 0 {
		return nil, fmt.Errorf("no room-temp baseline tests found in %.1f-%.1f F for device %s",
			b.cfg.RoomBaselineMinF, b.cfg.RoomBaselineMaxF, deviceID)
	}

	rows, cols := 0, 0
	deviceType := ""
	var perBaselineAll, perBaselineDB, perBaselineBW []capture.BiasMap
	var summaries []capture.BiasBaselineSummary

	for _, entry := range baselines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		offCells, err := b.ensureOffProcessed(ctx, deviceID, entry)
		if err != nil {
			return nil, fmt.Errorf("baseline %s: %w", filepath.Base(entry.CSVPath), err)
		}
		run, err := b.analyzer.AnalyzeSingle(offCells, entry.Meta)
		if err != nil {
			return nil, fmt.Errorf("baseline %s: analyze: %w", filepath.Base(entry.CSVPath), err)
		}

		r, c := entry.Meta.Rows, entry.Meta.Cols
		if r <= 0 || c <= 0 {
			return nil, fmt.Errorf("baseline %s: invalid grid dimensions", filepath.Base(entry.CSVPath))
		}
		if rows == 0 {
			rows, cols, deviceType = r, c, entry.Meta.DeviceType
		} else if rows != r || cols != c {
			return nil, fmt.Errorf("baseline %s: grid mismatch (expected %dx%d, got %dx%d)",
				filepath.Base(entry.CSVPath), rows, cols, r, c)
		}

		dbStage := run.Stages[config.StageDB]
		bwStage := run.Stages[config.StageBW]
		if dbStage == nil || len(dbStage.Cells) == 0 || bwStage == nil || len(bwStage.Cells) == 0 {
			return nil, fmt.Errorf("baseline %s: missing stage windows", filepath.Base(entry.CSVPath))
		}
		if dbStage.TargetN <= 0 || bwStage.TargetN <= 0 {
			return nil, fmt.Errorf("baseline %s: invalid targets (db=%.1f, bw=%.1f)",
				filepath.Base(entry.CSVPath), dbStage.TargetN, bwStage.TargetN)
		}

		dbPcts := pctByCell(dbStage)
		bwPcts := pctByCell(bwStage)
		avgDB := mapMean(dbPcts)
		avgBW := mapMean(bwPcts)

		biasDB := make(capture.BiasMap, rows)
		biasBW := make(capture.BiasMap, rows)
		biasAll := make(capture.BiasMap, rows)
		for rr := 0; rr < rows; rr++ {
			biasDB[rr] = make([]float64, cols)
			biasBW[rr] = make([]float64, cols)
			biasAll[rr] = make([]float64, cols)
			for cc := 0; cc < cols; cc++ {
				pctDB, ok := dbPcts[cellPos{rr, cc}]
				if !ok {
					pctDB = avgDB
				}
				pctBW, ok := bwPcts[cellPos{rr, cc}]
				if !ok {
					pctBW = avgBW
				}
				biasDB[rr][cc] = pctDB
				biasBW[rr][cc] = pctBW
				biasAll[rr][cc] = 0.5*pctDB + 0.5*pctBW
			}
		}
		perBaselineDB = append(perBaselineDB, biasDB)
		perBaselineBW = append(perBaselineBW, biasBW)
		perBaselineAll = append(perBaselineAll, biasAll)

		tf := entry.TempF
		summaries = append(summaries, capture.BiasBaselineSummary{
			CSV:             filepath.Base(entry.CSVPath),
			TempF:           &tf,
			ProcessedOff:    filepath.Base(offCells),
			DBTargetN:       dbStage.TargetN,
			BWTargetN:       bwStage.TargetN,
			DBCellsMeasured: len(dbPcts),
			BWCellsMeasured: len(bwPcts),
		})
	}

	cache := &capture.BiasCache{
		Version:      1,
		DeviceID:     deviceID,
		DeviceType:   deviceType,
		Rows:         rows,
		Cols:         cols,
		RoomTempMinF: b.cfg.RoomBaselineMinF,
		RoomTempMaxF: b.cfg.RoomBaselineMaxF,
		ComputedAtMs: time.Now().UnixMilli(),
		Baselines:    summaries,
		Bias:         averageMaps(perBaselineAll, rows, cols),
		BiasAll:      averageMaps(perBaselineAll, rows, cols),
		BiasDB:       averageMaps(perBaselineDB, rows, cols),
		BiasBW:       averageMaps(perBaselineBW, rows, cols),
	}
	if _, err := b.repo.SaveBiasCache(deviceID, cache); err != nil {
		return nil, fmt.Errorf("save bias cache: %w", err)
	}
	b.logger.InfoContext(ctx, "bias baseline computed",
		slog.String("device_id", deviceID),
		slog.Int("baselines", len(summaries)))
	return cache, nil
}

// ensureOffProcessed returns the cell-summary path of the correction-off
// processed output for a baseline capture, processing it if missing.
func (b *BiasService) ensureOffProcessed(ctx context.Context, deviceID string, entry backend.BaselineEntry) (string, error) {
	offSeries := b.repo.ProcessedOffPath(entry.CSVPath)
	if _, err := os.Stat(offSeries); err != nil {
		out, err := b.proc.Process(ctx, backend.ProcessRequest{
			InputCSV:       entry.CSVPath,
			DeviceID:       deviceID,
			OutputDir:      filepath.Dir(entry.CSVPath),
			OutputFilename: filepath.Base(offSeries),
			RoomTempF:      entry.TempF,
			Mode:           coefkey.ModeScalar,
		})
		if err != nil {
			return "", fmt.Errorf("process temp-off: %w", err)
		}
		offSeries = out
	}
	return backend.CellsPath(offSeries), nil
}

type cellPos struct{ row, col int }

// pctByCell computes each cell's fractional offset from the stage target.
func pctByCell(stage *capture.Stage) map[cellPos]float64 {
	out := map[cellPos]float64{}
	if stage.TargetN <= 0 {
		return out
	}
	for _, c := range stage.Cells {
		out[cellPos{c.Row, c.Col}] = (c.MeanN - stage.TargetN) / stage.TargetN
	}
	return out
}

func mapMean(m map[cellPos]float64) float64 {
	if len(m) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range m {
		sum += v
	}
	return sum / float64(len(m))
}

func averageMaps(maps []capture.BiasMap, rows, cols int) capture.BiasMap {
	out := make(capture.BiasMap, rows)
	n := float64(len(maps))
	for rr := 0; rr < rows; rr++ {
		out[rr] = make([]float64, cols)
		if n == 0 {
			continue
		}
		for cc := 0; cc < cols; cc++ {
			sum := 0.0
			for _, m := range maps {
				sum += m.At(rr, cc)
			}
			out[rr][cc] = sum / n
		}
	}
	return out
}
