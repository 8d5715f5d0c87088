package tuning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"platecal/internal/backend"
	"platecal/internal/coefkey"
	"platecal/internal/config"
)

const (
	tuningDirName   = "tuning"
	runsDirName     = "runs"
	baselineOffName = "baseline__nn_off.csv"
	bestFileName    = "best.json"
)

// RunRecord is the persisted artifact of one candidate evaluation.
// A null score_total marks a non-viable evaluation (processor failure or an
// empty scoring axis); it still consumes budget and stays cached so the
// candidate is never retried.
type RunRecord struct {
	RunIndex             int                           `json:"run_index"`
	DeviceID             string                        `json:"device_id"`
	Coeffs               Coeffs                        `json:"coeffs"`
	PairID               string                        `json:"pair_id"`
	ScoreTotal           *float64                      `json:"score_total"`
	ScorePerPhaseAxisMSE map[string]map[string]float64 `json:"score_per_phase_axis_mse"`
	BaselineOffCSV       string                        `json:"baseline_off_csv"`
	BaselineTargets      Targets                       `json:"baseline_targets"`
	BaselineScoreTotal   *float64                      `json:"baseline_score_total"`
	OutputCSV            string                        `json:"output_csv"`
	TuningMode           string                        `json:"tuning_mode"`
	CreatedAtMs          int64                         `json:"created_at_ms"`
}

// BestRecord is the persisted summary of a search session.
type BestRecord struct {
	DeviceID           string   `json:"device_id"`
	BestCoeffs         *Coeffs  `json:"best_coeffs"`
	BestScoreTotal     *float64 `json:"best_score_total"`
	BestOutputCSV      string   `json:"best_output_csv"`
	BaselineOffCSV     string   `json:"baseline_off_csv"`
	BaselineTargets    Targets  `json:"baseline_targets"`
	BaselineScoreTotal *float64 `json:"baseline_score_total"`
	Budget             int      `json:"budget"`
	CompletedRuns      int      `json:"completed_runs"`
	PairsTotal         *int     `json:"pairs_total,omitempty"`
	PairsDone          *int     `json:"pairs_done,omitempty"`
	TuningMode         string   `json:"tuning_mode"`
	Cancelled          bool     `json:"cancelled"`
	CreatedAtMs        int64    `json:"created_at_ms"`
}

// Progress is the event payload emitted while a search runs.
type Progress struct {
	Event         string      `json:"event"`
	Message       string      `json:"message,omitempty"`
	Run           *RunSummary `json:"run,omitempty"`
	PairsDone     *int        `json:"pairs_done,omitempty"`
	PairsTotal    *int        `json:"pairs_total,omitempty"`
	CurrentScore  *float64    `json:"current_score,omitempty"`
	BestScore     *float64    `json:"best_score,omitempty"`
	BestCoeffs    *Coeffs     `json:"best_coeffs,omitempty"`
	BestOutputCSV string      `json:"best_output_csv,omitempty"`
	TuningMode    string      `json:"tuning_mode,omitempty"`
	RunsNew       *int        `json:"runs_new,omitempty"`
	Budget        *int        `json:"budget,omitempty"`
}

// RunSummary is the per-run slice of a progress event.
type RunSummary struct {
	RunIndex    int      `json:"run_index"`
	ScoreTotal  *float64 `json:"score_total"`
	Coeffs      Coeffs   `json:"coeffs"`
	OutputCSV   string   `json:"output_csv"`
	TuningMode  string   `json:"tuning_mode"`
	CreatedAtMs int64    `json:"created_at_ms"`
}

// SessionOptions configures OpenSession.
type SessionOptions struct {
	Logger     *slog.Logger
	Config     config.CalibrationConfig
	Processor  backend.Processor
	DeviceID   string
	InputCSV   string
	TestFolder string
	// Budget caps the number of NEW evaluations; cached scores are free.
	Budget   int
	Progress func(Progress)
}

// Session is the per-test evaluation cache. It memoizes candidate scores by
// quantized coefficient key, persists every evaluation as an append-only run
// record and reseeds itself from disk so interrupted searches resume without
// repeating processor calls.
type Session struct {
	logger *slog.Logger
	cfg    config.CalibrationConfig
	proc   backend.Processor

	deviceID string
	inputCSV string
	dir      string
	runsDir  string

	targets       Targets
	baselineOff   string
	baselineScore float64

	scores   map[string]float64
	runCount int
	newRuns  int
	budget   int

	bestScore  float64
	bestCoeffs *Coeffs
	bestCSV    string

	progress func(Progress)
}

// TuningDir returns the tuning artifact directory for a test folder.
func TuningDir(testFolder string) string {
	return filepath.Join(testFolder, tuningDirName)
}

// OpenSession prepares the evaluation cache for a test: it ensures the
// correction-off baseline exists (processing it if needed), derives baseline
// targets, and reseeds cached scores and the running best from prior run
// records and best.json.
func OpenSession(ctx context.Context, opts SessionOptions) (*Session, error) {
	if opts.Budget < 1 {
		opts.Budget = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Session{
		logger:    logger.With(slog.String("component", "tuning"), slog.String("device_id", opts.DeviceID)),
		cfg:       opts.Config,
		proc:      opts.Processor,
		deviceID:  opts.DeviceID,
		inputCSV:  opts.InputCSV,
		dir:       TuningDir(opts.TestFolder),
		budget:    opts.Budget,
		scores:    map[string]float64{},
		bestScore: math.Inf(1),
		progress:  opts.Progress,
	}
	s.runsDir = filepath.Join(s.dir, runsDirName)
	if err := os.MkdirAll(s.runsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create runs dir: %w", err)
	}

	s.baselineOff = filepath.Join(s.dir, baselineOffName)
	if _, err := os.Stat(s.baselineOff); err != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out, err := s.proc.Process(ctx, backend.ProcessRequest{
			InputCSV:       s.inputCSV,
			DeviceID:       s.deviceID,
			OutputDir:      s.dir,
			OutputFilename: baselineOffName,
			RoomTempF:      s.cfg.IdealRoomTempF,
			Mode:           coefkey.ModeScalar,
		})
		if err != nil {
			return nil, fmt.Errorf("process correction-off baseline: %w", err)
		}
		s.baselineOff = out
	}

	targets, err := ComputeBaselineTargets(s.baselineOff, s.cfg)
	if err != nil {
		return nil, err
	}
	s.targets = targets

	baseline, err := ScoreCandidate(s.baselineOff, targets, s.cfg)
	if err != nil {
		return nil, err
	}
	s.baselineScore = baseline.Total

	if err := s.reseed(); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "session opened",
		slog.Int("cached_runs", len(s.scores)),
		slog.Int("run_count", s.runCount),
		slog.Int("budget", s.budget))
	return s, nil
}

// reseed loads prior run records and best.json into the in-memory cache.
func (s *Session) reseed() error {
	entries, err := os.ReadDir(s.runsDir)
	if err != nil {
		return fmt.Errorf("read runs dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := strings.ToLower(e.Name())
		if strings.HasPrefix(name, "run_") && strings.HasSuffix(name, ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(s.runsDir, name))
		if err != nil {
			continue
		}
		var rec RunRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			s.logger.Warn("skipping unreadable run record", slog.String("file", name))
			continue
		}
		if rec.RunIndex > s.runCount {
			s.runCount = rec.RunIndex
		}
		score := scoreVal(rec.ScoreTotal)
		s.scores[cacheKey(rec.Coeffs)] = score
		s.observeBest(score, rec.Coeffs, rec.OutputCSV)
	}

	bestPath := filepath.Join(s.dir, bestFileName)
	if data, err := os.ReadFile(bestPath); err == nil {
		var rec BestRecord
		if err := json.Unmarshal(data, &rec); err == nil && rec.BestCoeffs != nil {
			s.observeBest(scoreVal(rec.BestScoreTotal), *rec.BestCoeffs, rec.BestOutputCSV)
		}
	}
	return nil
}

func (s *Session) observeBest(score float64, c Coeffs, outputCSV string) {
	if score < s.bestScore {
		s.bestScore = score
		cc := c
		s.bestCoeffs = &cc
		s.bestCSV = outputCSV
	}
}

func cacheKey(c Coeffs) string {
	return fmt.Sprintf("%.6f,%.6f,%.6f", c.X, c.Y, c.Z)
}

// Cached returns the memoized score for a candidate, if any.
func (s *Session) Cached(c Coeffs) (float64, bool) {
	v, ok := s.scores[cacheKey(c)]
	return v, ok
}

// BudgetLeft reports whether another new evaluation fits the budget.
func (s *Session) BudgetLeft() bool { return s.newRuns < s.budget }

// Budget returns the new-evaluation budget of this session.
func (s *Session) Budget() int { return s.budget }

// NewRuns returns how many new evaluations this session has performed.
func (s *Session) NewRuns() int { return s.newRuns }

// CompletedRuns returns the highest run index recorded for this test.
func (s *Session) CompletedRuns() int { return s.runCount }

// Best returns the best coefficients seen so far, if any.
func (s *Session) Best() (Coeffs, float64, bool) {
	if s.bestCoeffs == nil {
		return Coeffs{}, math.Inf(1), false
	}
	return *s.bestCoeffs, s.bestScore, true
}

// Targets returns the baseline target model of this session.
func (s *Session) Targets() Targets { return s.targets }

// BaselineScore returns the correction-off reference score.
func (s *Session) BaselineScore() float64 { return s.baselineScore }

// Evaluate scores one candidate. Cached candidates return immediately
// without touching the budget. When the budget is spent it returns ok=false.
// A processor failure records the candidate as non-viable (+Inf) and the
// search goes on; only context cancellation surfaces as an error, and it is
// checked before the external call so in-flight work always completes.
func (s *Session) Evaluate(ctx context.Context, c Coeffs, pairID, tuningMode string) (float64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	key := cacheKey(c)
	if score, ok := s.scores[key]; ok {
		cacheHitsTotal.Inc()
		return score, true, nil
	}
	if !s.BudgetLeft() {
		return 0, false, nil
	}

	s.newRuns++
	s.runCount++
	outName := fmt.Sprintf("run_%03d__nn_scalar_%s_%s_%s.csv",
		s.runCount, coefkey.Tag(c.X), coefkey.Tag(c.Y), coefkey.Tag(c.Z))

	rec := RunRecord{
		RunIndex:           s.runCount,
		DeviceID:           s.deviceID,
		Coeffs:             c,
		PairID:             pairID,
		BaselineOffCSV:     s.baselineOff,
		BaselineTargets:    s.targets,
		BaselineScoreTotal: scorePtr(s.baselineScore),
		TuningMode:         tuningMode,
		CreatedAtMs:        time.Now().UnixMilli(),
	}

	score := math.Inf(1)
	outPath, err := s.proc.Process(ctx, backend.ProcessRequest{
		InputCSV:       s.inputCSV,
		DeviceID:       s.deviceID,
		OutputDir:      s.runsDir,
		OutputFilename: outName,
		RoomTempF:      s.cfg.IdealRoomTempF,
		Mode:           coefkey.ModeScalar,
		Coefficients:   &coefkey.Triple{Mode: coefkey.ModeScalar, X: c.X, Y: c.Y, Z: c.Z},
	})
	if err != nil {
		evaluationFailuresTotal.Inc()
		s.logger.Error("candidate processing failed, recording as non-viable",
			slog.Int("run_index", s.runCount), slog.String("error", err.Error()))
	} else {
		rec.OutputCSV = outPath
		result, scoreErr := ScoreCandidate(outPath, s.targets, s.cfg)
		if scoreErr != nil {
			evaluationFailuresTotal.Inc()
			s.logger.Error("candidate scoring failed, recording as non-viable",
				slog.Int("run_index", s.runCount), slog.String("error", scoreErr.Error()))
		} else {
			score = result.Total
			rec.ScorePerPhaseAxisMSE = finiteMSE(result.PerPhaseAxisMSE)
		}
	}
	rec.ScoreTotal = scorePtr(score)

	s.scores[key] = score
	s.observeBest(score, c, rec.OutputCSV)
	evaluationsTotal.Inc()

	if err := writeJSON(filepath.Join(s.runsDir, fmt.Sprintf("run_%03d.json", s.runCount)), rec); err != nil {
		s.logger.Error("failed to persist run record", slog.String("error", err.Error()))
	}
	s.emitRunComplete(rec)
	return score, true, nil
}

func (s *Session) emitRunComplete(rec RunRecord) {
	if s.progress == nil {
		return
	}
	p := Progress{
		Event: "run_complete",
		Run: &RunSummary{
			RunIndex:    rec.RunIndex,
			ScoreTotal:  rec.ScoreTotal,
			Coeffs:      rec.Coeffs,
			OutputCSV:   rec.OutputCSV,
			TuningMode:  rec.TuningMode,
			CreatedAtMs: rec.CreatedAtMs,
		},
		BestScore:     scorePtr(s.bestScore),
		BestCoeffs:    s.bestCoeffs,
		BestOutputCSV: s.bestCSV,
		TuningMode:    rec.TuningMode,
		RunsNew:       intPtr(s.newRuns),
		Budget:        intPtr(s.budget),
	}
	s.progress(p)
}

// Emit forwards a progress event to the session's subscriber, if any.
func (s *Session) Emit(p Progress) {
	if s.progress != nil {
		s.progress(p)
	}
}

// WriteBest persists best.json for this session and returns the record.
func (s *Session) WriteBest(tuningMode string, cancelled bool, pairsTotal, pairsDone *int) (*BestRecord, error) {
	rec := &BestRecord{
		DeviceID:           s.deviceID,
		BestCoeffs:         s.bestCoeffs,
		BestScoreTotal:     scorePtr(s.bestScore),
		BestOutputCSV:      s.bestCSV,
		BaselineOffCSV:     s.baselineOff,
		BaselineTargets:    s.targets,
		BaselineScoreTotal: scorePtr(s.baselineScore),
		Budget:             s.budget,
		CompletedRuns:      s.runCount,
		PairsTotal:         pairsTotal,
		PairsDone:          pairsDone,
		TuningMode:         tuningMode,
		Cancelled:          cancelled,
		CreatedAtMs:        time.Now().UnixMilli(),
	}
	if err := writeJSON(filepath.Join(s.dir, bestFileName), rec); err != nil {
		return nil, fmt.Errorf("write best record: %w", err)
	}
	return rec, nil
}

// LoadBest reads the persisted best record for a test folder, or nil when
// no search has completed there yet.
func LoadBest(testFolder string) (*BestRecord, error) {
	path := filepath.Join(TuningDir(testFolder), bestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read best record: %w", err)
	}
	var rec BestRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse best record: %w", err)
	}
	return &rec, nil
}

// finiteMSE drops non-finite entries so the record stays valid JSON.
func finiteMSE(per map[string]map[string]float64) map[string]map[string]float64 {
	out := map[string]map[string]float64{}
	for phase, byAxis := range per {
		out[phase] = map[string]float64{}
		for axis, v := range byAxis {
			if !math.IsInf(v, 0) && !math.IsNaN(v) {
				out[phase][axis] = v
			}
		}
	}
	return out
}

func writeJSON(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func intPtr(v int) *int { return &v }
