package capture

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"platecal/internal/config"
)

// Analyzer turns processed cell-summary CSVs into graded run payloads.
//
// A cell-summary CSV has one row per detected stage window:
//
//	stage,row,col,mean_n[,target_n]
//
// Stage targets come from the optional target_n column when present,
// otherwise from the stage convention: the dumbbell stage grades against the
// fixed 45lb target and the bodyweight stage against the subject weight from
// the capture meta.
type Analyzer struct{}

// NewAnalyzer creates an analyzer.
func NewAnalyzer() *Analyzer {
	return &Analyzer{}
}

// AnalyzeSingle reads one processed cell-summary CSV into a RunData.
func (a *Analyzer) AnalyzeSingle(path string, meta *Meta) (*RunData, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cell summary: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read cell summary header: %w", err)
	}
	idx := map[string]int{}
	for i, h := range header {
		idx[normalizeHeader(h)] = i
	}
	for _, required := range []string{"stage", "row", "col", "mean_n"} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("cell summary %s missing %q column", path, required)
		}
	}
	targetIdx, hasTarget := idx["target_n"]

	deviceType := ""
	if meta != nil {
		deviceType = meta.DeviceType
	}

	run := &RunData{Stages: map[string]*Stage{}}
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read cell summary row: %w", err)
		}
		stageKey := strings.ToLower(strings.TrimSpace(field(row, idx["stage"])))
		if stageKey == "" {
			continue
		}
		rr, err1 := strconv.Atoi(strings.TrimSpace(field(row, idx["row"])))
		cc, err2 := strconv.Atoi(strings.TrimSpace(field(row, idx["col"])))
		mean, err3 := strconv.ParseFloat(strings.TrimSpace(field(row, idx["mean_n"])), 64)
		if err1 != nil || err2 != nil || err3 != nil {
			continue
		}

		stage, ok := run.Stages[stageKey]
		if !ok {
			stage = &Stage{
				TargetN:    a.stageTarget(stageKey, meta),
				ToleranceN: config.PassingThreshold(stageKey, deviceType),
			}
			run.Stages[stageKey] = stage
		}
		if hasTarget {
			if t, err := strconv.ParseFloat(strings.TrimSpace(field(row, targetIdx)), 64); err == nil && t > 0 {
				stage.TargetN = t
			}
		}

		cell := Cell{Row: rr, Col: cc, MeanN: mean}
		if stage.TargetN != 0 {
			cell.SignedPct = (mean - stage.TargetN) / stage.TargetN * 100.0
		}
		if stage.ToleranceN != 0 {
			diff := mean - stage.TargetN
			if diff < 0 {
				diff = -diff
			}
			cell.AbsRatio = diff / stage.ToleranceN
		}
		stage.Cells = append(stage.Cells, cell)
	}
	return run, nil
}

// AnalyzePair analyzes a baseline(off)/selected(on) processed pair.
func (a *Analyzer) AnalyzePair(baselinePath, selectedPath string, meta *Meta) (*Payload, error) {
	baseline, err := a.AnalyzeSingle(baselinePath, meta)
	if err != nil {
		return nil, fmt.Errorf("analyze baseline: %w", err)
	}
	selected, err := a.AnalyzeSingle(selectedPath, meta)
	if err != nil {
		return nil, fmt.Errorf("analyze selected: %w", err)
	}

	p := &Payload{Baseline: baseline, Selected: selected}
	if meta != nil {
		p.Grid = Grid{Rows: meta.Rows, Cols: meta.Cols, DeviceType: meta.DeviceType}
		p.BodyWeightN = meta.BodyWeightN
	}
	if p.Grid.Rows == 0 || p.Grid.Cols == 0 {
		p.Grid.Rows, p.Grid.Cols = gridExtent(baseline, selected)
	}
	return p, nil
}

func (a *Analyzer) stageTarget(stageKey string, meta *Meta) float64 {
	switch stageKey {
	case config.StageDB:
		return config.DumbbellTargetN
	case config.StageBW:
		if meta != nil {
			return meta.BodyWeightN
		}
	}
	return 0
}

// gridExtent derives rows/cols from the largest cell coordinates seen.
func gridExtent(runs ...*RunData) (int, int) {
	rows, cols := 0, 0
	for _, run := range runs {
		if run == nil {
			continue
		}
		for _, stage := range run.Stages {
			for _, c := range stage.Cells {
				if c.Row+1 > rows {
					rows = c.Row + 1
				}
				if c.Col+1 > cols {
					cols = c.Col + 1
				}
			}
		}
	}
	return rows, cols
}

func field(row []string, i int) string {
	if i < 0 || i >= len(row) {
		return ""
	}
	return row[i]
}
