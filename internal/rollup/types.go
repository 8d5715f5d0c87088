// Package rollup aggregates coefficient evaluations across the devices of a
// plate type: bias-controlled scoring, eligibility filtering, the persisted
// per-type rollup document, top-3 selection, the stage-split report and the
// unified post-correction model.
package rollup

import (
	"platecal/internal/tuning"
)

// ScoreResult is a bias-controlled percent-error summary for one run slice.
// All statistics are nil when no cell could be scored.
type ScoreResult struct {
	N          int      `json:"n"`
	MeanAbs    *float64 `json:"mean_abs,omitempty"`
	MeanSigned *float64 `json:"mean_signed,omitempty"`
	StdSigned  *float64 `json:"std_signed,omitempty"`
	PassRate   *float64 `json:"pass_rate,omitempty"`
}

// StageScores maps stage key ("all", "db", "bw") to its score.
type StageScores map[string]ScoreResult

// Run is one scored (coefficient set, device, capture) combination inside a
// rollup document. The (coef_key, device_id, raw_csv) triple is its dedupe
// identity.
type Run struct {
	PlateType    string        `json:"plate_type"`
	DeviceID     string        `json:"device_id"`
	DeviceType   string        `json:"device_type"`
	CoefKey      string        `json:"coef_key"`
	Mode         string        `json:"mode"`
	Coefs        tuning.Coeffs `json:"coefs"`
	RawCSV       string        `json:"raw_csv"`
	TempF        *float64      `json:"temp_f"`
	BaselineCSV  string        `json:"baseline_csv"`
	SelectedCSV  string        `json:"selected_csv"`
	Baseline     StageScores   `json:"baseline"`
	Selected     StageScores   `json:"selected"`
	RecordedAtMs int64         `json:"recorded_at_ms"`
}

// Rollup is the persisted per-plate-type document.
type Rollup struct {
	Version     int    `json:"version"`
	PlateType   string `json:"plate_type"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
	Runs        []Run  `json:"runs"`
}

// dedupeKey identifies a run inside a rollup.
type dedupeKey struct {
	coefKey  string
	deviceID string
	rawCSV   string
}

func (r Run) dedupe() dedupeKey {
	return dedupeKey{coefKey: r.CoefKey, deviceID: r.DeviceID, rawCSV: r.RawCSV}
}
