package capture

// Cell is one graded grid position of a processed run.
type Cell struct {
	Row       int     `json:"row"`
	Col       int     `json:"col"`
	MeanN     float64 `json:"mean_n"`
	SignedPct float64 `json:"signed_pct,omitempty"`
	AbsRatio  float64 `json:"abs_ratio,omitempty"`
}

// Stage is the per-stage slice of a run: the target force, the grading
// tolerance and the measured cells.
type Stage struct {
	TargetN    float64 `json:"target_n"`
	ToleranceN float64 `json:"tolerance_n"`
	Cells      []Cell  `json:"cells"`
}

// RunData is one analyzed run (baseline or selected), keyed by stage.
type RunData struct {
	Stages map[string]*Stage `json:"stages"`
}

// Grid describes the physical cell layout of the analyzed plate.
type Grid struct {
	Rows       int    `json:"rows"`
	Cols       int    `json:"cols"`
	DeviceType string `json:"device_type"`
}

// Payload is the result of analyzing a baseline/selected processed pair.
type Payload struct {
	Grid        Grid     `json:"grid"`
	BodyWeightN float64  `json:"body_weight_n"`
	Baseline    *RunData `json:"baseline,omitempty"`
	Selected    *RunData `json:"selected,omitempty"`
}
