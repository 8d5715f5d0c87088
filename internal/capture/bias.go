package capture

// BiasMap is a per-cell fractional bias grid (0.10 = +10%).
type BiasMap [][]float64

// At returns the bias for a cell, or 0 when the coordinates fall outside
// the learned grid.
func (b BiasMap) At(row, col int) float64 {
	if row < 0 || row >= len(b) {
		return 0
	}
	if col < 0 || col >= len(b[row]) {
		return 0
	}
	return b[row][col]
}

// BiasBaselineSummary records one room-temperature baseline that
// contributed to a bias cache.
type BiasBaselineSummary struct {
	CSV             string   `json:"csv"`
	TempF           *float64 `json:"temp_f"`
	ProcessedOff    string   `json:"processed_off"`
	DBTargetN       float64  `json:"db_target_n"`
	BWTargetN       float64  `json:"bw_target_n"`
	DBCellsMeasured int      `json:"db_cells_measured"`
	BWCellsMeasured int      `json:"bw_cells_measured"`
}

// BiasCache is the stored per-device baseline bias, learned from processed
// correction-off outputs of room-temperature captures.
type BiasCache struct {
	Version      int                   `json:"version"`
	DeviceID     string                `json:"device_id"`
	DeviceType   string                `json:"device_type"`
	Rows         int                   `json:"rows"`
	Cols         int                   `json:"cols"`
	RoomTempMinF float64               `json:"room_temp_min_f"`
	RoomTempMaxF float64               `json:"room_temp_max_f"`
	ComputedAtMs int64                 `json:"computed_at_ms"`
	Baselines    []BiasBaselineSummary `json:"baselines"`

	// Bias mirrors BiasAll for readers of the original cache layout.
	Bias    BiasMap `json:"bias"`
	BiasAll BiasMap `json:"bias_all"`
	BiasDB  BiasMap `json:"bias_db"`
	BiasBW  BiasMap `json:"bias_bw"`
}

// Map returns the grading bias map, preferring the stage-merged grid.
func (c *BiasCache) Map() BiasMap {
	if c == nil {
		return nil
	}
	if len(c.BiasAll) > 0 {
		return c.BiasAll
	}
	return c.Bias
}
