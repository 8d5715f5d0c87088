package capture

import (
	"encoding/json"
	"fmt"
	"os"
)

// Meta is the sidecar metadata recorded next to each raw capture CSV.
type Meta struct {
	DeviceID   string `json:"device_id,omitempty"`
	DeviceType string `json:"device_type,omitempty"`
	Rows       int    `json:"rows,omitempty"`
	Cols       int    `json:"cols,omitempty"`

	// Purpose marks captures recorded for a special role, e.g.
	// "room_baseline" for the bias-learning room-temperature captures.
	Purpose string `json:"purpose,omitempty"`

	BodyWeightN float64 `json:"body_weight_n,omitempty"`

	// Temperature can appear under several historical keys.
	TempF            *float64 `json:"temp_f,omitempty"`
	RoomTemperatureF *float64 `json:"room_temperature_f,omitempty"`
	RoomTempF        *float64 `json:"room_temp_f,omitempty"`
	AmbientTempF     *float64 `json:"ambient_temp_f,omitempty"`
	AvgTemp          *float64 `json:"avg_temp,omitempty"`
}

// TemperatureF extracts the capture temperature, preferring the keys in
// their historical order and skipping zero values. Returns nil when no
// usable temperature is recorded.
func (m *Meta) TemperatureF() *float64 {
	if m == nil {
		return nil
	}
	for _, v := range []*float64{m.TempF, m.RoomTemperatureF, m.RoomTempF, m.AmbientTempF, m.AvgTemp} {
		if v != nil && *v != 0 {
			f := *v
			return &f
		}
	}
	return nil
}

// IsRoomBaseline reports whether this capture was recorded as a
// bias-learning room-temperature baseline.
func (m *Meta) IsRoomBaseline() bool {
	return m != nil && m.Purpose == "room_baseline"
}

// LoadMeta reads a meta.json sidecar file.
func LoadMeta(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read meta: %w", err)
	}
	var m Meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse meta %s: %w", path, err)
	}
	return &m, nil
}
