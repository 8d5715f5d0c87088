package capture

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func f64(v float64) *float64 { return &v }

func TestTemperatureFKeyPriority(t *testing.T) {
	m := &Meta{TempF: f64(61), RoomTemperatureF: f64(72)}
	require.NotNil(t, m.TemperatureF())
	assert.Equal(t, 61.0, *m.TemperatureF())

	// A zero value under the preferred key falls through to the next one.
	m = &Meta{TempF: f64(0), RoomTempF: f64(73), AvgTemp: f64(74)}
	require.NotNil(t, m.TemperatureF())
	assert.Equal(t, 73.0, *m.TemperatureF())

	assert.Nil(t, (&Meta{}).TemperatureF())
	assert.Nil(t, (&Meta{TempF: f64(0)}).TemperatureF())
	assert.Nil(t, (*Meta)(nil).TemperatureF())
}

func TestTemperatureFReturnsCopy(t *testing.T) {
	src := 75.0
	m := &Meta{TempF: &src}
	got := m.TemperatureF()
	*got = 99
	assert.Equal(t, 75.0, *m.TempF)
}

func TestIsRoomBaseline(t *testing.T) {
	assert.True(t, (&Meta{Purpose: "room_baseline"}).IsRoomBaseline())
	assert.False(t, (&Meta{Purpose: "tuning"}).IsRoomBaseline())
	assert.False(t, (&Meta{}).IsRoomBaseline())
	assert.False(t, (*Meta)(nil).IsRoomBaseline())
}

func TestLoadMeta(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	body := `{"device_id":"06.0001","device_type":"06","room_temperature_f":75.5,"body_weight_n":802.2}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	m, err := LoadMeta(path)
	require.NoError(t, err)
	assert.Equal(t, "06.0001", m.DeviceID)
	assert.Equal(t, "06", m.DeviceType)
	require.NotNil(t, m.TemperatureF())
	assert.Equal(t, 75.5, *m.TemperatureF())

	_, err = LoadMeta(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}
