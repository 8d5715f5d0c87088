package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PLATECAL_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "http://127.0.0.1:9151", cfg.Backend.BaseURL)
	assert.Equal(t, 74.0, cfg.Calibration.BaselineLowF)
	assert.Equal(t, 78.0, cfg.Calibration.BaselineHighF)
	assert.Equal(t, 76.0, cfg.Calibration.IdealRoomTempF)
	assert.Equal(t, 0.0001, cfg.Calibration.QuantizeStep)
	assert.Equal(t, 0.008, cfg.Calibration.ZMax)
	assert.Equal(t, 1.0, cfg.Calibration.ScoreWeightZ)
	assert.Equal(t, 550.0, cfg.Calibration.PostCorrectionFrefN)
	assert.Equal(t, 206.3, cfg.Calibration.DumbbellWeightN)
	assert.Equal(t, 2, cfg.Calibration.MinEligibleDevices)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platecal.yaml")
	body := `
server:
  port: 9000
logging:
  level: debug
calibration:
  z_max: 0.01
  min_eligible_devices: 1
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	t.Setenv("PLATECAL_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 0.01, cfg.Calibration.ZMax)
	assert.Equal(t, 1, cfg.Calibration.MinEligibleDevices)
	// Untouched values keep their defaults.
	assert.Equal(t, 0.005, cfg.Calibration.XMax)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "platecal.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 0\n"), 0o644))
	t.Setenv("PLATECAL_CONFIG", path)

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
}

func TestCalibrationValidate(t *testing.T) {
	valid := CalibrationConfig{
		BaselineLowF:              74,
		BaselineHighF:             78,
		QuantizeStep:              0.0001,
		SweepStep:                 0.001,
		RefineStep:                0.0001,
		UnifiedMaxCoef:            0.02,
		MinDistinctTempsPerDevice: 2,
		MinEligibleDevices:        2,
		ScoreWeightZ:              1,
	}
	assert.NoError(t, valid.Validate())

	band := valid
	band.BaselineHighF = 74
	assert.Error(t, band.Validate())

	quant := valid
	quant.QuantizeStep = 0
	assert.Error(t, quant.Validate())

	weights := valid
	weights.ScoreWeightZ = 0
	assert.Error(t, weights.Validate())

	coverage := valid
	coverage.MinEligibleDevices = 0
	assert.Error(t, coverage.Validate())
}
