package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// Config represents the complete application configuration
type Config struct {
	Server      ServerConfig      `yaml:"server" envconfig:"SERVER"`
	Logging     LoggingConfig     `yaml:"logging" envconfig:"LOGGING"`
	Paths       PathsConfig       `yaml:"paths" envconfig:"PATHS"`
	Backend     BackendConfig     `yaml:"backend" envconfig:"BACKEND"`
	Calibration CalibrationConfig `yaml:"calibration" envconfig:"CALIBRATION"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT" default:"8090"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format string `yaml:"format" envconfig:"FORMAT" default:"json"`
}

// PathsConfig contains file system paths configuration
type PathsConfig struct {
	// TestLibraryDir is the root of the on-disk capture library,
	// laid out as <root>/<device_id>/<test folder>/.
	TestLibraryDir string `yaml:"test_library_dir" envconfig:"TEST_LIBRARY_DIR" default:"data/temp_testing"`
	// AnalysisDir holds derived artifacts: rollup files and stage-split reports.
	AnalysisDir string `yaml:"analysis_dir" envconfig:"ANALYSIS_DIR" default:"data/analysis"`
}

// BackendConfig describes how to reach the external CSV processor
type BackendConfig struct {
	BaseURL        string        `yaml:"base_url" envconfig:"BASE_URL" default:"http://127.0.0.1:9151"`
	ProcessTimeout time.Duration `yaml:"process_timeout" envconfig:"PROCESS_TIMEOUT" default:"5m"`
	SanitizeHeader bool          `yaml:"sanitize_header" envconfig:"SANITIZE_HEADER" default:"true"`
}

// CalibrationConfig carries every tunable used by the search and rollup
// engines. It is passed by value into components at construction so a running
// search never observes a mutation.
type CalibrationConfig struct {
	// Baseline temperature band treated as "room temperature, no correction
	// needed" when deriving targets and scoring candidates.
	BaselineLowF  float64 `yaml:"baseline_low_f" envconfig:"BASELINE_LOW_F" default:"74"`
	BaselineHighF float64 `yaml:"baseline_high_f" envconfig:"BASELINE_HIGH_F" default:"78"`

	// Room-temp window for identifying bias-learning baseline captures.
	RoomBaselineMinF float64 `yaml:"room_baseline_min_f" envconfig:"ROOM_BASELINE_MIN_F" default:"71"`
	RoomBaselineMaxF float64 `yaml:"room_baseline_max_f" envconfig:"ROOM_BASELINE_MAX_F" default:"77"`

	// IdealRoomTempF is the reference temperature handed to the processor,
	// not the capture's measured temperature.
	IdealRoomTempF float64 `yaml:"ideal_room_temp_f" envconfig:"IDEAL_ROOM_TEMP_F" default:"76"`

	// QuantizeStep fixes the coefficient grid used for cache keys.
	QuantizeStep float64 `yaml:"quantize_step" envconfig:"QUANTIZE_STEP" default:"0.0001"`

	// Coarse pair-sweep grid.
	SweepStep float64 `yaml:"sweep_step" envconfig:"SWEEP_STEP" default:"0.001"`
	XMax      float64 `yaml:"x_max" envconfig:"X_MAX" default:"0.005"`
	YMax      float64 `yaml:"y_max" envconfig:"Y_MAX" default:"0.005"`
	ZMax      float64 `yaml:"z_max" envconfig:"Z_MAX" default:"0.008"`

	// Precise pair-sweep offsets around a supplied origin.
	PreciseOffsetMax  float64 `yaml:"precise_offset_max" envconfig:"PRECISE_OFFSET_MAX" default:"0.001"`
	PreciseOffsetStep float64 `yaml:"precise_offset_step" envconfig:"PRECISE_OFFSET_STEP" default:"0.0001"`

	// Local refinement.
	RefineStep float64 `yaml:"refine_step" envconfig:"REFINE_STEP" default:"0.0001"`

	// Consecutive non-improving evaluations before a line scan stops.
	SweepStopAfterWorse  int `yaml:"sweep_stop_after_worse" envconfig:"SWEEP_STOP_AFTER_WORSE" default:"2"`
	RefineStopAfterWorse int `yaml:"refine_stop_after_worse" envconfig:"REFINE_STOP_AFTER_WORSE" default:"1"`

	// Golden-section bounds for the unified (x=y=z) per-stage search.
	UnifiedMinCoef float64 `yaml:"unified_min_coef" envconfig:"UNIFIED_MIN_COEF" default:"0"`
	UnifiedMaxCoef float64 `yaml:"unified_max_coef" envconfig:"UNIFIED_MAX_COEF" default:"0.02"`

	// Target-MSE scoring weights per axis (z-only by default).
	ScoreWeightX float64 `yaml:"score_weight_x" envconfig:"SCORE_WEIGHT_X" default:"0"`
	ScoreWeightY float64 `yaml:"score_weight_y" envconfig:"SCORE_WEIGHT_Y" default:"0"`
	ScoreWeightZ float64 `yaml:"score_weight_z" envconfig:"SCORE_WEIGHT_Z" default:"1"`

	// Post-correction reference force and the fixed dumbbell stage weight.
	PostCorrectionFrefN float64 `yaml:"post_correction_fref_n" envconfig:"POST_CORRECTION_FREF_N" default:"550"`
	DumbbellWeightN     float64 `yaml:"dumbbell_weight_n" envconfig:"DUMBBELL_WEIGHT_N" default:"206.3"`

	// Minimum coverage before an aggregate is trusted.
	MinDistinctTempsPerDevice int `yaml:"min_distinct_temps_per_device" envconfig:"MIN_DISTINCT_TEMPS_PER_DEVICE" default:"2"`
	MinEligibleDevices        int `yaml:"min_eligible_devices" envconfig:"MIN_ELIGIBLE_DEVICES" default:"2"`

	// PassBinMultiplier selects the color bin counted as passing when
	// computing pass rates (light_green by default).
	PassBinMultiplier float64 `yaml:"pass_bin_multiplier" envconfig:"PASS_BIN_MULTIPLIER" default:"1"`
}

// Load loads configuration from environment variables and an optional YAML file
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("PLATECAL", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	configFile := configFilePath()
	if _, err := os.Stat(configFile); err == nil {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func configFilePath() string {
	if p := os.Getenv("PLATECAL_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(".", "platecal.yaml")
}

func (c *Config) validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend base_url is required")
	}
	return c.Calibration.Validate()
}

// Validate checks the calibration settings for internal consistency
func (c CalibrationConfig) Validate() error {
	if c.BaselineLowF >= c.BaselineHighF {
		return fmt.Errorf("baseline band is empty: [%v, %v]", c.BaselineLowF, c.BaselineHighF)
	}
	if c.QuantizeStep <= 0 {
		return fmt.Errorf("quantize_step must be positive, got %v", c.QuantizeStep)
	}
	if c.SweepStep <= 0 || c.RefineStep <= 0 {
		return fmt.Errorf("sweep_step and refine_step must be positive")
	}
	if c.UnifiedMaxCoef <= c.UnifiedMinCoef {
		return fmt.Errorf("unified coef interval is empty: [%v, %v]", c.UnifiedMinCoef, c.UnifiedMaxCoef)
	}
	if c.MinDistinctTempsPerDevice < 1 || c.MinEligibleDevices < 1 {
		return fmt.Errorf("minimum coverage rules must be at least 1")
	}
	if c.ScoreWeightX < 0 || c.ScoreWeightY < 0 || c.ScoreWeightZ < 0 {
		return fmt.Errorf("score weights must be non-negative")
	}
	if c.ScoreWeightX+c.ScoreWeightY+c.ScoreWeightZ == 0 {
		return fmt.Errorf("at least one score weight must be positive")
	}
	return nil
}
