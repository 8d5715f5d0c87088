package config

// Stage keys used throughout scoring and reports.
const (
	StageAll = "all"
	StageDB  = "db"
	StageBW  = "bw"
)

// Phase names in processed discrete-temperature CSVs.
const (
	Phase45LB       = "45lb"
	PhaseBodyweight = "bodyweight"
)

// DumbbellTargetN is the expected cell reading for the 45lb dumbbell stage.
const DumbbellTargetN = 45.0 * 4.44822

// Per-model passing thresholds in Newtons, keyed by plate type prefix.
var (
	dumbbellThresholdN = map[string]float64{
		"06": 5.0,
		"07": 6.0,
		"08": 8.0,
	}
	bodyweightThresholdN = map[string]float64{
		"06": 8.0,
		"07": 11.0,
		"08": 15.0,
	}
)

// Fallbacks for unrecognized plate types.
const (
	defaultDumbbellThresholdN   = 6.0
	defaultBodyweightThresholdN = 11.0
)

// ColorBinMultipliers maps grading color bins to their threshold multiplier.
// A cell passes a bin when |error| <= threshold * multiplier.
var ColorBinMultipliers = map[string]float64{
	"green":       0.5,
	"light_green": 1.0,
	"yellow":      1.5,
	"orange":      2.5,
}

// PassingThreshold returns the absolute error threshold in Newtons for a
// stage on the given device type. The dumbbell stage gets the tighter
// per-model band; everything else grades against the bodyweight band.
func PassingThreshold(stage, deviceType string) float64 {
	if stage == StageDB {
		if v, ok := dumbbellThresholdN[deviceType]; ok {
			return v
		}
		return defaultDumbbellThresholdN
	}
	if v, ok := bodyweightThresholdN[deviceType]; ok {
		return v
	}
	return defaultBodyweightThresholdN
}
