package rollup

import (
	"fmt"
	"math"
	"sort"

	"platecal/internal/config"
)

// Aggregate is the cross-device summary of one coefficient key.
type Aggregate struct {
	CoefKey         string   `json:"coef_key"`
	MeanSigned      float64  `json:"mean_signed"`
	ScoreMeanAbs    *float64 `json:"score_mean_abs"`
	StdSigned       *float64 `json:"std_signed"`
	Coverage        string   `json:"coverage"`
	EligibleDevices int      `json:"eligible_devices"`
	EligibleRuns    int      `json:"eligible_runs"`
}

// Top3Row is one ranked coefficient candidate for a plate type.
type Top3Row struct {
	CoefKey      string  `json:"coef_key"`
	CoefLabel    string  `json:"coef_label"`
	ScoreMeanAbs float64 `json:"score_mean_abs"`
	MeanSigned   float64 `json:"mean_signed"`
	StdSigned    float64 `json:"std_signed"`
	Coverage     string  `json:"coverage"`
}

// AggregateMeanSignedForCoefKey pools the selected/all mean_signed of every
// eligible run carrying coefKey. Returns nil when no device qualifies or no
// eligible run has a usable score.
func AggregateMeanSignedForCoefKey(runs []Run, coefKey string, cfg config.CalibrationConfig, minDevices int) *Aggregate {
	if coefKey == "" {
		return nil
	}
	var matching []Run
	for _, r := range runs {
		if r.CoefKey == coefKey {
			matching = append(matching, r)
		}
	}
	eligibleDevices, eligibleRuns, allTemps := EligibleRunsByDeviceAndTemp(matching, cfg.MinDistinctTempsPerDevice)
	if eligibleDevices < minDevices {
		return nil
	}

	meanAbs, meanSigned, stdSigned := pooledSelectedAll(eligibleRuns)
	if meanSigned == nil {
		return nil
	}

	return &Aggregate{
		CoefKey:         coefKey,
		MeanSigned:      *meanSigned,
		ScoreMeanAbs:    meanAbs,
		StdSigned:       stdSigned,
		Coverage:        coverageLabel(eligibleDevices, len(eligibleRuns), allTemps),
		EligibleDevices: eligibleDevices,
		EligibleRuns:    len(eligibleRuns),
	}
}

// Top3RowsForPlateType ranks coefficient keys by pooled selected/all
// mean_abs ascending (or |mean_signed| when sortBy is "signed") and keeps
// the best three. Only keys meeting the device and temperature coverage
// rules participate.
func Top3RowsForPlateType(runs []Run, sortBy string, cfg config.CalibrationConfig) []Top3Row {
	byCoef := map[string][]Run{}
	var keyOrder []string
	for _, r := range runs {
		if r.CoefKey == "" || r.DeviceID == "" {
			continue
		}
		if _, seen := byCoef[r.CoefKey]; !seen {
			keyOrder = append(keyOrder, r.CoefKey)
		}
		byCoef[r.CoefKey] = append(byCoef[r.CoefKey], r)
	}

	var rows []Top3Row
	for _, ck := range keyOrder {
		eligibleDevices, eligibleRuns, allTemps := EligibleRunsByDeviceAndTemp(byCoef[ck], cfg.MinDistinctTempsPerDevice)
		if eligibleDevices < cfg.MinEligibleDevices {
			continue
		}
		meanAbs, meanSigned, stdSigned := pooledSelectedAll(eligibleRuns)
		if meanAbs == nil {
			continue
		}
		row := Top3Row{
			CoefKey:      ck,
			CoefLabel:    ck,
			ScoreMeanAbs: *meanAbs,
			Coverage:     coverageLabel(eligibleDevices, len(eligibleRuns), allTemps),
		}
		if meanSigned != nil {
			row.MeanSigned = *meanSigned
		}
		if stdSigned != nil {
			row.StdSigned = *stdSigned
		}
		rows = append(rows, row)
	}

	if sortBy == "signed" {
		sort.SliceStable(rows, func(i, j int) bool {
			return math.Abs(rows[i].MeanSigned) < math.Abs(rows[j].MeanSigned)
		})
	} else {
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].ScoreMeanAbs < rows[j].ScoreMeanAbs
		})
	}
	if len(rows) > 3 {
		rows = rows[:3]
	}
	return rows
}

// pooledSelectedAll averages the selected/all statistics across runs,
// skipping runs whose score slice is missing.
func pooledSelectedAll(runs []Run) (meanAbs, meanSigned, stdSigned *float64) {
	var absVals, signedVals, stdVals []float64
	for _, r := range runs {
		sel, ok := r.Selected[config.StageAll]
		if !ok {
			continue
		}
		if sel.MeanAbs != nil {
			absVals = append(absVals, *sel.MeanAbs)
		}
		if sel.MeanSigned != nil {
			signedVals = append(signedVals, *sel.MeanSigned)
		}
		if sel.StdSigned != nil {
			stdVals = append(stdVals, *sel.StdSigned)
		}
	}
	if len(absVals) > 0 {
		v := meanOf(absVals)
		meanAbs = &v
	}
	if len(signedVals) > 0 {
		v := meanOf(signedVals)
		meanSigned = &v
	}
	if len(stdVals) > 0 {
		v := meanOf(stdVals)
		stdSigned = &v
	}
	return meanAbs, meanSigned, stdSigned
}

func coverageLabel(devices, runCount int, temps []float64) string {
	label := fmt.Sprintf("%d devices, %d tests", devices, runCount)
	if len(temps) > 0 {
		lo, hi := temps[0], temps[0]
		for _, t := range temps {
			if t < lo {
				lo = t
			}
			if t > hi {
				hi = t
			}
		}
		label = fmt.Sprintf("%s, temps %.1f-%.1f F", label, lo, hi)
	}
	return label
}
