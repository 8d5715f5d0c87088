package rollup

// EligibleRunsByDeviceAndTemp filters runs down to those from devices with
// at least minDistinctTemps distinct recorded temperatures. Runs without a
// device ID never count; runs without a temperature count toward a device's
// run list but not its temperature coverage. Returns the number of eligible
// devices, their runs and the pooled temperatures.
func EligibleRunsByDeviceAndTemp(runs []Run, minDistinctTemps int) (int, []Run, []float64) {
	if minDistinctTemps < 1 {
		minDistinctTemps = 1
	}

	byDevice := map[string][]Run{}
	var deviceOrder []string
	for _, r := range runs {
		if r.DeviceID == "" {
			continue
		}
		if _, seen := byDevice[r.DeviceID]; !seen {
			deviceOrder = append(deviceOrder, r.DeviceID)
		}
		byDevice[r.DeviceID] = append(byDevice[r.DeviceID], r)
	}

	eligibleDevices := 0
	var eligibleRuns []Run
	var allTemps []float64
	for _, dev := range deviceOrder {
		devRuns := byDevice[dev]
		temps := map[float64]bool{}
		for _, r := range devRuns {
			if r.TempF != nil {
				temps[*r.TempF] = true
			}
		}
		if len(temps) < minDistinctTemps {
			continue
		}
		eligibleDevices++
		for t := range temps {
			allTemps = append(allTemps, t)
		}
		eligibleRuns = append(eligibleRuns, devRuns...)
	}
	return eligibleDevices, eligibleRuns, allTemps
}
