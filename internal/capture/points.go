// Package capture reads and models processed force-plate capture data:
// discrete-temperature sum series and per-cell grid analyses.
package capture

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
)

// Point is one (temperature, value) sample from a processed capture.
type Point struct {
	TempF float64
	Value float64
}

// ReadSumPoints reads the (sum-t, sum-<axis>) series for one phase from a
// processed discrete-temperature CSV. Rows with unparseable numbers are
// skipped; the result is sorted by temperature. A missing or empty file
// yields an empty slice, matching how downstream scoring treats absent data.
func ReadSumPoints(path, phase, axis string) ([]Point, error) {
	axis = strings.ToLower(strings.TrimSpace(axis))
	if axis != "x" && axis != "y" && axis != "z" {
		return nil, fmt.Errorf("invalid axis %q", axis)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open capture csv: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, fmt.Errorf("read capture header: %w", err)
	}

	phaseIdx, tempIdx, valIdx := -1, -1, -1
	valKey := "sum-" + axis
	for i, h := range header {
		switch normalizeHeader(h) {
		case "phase":
			phaseIdx = i
		case "sum-t":
			tempIdx = i
		case valKey:
			valIdx = i
		}
	}
	if phaseIdx < 0 || tempIdx < 0 || valIdx < 0 {
		return nil, fmt.Errorf("capture csv %s missing phase/sum-t/%s columns", path, valKey)
	}

	want := strings.ToLower(strings.TrimSpace(phase))
	var out []Point
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read capture row: %w", err)
		}
		if phaseIdx >= len(row) || tempIdx >= len(row) || valIdx >= len(row) {
			continue
		}
		if strings.ToLower(strings.TrimSpace(row[phaseIdx])) != want {
			continue
		}
		t, err := strconv.ParseFloat(strings.TrimSpace(row[tempIdx]), 64)
		if err != nil {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(row[valIdx]), 64)
		if err != nil {
			continue
		}
		out = append(out, Point{TempF: t, Value: v})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].TempF < out[j].TempF })
	return out, nil
}

// normalizeHeader strips a UTF-8 BOM and surrounding whitespace. Exported
// capture files sometimes carry padded header names the columns are matched
// against exactly.
func normalizeHeader(h string) string {
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
}
