package rollup

import (
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// ExportStageSplitXLSX writes the stage-split rows of a report as a
// spreadsheet next to the CSV and returns its path. The workbook carries one
// sheet of per-test rows plus, when the unified model was fitted, a summary
// sheet with the coefficient, k and quality metrics.
func (s *Service) ExportStageSplitXLSX(plateType string, report *StageSplitReport) (string, error) {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Stage Split"
	f.SetSheetName("Sheet1", sheet)

	header := []interface{}{
		"plate_type", "device_id", "raw_csv", "temp_f", "body_weight_n",
		"best_bw_coef", "bw_mean_abs", "dumbbell_weight_n", "best_db_coef", "db_mean_abs",
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return "", fmt.Errorf("write header: %w", err)
	}
	for i, r := range report.Rows {
		row := []interface{}{
			r.PlateType,
			r.DeviceID,
			r.RawCSV,
			cellFloat(r.TempF),
			cellFloat(r.BodyWeightN),
			cellFloat(r.BestBWCoef),
			cellFloat(r.BWMeanAbs),
			r.DumbbellWeightN,
			cellFloat(r.BestDBCoef),
			cellFloat(r.DBMeanAbs),
		}
		cell := fmt.Sprintf("A%d", i+2)
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return "", fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	if report.Summary != nil {
		const summarySheet = "Unified Model"
		if _, err := f.NewSheet(summarySheet); err != nil {
			return "", fmt.Errorf("create summary sheet: %w", err)
		}
		rows := [][]interface{}{
			{"coef", report.Summary.Coef},
			{"coef_key", report.Summary.CoefKey},
			{"k", report.Summary.K},
			{"mean_abs", cellFloat(report.Summary.MeanAbs)},
			{"mean_signed", cellFloat(report.Summary.MeanSigned)},
			{"std_signed", cellFloat(report.Summary.StdSigned)},
			{"n", report.Summary.N},
		}
		for i := range rows {
			cell := fmt.Sprintf("A%d", i+1)
			if err := f.SetSheetRow(summarySheet, cell, &rows[i]); err != nil {
				return "", fmt.Errorf("write summary row %d: %w", i+1, err)
			}
		}
	}

	path := strings.TrimSuffix(report.CSVPath, ".csv") + ".xlsx"
	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}
	return path, nil
}

// cellFloat maps a missing value to an empty cell.
func cellFloat(v *float64) interface{} {
	if v == nil {
		return ""
	}
	return *v
}
