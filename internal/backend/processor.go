// Package backend talks to the external CSV processor service and resolves
// capture artifacts in the on-disk test library.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"platecal/internal/coefkey"
	"platecal/internal/config"
)

// ProcessRequest describes one processing call. A nil Coefficients means
// temperature correction is disabled (the correction-off baseline run).
type ProcessRequest struct {
	InputCSV       string
	DeviceID       string
	OutputDir      string
	OutputFilename string
	RoomTempF      float64
	Mode           string
	Coefficients   *coefkey.Triple
}

// Processor runs a raw capture CSV through the processing pipeline and
// returns the path of the processed series CSV.
type Processor interface {
	Process(ctx context.Context, req ProcessRequest) (string, error)
}

// HTTPProcessor is the production Processor backed by the processor service.
type HTTPProcessor struct {
	baseURL  string
	client   *http.Client
	timeout  time.Duration
	sanitize bool
	logger   *slog.Logger
}

// NewHTTPProcessor creates a processor client from config.
func NewHTTPProcessor(cfg config.BackendConfig, logger *slog.Logger) *HTTPProcessor {
	return &HTTPProcessor{
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		client:   &http.Client{Timeout: cfg.ProcessTimeout},
		timeout:  cfg.ProcessTimeout,
		sanitize: cfg.SanitizeHeader,
		logger:   logger.With(slog.String("component", "processor")),
	}
}

type processBody struct {
	CSVPath                  string             `json:"csvPath"`
	DeviceID                 string             `json:"deviceId"`
	OutputDir                string             `json:"outputDir"`
	UseTemperatureCorrection bool               `json:"use_temperature_correction"`
	RoomTemperatureF         float64            `json:"room_temperature_f"`
	Mode                     string             `json:"mode"`
	Coefficients             *processBodyCoeffs `json:"temperature_correction_coefficients,omitempty"`
}

type processBodyCoeffs struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

type processResponse struct {
	OutputPath   string `json:"outputPath"`
	Path         string `json:"path"`
	ProcessedCSV string `json:"processed_csv"`
}

// Process posts the capture to the processor service, then renames the
// reported output to the requested filename so artifact names stay stable
// across re-runs.
func (p *HTTPProcessor) Process(ctx context.Context, req ProcessRequest) (string, error) {
	if _, err := os.Stat(req.InputCSV); err != nil {
		return "", fmt.Errorf("input csv not found: %w", err)
	}
	outputDir, err := filepath.Abs(req.OutputDir)
	if err != nil {
		return "", fmt.Errorf("resolve output dir: %w", err)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	inputPath := req.InputCSV
	if p.sanitize {
		if sanitized, ok := sanitizeCSVHeader(req.InputCSV, outputDir); ok {
			inputPath = sanitized
		}
	}
	absInput, err := filepath.Abs(inputPath)
	if err != nil {
		return "", fmt.Errorf("resolve input path: %w", err)
	}

	mode := req.Mode
	if mode == "" {
		mode = coefkey.ModeScalar
	}
	body := processBody{
		CSVPath:                  absInput,
		DeviceID:                 req.DeviceID,
		OutputDir:                outputDir,
		UseTemperatureCorrection: req.Coefficients != nil,
		RoomTemperatureF:         req.RoomTempF,
		Mode:                     mode,
	}
	if req.Coefficients != nil {
		body.Coefficients = &processBodyCoeffs{
			X: req.Coefficients.X,
			Y: req.Coefficients.Y,
			Z: req.Coefficients.Z,
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode process request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	url := p.baseURL + "/process-csv"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build process request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	p.logger.InfoContext(ctx, "processing capture",
		slog.String("device_id", req.DeviceID),
		slog.String("input", filepath.Base(req.InputCSV)),
		slog.Bool("correction", req.Coefficients != nil))

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("processor request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read processor response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("processor returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var parsed processResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode processor response: %w", err)
	}
	outPath := parsed.OutputPath
	if outPath == "" {
		outPath = parsed.Path
	}
	if outPath == "" {
		outPath = parsed.ProcessedCSV
	}

	expected := filepath.Join(outputDir, req.OutputFilename)
	if outPath != "" {
		if _, err := os.Stat(outPath); err == nil {
			if abs, _ := filepath.Abs(outPath); abs != expected {
				if err := renameProcessed(outPath, expected); err != nil {
					p.logger.ErrorContext(ctx, "failed to move processed file", slog.String("error", err.Error()))
					return outPath, nil
				}
			}
			return expected, nil
		}
	}
	if _, err := os.Stat(expected); err == nil {
		return expected, nil
	}
	return "", fmt.Errorf("processor succeeded but output file was not found (expected=%s, returned=%s)", expected, outPath)
}

// renameProcessed moves the processed series file into place along with its
// cell-summary sibling when the processor produced one.
func renameProcessed(from, to string) error {
	if err := os.Remove(to); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Rename(from, to); err != nil {
		return err
	}
	fromCells := CellsPath(from)
	if _, err := os.Stat(fromCells); err == nil {
		if err := os.Remove(CellsPath(to)); err != nil && !os.IsNotExist(err) {
			return err
		}
		return os.Rename(fromCells, CellsPath(to))
	}
	return nil
}

// CellsPath returns the cell-summary sibling of a processed series CSV.
func CellsPath(processedCSV string) string {
	return strings.TrimSuffix(processedCSV, ".csv") + ".cells.csv"
}

// sanitizeCSVHeader rewrites a capture whose header carries padding or a BOM
// into a sibling file the processor can match columns against exactly. The
// original capture is never mutated. Returns ok=false when no rewrite was
// needed or the rewrite failed.
func sanitizeCSVHeader(inputCSV, outputDir string) (string, bool) {
	data, err := os.ReadFile(inputCSV)
	if err != nil {
		return "", false
	}
	lines := strings.SplitN(string(data), "\n", 2)
	header := strings.TrimSuffix(lines[0], "\r")
	cols := strings.Split(header, ",")
	clean := make([]string, len(cols))
	changed := false
	for i, c := range cols {
		clean[i] = strings.TrimSpace(strings.TrimPrefix(c, "\ufeff"))
		if clean[i] != c {
			changed = true
		}
	}
	if !changed {
		return "", false
	}

	sanitized := filepath.Join(outputDir, "__sanitized__"+filepath.Base(inputCSV))
	out := strings.Join(clean, ",") + "\n"
	if len(lines) > 1 {
		out += lines[1]
	}
	if err := os.WriteFile(sanitized, []byte(out), 0o644); err != nil {
		return "", false
	}
	return sanitized, true
}
