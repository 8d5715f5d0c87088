package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"platecal/internal/capture"
	"platecal/internal/coefkey"
)

// BaselineEntry is one room-temperature baseline capture of a device.
type BaselineEntry struct {
	CSVPath string
	Meta    *capture.Meta
	TempF   float64
}

// Repository resolves captures and derived artifacts in the test library.
type Repository interface {
	ListDevices() ([]string, error)
	ListTests(deviceID string) ([]string, error)
	LoadMeta(rawCSV string) (*capture.Meta, error)
	ListRoomBaselineTests(deviceID string, minTempF, maxTempF float64) ([]BaselineEntry, error)
	ProcessedPair(rawCSV string, triple coefkey.Triple) (baselinePath, selectedPath string)
	ProcessedOffPath(rawCSV string) string
	LoadBiasCache(deviceID string) (*capture.BiasCache, error)
	SaveBiasCache(deviceID string, cache *capture.BiasCache) (string, error)
}

// FileRepository walks an on-disk test library laid out as
// <root>/<device_id>/<test folder>/ with one raw capture CSV plus a
// meta.json sidecar per folder. Processed outputs live next to the raw
// capture with a "__nn_" marker in the name.
type FileRepository struct {
	root string
}

// NewFileRepository creates a repository rooted at dir.
func NewFileRepository(dir string) *FileRepository {
	return &FileRepository{root: dir}
}

const (
	metaFilename    = "meta.json"
	biasFilename    = "temp-baseline-bias.json"
	processedMarker = "__nn_"
	sanitizedPrefix = "__sanitized__"
)

// ListDevices returns the device directories under the library root.
func (r *FileRepository) ListDevices() ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read test library: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListTests returns raw capture CSV paths for a device, sorted by path.
// Processed outputs, sanitized copies and tuning artifacts are skipped.
func (r *FileRepository) ListTests(deviceID string) ([]string, error) {
	deviceDir := filepath.Join(r.root, deviceID)
	var out []string
	err := filepath.WalkDir(deviceDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "tuning" {
				return filepath.SkipDir
			}
			return nil
		}
		name := d.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".csv") {
			return nil
		}
		if strings.Contains(name, processedMarker) || strings.HasPrefix(name, sanitizedPrefix) {
			return nil
		}
		if _, statErr := os.Stat(filepath.Join(filepath.Dir(path), metaFilename)); statErr != nil {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("walk device %s: %w", deviceID, err)
	}
	sort.Strings(out)
	return out, nil
}

// LoadMeta reads the meta.json sidecar of a raw capture.
func (r *FileRepository) LoadMeta(rawCSV string) (*capture.Meta, error) {
	return capture.LoadMeta(filepath.Join(filepath.Dir(rawCSV), metaFilename))
}

// ListRoomBaselineTests returns the device captures recorded as
// bias-learning room baselines within the temperature window.
func (r *FileRepository) ListRoomBaselineTests(deviceID string, minTempF, maxTempF float64) ([]BaselineEntry, error) {
	if minTempF > maxTempF {
		minTempF, maxTempF = maxTempF, minTempF
	}
	tests, err := r.ListTests(deviceID)
	if err != nil {
		return nil, err
	}
	var out []BaselineEntry
	for _, rawCSV := range tests {
		meta, err := r.LoadMeta(rawCSV)
		if err != nil {
			continue
		}
		if !meta.IsRoomBaseline() {
			continue
		}
		tf := meta.TemperatureF()
		if tf == nil || *tf < minTempF || *tf > maxTempF {
			continue
		}
		out = append(out, BaselineEntry{CSVPath: rawCSV, Meta: meta, TempF: *tf})
	}
	return out, nil
}

// ProcessedOffPath returns where the correction-off processed series for a
// raw capture lives.
func (r *FileRepository) ProcessedOffPath(rawCSV string) string {
	return processedPath(rawCSV, "off")
}

// ProcessedPair returns the correction-off baseline path and the selected
// path for a coefficient set. Paths are returned whether or not the files
// exist yet; callers stat them before use.
func (r *FileRepository) ProcessedPair(rawCSV string, triple coefkey.Triple) (string, string) {
	mode := triple.Mode
	if mode == "" {
		mode = coefkey.ModeScalar
	}
	tag := fmt.Sprintf("%s_%s_%s_%s", mode, coefkey.Tag(triple.X), coefkey.Tag(triple.Y), coefkey.Tag(triple.Z))
	return r.ProcessedOffPath(rawCSV), processedPath(rawCSV, tag)
}

func processedPath(rawCSV, tag string) string {
	base := strings.TrimSuffix(filepath.Base(rawCSV), filepath.Ext(rawCSV))
	return filepath.Join(filepath.Dir(rawCSV), base+processedMarker+tag+".csv")
}

// LoadBiasCache reads the stored per-device bias, or nil when absent.
func (r *FileRepository) LoadBiasCache(deviceID string) (*capture.BiasCache, error) {
	path := filepath.Join(r.root, deviceID, biasFilename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bias cache: %w", err)
	}
	var cache capture.BiasCache
	if err := json.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("parse bias cache %s: %w", path, err)
	}
	return &cache, nil
}

// SaveBiasCache writes the per-device bias cache and returns its path.
func (r *FileRepository) SaveBiasCache(deviceID string, cache *capture.BiasCache) (string, error) {
	dir := filepath.Join(r.root, deviceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create device dir: %w", err)
	}
	path := filepath.Join(dir, biasFilename)
	data, err := json.MarshalIndent(cache, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode bias cache: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write bias cache: %w", err)
	}
	return path, nil
}
