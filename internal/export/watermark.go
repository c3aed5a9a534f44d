package export

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ErrStateCorrupt marks a watermark file that exists but cannot be understood.
var ErrStateCorrupt = errors.New("export state corrupt")

type watermarkState struct {
	LastTimestamp *string `json:"last_timestamp"`
}

// WatermarkFile persists the last exported insertion time as {"last_timestamp": "..."},
// at full sub-second resolution.
type WatermarkFile struct {
	path string
}

// NewWatermarkFile returns a watermark stored at path.
func NewWatermarkFile(path string) *WatermarkFile {
	return &WatermarkFile{path: path}
}

// Path returns the state file location.
func (w *WatermarkFile) Path() string {
	return w.path
}

// Load returns the stored watermark, or nil when no state exists yet. Unreadable
// content yields an error wrapping ErrStateCorrupt.
func (w *WatermarkFile) Load() (*time.Time, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read %s: %v", ErrStateCorrupt, w.path, err)
	}

	var state watermarkState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrStateCorrupt, w.path, err)
	}
	if state.LastTimestamp == nil || strings.TrimSpace(*state.LastTimestamp) == "" {
		return nil, nil
	}

	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(*state.LastTimestamp))
	if err != nil {
		return nil, fmt.Errorf("%w: last_timestamp %q: %v", ErrStateCorrupt, *state.LastTimestamp, err)
	}
	ts = ts.UTC()
	return &ts, nil
}

// Save atomically replaces the state file with ts.
func (w *WatermarkFile) Save(ts time.Time) error {
	value := ts.UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(watermarkState{LastTimestamp: &value})
	if err != nil {
		return fmt.Errorf("marshal watermark: %w", err)
	}

	dir := filepath.Dir(w.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(w.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmp.Name(), w.path); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	return nil
}
