package librelink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"

	"cgm-ingest/internal/reading"
)

// DumpSession replays graph and logbook responses saved to disk. It offers the same
// feeds as a live Session so saved data runs through the normal ingestion path.
type DumpSession struct {
	graph   graphData
	logbook []json.RawMessage
}

// OpenDump reads the saved responses. Either path may be empty; the matching feed is then empty.
// Files may hold the full API envelope or only its data member.
func OpenDump(graphPath, logbookPath string) (*DumpSession, error) {
	d := &DumpSession{}
	if graphPath != "" {
		if err := readDump(graphPath, &d.graph); err != nil {
			return nil, err
		}
	}
	if logbookPath != "" {
		if err := readDump(logbookPath, &d.logbook); err != nil {
			return nil, err
		}
	}
	return d, nil
}

func readDump[T any](path string, out *T) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read dump: %w", err)
	}

	var probe struct {
		Data json.RawMessage `json:"data"`
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &probe); err == nil && len(probe.Data) > 0 {
			trimmed = probe.Data
		}
	}
	if err := json.Unmarshal(trimmed, out); err != nil {
		return fmt.Errorf("decode dump %s: %w", path, err)
	}
	return nil
}

// Latest returns the saved connection's current reading.
func (d *DumpSession) Latest(context.Context) (reading.Raw, error) {
	item := d.graph.Connection.latestItem()
	if len(item) == 0 || string(item) == "null" {
		return reading.Raw{}, fmt.Errorf("latest: %w", ErrNoCurrentReading)
	}
	return reading.DecodeRaw(item), nil
}

// LiveFeed returns the saved graph feed.
func (d *DumpSession) LiveFeed(context.Context) ([]reading.Raw, error) {
	return reading.DecodeRaws(d.graph.GraphData), nil
}

// Logbook returns the saved logbook feed.
func (d *DumpSession) Logbook(context.Context) ([]reading.Raw, error) {
	return reading.DecodeRaws(d.logbook), nil
}
