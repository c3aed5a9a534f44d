package export

import (
	"context"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"cgm-ingest/internal/reading"
)

// memSource stamps every added reading with a strictly increasing insertion time.
type memSource struct {
	items []reading.Stored
	clock time.Time
	pages []int
	// shortBy drops that many records from the end of every page result.
	shortBy int
}

func newMemSource(rs ...reading.Glucose) *memSource {
	m := &memSource{clock: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)}
	m.add(rs...)
	return m
}

func (m *memSource) add(rs ...reading.Glucose) {
	for _, r := range rs {
		m.clock = m.clock.Add(time.Millisecond)
		m.items = append(m.items, reading.Stored{Reading: r, StoredAt: m.clock})
	}
}

func (m *memSource) filtered(after *time.Time) []reading.Stored {
	var out []reading.Stored
	for _, s := range m.items {
		if after == nil || s.StoredAt.After(*after) {
			out = append(out, s)
		}
	}
	return out
}

func (m *memSource) CountAfter(_ context.Context, after *time.Time) (int64, error) {
	return int64(len(m.filtered(after))), nil
}

func (m *memSource) PageAfter(_ context.Context, after *time.Time, offset, limit int) ([]reading.Stored, error) {
	all := m.filtered(after)
	if len(all) > m.shortBy {
		all = all[:len(all)-m.shortBy]
	}
	if offset >= len(all) {
		m.pages = append(m.pages, 0)
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	page := all[offset:end]
	m.pages = append(m.pages, len(page))
	return page, nil
}

func (m *memSource) lastStoredAt() time.Time {
	return m.items[len(m.items)-1].StoredAt
}

type memTarget struct {
	seen     map[string]bool
	failNext int
}

func newMemTarget() *memTarget { return &memTarget{seen: map[string]bool{}} }

func (m *memTarget) WriteBatch(_ context.Context, rs []reading.Glucose) (reading.BatchStats, error) {
	var stats reading.BatchStats
	for _, r := range rs {
		stats.Attempted++
		if m.failNext > 0 {
			m.failNext--
			stats.Failed++
			continue
		}
		if m.seen[r.Key()] {
			stats.Duplicates++
			continue
		}
		m.seen[r.Key()] = true
		stats.Inserted++
	}
	return stats, nil
}

func series(start time.Time, n int) []reading.Glucose {
	out := make([]reading.Glucose, 0, n)
	for i := 0; i < n; i++ {
		v := decimal.NewFromFloat(5.5)
		out = append(out, reading.Glucose{
			Timestamp:      start.Add(time.Duration(i) * time.Minute),
			Value:          v,
			ValueSecondary: reading.Convert(v, reading.UnitMmolPerL),
			Unit:           reading.UnitMmolPerL,
			Source:         reading.SourceLogbookFeed,
		})
	}
	return out
}

func readBSON(t *testing.T, path string) []Document {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var docs []Document
	for len(data) > 0 {
		require.GreaterOrEqual(t, len(data), 4)
		size := int(binary.LittleEndian.Uint32(data[:4]))
		require.LessOrEqual(t, size, len(data))
		var doc Document
		require.NoError(t, bson.Unmarshal(data[:size], &doc))
		docs = append(docs, doc)
		data = data[size:]
	}
	return docs
}

func newTestTracker(dir string, src Source, target Writer) *Tracker {
	return NewTracker(src, target, Options{
		StateFile:  filepath.Join(dir, "state.json"),
		OutputFile: filepath.Join(dir, "out.bson"),
		PageSize:   1000,
	}, zerolog.Nop())
}

func TestRunPagesThroughFullBacklog(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := newMemSource(series(start, 2500)...)
	target := newMemTarget()
	tracker := newTestTracker(dir, src, target)

	var progress []int64
	tracker.OnProgress(func(processed, _ int64) { progress = append(progress, processed) })

	res, err := tracker.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, []int{1000, 1000, 500}, src.pages)
	require.Equal(t, []int64{1000, 2000, 2500}, progress)
	require.Equal(t, 3, res.Pages)
	require.EqualValues(t, 2500, res.Processed)
	require.True(t, res.Advanced)
	require.Equal(t, 2500, res.Written.Inserted)

	last := start.Add(2499 * time.Minute)
	stored, err := NewWatermarkFile(filepath.Join(dir, "state.json")).Load()
	require.NoError(t, err)
	require.True(t, src.lastStoredAt().Equal(*stored))

	docs := readBSON(t, filepath.Join(dir, "out.bson"))
	require.Len(t, docs, 2500)
	require.Equal(t, last.Unix(), docs[2499].UnixTimestamp)
	require.Equal(t, "5.5", docs[0].Value.String())
}

func TestRunIsIncrementalAndAppends(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	all := series(start, 15)
	src := newMemSource(all[:10]...)
	target := newMemTarget()
	tracker := newTestTracker(dir, src, target)

	_, err := tracker.Run(context.Background())
	require.NoError(t, err)

	src.add(all[10:]...)
	res, err := tracker.Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 5, res.Expected)
	require.Equal(t, 5, res.Written.Inserted)
	require.Zero(t, res.Written.Duplicates)

	require.Len(t, readBSON(t, filepath.Join(dir, "out.bson")), 15)
}

func TestRunWithNothingNewLeavesWatermark(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := newMemSource(series(start, 3)...)
	tracker := newTestTracker(dir, src, nil)

	_, err := tracker.Run(context.Background())
	require.NoError(t, err)
	src.pages = nil

	res, err := tracker.Run(context.Background())
	require.NoError(t, err)
	require.Zero(t, res.Expected)
	require.False(t, res.Advanced)
	require.Empty(t, src.pages)
	require.True(t, src.lastStoredAt().Equal(*res.Watermark))
}

func TestRunTreatsCorruptStateAsFullExport(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "state.json"), []byte("{not json"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "out.bson"), []byte("stale"), 0o644))

	src := newMemSource(series(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 4)...)
	res, err := newTestTracker(dir, src, nil).Run(context.Background())
	require.NoError(t, err)
	require.Nil(t, res.Previous)
	require.EqualValues(t, 4, res.Processed)
	require.True(t, res.Advanced)

	// full export starts the output over
	require.Len(t, readBSON(t, filepath.Join(dir, "out.bson")), 4)
}

func TestRunDoesNotAdvanceAfterFailedWrites(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	src := newMemSource(series(start, 5)...)
	target := newMemTarget()
	target.failNext = 2
	tracker := newTestTracker(dir, src, target)

	res, err := tracker.Run(context.Background())
	require.NoError(t, err)
	require.False(t, res.Advanced)
	require.Equal(t, 2, res.Written.Failed)
	require.Nil(t, res.Watermark)

	stored, err := NewWatermarkFile(filepath.Join(dir, "state.json")).Load()
	require.NoError(t, err)
	require.Nil(t, stored)
	require.Empty(t, readBSON(t, filepath.Join(dir, "out.bson")))

	// the retry replays everything; already written records are duplicates, not copies
	res, err = tracker.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Advanced)
	require.Equal(t, 2, res.Written.Inserted)
	require.Equal(t, 3, res.Written.Duplicates)
	require.Len(t, target.seen, 5)
	require.Len(t, readBSON(t, filepath.Join(dir, "out.bson")), 5)
}

func TestRunStopsOnShortSource(t *testing.T) {
	dir := t.TempDir()
	src := newMemSource(series(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 2500)...)
	src.shortBy = 600
	res, err := newTestTracker(dir, src, nil).Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2500, res.Expected)
	require.EqualValues(t, 1900, res.Processed)
	require.Equal(t, []int{1000, 900, 0}, src.pages)
}

func TestRunHonoursCancellation(t *testing.T) {
	dir := t.TempDir()
	src := newMemSource(series(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 10)...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newTestTracker(dir, src, nil).Run(ctx)
	require.True(t, errors.Is(err, context.Canceled))

	stored, err := NewWatermarkFile(filepath.Join(dir, "state.json")).Load()
	require.NoError(t, err)
	require.Nil(t, stored)
}

func TestRunExportsReadingsStoredLateWithOlderTimestamps(t *testing.T) {
	dir := t.TempDir()
	src := newMemSource(series(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), 1)...)
	target := newMemTarget()
	tracker := newTestTracker(dir, src, target)

	res, err := tracker.Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Processed)
	require.True(t, res.Advanced)

	// a logbook fetch delivers an hour older reading after the first export
	late := series(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), 1)
	src.add(late...)

	res, err = tracker.Run(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, res.Expected)
	require.EqualValues(t, 1, res.Processed)
	require.Equal(t, 1, res.Written.Inserted)
	require.True(t, res.Advanced)
	require.True(t, src.lastStoredAt().Equal(*res.Watermark))

	docs := readBSON(t, filepath.Join(dir, "out.bson"))
	require.Len(t, docs, 2)
	require.Equal(t, late[0].UnixTimestamp(), docs[1].UnixTimestamp)
}

func TestRunFailureKeepsEarlierOutput(t *testing.T) {
	dir := t.TempDir()
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	all := series(start, 6)
	src := newMemSource(all[:3]...)
	target := newMemTarget()
	tracker := newTestTracker(dir, src, target)

	_, err := tracker.Run(context.Background())
	require.NoError(t, err)

	src.add(all[3:]...)
	target.failNext = 1
	res, err := tracker.Run(context.Background())
	require.NoError(t, err)
	require.False(t, res.Advanced)
	require.Len(t, readBSON(t, filepath.Join(dir, "out.bson")), 3)

	res, err = tracker.Run(context.Background())
	require.NoError(t, err)
	require.True(t, res.Advanced)

	docs := readBSON(t, filepath.Join(dir, "out.bson"))
	require.Len(t, docs, 6)
	seen := map[string]bool{}
	for _, d := range docs {
		require.False(t, seen[d.Key], "duplicate %s in output", d.Key)
		seen[d.Key] = true
	}
}
