package docstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"cgm-ingest/internal/reading"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewStore(client, "test_reading", zerolog.Nop())
	clock := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return store, mr
}

func readingsFrom(start time.Time, n int) []reading.Glucose {
	out := make([]reading.Glucose, 0, n)
	for i := 0; i < n; i++ {
		v := decimal.NewFromInt(int64(4 + i%6))
		out = append(out, reading.Glucose{
			Timestamp:      start.Add(time.Duration(i) * time.Minute),
			Value:          v,
			ValueSecondary: reading.Convert(v, reading.UnitMmolPerL),
			Unit:           reading.UnitMmolPerL,
			Source:         reading.SourceLiveFeed,
		})
	}
	return out
}

func TestWriteBatchDeduplicatesByIdentity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	batch := readingsFrom(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), 5)

	stats, err := store.WriteBatch(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, reading.BatchStats{Attempted: 5, Inserted: 5}, stats)

	stats, err = store.WriteBatch(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, reading.BatchStats{Attempted: 5, Duplicates: 5}, stats)

	count, err := store.CountAfter(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 5, count)

	exists, err := store.Exists(ctx, batch[2])
	require.NoError(t, err)
	require.True(t, exists)
}

func TestWriteBatchCountsFailures(t *testing.T) {
	store, mr := newTestStore(t)
	mr.SetError("server unavailable")

	stats, err := store.WriteBatch(context.Background(), readingsFrom(time.Now(), 3))
	require.NoError(t, err)
	require.Equal(t, reading.BatchStats{Attempted: 3, Failed: 3}, stats)
}

func TestPageAfterRoundTrip(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	batch := readingsFrom(start, 12)

	_, err := store.WriteBatch(ctx, batch)
	require.NoError(t, err)

	all, err := store.PageAfter(ctx, nil, 0, 100)
	require.NoError(t, err)
	require.Len(t, all, 12)

	after := all[1].StoredAt
	count, err := store.CountAfter(ctx, &after)
	require.NoError(t, err)
	require.EqualValues(t, 10, count)

	page, err := store.PageAfter(ctx, &after, 4, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	for i, r := range page {
		want := batch[6+i]
		require.True(t, want.Timestamp.Equal(r.Reading.Timestamp))
		require.Equal(t, want.Value.String(), r.Reading.Value.String())
		require.Equal(t, want.Source, r.Reading.Source)
		require.True(t, r.StoredAt.After(after))
	}

	empty, err := store.PageAfter(ctx, &after, 10, 3)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestPageAfterIncludesLateOlderReadings(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	live := readingsFrom(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), 1)
	_, err := store.WriteBatch(ctx, live)
	require.NoError(t, err)

	first, err := store.PageAfter(ctx, nil, 0, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)
	watermark := first[0].StoredAt

	late := readingsFrom(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC), 1)
	late[0].Source = reading.SourceLogbookFeed
	stats, err := store.WriteBatch(ctx, late)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Inserted)

	count, err := store.CountAfter(ctx, &watermark)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)

	page, err := store.PageAfter(ctx, &watermark, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.True(t, late[0].Timestamp.Equal(page[0].Reading.Timestamp))
}

func TestReplayKeepsFirstInsertionTime(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	batch := readingsFrom(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), 3)
	_, err := store.WriteBatch(ctx, batch)
	require.NoError(t, err)

	before, err := store.PageAfter(ctx, nil, 0, 10)
	require.NoError(t, err)
	_, err = store.WriteBatch(ctx, batch)
	require.NoError(t, err)

	after, err := store.PageAfter(ctx, nil, 0, 10)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestNextScoreIsStrictlyIncreasing(t *testing.T) {
	store, _ := newTestStore(t)
	fixed := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	a := store.nextScore()
	b := store.nextScore()
	require.Equal(t, fixed.UnixMicro(), a)
	require.Equal(t, a+1, b)
}

func TestPageAfterMissingDocumentFails(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()
	batch := readingsFrom(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), 2)
	_, err := store.WriteBatch(ctx, batch)
	require.NoError(t, err)

	mr.Del(store.docKey(NewDocument(batch[0]).Hash()))

	_, err = store.PageAfter(ctx, nil, 0, 10)
	require.Error(t, err)
}

func TestDocumentHashIsIdentity(t *testing.T) {
	r := readingsFrom(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), 1)[0]
	a := NewDocument(r).Hash()

	r.Value = decimal.RequireFromString("9.9")
	r.Unit = reading.UnitMgPerDL
	require.Equal(t, a, NewDocument(r).Hash(), "value and unit are not part of the identity")

	r.Source = reading.SourceLogbookFeed
	require.NotEqual(t, a, NewDocument(r).Hash())
}

func TestWriteBatchSameIdentityNewValueIsDuplicate(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()
	r := readingsFrom(time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC), 1)

	_, err := store.WriteBatch(ctx, r)
	require.NoError(t, err)

	changed := r[0]
	changed.Value = decimal.NewFromInt(117)
	changed.ValueSecondary = reading.Convert(changed.Value, reading.UnitMgPerDL)
	changed.Unit = reading.UnitMgPerDL
	stats, err := store.WriteBatch(ctx, []reading.Glucose{changed})
	require.NoError(t, err)
	require.Equal(t, reading.BatchStats{Attempted: 1, Duplicates: 1}, stats)

	count, err := store.CountAfter(ctx, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
}
