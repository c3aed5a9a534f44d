package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"cgm-ingest/internal/alerting"
	"cgm-ingest/internal/inrange"
	"cgm-ingest/internal/librelink"
	"cgm-ingest/internal/reading"
	"cgm-ingest/internal/scheduler"
)

var now = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func raw(at time.Time, v string) reading.Raw {
	return reading.Raw{
		Timestamp: at.Format(reading.TimestampLayout),
		Value:     decimal.NewNullDecimal(decimal.RequireFromString(v)),
	}
}

type fakeSession struct {
	latest     reading.Raw
	latestErr  error
	live       []reading.Raw
	logbook    []reading.Raw
	liveErr    error
	logbookErr error
}

func (f *fakeSession) Latest(context.Context) (reading.Raw, error) { return f.latest, f.latestErr }
func (f *fakeSession) LiveFeed(context.Context) ([]reading.Raw, error) {
	return f.live, f.liveErr
}
func (f *fakeSession) Logbook(context.Context) ([]reading.Raw, error) {
	return f.logbook, f.logbookErr
}

type fakeSource struct {
	session *fakeSession
	err     error
	logins  int
}

func (f *fakeSource) Login(context.Context) (Session, error) {
	f.logins++
	if f.err != nil {
		return nil, f.err
	}
	return f.session, nil
}

// memWriter dedups on Key and can fail specific readings.
type memWriter struct {
	rows   map[string]reading.Glucose
	failOn map[string]bool
	calls  int
}

func newMemWriter() *memWriter {
	return &memWriter{rows: map[string]reading.Glucose{}, failOn: map[string]bool{}}
}

func (m *memWriter) WriteBatch(_ context.Context, rs []reading.Glucose) (reading.BatchStats, error) {
	m.calls++
	var stats reading.BatchStats
	for _, r := range rs {
		stats.Attempted++
		_, stored := m.rows[r.Key()]
		switch {
		case m.failOn[r.Key()]:
			stats.Failed++
		case stored:
			stats.Duplicates++
		default:
			m.rows[r.Key()] = r
			stats.Inserted++
		}
	}
	return stats, nil
}

type recordingNotifier struct {
	notes []alerting.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n alerting.Notification) error {
	r.notes = append(r.notes, n)
	return nil
}

func bounds() inrange.Bounds {
	return inrange.Bounds{
		Low:  decimal.RequireFromString("3.5"),
		High: decimal.RequireFromString("8.5"),
		Unit: reading.UnitMmolPerL,
	}
}

func newService(src Source, opts Options, sinks ...Sink) *Service {
	opts.Bounds = bounds()
	svc := New(src, reading.NewNormalizer(time.UTC, reading.UnitMmolPerL), sinks, opts, zerolog.Nop())
	svc.now = func() time.Time { return now }
	return svc
}

func defaultSession() *fakeSession {
	return &fakeSession{
		latest: raw(now.Add(-time.Minute), "4.0"),
		live: []reading.Raw{
			raw(now.Add(-3*time.Hour), "5.0"),
			raw(now.Add(-2*time.Hour), "9.0"),
			raw(now.Add(-1*time.Hour), "4.0"),
			{Timestamp: "2024-05-01T10:00:00Z", Value: decimal.NewNullDecimal(decimal.NewFromInt(5))},
		},
		logbook: []reading.Raw{
			raw(now.Add(-30*time.Hour), "7.7"),
			{Timestamp: now.Add(-29 * time.Hour).Format(reading.TimestampLayout)},
		},
	}
}

func TestRunOnceWritesEverySinkAndReports(t *testing.T) {
	pg, rd := newMemWriter(), newMemWriter()
	svc := newService(&fakeSource{session: defaultSession()}, Options{},
		Sink{Name: "postgres", Writer: pg}, Sink{Name: "redis", Writer: rd})

	summary, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, summary.Seen)
	require.Equal(t, 2, summary.Malformed)
	require.Len(t, summary.Sinks, 2)
	for _, sink := range summary.Sinks {
		require.Equal(t, reading.BatchStats{Attempted: 5, Inserted: 5}, sink.BatchStats)
	}
	require.Len(t, pg.rows, 5)
	require.Len(t, rd.rows, 5)

	require.NotNil(t, summary.Latest)
	require.Equal(t, reading.SourceLatestSnapshot, summary.Latest.Source)
	require.NoError(t, summary.InRangeErr)
	require.Equal(t, "66.7", summary.InRangePct.String())
	require.Equal(t, reading.BatchStats{Attempted: 10, Inserted: 10}, summary.Totals())
}

func TestRunOnceReplayInsertsNothing(t *testing.T) {
	pg := newMemWriter()
	svc := newService(&fakeSource{session: defaultSession()}, Options{}, Sink{Name: "postgres", Writer: pg})

	_, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	summary, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, reading.BatchStats{Attempted: 5, Duplicates: 5}, summary.Totals())
	require.Len(t, pg.rows, 5)
}

func TestRunOnceFailsFastBeforeWrites(t *testing.T) {
	cases := map[string]struct {
		source *fakeSource
		is     error
	}{
		"login": {
			source: &fakeSource{err: fmt.Errorf("login: %w", librelink.ErrAuthFailure)},
			is:     librelink.ErrAuthFailure,
		},
		"latest": {
			source: &fakeSource{session: &fakeSession{latestErr: &librelink.TransientError{Op: "graph", StatusCode: 502}}},
		},
		"live feed": {
			source: &fakeSource{session: &fakeSession{latest: raw(now, "5.0"), liveErr: errors.New("boom")}},
		},
		"logbook": {
			source: &fakeSource{session: &fakeSession{latest: raw(now, "5.0"), logbookErr: errors.New("boom")}},
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			w := newMemWriter()
			svc := newService(tc.source, Options{}, Sink{Name: "postgres", Writer: w})
			_, err := svc.RunOnce(context.Background())
			require.Error(t, err)
			if tc.is != nil {
				require.ErrorIs(t, err, tc.is)
			}
			require.Zero(t, w.calls)
		})
	}
}

func TestRunOnceTransientErrorIsDetectable(t *testing.T) {
	src := &fakeSource{session: &fakeSession{latestErr: &librelink.TransientError{Op: "graph", StatusCode: 502, Err: errors.New("bad gateway")}}}
	_, err := newService(src, Options{}).RunOnce(context.Background())
	require.True(t, librelink.IsTransient(err))
}

func TestRunOnceWithoutCurrentReading(t *testing.T) {
	sess := defaultSession()
	sess.latestErr = fmt.Errorf("latest: %w", librelink.ErrNoCurrentReading)
	w := newMemWriter()
	summary, err := newService(&fakeSource{session: sess}, Options{}, Sink{Name: "postgres", Writer: w}).RunOnce(context.Background())
	require.NoError(t, err)
	require.Nil(t, summary.Latest)
	require.Equal(t, 4, summary.Totals().Inserted)
}

func TestRunOnceContainsRecordFailures(t *testing.T) {
	w := newMemWriter()
	bad := reading.Glucose{Timestamp: now.Add(-2 * time.Hour).Truncate(time.Second), Source: reading.SourceLiveFeed}
	w.failOn[bad.Key()] = true

	summary, err := newService(&fakeSource{session: defaultSession()}, Options{}, Sink{Name: "postgres", Writer: w}).RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, summary.Totals().Failed)
	require.Equal(t, 4, summary.Totals().Inserted)
}

func TestRunOnceEmptyWindow(t *testing.T) {
	sess := &fakeSession{latest: raw(now.Add(-48*time.Hour), "5.0"), live: []reading.Raw{raw(now.Add(-48*time.Hour), "5.0")}}
	summary, err := newService(&fakeSource{session: sess}, Options{}).RunOnce(context.Background())
	require.NoError(t, err)
	require.ErrorIs(t, summary.InRangeErr, inrange.ErrEmptyWindow)
	require.Equal(t, "no data", inrange.Format(summary.InRangePct, summary.InRangeErr))
}

func TestRunOnceAlertsBelowTarget(t *testing.T) {
	notifier := &recordingNotifier{}
	opts := Options{
		TargetPct: decimal.NewFromInt(70),
		Alerts:    alerting.NewThrottle(notifier, time.Hour),
	}
	svc := newService(&fakeSource{session: defaultSession()}, opts)

	summary, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	require.True(t, summary.Alerted)
	require.Len(t, notifier.notes, 1)
	require.Equal(t, "66.7", notifier.notes[0].InRangePct.String())
	require.True(t, notifier.notes[0].Latest.Valid)

	// cooldown suppresses the second alert
	summary, err = svc.RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, summary.Alerted)
	require.Len(t, notifier.notes, 1)
}

func TestRunOnceNoAlertAtOrAboveTarget(t *testing.T) {
	notifier := &recordingNotifier{}
	opts := Options{
		TargetPct: decimal.RequireFromString("66.7"),
		Alerts:    alerting.NewThrottle(notifier, time.Hour),
	}
	summary, err := newService(&fakeSource{session: defaultSession()}, opts).RunOnce(context.Background())
	require.NoError(t, err)
	require.False(t, summary.Alerted)
	require.Empty(t, notifier.notes)
}

func TestStatusDoesNotWrite(t *testing.T) {
	w := newMemWriter()
	svc := newService(&fakeSource{session: defaultSession()}, Options{}, Sink{Name: "postgres", Writer: w})

	st, err := svc.Status(context.Background())
	require.NoError(t, err)
	require.Zero(t, w.calls)
	require.Equal(t, 3, st.Points)
	require.Equal(t, "66.7", st.InRangePct.String())
	require.Equal(t, "4", st.Latest.Value.String())
}

type fakeLocker struct {
	acquired bool
	tries    atomic.Int32
	released int
}

func (f *fakeLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	f.tries.Add(1)
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.released++ }, true, nil
}

func TestWatchSkipsWhenLockHeld(t *testing.T) {
	src := &fakeSource{session: defaultSession()}
	locker := &fakeLocker{}
	svc := newService(src, Options{Locker: locker, LockKey: 42})

	ctx, cancel := context.WithCancel(context.Background())
	sched := scheduler.New(scheduler.Options{Interval: 10 * time.Millisecond, RunImmediately: true}, zerolog.Nop())
	go func() {
		for locker.tries.Load() < 2 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	err := svc.Watch(ctx, sched)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, src.logins)
}

func TestWatchRunsUnderLock(t *testing.T) {
	src := &fakeSource{session: defaultSession()}
	locker := &fakeLocker{acquired: true}
	svc := newService(src, Options{Locker: locker, LockKey: 42})

	ctx, cancel := context.WithCancel(context.Background())
	sched := scheduler.New(scheduler.Options{Interval: time.Hour, RunImmediately: true}, zerolog.Nop())
	svc.source = sourceFunc(func(ctx context.Context) (Session, error) {
		defer cancel()
		return src.Login(ctx)
	})

	err := svc.Watch(ctx, sched)
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, src.logins)
	require.Equal(t, 1, locker.released)
}

type sourceFunc func(ctx context.Context) (Session, error)

func (f sourceFunc) Login(ctx context.Context) (Session, error) { return f(ctx) }
