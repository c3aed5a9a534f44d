package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cgm-ingest/internal/alerting"
	"cgm-ingest/internal/inrange"
	"cgm-ingest/internal/librelink"
	"cgm-ingest/internal/reading"
	"cgm-ingest/internal/scheduler"
	"cgm-ingest/internal/storage"
)

// Source opens one authenticated session per run.
type Source interface {
	Login(ctx context.Context) (Session, error)
}

// Session provides the three vendor feeds.
type Session interface {
	Latest(ctx context.Context) (reading.Raw, error)
	LiveFeed(ctx context.Context) ([]reading.Raw, error)
	Logbook(ctx context.Context) ([]reading.Raw, error)
}

// Writer persists readings, treating already stored readings as no-ops.
type Writer interface {
	WriteBatch(ctx context.Context, readings []reading.Glucose) (reading.BatchStats, error)
}

// Sink is a named Writer.
type Sink struct {
	Name   string
	Writer Writer
}

// Options tune a Service.
type Options struct {
	Bounds inrange.Bounds
	Window time.Duration
	// TargetPct below which an alert is sent. Alerts are off when Alerts is nil.
	TargetPct decimal.Decimal
	Alerts    *alerting.Throttle
	Locker    storage.AdvisoryLocker
	LockKey   int64
}

// Service orchestrates login, fetch, normalization, persistence and reporting.
type Service struct {
	source     Source
	normalizer *reading.Normalizer
	sinks      []Sink
	opts       Options
	now        func() time.Time
	logger     zerolog.Logger
}

// New constructs the ingestion service.
func New(source Source, normalizer *reading.Normalizer, sinks []Sink, opts Options, logger zerolog.Logger) *Service {
	if opts.Window <= 0 {
		opts.Window = inrange.DefaultWindow
	}
	return &Service{
		source:     source,
		normalizer: normalizer,
		sinks:      sinks,
		opts:       opts,
		now:        time.Now,
		logger:     logger.With().Str("component", "ingest").Logger(),
	}
}

// SinkSummary holds one writer's counters for a run.
type SinkSummary struct {
	Name string
	reading.BatchStats
}

// Summary reports one ingestion run.
type Summary struct {
	Seen       int
	Malformed  int
	Sinks      []SinkSummary
	Latest     *reading.Glucose
	InRangePct decimal.Decimal
	InRangeErr error
	Alerted    bool

	evaluated bool
}

// Totals sums the counters of every sink.
func (s Summary) Totals() reading.BatchStats {
	var total reading.BatchStats
	for _, sink := range s.Sinks {
		total.Add(sink.BatchStats)
	}
	return total
}

type feeds struct {
	latest  *reading.Glucose
	live    []reading.Glucose
	logbook []reading.Glucose
	seen    int
	bad     int
}

func (f feeds) all() []reading.Glucose {
	out := make([]reading.Glucose, 0, len(f.live)+len(f.logbook)+1)
	if f.latest != nil {
		out = append(out, *f.latest)
	}
	out = append(out, f.live...)
	return append(out, f.logbook...)
}

// RunOnce performs one ingestion run. Login and fetch failures abort before anything is
// written; per-record failures are counted. The summary is logged in every case.
func (s *Service) RunOnce(ctx context.Context) (summary Summary, err error) {
	defer func() { s.logSummary(summary, err) }()

	sess, err := s.source.Login(ctx)
	if err != nil {
		return summary, fmt.Errorf("login: %w", err)
	}

	f, err := s.fetch(ctx, sess, true)
	summary.Seen = f.seen
	summary.Malformed = f.bad
	if err != nil {
		return summary, err
	}
	summary.Latest = f.latest

	batch := f.all()
	var writeErrs []error
	for _, sink := range s.sinks {
		stats, werr := sink.Writer.WriteBatch(ctx, batch)
		summary.Sinks = append(summary.Sinks, SinkSummary{Name: sink.Name, BatchStats: stats})
		if werr != nil {
			s.logger.Error().Err(werr).Str("sink", sink.Name).Msg("batch write failed")
			writeErrs = append(writeErrs, fmt.Errorf("write %s: %w", sink.Name, werr))
		}
	}

	summary.InRangePct, summary.InRangeErr = s.evaluate(f.live)
	summary.evaluated = true
	summary.Alerted = s.maybeAlert(ctx, summary)

	return summary, errors.Join(writeErrs...)
}

// Watch runs RunOnce on every scheduler tick until ctx is cancelled. When a locker is
// configured, ticks that cannot take the lock are skipped.
func (s *Service) Watch(ctx context.Context, sched *scheduler.Scheduler) error {
	if sched == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return sched.Run(ctx, func(ctx context.Context, at time.Time) error {
		unlock, proceed, err := s.acquireLock(ctx)
		if err != nil {
			return err
		}
		if !proceed {
			s.logger.Info().Time("at", at).Msg("skip run because advisory lock held elsewhere")
			return nil
		}
		if unlock != nil {
			defer unlock()
		}
		_, err = s.RunOnce(ctx)
		return err
	})
}

// Status is a read-only view of the current glucose situation.
type Status struct {
	Latest     *reading.Glucose
	Points     int
	InRangePct decimal.Decimal
	InRangeErr error
	AsOf       time.Time
}

// Status fetches the latest reading and live feed and evaluates time in range without
// writing anything.
func (s *Service) Status(ctx context.Context) (Status, error) {
	sess, err := s.source.Login(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("login: %w", err)
	}
	f, err := s.fetch(ctx, sess, false)
	if err != nil {
		return Status{}, err
	}
	st := Status{Latest: f.latest, Points: len(f.live), AsOf: s.now()}
	st.InRangePct, st.InRangeErr = s.evaluate(f.live)
	return st, nil
}

func (s *Service) fetch(ctx context.Context, sess Session, withLogbook bool) (feeds, error) {
	var f feeds

	raw, err := sess.Latest(ctx)
	switch {
	case errors.Is(err, librelink.ErrNoCurrentReading):
		s.logger.Warn().Msg("connection has no current reading")
	case err != nil:
		return f, fmt.Errorf("fetch latest: %w", err)
	default:
		f.seen++
		g, nerr := s.normalizer.Normalize(raw, reading.SourceLatestSnapshot)
		if nerr != nil {
			f.bad++
			s.logger.Warn().Err(nerr).Str("source", string(reading.SourceLatestSnapshot)).Msg("skipping malformed reading")
		} else {
			f.latest = &g
		}
	}

	liveRaw, err := sess.LiveFeed(ctx)
	if err != nil {
		return f, fmt.Errorf("fetch live feed: %w", err)
	}
	f.live = s.normalize(&f, liveRaw, reading.SourceLiveFeed)

	if !withLogbook {
		return f, nil
	}
	bookRaw, err := sess.Logbook(ctx)
	if err != nil {
		return f, fmt.Errorf("fetch logbook: %w", err)
	}
	f.logbook = s.normalize(&f, bookRaw, reading.SourceLogbookFeed)
	return f, nil
}

func (s *Service) normalize(f *feeds, raws []reading.Raw, src reading.Source) []reading.Glucose {
	f.seen += len(raws)
	out, errs := s.normalizer.NormalizeAll(raws, src)
	f.bad += len(errs)
	for _, err := range errs {
		s.logger.Warn().Err(err).Str("source", string(src)).Msg("skipping malformed reading")
	}
	return out
}

func (s *Service) evaluate(live []reading.Glucose) (decimal.Decimal, error) {
	points := inrange.PointsFrom(live, s.opts.Bounds.Unit)
	return inrange.Evaluate(points, s.opts.Bounds, s.now(), s.opts.Window)
}

func (s *Service) maybeAlert(ctx context.Context, summary Summary) bool {
	if s.opts.Alerts == nil || summary.InRangeErr != nil {
		return false
	}
	if !summary.InRangePct.LessThan(s.opts.TargetPct) {
		return false
	}

	note := alerting.Notification{
		At:         s.now().UTC(),
		InRangePct: summary.InRangePct,
		TargetPct:  s.opts.TargetPct,
		Low:        s.opts.Bounds.Low,
		High:       s.opts.Bounds.High,
		Unit:       string(s.opts.Bounds.Unit),
		Window:     s.opts.Window,
	}
	if summary.Latest != nil {
		v := summary.Latest.Value
		if summary.Latest.Unit != s.opts.Bounds.Unit {
			v = summary.Latest.ValueSecondary
		}
		note.Latest = decimal.NewNullDecimal(v)
		note.LatestAt = summary.Latest.Timestamp
	}

	sent, err := s.opts.Alerts.Notify(ctx, note)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to dispatch alert")
		return false
	}
	if !sent {
		s.logger.Debug().Msg("alert suppressed by cooldown")
	}
	return sent
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.opts.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.opts.Locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func (s *Service) logSummary(summary Summary, err error) {
	totals := summary.Totals()
	event := s.logger.Info()
	if err != nil {
		event = s.logger.Error().Err(err)
	}
	for _, sink := range summary.Sinks {
		event = event.Dict(sink.Name, zerolog.Dict().
			Int("inserted", sink.Inserted).
			Int("duplicates", sink.Duplicates).
			Int("failed", sink.Failed))
	}
	if summary.evaluated {
		event = event.Str("in_range", inrange.Format(summary.InRangePct, summary.InRangeErr))
	}
	event.
		Int("seen", summary.Seen).
		Int("malformed", summary.Malformed).
		Int("inserted", totals.Inserted).
		Int("duplicates", totals.Duplicates).
		Int("failed", totals.Failed).
		Msg("ingestion run finished")
}
