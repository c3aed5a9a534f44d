package export

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"cgm-ingest/internal/reading"
)

// Source is a store that can count and page readings in ascending insertion-time order.
// The watermark is an insertion time, so readings stored late with an older timestamp are
// still exported. Paging by offset is only correct because both implementations order
// deterministically.
type Source interface {
	CountAfter(ctx context.Context, after *time.Time) (int64, error)
	PageAfter(ctx context.Context, after *time.Time, offset, limit int) ([]reading.Stored, error)
}

// Writer receives every exported page; duplicates must be no-ops.
type Writer interface {
	WriteBatch(ctx context.Context, readings []reading.Glucose) (reading.BatchStats, error)
}

// ProgressFunc observes (processed, expected) after each page.
type ProgressFunc func(processed, expected int64)

// Options configure one export stream.
type Options struct {
	StateFile  string
	OutputFile string
	PageSize   int
}

// Result describes one export run.
type Result struct {
	Previous  *time.Time
	Watermark *time.Time
	Expected  int64
	Processed int64
	Pages     int
	Written   reading.BatchStats
	Advanced  bool
}

// Tracker runs incremental exports from a Source, resuming after the stored watermark.
type Tracker struct {
	source   Source
	target   Writer
	state    *WatermarkFile
	opts     Options
	progress ProgressFunc
	logger   zerolog.Logger
}

// NewTracker builds a tracker. target may be nil when only the BSON output is wanted.
func NewTracker(source Source, target Writer, opts Options, logger zerolog.Logger) *Tracker {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	return &Tracker{
		source:   source,
		target:   target,
		state:    NewWatermarkFile(opts.StateFile),
		opts:     opts,
		progress: func(int64, int64) {},
		logger:   logger.With().Str("component", "export").Logger(),
	}
}

// OnProgress registers a progress observer.
func (t *Tracker) OnProgress(fn ProgressFunc) {
	if fn != nil {
		t.progress = fn
	}
}

// Run exports everything stored after the watermark. The watermark is saved only after every
// page was persisted without per-record failures, and only when it moves forward. An
// unclean run also drops what it appended to the output, so the retry does not repeat it.
func (t *Tracker) Run(ctx context.Context) (res Result, err error) {
	prev, err := t.state.Load()
	if err != nil {
		if !errors.Is(err, ErrStateCorrupt) {
			return res, err
		}
		t.logger.Warn().Err(err).Str("state_file", t.state.Path()).Msg("ignoring unreadable export state; performing full export")
		prev = nil
	}
	res.Previous = prev
	res.Watermark = prev

	if prev != nil {
		t.logger.Info().Time("after", *prev).Msg("fetching records stored after watermark")
	} else {
		t.logger.Info().Msg("no previous watermark; fetching all records")
	}

	expected, err := t.source.CountAfter(ctx, prev)
	if err != nil {
		return res, fmt.Errorf("count new records: %w", err)
	}
	res.Expected = expected
	if expected == 0 {
		t.logger.Info().Msg("no new records to export")
		return res, nil
	}
	t.logger.Info().Int64("expected", expected).Int("page_size", t.opts.PageSize).Msg("starting export")

	var out *Output
	if t.opts.OutputFile != "" {
		truncate := prev == nil || !fileExists(t.opts.OutputFile)
		if truncate {
			t.logger.Info().Str("output", t.opts.OutputFile).Msg("starting a fresh export file")
		}
		out, err = OpenOutput(t.opts.OutputFile, truncate)
		if err != nil {
			return res, err
		}
		defer func() {
			if err != nil || !res.Advanced {
				if discardErr := out.Discard(); discardErr != nil {
					t.logger.Error().Err(discardErr).Msg("discard export output")
				}
			}
			if closeErr := out.Close(); closeErr != nil {
				t.logger.Error().Err(closeErr).Msg("close export output")
			}
		}()
	}

	maxSeen := prev
	clean := true
	for res.Processed < expected {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		stored, err := t.source.PageAfter(ctx, prev, int(res.Processed), t.opts.PageSize)
		if err != nil {
			return res, fmt.Errorf("fetch page at offset %d: %w", res.Processed, err)
		}
		if len(stored) == 0 {
			t.logger.Warn().
				Int64("offset", res.Processed).
				Int64("missing", expected-res.Processed).
				Msg("source returned an empty page before the expected count was reached")
			break
		}

		page := make([]reading.Glucose, len(stored))
		for i, s := range stored {
			page[i] = s.Reading
		}
		if out != nil {
			if err := out.WritePage(page); err != nil {
				return res, fmt.Errorf("append page at offset %d: %w", res.Processed, err)
			}
		}
		if t.target != nil {
			stats, err := t.target.WriteBatch(ctx, page)
			res.Written.Add(stats)
			if err != nil {
				return res, fmt.Errorf("write page at offset %d: %w", res.Processed, err)
			}
			if stats.Failed > 0 {
				clean = false
			}
		}

		for _, s := range stored {
			if maxSeen == nil || s.StoredAt.After(*maxSeen) {
				ts := s.StoredAt.UTC()
				maxSeen = &ts
			}
		}
		res.Processed += int64(len(stored))
		res.Pages++
		t.progress(res.Processed, expected)
	}

	if res.Processed != expected {
		t.logger.Warn().Int64("expected", expected).Int64("processed", res.Processed).Msg("export count mismatch")
	}

	if !clean {
		t.logger.Warn().Int("failed", res.Written.Failed).Msg("some records failed to persist; watermark not advanced")
		return res, nil
	}
	if maxSeen == nil || (prev != nil && !maxSeen.After(*prev)) {
		t.logger.Info().Msg("no newer insertion time found; watermark unchanged")
		return res, nil
	}

	if err := t.state.Save(*maxSeen); err != nil {
		return res, fmt.Errorf("save watermark: %w", err)
	}
	res.Watermark = maxSeen
	res.Advanced = true
	t.logger.Info().Time("watermark", *maxSeen).Int64("processed", res.Processed).Msg("export finished")
	return res, nil
}
