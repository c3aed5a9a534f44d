package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"cgm-ingest/internal/config"
	"cgm-ingest/internal/export"
)

// Export copies readings newer than the stored watermark from the export source into the
// BSON output and, optionally, into the export target.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	cfg := a.Config.Export
	if opts.Source != "" {
		cfg.Source = opts.Source
	}
	if opts.Target != "" {
		cfg.Target = opts.Target
	}
	if opts.StateFile != "" {
		cfg.StateFile = opts.StateFile
	}
	if opts.OutputFile != "" {
		cfg.OutputFile = opts.OutputFile
	}
	if opts.PageSize > 0 {
		cfg.PageSize = opts.PageSize
	}
	if cfg.Source == cfg.Target {
		return fmt.Errorf("export source and target must differ (both %q)", cfg.Source)
	}

	res := &resources{}
	defer res.Close()

	needPG := cfg.Source == config.SinkPostgres || cfg.Target == config.SinkPostgres
	needRedis := cfg.Source == config.SinkRedis || cfg.Target == config.SinkRedis
	if needPG || a.Config.Database.DSN != "" {
		store, closer, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		if store == nil && needPG {
			return errors.New("database.dsn not configured")
		}
		if store != nil {
			res.pg = store
			res.closers = append(res.closers, closer)
		}
	}
	if needRedis {
		store, closer, err := a.openDocStore(ctx)
		if err != nil {
			return err
		}
		if store == nil {
			return errors.New("redis.addr not configured")
		}
		res.docs = store
		res.closers = append(res.closers, closer)
	}

	var source export.Source
	switch cfg.Source {
	case config.SinkPostgres:
		source = res.pg
	case config.SinkRedis:
		source = res.docs
	default:
		return fmt.Errorf("unknown export source %q", cfg.Source)
	}

	var target export.Writer
	switch cfg.Target {
	case config.SinkPostgres:
		target = res.pg
	case config.SinkRedis:
		target = res.docs
	}

	// the watermark read-modify-write must not run twice at once
	if res.pg != nil && cfg.AdvisoryLockKey != 0 {
		unlock, acquired, err := res.pg.TryAdvisoryLock(ctx, cfg.AdvisoryLockKey)
		if err != nil {
			return err
		}
		if !acquired {
			return errors.New("another export or ingestion run holds the lock")
		}
		defer unlock()
	}

	tracker := export.NewTracker(source, target, export.Options{
		StateFile:  cfg.StateFile,
		OutputFile: cfg.OutputFile,
		PageSize:   cfg.PageSize,
	}, a.Logger)
	tracker.OnProgress(func(processed, expected int64) {
		a.Logger.Info().Int64("processed", processed).Int64("expected", expected).Msg("export progress")
	})

	result, err := tracker.Run(ctx)
	fmt.Fprintf(os.Stdout, "expected %d, processed %d in %d pages\n", result.Expected, result.Processed, result.Pages)
	if target != nil {
		fmt.Fprintf(os.Stdout, "%s: inserted %d, duplicates %d, failed %d\n",
			cfg.Target, result.Written.Inserted, result.Written.Duplicates, result.Written.Failed)
	}
	if result.Watermark != nil {
		fmt.Fprintf(os.Stdout, "watermark %s (advanced: %t)\n", result.Watermark.Format(time.RFC3339Nano), result.Advanced)
	}
	return err
}
