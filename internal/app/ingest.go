package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"cgm-ingest/internal/ingest"
	"cgm-ingest/internal/inrange"
	"cgm-ingest/internal/librelink"
	"cgm-ingest/internal/scheduler"
)

// Ingest performs one ingestion run against LibreLinkUp.
func (a *App) Ingest(ctx context.Context) error {
	return a.runOnce(ctx, a.newSource())
}

// Import ingests saved graph/logbook responses through the normal pipeline.
func (a *App) Import(ctx context.Context, opts ImportOptions) error {
	if opts.GraphFile == "" && opts.LogbookFile == "" {
		return errors.New("at least one of --graph or --logbook must be provided")
	}
	dump, err := librelink.OpenDump(opts.GraphFile, opts.LogbookFile)
	if err != nil {
		return err
	}
	return a.runOnce(ctx, dumpSource{session: dump})
}

func (a *App) runOnce(ctx context.Context, source ingest.Source) error {
	sinks, res, err := a.openSinks(ctx)
	if err != nil {
		return err
	}
	defer res.Close()

	svc, err := a.newService(source, sinks, res)
	if err != nil {
		return err
	}

	if key := a.Config.Ingest.AdvisoryLockKey; res.pg != nil && key != 0 {
		unlock, acquired, err := res.pg.TryAdvisoryLock(ctx, key)
		if err != nil {
			return err
		}
		if !acquired {
			return errors.New("another ingestion or export run holds the lock")
		}
		defer unlock()
	}

	summary, runErr := svc.RunOnce(ctx)
	printSummary(os.Stdout, summary)
	return runErr
}

// Watch runs ingestion on the configured interval until interrupted.
func (a *App) Watch(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sinks, res, err := a.openSinks(ctx)
	if err != nil {
		return err
	}
	defer res.Close()

	svc, err := a.newService(a.newSource(), sinks, res)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:       a.Config.Ingest.Interval,
		AlignToStart:   a.Config.Ingest.AlignToBucket,
		StartupDelay:   a.Config.Ingest.StartupDelay,
		RunImmediately: true,
	}, a.Logger)

	a.Logger.Info().Dur("interval", a.Config.Ingest.Interval).Msg("starting ingestion watch")
	err = svc.Watch(ctx, sched)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watch terminated with error")
		return err
	}

	a.Logger.Info().Msg("ingestion watch stopped")
	return nil
}

// Status prints the current reading and time in range without persisting anything.
func (a *App) Status(ctx context.Context) error {
	svc, err := a.newService(a.newSource(), nil, nil)
	if err != nil {
		return err
	}
	st, err := svc.Status(ctx)
	if err != nil {
		return err
	}

	unit := a.Config.Range.Unit
	if st.Latest != nil {
		fmt.Fprintf(os.Stdout, "Latest:   %s %s at %s\n",
			st.Latest.Value.StringFixed(1), st.Latest.Unit, st.Latest.Timestamp.Format(time.RFC3339))
	} else {
		fmt.Fprintln(os.Stdout, "Latest:   no current reading")
	}
	fmt.Fprintf(os.Stdout, "In range: %s (%.1f-%.1f %s, last %s, %d points)\n",
		inrange.Format(st.InRangePct, st.InRangeErr), a.Config.Range.Low, a.Config.Range.High, unit,
		a.Config.Range.Window, st.Points)
	return nil
}

func printSummary(w io.Writer, s ingest.Summary) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "seen\t%d\n", s.Seen)
	fmt.Fprintf(tw, "malformed\t%d\n", s.Malformed)
	for _, sink := range s.Sinks {
		fmt.Fprintf(tw, "%s\tinserted %d\tduplicates %d\tfailed %d\n", sink.Name, sink.Inserted, sink.Duplicates, sink.Failed)
	}
	if s.Seen > 0 {
		fmt.Fprintf(tw, "in range\t%s\n", inrange.Format(s.InRangePct, s.InRangeErr))
	}
	tw.Flush()
}
