package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Show prints the most recently stored readings.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show readings")
	}
	defer closeStore()

	rows, err := store.ListRecent(ctx, opts.Limit)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		fmt.Fprintln(os.Stdout, "no readings found")
		return nil
	}

	bounds, err := a.bounds()
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tValue\tSecondary\tSource\tIn range")
	for _, row := range rows {
		r := row.Reading
		v := r.Value
		if r.Unit != bounds.Unit {
			v = r.ValueSecondary
		}
		mark := "yes"
		if !bounds.Contains(v) {
			mark = "no"
		}
		fmt.Fprintf(writer, "%s\t%s %s\t%s %s\t%s\t%s\n",
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Value.StringFixed(1), r.Unit,
			r.ValueSecondary.StringFixed(1), r.Unit.Other(),
			r.Source,
			mark,
		)
	}

	return writer.Flush()
}
