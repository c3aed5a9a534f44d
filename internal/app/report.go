package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"cgm-ingest/internal/reading"
	"cgm-ingest/internal/storage"
)

// Report renders stored readings as CSV and/or PNG.
func (a *App) Report(ctx context.Context, opts ReportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot report")
	}
	defer closeStore()

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-a.Config.Report.DefaultSpan)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	rows, err := store.ListBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		a.Logger.Info().Msg("no readings found for report window")
		return nil
	}

	downsampled := downsampleReadings(rows, opts.MaxPoints)
	a.Logger.Info().Int("total", len(rows)).Int("reported", len(downsampled)).Msg("rendering report")

	if opts.CSVPath != "" {
		if err := writeReadingsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" && len(downsampled) < 2 {
		a.Logger.Warn().Msg("need at least two readings to draw a chart; skipping png")
		opts.PNGPath = ""
	}
	if opts.PNGPath != "" {
		bounds, err := a.bounds()
		if err != nil {
			return err
		}
		low, high := bounds.Low.InexactFloat64(), bounds.High.InexactFloat64()
		if err := writeReadingsPNG(opts.PNGPath, downsampled, bounds.Unit, low, high); err != nil {
			return err
		}
	}

	return nil
}

func downsampleReadings(rows []storage.StoredReading, max int) []storage.StoredReading {
	if max <= 0 || len(rows) <= max {
		return rows
	}
	if max == 1 {
		return rows[len(rows)-1:]
	}

	result := make([]storage.StoredReading, 0, max)
	step := float64(len(rows)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(rows) {
			idx = len(rows) - 1
		}
		result = append(result, rows[idx])
	}
	return result
}

func writeReadingsCSV(path string, rows []storage.StoredReading) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"iso_datetime", "unix_timestamp", "value", "value_secondary", "unit", "source"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, row := range rows {
		r := row.Reading
		record := []string{
			r.ISODateTime(),
			strconv.FormatInt(r.UnixTimestamp(), 10),
			r.Value.StringFixed(1),
			r.ValueSecondary.StringFixed(1),
			string(r.Unit),
			string(r.Source),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeReadingsPNG(path string, rows []storage.StoredReading, unit reading.Unit, low, high float64) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(rows))
	values := make([]float64, len(rows))
	lows := make([]float64, len(rows))
	highs := make([]float64, len(rows))

	for i, row := range rows {
		r := row.Reading
		x[i] = r.Timestamp
		v := r.Value
		if r.Unit != unit {
			v = r.ValueSecondary
		}
		values[i] = v.InexactFloat64()
		lows[i] = low
		highs[i] = high
	}

	valueFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Glucose (" + string(unit) + ")",
			ValueFormatter: valueFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Glucose",
				XValues: x,
				YValues: values,
			},
			chart.TimeSeries{
				Name:    "Low",
				XValues: x,
				YValues: lows,
				Style:   chart.Style{StrokeColor: chart.ColorRed, StrokeDashArray: []float64{5, 5}},
			},
			chart.TimeSeries{
				Name:    "High",
				XValues: x,
				YValues: highs,
				Style:   chart.Style{StrokeColor: chart.ColorOrange, StrokeDashArray: []float64{5, 5}},
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
