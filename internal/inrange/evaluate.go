package inrange

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"cgm-ingest/internal/reading"
)

// DefaultWindow is the trailing window used by the vendor dashboard: 23 hours, not 24.
const DefaultWindow = 23 * time.Hour

// ErrEmptyWindow is returned when no reading with a value falls inside the window.
var ErrEmptyWindow = errors.New("no readings in window")

var hundred = decimal.NewFromInt(100)

// Bounds is an inclusive target range expressed in Unit.
type Bounds struct {
	Low  decimal.Decimal
	High decimal.Decimal
	Unit reading.Unit
}

// Validate checks that the range is well formed.
func (b Bounds) Validate() error {
	if b.Low.IsNegative() {
		return fmt.Errorf("low bound %s cannot be negative", b.Low)
	}
	if b.High.LessThan(b.Low) {
		return fmt.Errorf("high bound %s below low bound %s", b.High, b.Low)
	}
	return nil
}

// Contains reports whether v lies within the bounds, both ends inclusive.
func (b Bounds) Contains(v decimal.Decimal) bool {
	return v.GreaterThanOrEqual(b.Low) && v.LessThanOrEqual(b.High)
}

// Point is a timestamped value whose presence is explicit.
type Point struct {
	At    time.Time
	Value decimal.NullDecimal
}

// PointsFrom projects readings onto unit, picking the native or secondary value.
func PointsFrom(readings []reading.Glucose, unit reading.Unit) []Point {
	points := make([]Point, 0, len(readings))
	for _, r := range readings {
		v := r.Value
		if r.Unit != unit {
			v = r.ValueSecondary
		}
		points = append(points, Point{At: r.Timestamp, Value: decimal.NewNullDecimal(v)})
	}
	return points
}

// Evaluate returns the percentage of points inside bounds over (asOf-window, asOf],
// rounded to one decimal place. Points without a value are ignored.
func Evaluate(points []Point, bounds Bounds, asOf time.Time, window time.Duration) (decimal.Decimal, error) {
	if window <= 0 {
		window = DefaultWindow
	}
	start := asOf.Add(-window)

	var total, inside int64
	for _, p := range points {
		if !p.Value.Valid {
			continue
		}
		if !p.At.After(start) || p.At.After(asOf) {
			continue
		}
		total++
		if bounds.Contains(p.Value.Decimal) {
			inside++
		}
	}

	if total == 0 {
		return decimal.Decimal{}, ErrEmptyWindow
	}

	return decimal.NewFromInt(inside).Mul(hundred).Div(decimal.NewFromInt(total)).Round(1), nil
}

// Format renders a percentage for humans, mapping ErrEmptyWindow to "no data".
func Format(pct decimal.Decimal, err error) string {
	if errors.Is(err, ErrEmptyWindow) {
		return "no data"
	}
	if err != nil {
		return "error"
	}
	return pct.StringFixed(1) + "%"
}
