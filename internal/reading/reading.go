package reading

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Source identifies which vendor feed produced a reading.
type Source string

const (
	SourceLiveFeed       Source = "live-feed"
	SourceLogbookFeed    Source = "logbook-feed"
	SourceLatestSnapshot Source = "latest-snapshot"
)

// Valid reports whether s is one of the known feeds.
func (s Source) Valid() bool {
	switch s {
	case SourceLiveFeed, SourceLogbookFeed, SourceLatestSnapshot:
		return true
	default:
		return false
	}
}

// ParseSource converts a stored source tag back into a Source.
func ParseSource(v string) (Source, error) {
	s := Source(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown reading source %q", v)
	}
	return s, nil
}

// Unit is a glucose concentration unit.
type Unit string

const (
	UnitMmolPerL Unit = "mmol/L"
	UnitMgPerDL  Unit = "mg/dL"
)

// Other returns the unit a value is converted into for ValueSecondary.
func (u Unit) Other() Unit {
	if u == UnitMgPerDL {
		return UnitMmolPerL
	}
	return UnitMgPerDL
}

// ParseUnit accepts the canonical spellings plus the lowercase config aliases.
func ParseUnit(v string) (Unit, error) {
	switch v {
	case string(UnitMmolPerL), "mmol", "mmol/l":
		return UnitMmolPerL, nil
	case string(UnitMgPerDL), "mg", "mg/dl":
		return UnitMgPerDL, nil
	default:
		return "", fmt.Errorf("unknown glucose unit %q", v)
	}
}

// mgPerDLPerMmol is the mmol/L -> mg/dL factor for glucose (molar mass 180.156 g/mol).
var mgPerDLPerMmol = decimal.RequireFromString("18.0182")

// Convert expresses v (in unit from) in the other unit, rounded to one decimal place.
func Convert(v decimal.Decimal, from Unit) decimal.Decimal {
	if from == UnitMgPerDL {
		return v.Div(mgPerDLPerMmol).Round(1)
	}
	return v.Mul(mgPerDLPerMmol).Round(1)
}

// Glucose is the canonical reading persisted by every store.
type Glucose struct {
	Timestamp      time.Time
	Value          decimal.Decimal
	ValueSecondary decimal.Decimal
	Unit           Unit
	Source         Source
}

// UnixTimestamp is the second-resolution half of the reading identity.
func (g Glucose) UnixTimestamp() int64 {
	return g.Timestamp.Unix()
}

// ISODateTime renders the reading time as UTC ISO-8601.
func (g Glucose) ISODateTime() string {
	return g.Timestamp.UTC().Format(time.RFC3339)
}

// Key returns the (timestamp, source) identity of the reading.
func (g Glucose) Key() string {
	return fmt.Sprintf("%d|%s", g.UnixTimestamp(), g.Source)
}

// MmolPerL returns the concentration in mmol/L regardless of the native unit.
func (g Glucose) MmolPerL() decimal.Decimal {
	if g.Unit == UnitMgPerDL {
		return g.ValueSecondary
	}
	return g.Value
}

// Stored is a reading together with the time its store accepted it. StoredAt only moves
// forward as rows are written, whatever the reading's own timestamp.
type Stored struct {
	Reading  Glucose
	StoredAt time.Time
}

// BatchStats summarises one WriteBatch call.
type BatchStats struct {
	Attempted  int
	Inserted   int
	Duplicates int
	Failed     int
}

// Add accumulates other into s.
func (s *BatchStats) Add(other BatchStats) {
	s.Attempted += other.Attempted
	s.Inserted += other.Inserted
	s.Duplicates += other.Duplicates
	s.Failed += other.Failed
}
