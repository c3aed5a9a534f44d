package reading

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TimestampLayout is the vendor's local timestamp format, e.g. "8/16/2023 10:16:34 AM".
const TimestampLayout = "1/2/2006 3:04:05 PM"

// ErrMalformedPayload marks a raw item that cannot become a canonical reading.
var ErrMalformedPayload = errors.New("malformed payload")

// Raw is one glucose item as returned by the graph, logbook and connection endpoints.
// Every field is optional on the wire; Normalize decides what is required.
type Raw struct {
	FactoryTimestamp string              `json:"FactoryTimestamp"`
	Timestamp        string              `json:"Timestamp"`
	Type             *int                `json:"type,omitempty"`
	Value            decimal.NullDecimal `json:"Value"`
	ValueInMgPerDl   decimal.NullDecimal `json:"ValueInMgPerDl"`
	GlucoseUnits     *int                `json:"GlucoseUnits,omitempty"`
	TrendArrow       *int                `json:"TrendArrow,omitempty"`
	MeasurementColor *int                `json:"MeasurementColor,omitempty"`
	IsHigh           bool                `json:"isHigh"`
	IsLow            bool                `json:"isLow"`

	// decodeErr is set by DecodeRaw when the item could not be decoded at all.
	decodeErr error
}

// DecodeRaw decodes one vendor item. Decoding failures are kept on the item and
// surface as ErrMalformedPayload from Normalize, so one bad item never fails a feed.
func DecodeRaw(data []byte) Raw {
	var raw Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return Raw{decodeErr: err}
	}
	return raw
}

// DecodeRaws decodes a list of vendor items with DecodeRaw.
func DecodeRaws(items []json.RawMessage) []Raw {
	out := make([]Raw, 0, len(items))
	for _, item := range items {
		out = append(out, DecodeRaw(item))
	}
	return out
}

// Normalizer turns Raw items into canonical readings.
type Normalizer struct {
	location    *time.Location
	defaultUnit Unit
}

// NewNormalizer builds a Normalizer. Vendor timestamps are interpreted in loc; items without
// GlucoseUnits are assumed to be in defaultUnit.
func NewNormalizer(loc *time.Location, defaultUnit Unit) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	if defaultUnit == "" {
		defaultUnit = UnitMmolPerL
	}
	return &Normalizer{location: loc, defaultUnit: defaultUnit}
}

// ParseTimestamp parses the vendor timestamp format strictly.
func (n *Normalizer) ParseTimestamp(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, fmt.Errorf("%w: timestamp missing", ErrMalformedPayload)
	}
	ts, err := time.ParseInLocation(TimestampLayout, v, n.location)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %v", ErrMalformedPayload, v, err)
	}
	return ts, nil
}

func parseFactoryTimestamp(v string) (time.Time, bool) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, false
	}
	ts, err := time.ParseInLocation(TimestampLayout, v, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Normalize validates raw and converts it into a Glucose reading from src.
func (n *Normalizer) Normalize(raw Raw, src Source) (Glucose, error) {
	if !src.Valid() {
		return Glucose{}, fmt.Errorf("%w: unknown source %q", ErrMalformedPayload, src)
	}
	if raw.decodeErr != nil {
		return Glucose{}, fmt.Errorf("%w: %v", ErrMalformedPayload, raw.decodeErr)
	}

	ts, err := n.ParseTimestamp(raw.Timestamp)
	if err != nil {
		return Glucose{}, err
	}
	// The local Timestamp repeats during the autumn fall-back hour; FactoryTimestamp is UTC.
	if factory, ok := parseFactoryTimestamp(raw.FactoryTimestamp); ok {
		ts = factory
	}

	if !raw.Value.Valid {
		return Glucose{}, fmt.Errorf("%w: value missing at %s", ErrMalformedPayload, raw.Timestamp)
	}
	if raw.Value.Decimal.IsNegative() {
		return Glucose{}, fmt.Errorf("%w: negative value %s at %s", ErrMalformedPayload, raw.Value.Decimal, raw.Timestamp)
	}

	unit, err := n.unitOf(raw)
	if err != nil {
		return Glucose{}, err
	}

	return Glucose{
		Timestamp:      ts,
		Value:          raw.Value.Decimal,
		ValueSecondary: Convert(raw.Value.Decimal, unit),
		Unit:           unit,
		Source:         src,
	}, nil
}

// NormalizeAll normalizes every item, collecting failures instead of stopping at the first.
func (n *Normalizer) NormalizeAll(raws []Raw, src Source) ([]Glucose, []error) {
	out := make([]Glucose, 0, len(raws))
	var errs []error
	for i, raw := range raws {
		g, err := n.Normalize(raw, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s item %d: %w", src, i, err))
			continue
		}
		out = append(out, g)
	}
	return out, errs
}

func (n *Normalizer) unitOf(raw Raw) (Unit, error) {
	if raw.GlucoseUnits == nil {
		return n.defaultUnit, nil
	}
	switch *raw.GlucoseUnits {
	case 0:
		return UnitMmolPerL, nil
	case 1:
		return UnitMgPerDL, nil
	default:
		return "", fmt.Errorf("%w: unknown GlucoseUnits %d", ErrMalformedPayload, *raw.GlucoseUnits)
	}
}
