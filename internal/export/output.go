package export

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"cgm-ingest/internal/reading"
)

// Document is the BSON shape of one exported reading.
type Document struct {
	Key            string               `bson:"_id"`
	UnixTimestamp  int64                `bson:"unix_timestamp"`
	RecordedAt     time.Time            `bson:"recorded_at"`
	ISODateTime    string               `bson:"iso_datetime"`
	Value          primitive.Decimal128 `bson:"value"`
	ValueSecondary primitive.Decimal128 `bson:"value_secondary"`
	Unit           string               `bson:"unit"`
	Source         string               `bson:"source"`
}

// NewDocument converts a reading into its export form.
func NewDocument(r reading.Glucose) (Document, error) {
	value, err := primitive.ParseDecimal128(r.Value.String())
	if err != nil {
		return Document{}, fmt.Errorf("value %s: %w", r.Value, err)
	}
	secondary, err := primitive.ParseDecimal128(r.ValueSecondary.String())
	if err != nil {
		return Document{}, fmt.Errorf("value_secondary %s: %w", r.ValueSecondary, err)
	}
	return Document{
		Key:            r.Key(),
		UnixTimestamp:  r.UnixTimestamp(),
		RecordedAt:     r.Timestamp.UTC(),
		ISODateTime:    r.ISODateTime(),
		Value:          value,
		ValueSecondary: secondary,
		Unit:           string(r.Unit),
		Source:         string(r.Source),
	}, nil
}

// Output appends BSON documents back to back, the layout mongorestore/bsondump read.
type Output struct {
	file  *os.File
	buf   *bufio.Writer
	start int64
}

// OpenOutput opens path for appending; truncate starts the file over.
func OpenOutput(path string, truncate bool) (*Output, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create output dir: %w", err)
		}
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags = os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	}
	file, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open export output: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat export output: %w", err)
	}
	return &Output{file: file, buf: bufio.NewWriter(file), start: info.Size()}, nil
}

// WritePage appends every reading and flushes, so a page is on disk before the next fetch.
func (o *Output) WritePage(page []reading.Glucose) error {
	for _, r := range page {
		doc, err := NewDocument(r)
		if err != nil {
			return err
		}
		data, err := bson.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal bson: %w", err)
		}
		if _, err := o.buf.Write(data); err != nil {
			return fmt.Errorf("write bson: %w", err)
		}
	}
	if err := o.buf.Flush(); err != nil {
		return fmt.Errorf("flush export output: %w", err)
	}
	return o.file.Sync()
}

// Discard drops everything written since the file was opened.
func (o *Output) Discard() error {
	o.buf.Reset(o.file)
	if err := o.file.Truncate(o.start); err != nil {
		return fmt.Errorf("truncate export output: %w", err)
	}
	return o.file.Sync()
}

// Close flushes and closes the file.
func (o *Output) Close() error {
	if o == nil {
		return nil
	}
	return errors.Join(o.buf.Flush(), o.file.Close())
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
