package storage

import (
	"time"

	"cgm-ingest/internal/reading"
)

// StoredReading is a reading row together with its bookkeeping columns.
type StoredReading struct {
	ID        int64
	Reading   reading.Glucose
	CreatedAt time.Time
}

const schemaSQL = `CREATE TABLE IF NOT EXISTS glucose_readings (
    id              BIGSERIAL PRIMARY KEY,
    unix_timestamp  BIGINT       NOT NULL,
    recorded_at     TIMESTAMPTZ  NOT NULL,
    iso_datetime    TEXT         NOT NULL,
    value           NUMERIC(7,1) NOT NULL,
    value_secondary NUMERIC(7,1) NOT NULL,
    unit            TEXT         NOT NULL,
    source          TEXT         NOT NULL,
    created_at      TIMESTAMPTZ  NOT NULL DEFAULT now(),
    CONSTRAINT glucose_readings_timestamp_source_key UNIQUE (unix_timestamp, source)
);`

const indexSQL = `CREATE INDEX IF NOT EXISTS glucose_readings_recorded_at_idx
    ON glucose_readings (recorded_at, source);`

const createdAtIndexSQL = `CREATE INDEX IF NOT EXISTS glucose_readings_created_at_idx
    ON glucose_readings (created_at, id);`
