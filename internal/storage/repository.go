package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cgm-ingest/internal/reading"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	insertReadingSQL = `INSERT INTO glucose_readings (
        unix_timestamp,
        recorded_at,
        iso_datetime,
        value,
        value_secondary,
        unit,
        source
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    ON CONFLICT (unix_timestamp, source) DO NOTHING;`

	countReadingsAfterSQL = `SELECT COUNT(*)
    FROM glucose_readings
    WHERE ($1::timestamptz IS NULL OR created_at > $1);`

	pageReadingsAfterSQL = `SELECT
        id,
        recorded_at,
        value,
        value_secondary,
        unit,
        source,
        created_at
    FROM glucose_readings
    WHERE ($1::timestamptz IS NULL OR created_at > $1)
    ORDER BY created_at ASC, id ASC
    LIMIT $2 OFFSET $3;`

	listReadingsBetweenSQL = `SELECT
        id,
        recorded_at,
        value,
        value_secondary,
        unit,
        source,
        created_at
    FROM glucose_readings
    WHERE recorded_at >= $1
      AND recorded_at < $2
    ORDER BY recorded_at ASC, source ASC;`

	listRecentReadingsSQL = `SELECT
        id,
        recorded_at,
        value,
        value_secondary,
        unit,
        source,
        created_at
    FROM glucose_readings
    ORDER BY recorded_at DESC, source ASC
    LIMIT $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store persists glucose readings in PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool, logger zerolog.Logger) *Store {
	return &Store{pool: pool, logger: logger.With().Str("component", "pg_store").Logger()}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the readings table and its indexes when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	for _, stmt := range []string{schemaSQL, indexSQL, createdAtIndexSQL} {
		if _, execErr := pool.Exec(ctx, stmt); execErr != nil {
			return fmt.Errorf("ensure schema: %w", execErr)
		}
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			s.logger.Warn().Err(err).Int64("key", key).Msg("advisory unlock failed")
		}
		conn.Release()
	}
	return unlock, true, nil
}

// WriteBatch inserts readings in one transaction, one savepoint per reading. Readings whose
// (unix_timestamp, source) already exists are skipped; a failing reading rolls back only its
// own savepoint. The error return is reserved for failures of the batch transaction itself.
func (s *Store) WriteBatch(ctx context.Context, readings []reading.Glucose) (reading.BatchStats, error) {
	var stats reading.BatchStats
	if len(readings) == 0 {
		return stats, nil
	}

	pool, err := s.getPool()
	if err != nil {
		return stats, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("begin batch: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	for _, r := range readings {
		stats.Attempted++
		inserted, insertErr := insertReading(ctx, tx, r)
		if insertErr != nil {
			stats.Failed++
			s.logger.Error().Err(insertErr).
				Str("iso_datetime", r.ISODateTime()).
				Str("source", string(r.Source)).
				Msg("failed to insert reading")
			continue
		}
		if inserted {
			stats.Inserted++
			s.logger.Debug().Str("iso_datetime", r.ISODateTime()).Str("source", string(r.Source)).Msg("inserted reading")
		} else {
			stats.Duplicates++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return reading.BatchStats{Attempted: stats.Attempted, Failed: stats.Attempted}, fmt.Errorf("commit batch: %w", err)
	}
	return stats, nil
}

func insertReading(ctx context.Context, tx pgx.Tx, r reading.Glucose) (bool, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("savepoint: %w", err)
	}

	tag, err := sp.Exec(ctx, insertReadingSQL,
		r.UnixTimestamp(),
		r.Timestamp.UTC(),
		r.ISODateTime(),
		r.Value.String(),
		r.ValueSecondary.String(),
		string(r.Unit),
		string(r.Source),
	)
	if err != nil {
		_ = sp.Rollback(ctx)
		return false, fmt.Errorf("insert reading: %w", err)
	}
	if err := sp.Commit(ctx); err != nil {
		return false, fmt.Errorf("release savepoint: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CountAfter counts readings stored strictly after after (by created_at); a nil after
// counts everything.
func (s *Store) CountAfter(ctx context.Context, after *time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countReadingsAfterSQL, after).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count readings: %w", scanErr)
	}
	return count, nil
}

// PageAfter returns up to limit readings stored after after, in (created_at, id) order,
// skipping offset. Paging on insertion time picks up late-arriving readings whose own
// timestamp is older than the last export.
func (s *Store) PageAfter(ctx context.Context, after *time.Time, offset, limit int) ([]reading.Stored, error) {
	rows, err := s.query(ctx, "page readings", pageReadingsAfterSQL, after, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]reading.Stored, 0, len(rows))
	for _, row := range rows {
		out = append(out, reading.Stored{Reading: row.Reading, StoredAt: row.CreatedAt.UTC()})
	}
	return out, nil
}

// ListBetween lists readings with from <= recorded_at < to.
func (s *Store) ListBetween(ctx context.Context, from, to time.Time) ([]StoredReading, error) {
	return s.query(ctx, "list readings between", listReadingsBetweenSQL, from, to)
}

// ListRecent lists the most recent readings, newest first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]StoredReading, error) {
	return s.query(ctx, "list recent readings", listRecentReadingsSQL, limit)
}

func (s *Store) query(ctx context.Context, op, sql string, args ...any) ([]StoredReading, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, sql, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("%s: %w", op, queryErr)
	}
	defer rows.Close()

	out := make([]StoredReading, 0)
	for rows.Next() {
		row, scanErr := scanReading(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("%s: %w", op, scanErr)
		}
		out = append(out, row)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("%s: %w", op, rows.Err())
	}
	return out, nil
}

func scanReading(rows pgx.Rows) (StoredReading, error) {
	var (
		id           int64
		recordedAt   time.Time
		valueStr     string
		secondaryStr string
		unitStr      string
		sourceStr    string
		createdAt    time.Time
	)

	if err := rows.Scan(&id, &recordedAt, &valueStr, &secondaryStr, &unitStr, &sourceStr, &createdAt); err != nil {
		return StoredReading{}, err
	}

	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		return StoredReading{}, fmt.Errorf("parse value: %w", err)
	}
	secondary, err := decimal.NewFromString(secondaryStr)
	if err != nil {
		return StoredReading{}, fmt.Errorf("parse value_secondary: %w", err)
	}
	unit, err := reading.ParseUnit(unitStr)
	if err != nil {
		return StoredReading{}, err
	}
	source, err := reading.ParseSource(sourceStr)
	if err != nil {
		return StoredReading{}, err
	}

	return StoredReading{
		ID: id,
		Reading: reading.Glucose{
			Timestamp:      recordedAt.UTC(),
			Value:          value,
			ValueSecondary: secondary,
			Unit:           unit,
			Source:         source,
		},
		CreatedAt: createdAt,
	}, nil
}

var _ AdvisoryLocker = (*Store)(nil)
