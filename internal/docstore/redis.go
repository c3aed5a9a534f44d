package docstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"cgm-ingest/internal/reading"
)

const defaultPrefix = "glucose_reading"

// Document is the JSON form of a reading stored under its identity hash.
type Document struct {
	UnixTimestamp  int64           `json:"unix_timestamp"`
	ISODateTime    string          `json:"iso_datetime"`
	Value          decimal.Decimal `json:"value"`
	ValueSecondary decimal.Decimal `json:"value_secondary"`
	Unit           string          `json:"unit"`
	Source         string          `json:"source"`
}

// NewDocument converts a canonical reading into its stored form.
func NewDocument(r reading.Glucose) Document {
	return Document{
		UnixTimestamp:  r.UnixTimestamp(),
		ISODateTime:    r.ISODateTime(),
		Value:          r.Value,
		ValueSecondary: r.ValueSecondary,
		Unit:           string(r.Unit),
		Source:         string(r.Source),
	}
}

// Reading converts the document back into a canonical reading.
func (d Document) Reading() (reading.Glucose, error) {
	unit, err := reading.ParseUnit(d.Unit)
	if err != nil {
		return reading.Glucose{}, err
	}
	src, err := reading.ParseSource(d.Source)
	if err != nil {
		return reading.Glucose{}, err
	}
	return reading.Glucose{
		Timestamp:      time.Unix(d.UnixTimestamp, 0).UTC(),
		Value:          d.Value,
		ValueSecondary: d.ValueSecondary,
		Unit:           unit,
		Source:         src,
	}, nil
}

// Hash is the document id. Only (unix_timestamp, source) feed it, so a reading seen again
// with another value or unit is a duplicate, as in postgres.
func (d Document) Hash() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s", d.UnixTimestamp, d.Source)))
	return hex.EncodeToString(sum[:])
}

// Store keeps readings in redis as JSON documents keyed by identity hash. A sorted set
// scored by insertion time (unix microseconds) indexes them for ordered, paged export.
type Store struct {
	client redis.UniversalClient
	prefix string
	logger zerolog.Logger

	now       func() time.Time
	mu        sync.Mutex
	lastScore int64
}

// NewStore wires a redis client into a Store.
func NewStore(client redis.UniversalClient, prefix string, logger zerolog.Logger) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "redis_store").Logger(),
		now:    time.Now,
	}
}

// NewClient builds a redis client from connection settings.
func NewClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) docKey(hash string) string {
	return s.prefix + ":" + hash
}

func (s *Store) indexKey() string {
	return s.prefix + ":by_stored_at"
}

// nextScore returns the insertion time in microseconds, strictly increasing per Store.
func (s *Store) nextScore() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	score := s.now().UnixMicro()
	if score <= s.lastScore {
		score = s.lastScore + 1
	}
	s.lastScore = score
	return score
}

// WriteBatch stores each reading unless a document with the same identity already
// exists. Failures are logged and counted per reading; the batch always runs to the end.
func (s *Store) WriteBatch(ctx context.Context, readings []reading.Glucose) (reading.BatchStats, error) {
	var stats reading.BatchStats
	for _, r := range readings {
		stats.Attempted++
		inserted, err := s.insert(ctx, r)
		if err != nil {
			stats.Failed++
			s.logger.Error().Err(err).
				Str("iso_datetime", r.ISODateTime()).
				Str("source", string(r.Source)).
				Msg("failed to store reading document")
			continue
		}
		if inserted {
			stats.Inserted++
		} else {
			stats.Duplicates++
		}
	}
	return stats, nil
}

func (s *Store) insert(ctx context.Context, r reading.Glucose) (bool, error) {
	doc := NewDocument(r)
	data, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("marshal document: %w", err)
	}
	key := s.docKey(doc.Hash())

	// SETNX decides novelty; ZADD NX keeps the first insertion time, so replays are harmless.
	score := s.nextScore()
	var created *redis.BoolCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		created = pipe.SetNX(ctx, key, data, 0)
		pipe.ZAddNX(ctx, s.indexKey(), redis.Z{Score: float64(score), Member: key})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("store document: %w", err)
	}
	return created.Val(), nil
}

// Exists reports whether the document for r is already stored.
func (s *Store) Exists(ctx context.Context, r reading.Glucose) (bool, error) {
	n, err := s.client.Exists(ctx, s.docKey(NewDocument(r).Hash())).Result()
	if err != nil {
		return false, fmt.Errorf("exists: %w", err)
	}
	return n > 0, nil
}

// CountAfter counts documents stored strictly after after; nil counts everything.
func (s *Store) CountAfter(ctx context.Context, after *time.Time) (int64, error) {
	n, err := s.client.ZCount(ctx, s.indexKey(), minScore(after), "+inf").Result()
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// PageAfter returns up to limit readings stored after after in (insertion time, key) order,
// skipping offset.
func (s *Store) PageAfter(ctx context.Context, after *time.Time, offset, limit int) ([]reading.Stored, error) {
	entries, err := s.client.ZRangeByScoreWithScores(ctx, s.indexKey(), &redis.ZRangeBy{
		Min:    minScore(after),
		Max:    "+inf",
		Offset: int64(offset),
		Count:  int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("page index: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i], _ = e.Member.(string)
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load documents: %w", err)
	}

	out := make([]reading.Stored, 0, len(values))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// Skipping would shift every later offset, so a dangling index entry stops the page.
			return nil, fmt.Errorf("indexed document %s missing", keys[i])
		}
		var doc Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("decode document %s: %w", keys[i], err)
		}
		r, err := doc.Reading()
		if err != nil {
			return nil, fmt.Errorf("decode document %s: %w", keys[i], err)
		}
		out = append(out, reading.Stored{Reading: r, StoredAt: time.UnixMicro(int64(entries[i].Score)).UTC()})
	}
	return out, nil
}

func minScore(after *time.Time) string {
	if after == nil {
		return "-inf"
	}
	return "(" + strconv.FormatInt(after.UnixMicro(), 10)
}
