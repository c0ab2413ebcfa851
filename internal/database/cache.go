package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"feedagent/internal/cache"
	"feedagent/internal/models"
)

// DefaultCacheTTL is how long a cached summary stays valid.
const DefaultCacheTTL = 7 * 24 * time.Hour

// ResponseCache keeps generated summaries in the cache_entries table. Expiry
// is checked on read; stale rows stay until a Put overwrites them or Clear
// runs.
type ResponseCache struct {
	db       *DB
	ttl      time.Duration
	now      func() time.Time
	counters cache.Counters
}

var _ cache.Cache = (*ResponseCache)(nil)

func NewResponseCache(db *DB, ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &ResponseCache{db: db, ttl: ttl, now: time.Now}
}

// SetClock replaces the clock used for expiry checks and created_at stamps.
func (c *ResponseCache) SetClock(now func() time.Time) {
	c.now = now
}

func (c *ResponseCache) Get(ctx context.Context, articleID, modelID string) (models.Summary, bool, error) {
	var (
		value     string
		createdAt int64
		ttlSecs   int64
	)
	err := c.db.QueryRowContext(ctx,
		"SELECT value, created_at, ttl_seconds FROM cache_entries WHERE cache_key = ?",
		cache.Key(articleID, modelID),
	).Scan(&value, &createdAt, &ttlSecs)
	if errors.Is(err, sql.ErrNoRows) {
		c.counters.Miss()
		return models.Summary{}, false, nil
	}
	if err != nil {
		return models.Summary{}, false, fmt.Errorf("reading cache entry: %w", err)
	}

	if createdAt+ttlSecs*1000 <= c.now().UnixMilli() {
		c.counters.Miss()
		return models.Summary{}, false, nil
	}

	var s models.Summary
	if err := json.Unmarshal([]byte(value), &s); err != nil {
		c.counters.Miss()
		return models.Summary{}, false, nil
	}
	c.counters.Hit()
	return s, true, nil
}

func (c *ResponseCache) Put(ctx context.Context, articleID, modelID string, s models.Summary) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_key, value, created_at, ttl_seconds)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
		value = excluded.value,
		created_at = excluded.created_at,
		ttl_seconds = excluded.ttl_seconds`,
		cache.Key(articleID, modelID), string(b), c.now().UnixMilli(), int64(c.ttl/time.Second),
	)
	if err != nil {
		return fmt.Errorf("writing cache entry: %w", err)
	}
	return nil
}

// Clear removes every entry and reports how many rows went.
func (c *ResponseCache) Clear(ctx context.Context) (int64, error) {
	result, err := c.db.ExecContext(ctx, "DELETE FROM cache_entries")
	if err != nil {
		return 0, fmt.Errorf("clearing cache: %w", err)
	}
	return result.RowsAffected()
}

func (c *ResponseCache) Stats(ctx context.Context) (cache.Stats, error) {
	s := cache.Stats{Backend: "sqlite"}
	var expired sql.NullInt64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        SUM(CASE WHEN created_at + ttl_seconds * 1000 <= ? THEN 1 ELSE 0 END)
		FROM cache_entries`,
		c.now().UnixMilli(),
	).Scan(&s.Entries, &expired)
	if err != nil {
		return cache.Stats{}, fmt.Errorf("reading cache stats: %w", err)
	}
	s.Expired = expired.Int64
	c.counters.Fill(&s)
	return s, nil
}
