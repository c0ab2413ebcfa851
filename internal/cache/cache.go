// Package cache holds what the summary cache backends share: the key
// derivation, hit/miss counters and the stats snapshot, plus the Redis
// backend. The SQLite backend lives with the rest of the schema in
// internal/database.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"

	"feedagent/internal/models"
)

// Cache stores summaries keyed by article and model. Expired entries read as
// misses.
type Cache interface {
	Get(ctx context.Context, articleID, modelID string) (models.Summary, bool, error)
	Put(ctx context.Context, articleID, modelID string, s models.Summary) error
	Clear(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (Stats, error)
}

// Key derives the cache key for a summary of articleID produced by modelID.
func Key(articleID, modelID string) string {
	sum := sha256.Sum256([]byte(articleID + ":" + modelID))
	return hex.EncodeToString(sum[:])
}

type Stats struct {
	Backend string `json:"backend"`
	// Entries counts stored rows, expired ones included where the backend
	// keeps them.
	Entries int64 `json:"entries"`
	Expired int64 `json:"expired"`
	Hits    int64 `json:"hits"`
	Misses  int64 `json:"misses"`
}

// HitRate is hits over lookups, or 0 before the first lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Counters tracks lookups for the lifetime of one process.
type Counters struct {
	hits   atomic.Int64
	misses atomic.Int64
}

func (c *Counters) Hit()  { c.hits.Add(1) }
func (c *Counters) Miss() { c.misses.Add(1) }

// Fill copies the current counts into s.
func (c *Counters) Fill(s *Stats) {
	s.Hits = c.hits.Load()
	s.Misses = c.misses.Load()
}
