// Package archive stores finished digests as JSON documents, on disk or in
// an S3-compatible bucket.
package archive

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/goccy/go-json"
	"github.com/gosimple/slug"
	"github.com/rs/zerolog"

	"feedagent/internal/config"
	"feedagent/internal/models"
)

// Archiver delivers a digest and returns where it was stored.
type Archiver interface {
	Deliver(ctx context.Context, digest models.DailyDigest, stats models.DigestStats) (string, error)
}

// Envelope is the archived document.
type Envelope struct {
	Digest     models.DailyDigest `json:"digest"`
	Stats      models.DigestStats `json:"stats"`
	ArchivedAt time.Time          `json:"archived_at"`
}

// New returns the archiver selected by cfg.Kind, or nil for "none".
func New(ctx context.Context, cfg config.ArchiveConfig, logger zerolog.Logger) (Archiver, error) {
	switch cfg.Kind {
	case "", "none":
		return nil, nil
	case "file":
		return NewFile(cfg.Dir, logger), nil
	case "s3":
		a, err := NewS3(ctx, cfg.S3, logger)
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, fmt.Errorf("unknown archive kind %q", cfg.Kind)
}

// ObjectName is the relative, slash-separated name of a digest document,
// dated so a listing sorts chronologically.
func ObjectName(d models.DailyDigest) string {
	id := d.ID
	if len(id) > 8 {
		id = id[:8]
	}
	day := d.Date.UTC()
	name := slug.Make(fmt.Sprintf("digest %s %s", day.Format("2006-01-02"), id))
	return path.Join(day.Format("2006/01/02"), name+".json")
}

func encode(d models.DailyDigest, stats models.DigestStats, now time.Time) ([]byte, error) {
	data, err := json.MarshalIndent(Envelope{Digest: d, Stats: stats, ArchivedAt: now.UTC()}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal digest: %w", err)
	}
	return data, nil
}
