package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"feedagent/internal/models"
)

// FeedHealthUpdate is the outcome of one fetch of one feed.
type FeedHealthUpdate struct {
	FeedURL   string
	FeedName  string
	CheckedAt time.Time
	Success   bool
	Error     string
	// Validators from the response; empty values keep the stored ones.
	ETag         string
	LastModified string
}

// RecordFeedHealth upserts the health row for a feed in one statement. A
// success stamps last_success and resets the failure streak; a failure
// extends it and records the error.
func (db *DB) RecordFeedHealth(ctx context.Context, u FeedHealthUpdate) error {
	if u.FeedURL == "" {
		return fmt.Errorf("recording feed health: %w: feed url is required", ErrInvalidInput)
	}
	if u.CheckedAt.IsZero() {
		u.CheckedAt = db.now()
	}
	checked := formatTime(u.CheckedAt)

	var lastSuccess sql.NullString
	failures := 1
	lastError := u.Error
	if u.Success {
		lastSuccess = sql.NullString{String: checked, Valid: true}
		failures = 0
		lastError = ""
	}

	_, err := db.ExecContext(ctx,
		`INSERT INTO feed_health (feed_url, feed_name, last_checked, last_success, last_error,
		                          consecutive_failures, etag, last_modified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(feed_url) DO UPDATE SET
		feed_name = excluded.feed_name,
		last_checked = excluded.last_checked,
		last_success = COALESCE(excluded.last_success, feed_health.last_success),
		last_error = excluded.last_error,
		consecutive_failures = CASE
			WHEN excluded.last_success IS NOT NULL THEN 0
			ELSE feed_health.consecutive_failures + 1
		END,
		etag = CASE WHEN excluded.etag != '' THEN excluded.etag ELSE feed_health.etag END,
		last_modified = CASE WHEN excluded.last_modified != '' THEN excluded.last_modified ELSE feed_health.last_modified END`,
		u.FeedURL, u.FeedName, checked, lastSuccess, lastError, failures, u.ETag, u.LastModified,
	)
	if err != nil {
		return fmt.Errorf("recording feed health for %s: %w", u.FeedURL, err)
	}
	return nil
}

// SetFeedValidators replaces the conditional-GET validators of a feed. The
// pipeline calls it only after every article of that response was stored.
func (db *DB) SetFeedValidators(ctx context.Context, feedURL, etag, lastModified string) error {
	res, err := db.ExecContext(ctx,
		`UPDATE feed_health SET etag = ?, last_modified = ? WHERE feed_url = ?`,
		etag, lastModified, feedURL)
	if err != nil {
		return fmt.Errorf("storing validators for %s: %w", feedURL, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storing validators for %s: %w", feedURL, err)
	}
	if n == 0 {
		return fmt.Errorf("storing validators for %s: %w", feedURL, ErrNotFound)
	}
	return nil
}

const feedHealthColumns = `feed_url, feed_name, last_checked, last_success, last_error,
	consecutive_failures, etag, last_modified`

// GetFeedHealth returns the stored health of one feed.
func (db *DB) GetFeedHealth(ctx context.Context, feedURL string) (models.FeedHealth, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+feedHealthColumns+" FROM feed_health WHERE feed_url = ?", feedURL)
	h, err := scanFeedHealth(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.FeedHealth{}, ErrNotFound
	}
	return h, err
}

// ListFeedHealth returns every health row, worst streak first.
func (db *DB) ListFeedHealth(ctx context.Context) ([]models.FeedHealth, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT "+feedHealthColumns+" FROM feed_health ORDER BY consecutive_failures DESC, feed_name ASC")
	if err != nil {
		return nil, fmt.Errorf("listing feed health: %w", err)
	}
	defer rows.Close()

	var out []models.FeedHealth
	for rows.Next() {
		h, err := scanFeedHealth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func scanFeedHealth(r rowScanner) (models.FeedHealth, error) {
	var (
		h                    models.FeedHealth
		checked, lastSuccess sql.NullString
	)
	err := r.Scan(&h.FeedURL, &h.FeedName, &checked, &lastSuccess, &h.LastError,
		&h.ConsecutiveFailures, &h.ETag, &h.LastModified)
	if err != nil {
		return models.FeedHealth{}, err
	}
	if h.LastChecked, err = parseNullTime(checked); err != nil {
		return models.FeedHealth{}, err
	}
	if h.LastSuccess, err = parseNullTime(lastSuccess); err != nil {
		return models.FeedHealth{}, err
	}
	return h, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q: %w", s.String, err)
	}
	return &t, nil
}
