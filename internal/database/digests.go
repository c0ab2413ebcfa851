package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/goccy/go-json"

	"feedagent/internal/models"
)

// Delivery states of a digest run.
const (
	DeliveryPending   = "pending"
	DeliverySkipped   = "skipped"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

// DigestRun is the persisted record of one analyze pass.
type DigestRun struct {
	ID             string
	DigestID       string
	StartedAt      time.Time
	FinishedAt     time.Time
	TotalArticles  int
	Summarized     int
	Failed         int
	Degraded       bool
	Stats          models.DigestStats
	DeliveryStatus string
	DeliveryRef    string
	DeliveredAt    *time.Time
}

// RecordDigestRun inserts a run. An empty DeliveryStatus is stored as pending.
func (db *DB) RecordDigestRun(ctx context.Context, r DigestRun) error {
	if r.ID == "" {
		return fmt.Errorf("recording digest run: %w: id is required", ErrInvalidInput)
	}
	switch r.DeliveryStatus {
	case "":
		r.DeliveryStatus = DeliveryPending
	case DeliveryPending, DeliverySkipped:
	default:
		return fmt.Errorf("recording digest run: %w: delivery status %q", ErrInvalidInput, r.DeliveryStatus)
	}
	stats, err := json.Marshal(r.Stats)
	if err != nil {
		return fmt.Errorf("encoding run stats: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT INTO digest_runs (id, digest_id, started_at, finished_at, total_articles,
		                          summarized, failed, degraded, stats, delivery_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.DigestID, formatTime(r.StartedAt), formatTime(r.FinishedAt), r.TotalArticles,
		r.Summarized, r.Failed, r.Degraded, string(stats), r.DeliveryStatus,
	)
	if err != nil {
		return fmt.Errorf("recording digest run %s: %w", r.ID, err)
	}
	return nil
}

// MarkDelivered records the delivery outcome of a run. status is delivered or
// failed; ref is the archive location or the error text.
func (db *DB) MarkDelivered(ctx context.Context, id, status, ref string) error {
	if status != DeliveryDelivered && status != DeliveryFailed {
		return fmt.Errorf("marking run %s: %w: delivery status %q", id, ErrInvalidInput, status)
	}
	result, err := db.ExecContext(ctx,
		`UPDATE digest_runs SET delivery_status = ?, delivery_ref = ?, delivered_at = ?
		WHERE id = ?`,
		status, ref, db.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("marking run %s: %w", id, err)
	}
	return expectOneRow(result)
}

// ListDigestRuns returns the most recent runs first. A limit of zero or less
// returns every run.
func (db *DB) ListDigestRuns(ctx context.Context, limit int) ([]DigestRun, error) {
	q := sq.Select("id", "digest_id", "started_at", "finished_at", "total_articles", "summarized",
		"failed", "degraded", "stats", "delivery_status", "delivery_ref", "delivered_at").
		From("digest_runs").
		OrderBy("started_at DESC", "id DESC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building run query: %w", err)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing digest runs: %w", err)
	}
	defer rows.Close()

	var runs []DigestRun
	for rows.Next() {
		var (
			r                 DigestRun
			started, finished string
			stats             string
			deliveredAt       sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.DigestID, &started, &finished, &r.TotalArticles,
			&r.Summarized, &r.Failed, &r.Degraded, &stats, &r.DeliveryStatus, &r.DeliveryRef,
			&deliveredAt); err != nil {
			return nil, err
		}
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if r.FinishedAt, err = parseTime(finished); err != nil {
			return nil, err
		}
		if r.DeliveredAt, err = parseNullTime(deliveredAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stats), &r.Stats); err != nil {
			return nil, fmt.Errorf("run %s: decoding stats: %w", r.ID, err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
