// internal/database/queries.go
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/goccy/go-json"

	"feedagent/internal/models"
)

// Error definitions
var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

const articleColumns = `id, url, title, author, feed_name, feed_url, published_at, content,
	word_count, category, status, summary, key_takeaways, action_items, topics, sentiment, importance`

// Exists reports whether an article with the given id is stored.
func (db *DB) Exists(ctx context.Context, id string) (bool, error) {
	var one int
	err := db.QueryRowContext(ctx, "SELECT 1 FROM articles WHERE id = ?", id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking article %s: %w", id, err)
	}
	return true, nil
}

// Save inserts a new article. It reports false without error when the id or
// url is already stored, including when a concurrent writer won the race.
func (db *DB) Save(ctx context.Context, a models.Article) (bool, error) {
	if a.ID == "" || a.URL == "" {
		return false, fmt.Errorf("saving article: %w: id and url are required", ErrInvalidInput)
	}
	if a.Status == "" {
		a.Status = models.StatusPending
	}
	if !a.Status.Valid() {
		return false, fmt.Errorf("saving article %s: %w: status %q", a.ID, ErrInvalidInput, a.Status)
	}
	if a.Category == "" {
		a.Category = models.DefaultCategory
	}

	takeaways, actions, topics, err := encodeLists(a.KeyTakeaways, a.ActionItems, a.Topics)
	if err != nil {
		return false, fmt.Errorf("saving article %s: %w", a.ID, err)
	}

	now := db.timestamp()
	result, err := db.ExecContext(ctx,
		`INSERT INTO articles (`+articleColumns+`, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`,
		a.ID, a.URL, a.Title, a.Author, a.FeedName, a.FeedURL, formatTime(a.Published), a.Content,
		a.WordCount, a.Category, string(a.Status), a.Summary, takeaways, actions, topics,
		a.Sentiment, a.Importance, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("saving article %s: %w", a.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Get returns one article by id.
func (db *DB) Get(ctx context.Context, id string) (models.Article, error) {
	row := db.QueryRowContext(ctx, "SELECT "+articleColumns+" FROM articles WHERE id = ?", id)
	a, err := scanArticle(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Article{}, ErrNotFound
	}
	return a, err
}

// GetPending returns up to limit pending articles, newest first. A limit of
// zero or less returns all of them.
func (db *DB) GetPending(ctx context.Context, limit int) ([]models.Article, error) {
	q := sq.Select(articleColumns).
		From("articles").
		Where(sq.Eq{"status": string(models.StatusPending)}).
		OrderBy("published_at DESC", "id ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return db.queryArticles(ctx, q)
}

// GetSince returns articles published at or after since, newest first. A nil
// status returns every status.
func (db *DB) GetSince(ctx context.Context, since time.Time, status *models.ArticleStatus) ([]models.Article, error) {
	q := sq.Select(articleColumns).
		From("articles").
		Where(sq.GtOrEq{"published_at": formatTime(since)}).
		OrderBy("published_at DESC", "id ASC")
	if status != nil {
		q = q.Where(sq.Eq{"status": string(*status)})
	}
	return db.queryArticles(ctx, q)
}

func (db *DB) queryArticles(ctx context.Context, q sq.SelectBuilder) ([]models.Article, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building article query: %w", err)
	}
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying articles: %w", err)
	}
	defer rows.Close()

	var articles []models.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, a)
	}
	return articles, rows.Err()
}

// UpdateSummary stores the generated summary and marks the article summarized.
func (db *DB) UpdateSummary(ctx context.Context, id string, s models.Summary) error {
	takeaways, actions, topics, err := encodeLists(s.KeyTakeaways, s.ActionItems, s.Topics)
	if err != nil {
		return fmt.Errorf("updating summary for %s: %w", id, err)
	}
	result, err := db.ExecContext(ctx,
		`UPDATE articles SET
		summary = ?,
		key_takeaways = ?,
		action_items = ?,
		topics = ?,
		sentiment = ?,
		importance = ?,
		status = ?,
		updated_at = ?
		WHERE id = ?`,
		s.Summary, takeaways, actions, topics, s.Sentiment, s.Importance,
		string(models.StatusSummarized), db.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("updating summary for %s: %w", id, err)
	}
	return expectOneRow(result)
}

// UpdateStatus moves an article to status.
func (db *DB) UpdateStatus(ctx context.Context, id string, status models.ArticleStatus) error {
	if !status.Valid() {
		return fmt.Errorf("updating status for %s: %w: %q", id, ErrInvalidInput, status)
	}
	result, err := db.ExecContext(ctx,
		"UPDATE articles SET status = ?, updated_at = ? WHERE id = ?",
		string(status), db.timestamp(), id,
	)
	if err != nil {
		return fmt.Errorf("updating status for %s: %w", id, err)
	}
	return expectOneRow(result)
}

// CountByStatus returns the number of stored articles per status. Statuses
// with no rows are present with a zero count.
func (db *DB) CountByStatus(ctx context.Context) (map[models.ArticleStatus]int, error) {
	counts := map[models.ArticleStatus]int{
		models.StatusPending:    0,
		models.StatusProcessing: 0,
		models.StatusSummarized: 0,
		models.StatusFailed:     0,
		models.StatusSkipped:    0,
	}
	rows, err := db.QueryContext(ctx, "SELECT status, COUNT(*) FROM articles GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("counting articles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[models.ArticleStatus(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(r rowScanner) (models.Article, error) {
	var (
		a                          models.Article
		published, status          string
		takeaways, actions, topics string
	)
	err := r.Scan(
		&a.ID, &a.URL, &a.Title, &a.Author, &a.FeedName, &a.FeedURL, &published, &a.Content,
		&a.WordCount, &a.Category, &status, &a.Summary, &takeaways, &actions, &topics,
		&a.Sentiment, &a.Importance,
	)
	if err != nil {
		return models.Article{}, err
	}
	if a.Published, err = parseTime(published); err != nil {
		return models.Article{}, fmt.Errorf("article %s: bad published_at %q: %w", a.ID, published, err)
	}
	a.Status = models.ArticleStatus(status)
	for _, f := range []struct {
		raw string
		dst *[]string
	}{
		{takeaways, &a.KeyTakeaways},
		{actions, &a.ActionItems},
		{topics, &a.Topics},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return models.Article{}, fmt.Errorf("article %s: decoding list: %w", a.ID, err)
		}
	}
	return a, nil
}

func encodeLists(lists ...[]string) (string, string, string, error) {
	out := make([]string, 3)
	for i, l := range lists {
		if l == nil {
			l = []string{}
		}
		b, err := json.Marshal(l)
		if err != nil {
			return "", "", "", err
		}
		out[i] = string(b)
	}
	return out[0], out[1], out[2], nil
}

func expectOneRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
