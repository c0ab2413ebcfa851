// Package models holds the value types shared by every pipeline stage.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// ArticleStatus is the processing state of a stored article.
type ArticleStatus string

const (
	StatusPending    ArticleStatus = "pending"
	StatusProcessing ArticleStatus = "processing"
	StatusSummarized ArticleStatus = "summarized"
	StatusFailed     ArticleStatus = "failed"
	StatusSkipped    ArticleStatus = "skipped"
)

// Valid reports whether s is one of the known statuses.
func (s ArticleStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSummarized, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// Terminal reports whether no further summarization work happens in this state.
func (s ArticleStatus) Terminal() bool {
	return s == StatusSummarized || s == StatusFailed || s == StatusSkipped
}

const DefaultCategory = "Uncategorized"

type Article struct {
	ID        string        `json:"id"`
	URL       string        `json:"url"`
	Title     string        `json:"title"`
	Author    string        `json:"author"`
	FeedName  string        `json:"feed_name"`
	FeedURL   string        `json:"feed_url"`
	Published time.Time     `json:"published"`
	Content   string        `json:"content,omitempty"`
	WordCount int           `json:"word_count"`
	Category  string        `json:"category"`
	Status    ArticleStatus `json:"status"`

	Summary      string   `json:"summary,omitempty"`
	KeyTakeaways []string `json:"key_takeaways,omitempty"`
	ActionItems  []string `json:"action_items,omitempty"`
	Topics       []string `json:"topics,omitempty"`
	Sentiment    string   `json:"sentiment,omitempty"`
	Importance   int      `json:"importance,omitempty"`
}

// ApplySummary copies a generated summary onto the article and marks it summarized.
func (a *Article) ApplySummary(s Summary) {
	a.Summary = s.Summary
	a.KeyTakeaways = s.KeyTakeaways
	a.ActionItems = s.ActionItems
	a.Topics = s.Topics
	a.Sentiment = s.Sentiment
	a.Importance = s.Importance
	a.Status = StatusSummarized
}

// CanonicalURL normalises a link before it is hashed: scheme and host are
// lowercased, the fragment is dropped and utm_* tracking parameters removed.
// Unparseable input is returned trimmed but otherwise untouched.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		for key := range q {
			if strings.HasPrefix(strings.ToLower(key), "utm_") {
				q.Del(key)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// ArticleID derives the content-addressed identity of an article from its URL.
func ArticleID(rawURL string) string {
	sum := sha256.Sum256([]byte(CanonicalURL(rawURL)))
	return hex.EncodeToString(sum[:])[:16]
}
