package feed

import (
	"time"

	"feedagent/internal/models"
)

// Source is one configured feed.
type Source = models.FeedSource

type Options struct {
	// Lookback excludes entries published before now minus Lookback.
	Lookback time.Duration
	// MaxArticles caps the articles kept per feed, newest first.
	MaxArticles int
	// Timeout bounds the network call, body read included.
	Timeout time.Duration
	// Validators holds conditional-GET state from the previous fetch, keyed by feed URL.
	Validators map[string]Validators
}

// Validators are the cache validators a feed server handed out last time.
type Validators struct {
	ETag         string
	LastModified string
}

// FetchResult is the outcome of fetching one feed. Exactly one of Success or
// Err describes it; Warning may accompany a success.
type FetchResult struct {
	Source    Source
	FeedTitle string
	Articles  []models.Article

	Success bool
	Err     error
	Warning string

	StatusCode  int
	ContentType string
	Attempts    int
	NotModified bool
	EntryCount  int
	Validators  Validators
	Duration    time.Duration
}

// ErrorMessage returns the failure text, or "" for a success.
func (r FetchResult) ErrorMessage() string {
	if r.Err == nil {
		return ""
	}
	return r.Err.Error()
}
