package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedagent/internal/models"
	"feedagent/internal/security/netutil"
)

var (
	ErrInvalidURL = errors.New("invalid feed URL")
	ErrTimeout    = errors.New("feed fetch timeout")
	ErrNotAFeed   = errors.New("URL does not point to a valid feed")
)

// ProbeResult describes a single diagnostic fetch, as shown by the test command.
type ProbeResult struct {
	URL         string        `json:"url"`
	OK          bool          `json:"ok"`
	Error       string        `json:"error,omitempty"`
	Warning     string        `json:"warning,omitempty"`
	StatusCode  int           `json:"statusCode,omitempty"`
	ContentType string        `json:"contentType,omitempty"`
	Attempts    int           `json:"attempts"`
	FeedTitle   string        `json:"title,omitempty"`
	EntryCount  int           `json:"itemCount"`
	RecentCount int           `json:"recentCount"`
	Duration    time.Duration `json:"durationNs"`
	// Sample of the most recent item inside the lookback window
	SampleItemTitle     string `json:"sampleItemTitle,omitempty"`
	SampleItemURL       string `json:"sampleItemURL,omitempty"`
	SampleItemPublished string `json:"sampleItemPublished,omitempty"`
}

// Probe fetches feedURL once, without conditional headers or a cap, and
// reports what the pipeline would see.
func (f *Fetcher) Probe(ctx context.Context, feedURL string, opts Options) ProbeResult {
	if !f.cfg.AllowPrivate {
		if err := netutil.CheckURL(ctx, feedURL); err != nil {
			return ProbeResult{URL: feedURL, Error: fmt.Errorf("%w: %v", ErrInvalidURL, err).Error()}
		}
	}
	opts.MaxArticles = 0
	opts.Validators = nil
	res := f.Fetch(ctx, models.FeedSource{Name: feedURL, URL: feedURL}, opts)

	out := ProbeResult{
		URL:         feedURL,
		OK:          res.Success,
		Error:       res.ErrorMessage(),
		Warning:     res.Warning,
		StatusCode:  res.StatusCode,
		ContentType: res.ContentType,
		Attempts:    res.Attempts,
		EntryCount:  res.EntryCount,
		RecentCount: len(res.Articles),
		Duration:    res.Duration,
	}
	if res.Success {
		out.FeedTitle = res.FeedTitle
	}
	if len(res.Articles) > 0 {
		a := res.Articles[0]
		out.SampleItemTitle = a.Title
		out.SampleItemURL = a.URL
		out.SampleItemPublished = a.Published.Format(time.RFC1123Z)
	}
	return out
}
