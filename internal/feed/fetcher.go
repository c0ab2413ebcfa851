package feed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"

	"feedagent/internal/metrics"
	"feedagent/internal/models"
	"feedagent/internal/security/netutil"
	"feedagent/internal/worker"
)

const maxFeedBytes = 5 << 20

type headerProfile struct {
	name    string
	headers map[string]string
}

var (
	agentProfile = headerProfile{"feed-agent", map[string]string{
		"User-Agent": "FeedAgent/1.0",
		"Accept":     "application/rss+xml, application/atom+xml, application/xml, text/xml;q=0.9, */*;q=0.8",
	}}
	browserProfile = headerProfile{"browser", map[string]string{
		"User-Agent": "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
			"(KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		"Accept": "text/html,application/xhtml+xml,application/xml;q=0.9," +
			"application/rss+xml,application/atom+xml,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
	}}
)

// Some hosts answer simple bot user agents with a false 403 or 404.
func retryWithBrowser(status int) bool {
	return status == http.StatusForbidden || status == http.StatusNotFound
}

type Config struct {
	// AllowPrivate permits private and loopback destinations.
	AllowPrivate bool
	// Workers and JoinTimeout size the pool FetchAll runs on.
	Workers     int
	JoinTimeout time.Duration
}

type Fetcher struct {
	client *http.Client
	logger zerolog.Logger
	cfg    Config
	now    func() time.Time
}

func NewFetcher(cfg Config, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		client: netutil.NewHTTPClient(cfg.AllowPrivate),
		logger: logger.With().Str("component", "feed").Logger(),
		cfg:    cfg,
		now:    time.Now,
	}
}

// SetClock replaces the clock the lookback window is measured from.
func (f *Fetcher) SetClock(now func() time.Time) {
	f.now = now
}

// FetchAll fetches every source on the fetch pool. Results are in input order;
// a unit that panics or misses the join timeout yields a failed result.
func (f *Fetcher) FetchAll(ctx context.Context, sources []Source, opts Options) []FetchResult {
	f.logger.Info().Int("feeds", len(sources)).Msg("Starting feed fetch")
	results := worker.Run(ctx, sources,
		worker.Options{Workers: f.cfg.Workers, JoinTimeout: f.cfg.JoinTimeout},
		func(ctx context.Context, src Source) FetchResult {
			return f.Fetch(ctx, src, opts)
		},
		func(src Source, err error) FetchResult {
			return FetchResult{Source: src, FeedTitle: src.Name, Err: err}
		},
	)

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	f.logger.Info().
		Int("feeds", len(sources)).
		Int("succeeded", succeeded).
		Int("failed", len(sources)-succeeded).
		Msg("Feed fetch completed")
	return results
}

// Fetch downloads and parses one feed. It never returns an error or panics;
// every failure is described by the result.
func (f *Fetcher) Fetch(ctx context.Context, src Source, opts Options) (res FetchResult) {
	start := time.Now()
	res = FetchResult{Source: src, FeedTitle: src.Name}
	log := f.logger.With().Str("feed", src.Name).Logger()

	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Articles = nil
			res.Err = fmt.Errorf("panic while fetching feed: %v", r)
		}
		res.Duration = time.Since(start)

		outcome := "success"
		switch {
		case !res.Success:
			outcome = "failure"
			log.Warn().Err(res.Err).Int("attempts", res.Attempts).Msg("Feed fetch failed")
		case res.NotModified:
			outcome = "not_modified"
			log.Debug().Msg("Feed not modified since last fetch")
		case res.Warning != "":
			outcome = "warning"
			log.Warn().Str("warning", res.Warning).Int("articles", len(res.Articles)).Msg("Feed parsed with warnings")
		default:
			log.Info().Int("articles", len(res.Articles)).Msg("Feed fetched")
		}
		metrics.RecordFeedFetch(outcome, res.Duration)
	}()

	if err := validateURL(src.URL); err != nil {
		res.Err = err
		return res
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	resp, err := f.get(ctx, src.URL, opts.Validators[src.URL])
	res.Attempts = resp.attempts
	res.StatusCode = resp.status
	res.ContentType = resp.contentType
	res.Validators = resp.validators
	if err != nil {
		res.Err = err
		return res
	}
	if resp.status == http.StatusNotModified {
		res.Success = true
		res.NotModified = true
		return res
	}

	parsed, warning, err := parse(resp.body)
	if err != nil {
		res.Err = err
		return res
	}
	res.Warning = warning
	res.EntryCount = len(parsed.Items)
	if t := strings.TrimSpace(parsed.Title); t != "" {
		res.FeedTitle = t
	}
	res.Articles = f.collect(parsed, src, res.FeedTitle, opts)
	res.Success = true
	return res
}

func validateURL(raw string) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: must use HTTP or HTTPS", ErrInvalidURL)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return nil
}

type response struct {
	status      int
	contentType string
	attempts    int
	validators  Validators
	body        []byte
}

// get performs the conditional GET, retrying once with browser headers when
// the first profile is refused.
func (f *Fetcher) get(ctx context.Context, feedURL string, cond Validators) (response, error) {
	var (
		out     response
		summary []string
	)
	for _, profile := range []headerProfile{agentProfile, browserProfile} {
		out.attempts++
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
		if err != nil {
			return out, fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}
		for k, v := range profile.headers {
			req.Header.Set(k, v)
		}
		if cond.ETag != "" {
			req.Header.Set("If-None-Match", cond.ETag)
		}
		if cond.LastModified != "" {
			req.Header.Set("If-Modified-Since", cond.LastModified)
		}

		resp, err := f.client.Do(req)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return out, fmt.Errorf("%w: %v", ErrTimeout, err)
			}
			return out, fmt.Errorf("error fetching feed: %w", err)
		}

		out.status = resp.StatusCode
		out.contentType = resp.Header.Get("Content-Type")
		summary = append(summary, fmt.Sprintf("%d (%s)", resp.StatusCode, profile.name))

		if retryWithBrowser(resp.StatusCode) && profile.name == agentProfile.name {
			f.logger.Debug().Str("url", feedURL).Int("status", resp.StatusCode).
				Msg("Feed refused agent headers, retrying with browser headers")
			drain(resp)
			continue
		}

		if resp.StatusCode == http.StatusNotModified {
			out.validators = Validators{
				ETag:         firstNonEmpty(resp.Header.Get("ETag"), cond.ETag),
				LastModified: firstNonEmpty(resp.Header.Get("Last-Modified"), cond.LastModified),
			}
			drain(resp)
			return out, nil
		}
		if resp.StatusCode >= 400 {
			drain(resp)
			return out, httpError(resp, feedURL, summary)
		}

		out.validators = Validators{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		out.body, err = io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes))
		resp.Body.Close()
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return out, fmt.Errorf("%w: reading body: %v", ErrTimeout, err)
			}
			return out, fmt.Errorf("error reading feed body: %w", err)
		}
		return out, nil
	}
	// Unreachable: the browser profile never continues.
	return out, fmt.Errorf("feed request did not produce a response")
}

func httpError(resp *http.Response, feedURL string, attempts []string) error {
	parts := []string{fmt.Sprintf("HTTP %d for %s", resp.StatusCode, feedURL)}
	if len(attempts) > 0 {
		parts = append(parts, "attempts: "+strings.Join(attempts, ", "))
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		parts = append(parts, "content-type: "+ct)
	}
	return errors.New(strings.Join(parts, " | "))
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

// parse runs gofeed over body. When the strict parse fails, a second pass
// over a repaired copy is tried; entries found that way are kept and the
// original error becomes a warning.
func parse(body []byte) (*gofeed.Feed, string, error) {
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(body))
	if err == nil && parsed != nil {
		return parsed, "", nil
	}
	if err == nil {
		err = errors.New("empty document")
	}

	if repaired, rerr := gofeed.NewParser().Parse(bytes.NewReader(repairXML(body))); rerr == nil && repaired != nil && len(repaired.Items) > 0 {
		return repaired, fmt.Sprintf("malformed feed parsed leniently: %v", err), nil
	}
	if errors.Is(err, gofeed.ErrFeedTypeNotDetected) {
		return nil, "", fmt.Errorf("%w: %v", ErrNotAFeed, err)
	}
	return nil, "", fmt.Errorf("error parsing feed: %w", err)
}

var (
	bareAmpersand = regexp.MustCompile(`&([^#a-zA-Z]|#[^0-9xX]|[a-zA-Z][a-zA-Z0-9]*[^a-zA-Z0-9;]|$)`)
	// Characters outside the XML 1.0 Char production.
	invalidXMLChars = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F]`)
)

// repairXML fixes the two faults that most often break real feeds: stray
// control characters and unescaped ampersands.
func repairXML(body []byte) []byte {
	out := invalidXMLChars.ReplaceAll(body, nil)
	for i := 0; i < 3; i++ {
		next := bareAmpersand.ReplaceAll(out, []byte("&amp;$1"))
		if bytes.Equal(next, out) {
			break
		}
		out = next
	}
	return out
}

// collect turns feed items into pending articles inside the lookback window,
// newest first and capped at opts.MaxArticles.
func (f *Fetcher) collect(parsed *gofeed.Feed, src Source, feedTitle string, opts Options) []models.Article {
	var cutoff time.Time
	if opts.Lookback > 0 {
		cutoff = f.now().Add(-opts.Lookback)
	}
	category := src.Category
	if category == "" {
		category = models.DefaultCategory
	}

	articles := make([]models.Article, 0, len(parsed.Items))
	seen := make(map[string]bool, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		published, ok := entryDate(item)
		if !ok {
			f.logger.Debug().Str("feed", src.Name).Str("title", item.Title).Msg("Skipping entry without date")
			continue
		}
		if !cutoff.IsZero() && published.Before(cutoff) {
			continue
		}
		link := resolveLink(item, src.URL)
		if link == "" {
			continue
		}
		id := models.ArticleID(link)
		if seen[id] {
			continue
		}
		seen[id] = true

		title := strings.TrimSpace(item.Title)
		if title == "" {
			title = "Untitled"
		}
		articles = append(articles, models.Article{
			ID:        id,
			URL:       link,
			Title:     title,
			Author:    entryAuthor(item),
			FeedName:  feedTitle,
			FeedURL:   src.URL,
			Published: published.UTC(),
			Category:  category,
			Status:    models.StatusPending,
		})
	}

	sort.SliceStable(articles, func(i, j int) bool {
		return articles[i].Published.After(articles[j].Published)
	})
	if opts.MaxArticles > 0 && len(articles) > opts.MaxArticles {
		articles = articles[:opts.MaxArticles]
	}
	return articles
}

func resolveLink(item *gofeed.Item, feedURL string) string {
	link := strings.TrimSpace(item.Link)
	if link == "" && len(item.Links) > 0 {
		link = strings.TrimSpace(item.Links[0])
	}
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		return link
	}
	base, err := url.Parse(feedURL)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
}

// entryDate resolves the publish time from the parsed fields first, then
// from the raw strings.
func entryDate(item *gofeed.Item) (time.Time, bool) {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed, true
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed, true
	}
	for _, raw := range []string{item.Published, item.Updated} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func entryAuthor(item *gofeed.Item) string {
	if item.Author != nil && strings.TrimSpace(item.Author.Name) != "" {
		return strings.TrimSpace(item.Author.Name)
	}
	for _, a := range item.Authors {
		if a != nil && strings.TrimSpace(a.Name) != "" {
			return strings.TrimSpace(a.Name)
		}
	}
	return "Unknown"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
