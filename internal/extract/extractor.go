// Package extract turns article pages into plain, normalised text.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"feedagent/internal/metrics"
	"feedagent/internal/models"
	"feedagent/internal/security/netutil"
	"feedagent/internal/worker"
)

const (
	maxPageBytes     = 5 << 20
	minContainerText = 50
)

var (
	primaryHeaders = map[string]string{
		"User-Agent": "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 " +
			"(KHTML, like Gecko) Chrome/122.0.0.0 Safari/537.36",
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
	}
	alternateHeaders = map[string]string{
		"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:123.0) Gecko/20100101 Firefox/123.0",
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.5",
	}
)

var removedTags = strings.Join([]string{
	"script", "style", "noscript", "nav", "header", "footer", "aside", "form", "iframe", "svg",
	"video", "audio", "picture", "figure", "canvas", "embed", "object", "button", "input",
	"select", "textarea",
}, ", ")

// Tried in order; publisher-specific containers first, then semantic ones.
var contentSelectors = []string{
	".available-content", // substack
	".post-content",
	".entry-content",
	".article-content",
	".post-body",
	".newsletter-body",
	".gh-content",              // ghost
	"section[data-field=body]", // medium
	".markup",
	"article",
	"main",
	"[role=main]",
	"body",
}

const blockSelector = "p, h1, h2, h3, h4, h5, h6, li, blockquote"

type Config struct {
	// Timeout bounds one page fetch, body read included.
	Timeout time.Duration
	// AllowPrivate permits private and loopback destinations.
	AllowPrivate bool
	Workers      int
	JoinTimeout  time.Duration
}

type Extractor struct {
	client *http.Client
	logger zerolog.Logger
	cfg    Config
}

func New(cfg Config, logger zerolog.Logger) *Extractor {
	return &Extractor{
		client: netutil.NewHTTPClient(cfg.AllowPrivate),
		logger: logger.With().Str("component", "extract").Logger(),
		cfg:    cfg,
	}
}

// ExtractResult is the outcome of one extraction. Err is set when the page
// could not be read or the unit did not run to completion; Article then
// carries empty content.
type ExtractResult struct {
	Article models.Article
	Err     error
}

// ExtractAll extracts every article on the extract pool, preserving order.
// Units that panic, miss the join timeout or are never started report the
// pool's error.
func (e *Extractor) ExtractAll(ctx context.Context, articles []models.Article) []ExtractResult {
	return worker.Run(ctx, articles,
		worker.Options{Workers: e.cfg.Workers, JoinTimeout: e.cfg.JoinTimeout},
		func(ctx context.Context, a models.Article) ExtractResult {
			a, err := e.extract(ctx, a)
			return ExtractResult{Article: a, Err: err}
		},
		func(a models.Article, err error) ExtractResult {
			e.logger.Warn().Err(err).Str("url", a.URL).Msg("Extraction did not complete")
			metrics.ExtractFailures.Inc()
			a.Content = ""
			a.WordCount = 0
			return ExtractResult{Article: a, Err: err}
		},
	)
}

// Extract fetches the article page and fills Content and WordCount. Failures
// are logged and yield the article with empty content; no error is returned.
func (e *Extractor) Extract(ctx context.Context, a models.Article) models.Article {
	a, _ = e.extract(ctx, a)
	return a
}

func (e *Extractor) extract(ctx context.Context, a models.Article) (models.Article, error) {
	a.Content = ""
	a.WordCount = 0

	content, err := e.fetchContent(ctx, a.URL)
	if err != nil {
		e.logger.Warn().Err(err).Str("url", a.URL).Msg("Content extraction failed")
		metrics.ExtractFailures.Inc()
		return a, err
	}
	a.Content = content
	a.WordCount = WordCount(content)
	e.logger.Debug().Str("url", a.URL).Int("words", a.WordCount).Msg("Content extracted")
	return a, nil
}

func (e *Extractor) fetchContent(ctx context.Context, pageURL string) (string, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	var lastErr error
	for i, headers := range []map[string]string{primaryHeaders, alternateHeaders} {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
		if err != nil {
			return "", fmt.Errorf("build request: %w", err)
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, err := e.client.Do(req)
		if err != nil {
			return "", fmt.Errorf("request page: %w", err)
		}
		if (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound) && i == 0 {
			resp.Body.Close()
			lastErr = fmt.Errorf("page returned %s", resp.Status)
			continue
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			return "", fmt.Errorf("page returned %s", resp.Status)
		}

		content, err := ExtractHTML(io.LimitReader(resp.Body, maxPageBytes), resp.Header.Get("Content-Type"))
		resp.Body.Close()
		return content, err
	}
	return "", lastErr
}

// ExtractHTML decodes an HTML document to UTF-8 and returns its main text as
// blocks separated by blank lines.
func ExtractHTML(r io.Reader, contentType string) (string, error) {
	utf8Reader, err := charset.NewReader(r, contentType)
	if err != nil {
		return "", fmt.Errorf("decode charset: %w", err)
	}
	doc, err := goquery.NewDocumentFromReader(utf8Reader)
	if err != nil {
		return "", fmt.Errorf("parse document: %w", err)
	}

	doc.Find(removedTags).Remove()

	container := findContainer(doc)
	if container == nil {
		return "", errors.New("no content container found")
	}

	blocks := walkBlocks(container)
	text := strings.Join(blocks, "\n\n")
	if len(blocks) == 0 {
		text = collapse(container.Text())
	}
	text = Normalize(text)
	if text == "" {
		return "", errors.New("page has no readable text")
	}
	return text, nil
}

func findContainer(doc *goquery.Document) *goquery.Selection {
	for _, sel := range contentSelectors {
		var found *goquery.Selection
		doc.Find(sel).EachWithBreak(func(_ int, s *goquery.Selection) bool {
			if len(strings.TrimSpace(s.Text())) >= minContainerText {
				found = s
				return false
			}
			return true
		})
		if found != nil {
			return found
		}
	}
	return nil
}

// walkBlocks emits one line per text block in document order. A block nested
// inside one already emitted (a p inside an li, say) is skipped.
func walkBlocks(container *goquery.Selection) []string {
	var blocks []string
	emitted := make(map[*html.Node]bool)

	container.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		node := s.Get(0)
		for p := node.Parent; p != nil; p = p.Parent {
			if emitted[p] {
				return
			}
		}
		text := collapse(s.Text())
		if text == "" {
			return
		}
		emitted[node] = true

		switch tag := goquery.NodeName(s); tag {
		case "h1", "h2", "h3", "h4", "h5", "h6":
			blocks = append(blocks, "## "+text)
		case "blockquote":
			blocks = append(blocks, "> "+text)
		case "li":
			blocks = append(blocks, "• "+text)
		default:
			blocks = append(blocks, text)
		}
	})
	return blocks
}
