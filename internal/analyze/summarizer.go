// Package analyze turns extracted articles into structured summaries and
// builds the daily digest from them.
package analyze

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"feedagent/internal/cache"
	"feedagent/internal/llm"
	"feedagent/internal/metrics"
	"feedagent/internal/models"
	"feedagent/internal/worker"
)

const (
	maxTakeaways      = 5
	maxActionItems    = 3
	maxTopics         = 5
	defaultImportance = 3
)

// Generator is the slice of llm.Generator the analyzers need.
type Generator interface {
	Generate(ctx context.Context, prompt, system string, schema llm.Schema) (*llm.Response, error)
	ModelID() string
}

// Store persists summarization outcomes.
type Store interface {
	UpdateSummary(ctx context.Context, id string, s models.Summary) error
	UpdateStatus(ctx context.Context, id string, status models.ArticleStatus) error
}

type Options struct {
	// NoCache bypasses the cache: it is neither read nor written.
	NoCache     bool
	Workers     int
	JoinTimeout time.Duration
}

type SummaryResult struct {
	Article      models.Article
	Cached       bool
	InputTokens  int
	OutputTokens int
	Err          error
}

type Summarizer struct {
	gen    Generator
	cache  cache.Cache
	store  Store
	opts   Options
	logger zerolog.Logger
}

// NewSummarizer wires a summarizer. c may be nil to run without a cache.
func NewSummarizer(gen Generator, c cache.Cache, store Store, opts Options, logger zerolog.Logger) *Summarizer {
	return &Summarizer{
		gen:    gen,
		cache:  c,
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "summarizer").Logger(),
	}
}

// Summarize produces the summary for one article, from the cache when
// possible. The stored article ends up summarized or failed.
func (s *Summarizer) Summarize(ctx context.Context, a models.Article) SummaryResult {
	modelID := s.gen.ModelID()
	log := s.logger.With().Str("article_id", a.ID).Logger()

	if s.cache != nil && !s.opts.NoCache {
		cached, hit, err := s.cache.Get(ctx, a.ID, modelID)
		switch {
		case err != nil:
			metrics.CacheLookups.WithLabelValues("error").Inc()
			log.Warn().Err(err).Msg("Cache lookup failed")
		case hit:
			metrics.CacheLookups.WithLabelValues("hit").Inc()
			if err := s.store.UpdateSummary(ctx, a.ID, cached); err != nil {
				return s.failed(ctx, a, fmt.Errorf("storing cached summary: %w", err))
			}
			a.ApplySummary(cached)
			metrics.ArticlesSummarized.WithLabelValues("cached").Inc()
			log.Debug().Msg("Summary served from cache")
			return SummaryResult{Article: a, Cached: true}
		default:
			metrics.CacheLookups.WithLabelValues("miss").Inc()
		}
	}

	resp, err := s.gen.Generate(ctx, articlePrompt(a), articleSystemPrompt, summarySchema)
	if err != nil {
		return s.failed(ctx, a, err)
	}
	result := SummaryResult{InputTokens: resp.InputTokens, OutputTokens: resp.OutputTokens}

	summary, err := parseSummary(resp.Text)
	if err != nil {
		result = s.failed(ctx, a, err)
		result.InputTokens, result.OutputTokens = resp.InputTokens, resp.OutputTokens
		return result
	}

	if s.cache != nil && !s.opts.NoCache {
		if err := s.cache.Put(ctx, a.ID, modelID, summary); err != nil {
			log.Warn().Err(err).Msg("Cache write failed")
		}
	}
	if err := s.store.UpdateSummary(ctx, a.ID, summary); err != nil {
		result = s.failed(ctx, a, fmt.Errorf("storing summary: %w", err))
		result.InputTokens, result.OutputTokens = resp.InputTokens, resp.OutputTokens
		return result
	}

	a.ApplySummary(summary)
	metrics.ArticlesSummarized.WithLabelValues("generated").Inc()
	log.Debug().Int("input_tokens", resp.InputTokens).Int("output_tokens", resp.OutputTokens).Msg("Article summarized")
	result.Article = a
	return result
}

func (s *Summarizer) failed(ctx context.Context, a models.Article, err error) SummaryResult {
	s.logger.Warn().Err(err).Str("article_id", a.ID).Str("url", a.URL).Msg("Summarization failed")
	metrics.ArticlesSummarized.WithLabelValues("failed").Inc()
	s.setStatus(ctx, a.ID, models.StatusFailed)
	a.Status = models.StatusFailed
	return SummaryResult{Article: a, Err: err}
}

// setStatus writes even when ctx is already cancelled.
func (s *Summarizer) setStatus(ctx context.Context, id string, status models.ArticleStatus) {
	if err := s.store.UpdateStatus(context.WithoutCancel(ctx), id, status); err != nil {
		s.logger.Error().Err(err).Str("article_id", id).Str("status", string(status)).Msg("Failed to update article status")
	}
}

// SummarizeBatch summarizes articles on the summarize pool. Results are in
// input order; units that panic or miss the join timeout are marked failed,
// and units never started because ctx ended go back to pending.
func (s *Summarizer) SummarizeBatch(ctx context.Context, articles []models.Article) []SummaryResult {
	articles = slices.Clone(articles)
	for i := range articles {
		s.setStatus(ctx, articles[i].ID, models.StatusProcessing)
		articles[i].Status = models.StatusProcessing
	}

	results := worker.Run(ctx, articles,
		worker.Options{Workers: s.opts.Workers, JoinTimeout: s.opts.JoinTimeout},
		s.Summarize,
		func(a models.Article, err error) SummaryResult {
			return SummaryResult{Article: a, Err: err}
		},
	)

	for i := range results {
		err := results[i].Err
		var panicErr *worker.PanicError
		switch {
		case errors.Is(err, worker.ErrNotSubmitted):
			s.setStatus(ctx, results[i].Article.ID, models.StatusPending)
			results[i].Article.Status = models.StatusPending
		case errors.Is(err, worker.ErrJoinTimeout), errors.As(err, &panicErr):
			s.logger.Error().Err(err).Str("article_id", results[i].Article.ID).Msg("Summarization unit did not finish")
			metrics.ArticlesSummarized.WithLabelValues("failed").Inc()
			s.setStatus(ctx, results[i].Article.ID, models.StatusFailed)
			results[i].Article.Status = models.StatusFailed
		}
	}
	return results
}

// rawSummary accepts the loose shapes models produce, e.g. importance as a
// string or a float.
type rawSummary struct {
	Summary      string          `json:"summary"`
	KeyTakeaways []string        `json:"key_takeaways"`
	ActionItems  []string        `json:"action_items"`
	Topics       []string        `json:"topics"`
	Sentiment    string          `json:"sentiment"`
	Importance   json.RawMessage `json:"importance"`
}

// parseSummary decodes a model reply and clamps it to the accepted ranges.
func parseSummary(text string) (models.Summary, error) {
	var raw rawSummary
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return models.Summary{}, fmt.Errorf("decoding summary: %w", err)
	}
	summary := strings.TrimSpace(raw.Summary)
	if summary == "" {
		return models.Summary{}, errors.New("decoding summary: summary is empty")
	}
	return models.Summary{
		Summary:      summary,
		KeyTakeaways: cleanList(raw.KeyTakeaways, maxTakeaways),
		ActionItems:  cleanList(raw.ActionItems, maxActionItems),
		Topics:       cleanList(raw.Topics, maxTopics),
		Sentiment:    normalizeSentiment(raw.Sentiment),
		Importance:   clampImportance(parseImportance(raw.Importance)),
	}, nil
}

func cleanList(items []string, limit int) []string {
	out := make([]string, 0, min(len(items), limit))
	for _, item := range items {
		if item = strings.TrimSpace(item); item == "" {
			continue
		}
		out = append(out, item)
		if len(out) == limit {
			break
		}
	}
	return out
}

func normalizeSentiment(s string) string {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case models.SentimentPositive, models.SentimentNegative, models.SentimentNeutral, models.SentimentMixed:
		return s
	}
	return models.SentimentNeutral
}

// parseImportance falls back to defaultImportance when the value is
// missing or unreadable.
func parseImportance(raw json.RawMessage) int {
	if len(raw) == 0 || string(raw) == "null" {
		return defaultImportance
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return int(math.Round(f))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return int(math.Round(f))
		}
	}
	return defaultImportance
}

func clampImportance(n int) int {
	return max(1, min(5, n))
}
