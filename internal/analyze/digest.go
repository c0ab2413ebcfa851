package analyze

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
	"github.com/rs/zerolog"

	"feedagent/internal/llm"
	"feedagent/internal/models"
)

const (
	maxCategoryTakeaways = 5
	maxThemes            = 5
	borrowedTakeaways    = 3 // by single-article categories and the fallback
)

type SynthesizerOptions struct {
	MustReadThreshold int
	MustReadLimit     int
}

// Synthesizer builds the DailyDigest from summarized articles. Category and
// overall synthesis degrade to deterministic text when the generator fails;
// a digest is always produced.
type Synthesizer struct {
	gen    Generator
	opts   SynthesizerOptions
	logger zerolog.Logger
	now    func() time.Time
}

func NewSynthesizer(gen Generator, opts SynthesizerOptions, logger zerolog.Logger) *Synthesizer {
	if opts.MustReadThreshold <= 0 {
		opts.MustReadThreshold = 4
	}
	if opts.MustReadLimit < 0 {
		opts.MustReadLimit = 0
	}
	return &Synthesizer{
		gen:    gen,
		opts:   opts,
		logger: logger.With().Str("component", "digest").Logger(),
		now:    time.Now,
	}
}

// SetClock replaces the clock used for the digest date.
func (s *Synthesizer) SetClock(now func() time.Time) {
	s.now = now
}

// Build groups articles by category and synthesizes each category and the
// whole day. It returns the tokens spent on synthesis.
func (s *Synthesizer) Build(ctx context.Context, articles []models.Article) (models.DailyDigest, Usage) {
	start := time.Now()
	var usage Usage

	byCategory := make(map[string][]models.Article)
	feeds := make(map[string]struct{})
	for _, a := range articles {
		name := strings.TrimSpace(a.Category)
		if name == "" {
			name = models.DefaultCategory
		}
		byCategory[name] = append(byCategory[name], a)
		feeds[a.FeedURL] = struct{}{}
	}
	names := make([]string, 0, len(byCategory))
	for name := range byCategory {
		names = append(names, name)
	}
	slices.Sort(names)

	digest := models.DailyDigest{
		ID:            uuid.NewString(),
		Date:          s.now(),
		Categories:    make([]models.CategoryDigest, 0, len(names)),
		OverallThemes: []string{},
		TotalArticles: len(articles),
		TotalFeeds:    len(feeds),
	}

	for _, name := range names {
		group := byCategory[name]
		slices.SortFunc(group, byRecency)
		s.logger.Info().Str("category", name).Int("articles", len(group)).Msg("Synthesizing category")

		cd := s.buildCategory(ctx, name, group, &usage)
		if cd.Degraded {
			digest.Degraded = true
			digest.DegradedNotes = append(digest.DegradedNotes, fmt.Sprintf("category %s: %s", name, cd.DegradedReason))
		}
		digest.Categories = append(digest.Categories, cd)
	}

	if len(digest.Categories) > 0 {
		themes, headline, err := s.synthesizeOverall(ctx, digest.Categories, &usage)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Overall synthesis failed")
			digest.Degraded = true
			digest.DegradedNotes = append(digest.DegradedNotes, "overall synthesis: "+err.Error())
		} else {
			digest.OverallThemes = themes
			digest.Headline = headline
		}
	}

	digest.MustRead = mustRead(articles, s.opts.MustReadThreshold, s.opts.MustReadLimit)
	digest.ProcessingTime = time.Since(start)

	s.logger.Info().
		Int("articles", digest.TotalArticles).
		Int("categories", len(digest.Categories)).
		Bool("degraded", digest.Degraded).
		Msg("Digest built")
	return digest, usage
}

func (s *Synthesizer) buildCategory(ctx context.Context, name string, articles []models.Article, usage *Usage) models.CategoryDigest {
	cd := models.CategoryDigest{
		Name:         name,
		Slug:         slug.Make(name),
		ArticleCount: len(articles),
		Articles:     articles,
	}

	if len(articles) == 1 {
		a := articles[0]
		cd.Synthesis = a.Summary
		if cd.Synthesis == "" {
			cd.Synthesis = fmt.Sprintf("One article from %s.", a.FeedName)
		}
		cd.TopTakeaways = head(a.KeyTakeaways, borrowedTakeaways)
		return cd
	}

	var parsed struct {
		Synthesis    string   `json:"synthesis"`
		TopTakeaways []string `json:"top_takeaways"`
	}
	err := s.generateJSON(ctx, categoryPrompt(name, articles), digestSystemPrompt, categorySchema, usage, &parsed)
	if err == nil && strings.TrimSpace(parsed.Synthesis) == "" {
		err = errors.New("empty synthesis")
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("category", name).Msg("Category synthesis failed, using fallback")
		cd.Synthesis, cd.TopTakeaways = fallbackSynthesis(name, articles)
		cd.Degraded = true
		cd.DegradedReason = err.Error()
		return cd
	}

	cd.Synthesis = strings.TrimSpace(parsed.Synthesis)
	cd.TopTakeaways = cleanList(parsed.TopTakeaways, maxCategoryTakeaways)
	return cd
}

func (s *Synthesizer) synthesizeOverall(ctx context.Context, categories []models.CategoryDigest, usage *Usage) ([]string, string, error) {
	var parsed struct {
		OverallThemes []string `json:"overall_themes"`
		Headline      string   `json:"headline"`
	}
	if err := s.generateJSON(ctx, overallPrompt(categories), overallSystemPrompt, overallSchema, usage, &parsed); err != nil {
		return nil, "", err
	}
	return cleanList(parsed.OverallThemes, maxThemes), strings.TrimSpace(parsed.Headline), nil
}

func (s *Synthesizer) generateJSON(ctx context.Context, prompt, system string, schema llm.Schema, usage *Usage, out any) error {
	resp, err := s.gen.Generate(ctx, prompt, system, schema)
	if err != nil {
		return err
	}
	usage.Add(resp.InputTokens, resp.OutputTokens)
	if err := json.Unmarshal([]byte(resp.Text), out); err != nil {
		return fmt.Errorf("decoding synthesis: %w", err)
	}
	return nil
}

// fallbackSynthesis lists the category's titles and borrows the first
// takeaway of the leading articles.
func fallbackSynthesis(name string, articles []models.Article) (string, []string) {
	titles := make([]string, len(articles))
	for i, a := range articles {
		titles[i] = a.Title
	}
	synthesis := fmt.Sprintf("Today's %s coverage includes %d articles: %s", name, len(articles), strings.Join(titles, "; "))

	takeaways := []string{}
	for _, a := range head(articles, borrowedTakeaways) {
		if len(a.KeyTakeaways) > 0 {
			takeaways = append(takeaways, a.KeyTakeaways[0])
		}
	}
	return synthesis, takeaways
}

// mustRead ranks articles at or above threshold by importance, then recency,
// then id, and returns up to limit ids.
func mustRead(articles []models.Article, threshold, limit int) []string {
	var candidates []models.Article
	for _, a := range articles {
		if a.Importance >= threshold {
			candidates = append(candidates, a)
		}
	}
	slices.SortFunc(candidates, func(a, b models.Article) int {
		if c := cmp.Compare(b.Importance, a.Importance); c != 0 {
			return c
		}
		return byRecency(a, b)
	})

	ids := make([]string, 0, min(len(candidates), limit))
	for _, a := range head(candidates, limit) {
		ids = append(ids, a.ID)
	}
	return ids
}

// byRecency orders newest first, ties broken by id.
func byRecency(a, b models.Article) int {
	if c := b.Published.Compare(a.Published); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// head returns a copy of the first n items.
func head[T any](items []T, n int) []T {
	if len(items) > n {
		items = items[:n]
	}
	return slices.Clone(items)
}
