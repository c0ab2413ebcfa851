// Package pipeline runs the ingest and analyze phases and decides whether the
// resulting digest is delivered.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"feedagent/internal/analyze"
	"feedagent/internal/cache"
	"feedagent/internal/config"
	"feedagent/internal/database"
	"feedagent/internal/extract"
	"feedagent/internal/feed"
	"feedagent/internal/llm"
	"feedagent/internal/logging"
	"feedagent/internal/metrics"
	"feedagent/internal/models"
	"feedagent/internal/worker"
)

// ErrNothingToDeliver is returned by Deliver for runs that produced no
// deliverable digest.
var ErrNothingToDeliver = errors.New("nothing to deliver")

// Generator is what the orchestrator needs from llm.Generator.
type Generator interface {
	analyze.Generator
	Provider() string
}

// Deliverer hands a finished digest to an external destination and returns
// a reference to where it went.
type Deliverer interface {
	Deliver(ctx context.Context, digest models.DailyDigest, stats models.DigestStats) (string, error)
}

type RunOptions struct {
	// NoCache bypasses the summary cache for this run.
	NoCache bool
}

type RunResult struct {
	RunID    string              `json:"run_id"`
	Digest   *models.DailyDigest `json:"digest,omitempty"`
	Stats    models.DigestStats  `json:"stats"`
	Warnings []string            `json:"warnings"`
	Errors   []string            `json:"errors"`
	Success  bool                `json:"success"`
	Deliver  bool                `json:"deliver"`
}

func (r *RunResult) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

func (r *RunResult) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

type Orchestrator struct {
	cfg       *config.Config
	sources   []models.FeedSource
	db        *database.DB
	cache     cache.Cache
	gen       Generator
	fetcher   *feed.Fetcher
	extractor *extract.Extractor
	filters   *feed.FilterEngine
	base      zerolog.Logger
	logger    zerolog.Logger
	now       func() time.Time
}

// New wires an orchestrator. c may be nil to run without a summary cache.
// It fails when the configured filters do not compile.
func New(cfg *config.Config, sources []models.FeedSource, db *database.DB, c cache.Cache, gen Generator, logger zerolog.Logger) (*Orchestrator, error) {
	filters, err := feed.NewFilterEngine(filterGroups(cfg.Filters))
	if err != nil {
		return nil, fmt.Errorf("building filters: %w", err)
	}
	return &Orchestrator{
		cfg:     cfg,
		sources: sources,
		db:      db,
		cache:   c,
		gen:     gen,
		fetcher: feed.NewFetcher(feed.Config{
			AllowPrivate: cfg.AllowPrivate,
			Workers:      cfg.Workers.Fetch,
			JoinTimeout:  cfg.JoinTimeout.Fetch,
		}, logger),
		extractor: extract.New(extract.Config{
			Timeout:      cfg.ExtractTimeout,
			AllowPrivate: cfg.AllowPrivate,
			Workers:      cfg.Workers.Extract,
			JoinTimeout:  cfg.JoinTimeout.Extract,
		}, logger),
		filters: filters,
		base:    logger,
		logger:  logging.Component(logger, "pipeline"),
		now:     time.Now,
	}, nil
}

func filterGroups(groups []config.FilterGroupConfig) []feed.FilterGroup {
	out := make([]feed.FilterGroup, 0, len(groups))
	for _, g := range groups {
		fg := feed.FilterGroup{Name: g.Name, Action: g.Action, Category: g.Category}
		for _, r := range g.Rules {
			fg.Rules = append(fg.Rules, feed.FilterRule{
				Operator:      r.Operator,
				Target:        r.Target,
				PatternType:   r.PatternType,
				Pattern:       r.Pattern,
				CaseSensitive: r.CaseSensitive,
			})
		}
		out = append(out, fg)
	}
	return out
}

// Run executes Ingest then Analyze. Analyze runs even when some feeds failed;
// it is skipped only when ingest hit a fatal error or ctx ended.
func (o *Orchestrator) Run(ctx context.Context, opts RunOptions) RunResult {
	res, start := o.begin()
	o.logger.Info().Str("run_id", res.RunID).Int("feeds", len(o.sources)).Msg("Starting pipeline run")

	o.phase("ingest", &res, func() { o.ingest(ctx, &res) })
	switch {
	case len(res.Errors) > 0:
		o.logger.Error().Strs("errors", res.Errors).Msg("Ingest failed, skipping analysis")
	case ctx.Err() != nil:
		res.warn("run interrupted after ingest: %v", ctx.Err())
	default:
		o.phase("analyze", &res, func() { o.analyze(ctx, opts, start, &res) })
	}
	return o.finish(res, start)
}

// Ingest fetches feeds and stores new articles without analyzing them.
func (o *Orchestrator) Ingest(ctx context.Context) RunResult {
	res, start := o.begin()
	o.phase("ingest", &res, func() { o.ingest(ctx, &res) })
	return o.finish(res, start)
}

// Analyze summarizes pending articles and builds the digest.
func (o *Orchestrator) Analyze(ctx context.Context, opts RunOptions) RunResult {
	res, start := o.begin()
	o.phase("analyze", &res, func() { o.analyze(ctx, opts, start, &res) })
	return o.finish(res, start)
}

func (o *Orchestrator) begin() (RunResult, time.Time) {
	return RunResult{RunID: uuid.NewString(), Warnings: []string{}, Errors: []string{}}, o.now()
}

// phase runs fn and turns a panic into a fatal error for the run.
func (o *Orchestrator) phase(name string, res *RunResult, fn func()) {
	start := time.Now()
	defer metrics.ObservePhase(name, start)
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error().
				Str("phase", name).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Phase panicked")
			res.fail("%s: panic: %v", name, r)
			res.Deliver = false
		}
	}()
	fn()
}

func (o *Orchestrator) finish(res RunResult, start time.Time) RunResult {
	finished := o.now()
	res.Stats.Duration = finished.Sub(start)
	res.Success = len(res.Errors) == 0
	if !res.Success {
		res.Deliver = false
	}
	metrics.RecordRun(res.Success, res.Stats.EstimatedCostUSD, finished)

	o.logger.Info().
		Str("run_id", res.RunID).
		Bool("success", res.Success).
		Bool("deliver", res.Deliver).
		Int("warnings", len(res.Warnings)).
		Int("errors", len(res.Errors)).
		Dur("duration", res.Stats.Duration).
		Msg("Pipeline run finished")
	return res
}

func (o *Orchestrator) ingest(ctx context.Context, res *RunResult) {
	if len(o.sources) == 0 {
		res.warn("no feeds configured")
		return
	}

	health, err := o.db.ListFeedHealth(ctx)
	if err != nil {
		res.fail("ingest: article store unavailable: %v", err)
		return
	}
	validators := make(map[string]feed.Validators, len(health))
	for _, h := range health {
		validators[h.FeedURL] = feed.Validators{ETag: h.ETag, LastModified: h.LastModified}
	}

	results := o.fetcher.FetchAll(ctx, o.sources, feed.Options{
		Lookback:    o.cfg.Lookback,
		MaxArticles: o.cfg.MaxArticlesPerFeed,
		Timeout:     o.cfg.FetchTimeout,
		Validators:  validators,
	})
	if ctx.Err() != nil {
		res.warn("ingest interrupted: %v", ctx.Err())
		return
	}

	var (
		candidates   []models.Article
		seen         = make(map[string]bool)
		healthErrors int
		// Feeds with an article that was not stored this run. Their
		// validators stay as they were so the next fetch lists it again.
		unsettled = make(map[string]bool)
	)
	res.Stats.FeedsChecked = len(results)
	for _, r := range results {
		update := database.FeedHealthUpdate{
			FeedURL:  r.Source.URL,
			FeedName: r.Source.Name,
			Success:  r.Success,
			Error:    r.ErrorMessage(),
		}
		if err := o.db.RecordFeedHealth(context.WithoutCancel(ctx), update); err != nil {
			healthErrors++
			o.logger.Error().Err(err).Str("feed", r.Source.Name).Msg("Failed to record feed health")
		}

		if !r.Success {
			res.Stats.FeedsFailed++
			res.warn("feed %s: %s", r.Source.Name, r.ErrorMessage())
			continue
		}
		res.Stats.FeedsSucceeded++
		if r.Warning != "" {
			res.warn("feed %s: %s", r.Source.Name, r.Warning)
		}
		for _, a := range r.Articles {
			if seen[a.ID] {
				continue
			}
			seen[a.ID] = true
			candidates = append(candidates, a)
		}
	}
	if healthErrors == len(results) {
		res.fail("ingest: article store unavailable: %d feed health writes failed", healthErrors)
		return
	}
	res.Stats.ArticlesFound = len(candidates)

	fresh, ok := o.dropKnown(ctx, candidates, unsettled, res)
	if !ok {
		return
	}
	if len(fresh) == 0 {
		o.logger.Info().Int("candidates", len(candidates)).Msg("No new articles")
	} else {
		o.store(ctx, o.extractor.ExtractAll(ctx, fresh), unsettled, res)
	}
	if ctx.Err() != nil {
		res.warn("ingest interrupted: %v", ctx.Err())
	}
	o.saveValidators(ctx, results, unsettled)
}

// saveValidators records the conditional-GET validators of each feed that
// answered with content and whose articles were all stored.
func (o *Orchestrator) saveValidators(ctx context.Context, results []feed.FetchResult, unsettled map[string]bool) {
	for _, r := range results {
		if !r.Success || r.NotModified || unsettled[r.Source.URL] {
			continue
		}
		err := o.db.SetFeedValidators(context.WithoutCancel(ctx), r.Source.URL, r.Validators.ETag, r.Validators.LastModified)
		if err != nil {
			o.logger.Warn().Err(err).Str("feed", r.Source.Name).Msg("Failed to store feed validators")
		}
	}
}

// dropKnown filters out stored articles. It reports false when the store
// failed for every candidate.
func (o *Orchestrator) dropKnown(ctx context.Context, candidates []models.Article, unsettled map[string]bool, res *RunResult) ([]models.Article, bool) {
	var (
		fresh  []models.Article
		failed int
	)
	for _, a := range candidates {
		exists, err := o.db.Exists(ctx, a.ID)
		if err != nil {
			failed++
			unsettled[a.FeedURL] = true
			metrics.ArticlesIngested.WithLabelValues("error").Inc()
			res.warn("article %s: %v", a.URL, err)
			continue
		}
		if exists {
			metrics.ArticlesIngested.WithLabelValues("duplicate").Inc()
			continue
		}
		fresh = append(fresh, a)
	}
	if failed > 0 && failed == len(candidates) {
		res.fail("ingest: article store unavailable: %d lookups failed", failed)
		return nil, false
	}
	return fresh, true
}

// store saves extracted articles. Short and filtered ones are saved as
// skipped so later runs do not fetch them again. Articles whose extraction
// was cut short by an interrupt or the join timeout are not saved at all;
// the next run picks them up.
func (o *Orchestrator) store(ctx context.Context, results []extract.ExtractResult, unsettled map[string]bool, res *RunResult) {
	failed, deferred := 0, 0
	for _, r := range results {
		a := r.Article
		if unfinished(ctx, r.Err) {
			deferred++
			unsettled[a.FeedURL] = true
			metrics.ArticlesIngested.WithLabelValues("deferred").Inc()
			continue
		}

		outcome := "new"
		switch {
		case o.filters.Evaluate(a) == feed.FilterDiscard:
			a.Status = models.StatusSkipped
			outcome = "filtered"
		case a.WordCount < o.cfg.MinWordCount:
			a.Status = models.StatusSkipped
			outcome = "skipped"
		default:
			a.Status = models.StatusPending
		}

		inserted, err := o.db.Save(context.WithoutCancel(ctx), a)
		switch {
		case err != nil:
			failed++
			unsettled[a.FeedURL] = true
			outcome = "error"
			res.warn("article %s: %v", a.URL, err)
		case !inserted:
			outcome = "duplicate"
		case outcome == "filtered":
			res.Stats.ArticlesFiltered++
			o.logger.Debug().Str("url", a.URL).Msg("Article filtered out")
		case a.Status == models.StatusSkipped:
			res.Stats.ArticlesSkipped++
			o.logger.Debug().Str("url", a.URL).Int("words", a.WordCount).Msg("Article too short, skipped")
		default:
			res.Stats.ArticlesNew++
		}
		metrics.ArticlesIngested.WithLabelValues(outcome).Inc()
	}
	if failed > 0 && failed == len(results)-deferred {
		res.fail("ingest: article store unavailable: %d saves failed", failed)
	}
	if deferred > 0 {
		res.warn("%d articles not extracted, left for the next run", deferred)
	}
	o.logger.Info().
		Int("new", res.Stats.ArticlesNew).
		Int("skipped", res.Stats.ArticlesSkipped).
		Int("filtered", res.Stats.ArticlesFiltered).
		Int("failed", failed).
		Int("deferred", deferred).
		Msg("Articles stored")
}

// unfinished reports whether an extraction ended without a verdict on the
// page: never started, timed out in the pool, or failed after ctx ended.
func unfinished(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	return ctx.Err() != nil || errors.Is(err, worker.ErrNotSubmitted) || errors.Is(err, worker.ErrJoinTimeout)
}

func (o *Orchestrator) analyze(ctx context.Context, opts RunOptions, started time.Time, res *RunResult) {
	pending := models.StatusPending
	articles, err := o.db.GetSince(ctx, o.now().Add(-o.cfg.Lookback), &pending)
	if err != nil {
		res.fail("analyze: article store unavailable: %v", err)
		return
	}
	if len(articles) > o.cfg.MaxArticlesPerRun {
		res.warn("%d pending articles, analyzing the newest %d", len(articles), o.cfg.MaxArticlesPerRun)
		articles = articles[:o.cfg.MaxArticlesPerRun]
	}

	var usage analyze.Usage
	var summarized []models.Article
	if len(articles) > 0 {
		summarizer := analyze.NewSummarizer(o.gen, o.cache, o.db, analyze.Options{
			NoCache:     opts.NoCache,
			Workers:     o.cfg.Workers.Summarize,
			JoinTimeout: o.cfg.JoinTimeout.Summarize,
		}, o.base)
		summarized = o.collectSummaries(summarizer.SummarizeBatch(ctx, articles), &usage, res)
	}
	res.Stats.ArticlesSummarized = len(summarized)

	if len(summarized) == 0 {
		o.logger.Info().Int("pending", len(articles)).Msg("Nothing summarized, no digest built")
	} else {
		synth := analyze.NewSynthesizer(o.gen, analyze.SynthesizerOptions{
			MustReadThreshold: o.cfg.Digest.MustReadThreshold,
			MustReadLimit:     o.cfg.Digest.MustReadLimit,
		}, o.base)
		digest, synthUsage := synth.Build(ctx, summarized)
		usage.Add(synthUsage.InputTokens, synthUsage.OutputTokens)
		if digest.Degraded {
			res.warn("digest degraded: %d synthesis steps fell back", len(digest.DegradedNotes))
		}
		res.Digest = &digest
		res.Deliver = len(res.Errors) == 0
	}

	res.Stats.InputTokens = usage.InputTokens
	res.Stats.OutputTokens = usage.OutputTokens
	res.Stats.EstimatedCostUSD = analyze.EstimateCost(o.gen.Provider(), usage)
	res.Stats.Duration = o.now().Sub(started)
	metrics.RecordLLMTokens(o.gen.Provider(), usage.InputTokens, usage.OutputTokens)

	o.recordRun(ctx, started, len(articles), res)
}

// collectSummaries turns per-article results into counts and warnings. Auth
// failures and an open breaker mean no later call can succeed, so they are
// fatal for the run.
func (o *Orchestrator) collectSummaries(results []analyze.SummaryResult, usage *analyze.Usage, res *RunResult) []models.Article {
	var (
		summarized  []models.Article
		notStarted  int
		fatalByKind = make(map[llm.Kind]error)
	)
	for _, r := range results {
		usage.Add(r.InputTokens, r.OutputTokens)
		switch {
		case r.Err == nil:
			summarized = append(summarized, r.Article)
			if r.Cached {
				res.Stats.CacheHits++
			}
		case errors.Is(r.Err, worker.ErrNotSubmitted):
			notStarted++
		default:
			res.Stats.ArticlesFailed++
			res.warn("article %s: %v", r.Article.URL, r.Err)
			if kind := llm.KindOf(r.Err); kind == llm.KindAuth || kind == llm.KindUnavailable {
				if _, ok := fatalByKind[kind]; !ok {
					fatalByKind[kind] = r.Err
				}
			}
		}
	}
	for _, kind := range []llm.Kind{llm.KindAuth, llm.KindUnavailable} {
		if err, ok := fatalByKind[kind]; ok {
			res.fail("analyze: %v", err)
		}
	}
	if notStarted > 0 {
		res.warn("analysis interrupted: %d articles left pending", notStarted)
	}
	return summarized
}

func (o *Orchestrator) recordRun(ctx context.Context, started time.Time, total int, res *RunResult) {
	run := database.DigestRun{
		ID:             res.RunID,
		StartedAt:      started,
		FinishedAt:     o.now(),
		TotalArticles:  total,
		Summarized:     res.Stats.ArticlesSummarized,
		Failed:         res.Stats.ArticlesFailed,
		Stats:          res.Stats,
		DeliveryStatus: database.DeliveryPending,
	}
	if res.Digest != nil {
		run.DigestID = res.Digest.ID
		run.Degraded = res.Digest.Degraded
	}
	if !res.Deliver {
		run.DeliveryStatus = database.DeliverySkipped
	}
	if err := o.db.RecordDigestRun(context.WithoutCancel(ctx), run); err != nil {
		o.logger.Error().Err(err).Str("run_id", res.RunID).Msg("Failed to record digest run")
		res.warn("recording digest run: %v", err)
	}
}

// Deliver hands the digest of a successful run to d and records the outcome
// on the run.
func (o *Orchestrator) Deliver(ctx context.Context, res RunResult, d Deliverer) (string, error) {
	if !res.Deliver || res.Digest == nil {
		return "", ErrNothingToDeliver
	}
	start := time.Now()
	defer metrics.ObservePhase("deliver", start)

	ref, err := d.Deliver(ctx, *res.Digest, res.Stats)
	status := database.DeliveryDelivered
	if err != nil {
		status, ref = database.DeliveryFailed, err.Error()
	}
	if markErr := o.db.MarkDelivered(context.WithoutCancel(ctx), res.RunID, status, ref); markErr != nil {
		o.logger.Error().Err(markErr).Str("run_id", res.RunID).Msg("Failed to record delivery")
		if err == nil {
			err = fmt.Errorf("recording delivery: %w", markErr)
		}
	}
	if err != nil {
		return "", fmt.Errorf("delivering digest %s: %w", res.Digest.ID, err)
	}
	o.logger.Info().Str("run_id", res.RunID).Str("ref", ref).Msg("Digest delivered")
	return ref, nil
}
