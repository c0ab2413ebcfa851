package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feedagent/internal/config"
	"feedagent/internal/database"
	"feedagent/internal/feed"
	"feedagent/internal/metrics"
	"feedagent/internal/models"
	"feedagent/internal/pipeline"
	"feedagent/internal/worker"
)

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

type RunCmd struct {
	NoCache bool   `help:"Ignore cached summaries for this run."`
	Deliver bool   `help:"Deliver the digest to the configured archive."`
	RSS     string `name:"rss" type:"path" help:"Write the digest as an RSS feed to this file."`
	RSSLink string `name:"rss-link" help:"Channel link used in the RSS export." default:"https://localhost/digest.xml"`
}

func (c *RunCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := setup(g)
	if err != nil {
		return err
	}
	defer a.Close()

	orch, err := a.orchestrator(ctx, true)
	if err != nil {
		return err
	}
	out, err := a.outputs(ctx, c.Deliver, c.RSS, c.RSSLink)
	if err != nil {
		return err
	}

	res := orch.Run(ctx, pipeline.RunOptions{NoCache: c.NoCache})
	a.finish(ctx, orch, out, res)
	if err := printJSON(res); err != nil {
		return err
	}
	return runError(res)
}

type IngestCmd struct{}

func (c *IngestCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := setup(g)
	if err != nil {
		return err
	}
	defer a.Close()

	orch, err := a.orchestrator(ctx, false)
	if err != nil {
		return err
	}
	res := orch.Ingest(ctx)
	a.finish(ctx, orch, outputs{}, res)
	if err := printJSON(res); err != nil {
		return err
	}
	return runError(res)
}

type AnalyzeCmd struct {
	NoCache bool   `help:"Ignore cached summaries."`
	Deliver bool   `help:"Deliver the digest to the configured archive."`
	RSS     string `name:"rss" type:"path" help:"Write the digest as an RSS feed to this file."`
	RSSLink string `name:"rss-link" help:"Channel link used in the RSS export." default:"https://localhost/digest.xml"`
}

func (c *AnalyzeCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := setup(g)
	if err != nil {
		return err
	}
	defer a.Close()

	orch, err := a.orchestrator(ctx, true)
	if err != nil {
		return err
	}
	out, err := a.outputs(ctx, c.Deliver, c.RSS, c.RSSLink)
	if err != nil {
		return err
	}
	res := orch.Analyze(ctx, pipeline.RunOptions{NoCache: c.NoCache})
	a.finish(ctx, orch, out, res)
	if err := printJSON(res); err != nil {
		return err
	}
	return runError(res)
}

type TestCmd struct {
	URL []string `arg:"" optional:"" help:"Feed URLs to check instead of the configured feeds."`
}

func (c *TestCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	cfg, logger, err := loadConfig(g)
	if err != nil {
		return err
	}
	urls := c.URL
	if len(urls) == 0 {
		sources, warnings, err := config.LoadFeeds(cfg.FeedsPath)
		if err != nil {
			return err
		}
		for _, w := range warnings {
			logger.Warn().Msg(w)
		}
		for _, s := range sources {
			urls = append(urls, s.URL)
		}
	}

	fetcher := feed.NewFetcher(feed.Config{AllowPrivate: cfg.AllowPrivate}, logger)
	opts := feed.Options{Lookback: cfg.Lookback, Timeout: cfg.FetchTimeout}
	checks := worker.Run(ctx, urls,
		worker.Options{Workers: cfg.Workers.Fetch, JoinTimeout: cfg.JoinTimeout.Fetch},
		func(ctx context.Context, u string) feed.ProbeResult {
			return fetcher.Probe(ctx, u, opts)
		},
		func(u string, err error) feed.ProbeResult {
			return feed.ProbeResult{URL: u, Error: err.Error()}
		},
	)
	if err := printJSON(checks); err != nil {
		return err
	}
	for _, p := range checks {
		if !p.OK {
			return errors.New("one or more feeds failed")
		}
	}
	return nil
}

type StatusCmd struct {
	Runs int `help:"Number of recent runs to show." default:"10"`
}

type statusReport struct {
	Articles   map[models.ArticleStatus]int `json:"articles"`
	Feeds      []models.FeedHealth          `json:"feeds"`
	RecentRuns []runSummary                 `json:"recent_runs"`
}

type runSummary struct {
	ID             string             `json:"id"`
	DigestID       string             `json:"digest_id,omitempty"`
	StartedAt      time.Time          `json:"started_at"`
	Summarized     int                `json:"summarized"`
	Failed         int                `json:"failed"`
	Degraded       bool               `json:"degraded"`
	DeliveryStatus string             `json:"delivery_status"`
	DeliveryRef    string             `json:"delivery_ref,omitempty"`
	Stats          models.DigestStats `json:"stats"`
}

func (c *StatusCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := setup(g)
	if err != nil {
		return err
	}
	defer a.Close()

	counts, err := a.db.CountByStatus(ctx)
	if err != nil {
		return err
	}
	feeds, err := a.db.ListFeedHealth(ctx)
	if err != nil {
		return err
	}
	runs, err := a.db.ListDigestRuns(ctx, c.Runs)
	if err != nil {
		return err
	}

	report := statusReport{Articles: counts, Feeds: feeds, RecentRuns: make([]runSummary, 0, len(runs))}
	for _, r := range runs {
		report.RecentRuns = append(report.RecentRuns, summarizeRun(r))
	}
	return printJSON(report)
}

func summarizeRun(r database.DigestRun) runSummary {
	return runSummary{
		ID:             r.ID,
		DigestID:       r.DigestID,
		StartedAt:      r.StartedAt,
		Summarized:     r.Summarized,
		Failed:         r.Failed,
		Degraded:       r.Degraded,
		DeliveryStatus: r.DeliveryStatus,
		DeliveryRef:    r.DeliveryRef,
		Stats:          r.Stats,
	}
}

type CacheCmd struct {
	Stats CacheStatsCmd `cmd:"" help:"Show cache size and hit counters."`
	Clear CacheClearCmd `cmd:"" help:"Remove every cached summary."`
}

type CacheStatsCmd struct{}

func (c *CacheStatsCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := setup(g)
	if err != nil {
		return err
	}
	defer a.Close()

	cc, err := a.cache(ctx)
	if err != nil {
		return err
	}
	stats, err := cc.Stats(ctx)
	if err != nil {
		return err
	}
	return printJSON(stats)
}

type CacheClearCmd struct{}

func (c *CacheClearCmd) Run(g *Globals) error {
	ctx := context.Background()
	a, err := setup(g)
	if err != nil {
		return err
	}
	defer a.Close()

	cc, err := a.cache(ctx)
	if err != nil {
		return err
	}
	n, err := cc.Clear(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("Removed %d cached summaries\n", n)
	return nil
}

type ConfigCmd struct{}

func (c *ConfigCmd) Run(g *Globals) error {
	cfg, _, err := loadConfig(g)
	if err != nil {
		return err
	}
	return printJSON(cfg.Redacted())
}

type ScheduleCmd struct {
	NoCache bool   `help:"Ignore cached summaries."`
	Deliver bool   `help:"Deliver each digest to the configured archive."`
	RSS     string `name:"rss" type:"path" help:"Rewrite this RSS file after every run."`
	RSSLink string `name:"rss-link" help:"Channel link used in the RSS export." default:"https://localhost/digest.xml"`
}

func (c *ScheduleCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := setup(g)
	if err != nil {
		return err
	}
	defer a.Close()

	orch, err := a.orchestrator(ctx, true)
	if err != nil {
		return err
	}
	out, err := a.outputs(ctx, c.Deliver, c.RSS, c.RSSLink)
	if err != nil {
		return err
	}

	var srv *http.Server
	if addr := a.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			a.logger.Info().Str("addr", addr).Msg("Serving metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	sched := pipeline.NewScheduler(orch, a.cfg.Schedule.Interval, pipeline.RunOptions{NoCache: c.NoCache},
		func(ctx context.Context, res pipeline.RunResult) {
			a.finish(ctx, orch, out, res)
		}, a.logger)
	sched.Start(ctx)

	<-ctx.Done()
	a.logger.Info().Msg("Shutting down")
	sched.Stop()
	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn().Err(err).Msg("Metrics server shutdown failed")
		}
	}
	return nil
}
