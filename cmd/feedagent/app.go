package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"feedagent/internal/archive"
	"feedagent/internal/cache"
	"feedagent/internal/config"
	"feedagent/internal/database"
	"feedagent/internal/llm"
	"feedagent/internal/logging"
	"feedagent/internal/metrics"
	"feedagent/internal/models"
	"feedagent/internal/pipeline"
	"feedagent/internal/rss"
)

// app holds what every command shares: settings, the root logger and the
// article store.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	db      *database.DB
	closers []func() error
}

func loadConfig(g *Globals) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	lc := logging.DefaultConfig()
	lc.Level = cfg.Log.Level
	lc.Format = cfg.Log.Format
	lc.Caller = cfg.Log.Caller
	return cfg, logging.New(lc), nil
}

func setup(g *Globals) (*app, error) {
	cfg, logger, err := loadConfig(g)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	db, err := database.NewDB(cfg.DBPath, database.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	logger.Debug().Str("db", cfg.DBPath).Str("version", Version).Msg("Store opened")

	return &app{cfg: cfg, logger: logger, db: db, closers: []func() error{db.Close}}, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn().Err(err).Msg("Close failed")
		}
	}
}

// cache returns the configured summary cache.
func (a *app) cache(ctx context.Context) (cache.Cache, error) {
	switch a.cfg.Cache.Backend {
	case "redis":
		client, err := cache.OpenRedis(ctx, a.cfg.Cache.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return cache.NewRedisCache(client, a.cfg.Cache.RedisPrefix, a.cfg.Cache.TTL), nil
	default:
		return database.NewResponseCache(a.db, a.cfg.Cache.TTL), nil
	}
}

func (a *app) generator() (*llm.Generator, error) {
	c := a.cfg.LLM
	backend, err := llm.NewBackend(llm.BackendConfig{
		Provider: c.Provider,
		APIKey:   c.APIKey,
		Model:    c.Model,
		BaseURL:  c.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	return llm.NewGenerator(backend, llm.Options{
		MaxAttempts:       c.MaxAttempts,
		BaseDelay:         c.BaseDelay,
		Multiplier:        c.Multiplier,
		MaxDelay:          c.MaxDelay,
		CallTimeout:       c.CallTimeout,
		RequestsPerMinute: c.RequestsPerMinute,
		BreakerFailures:   c.BreakerFailures,
		BreakerCooldown:   c.BreakerCooldown,
		MaxOutputTokens:   c.MaxOutputTokens,
	}, a.logger), nil
}

func (a *app) sources() ([]models.FeedSource, error) {
	sources, warnings, err := config.LoadFeeds(a.cfg.FeedsPath)
	if err != nil {
		return nil, err
	}
	for _, w := range warnings {
		a.logger.Warn().Str("feeds_file", a.cfg.FeedsPath).Msg(w)
	}
	return sources, nil
}

// orchestrator wires the pipeline. Without withLLM no generator or cache is
// built, which is enough for ingest.
func (a *app) orchestrator(ctx context.Context, withLLM bool) (*pipeline.Orchestrator, error) {
	sources, err := a.sources()
	if err != nil {
		return nil, err
	}
	if !withLLM {
		return pipeline.New(a.cfg, sources, a.db, nil, nil, a.logger)
	}
	gen, err := a.generator()
	if err != nil {
		return nil, err
	}
	c, err := a.cache(ctx)
	if err != nil {
		return nil, err
	}
	return pipeline.New(a.cfg, sources, a.db, c, gen, a.logger)
}

// outputs delivers and exports a finished run as the flags and settings ask.
type outputs struct {
	archiver archive.Archiver
	rssPath  string
	rssLink  string
}

func (a *app) outputs(ctx context.Context, deliver bool, rssPath, rssLink string) (outputs, error) {
	out := outputs{rssPath: rssPath, rssLink: rssLink}
	if !deliver {
		return out, nil
	}
	arch, err := archive.New(ctx, a.cfg.Archive, a.logger)
	if err != nil {
		return out, err
	}
	if arch == nil {
		a.logger.Warn().Msg("Delivery requested but archive.kind is none")
	}
	out.archiver = arch
	return out, nil
}

// finish writes the RSS export, delivers the digest and refreshes the
// metrics textfile. Failures are logged; the run result stands.
func (a *app) finish(ctx context.Context, orch *pipeline.Orchestrator, out outputs, res pipeline.RunResult) {
	if res.Digest != nil && out.rssPath != "" {
		if err := rss.WriteFile(out.rssPath, *res.Digest, out.rssLink); err != nil {
			a.logger.Error().Err(err).Str("path", out.rssPath).Msg("RSS export failed")
		} else {
			a.logger.Info().Str("path", out.rssPath).Msg("RSS export written")
		}
	}
	if out.archiver != nil && res.Deliver {
		if _, err := orch.Deliver(ctx, res, out.archiver); err != nil {
			a.logger.Error().Err(err).Str("run_id", res.RunID).Msg("Delivery failed")
		}
	}
	if a.cfg.Metrics.Textfile != "" {
		if err := metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
			a.logger.Warn().Err(err).Msg("Metrics export failed")
		}
	}
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	_, err = fmt.Fprintln(os.Stdout, string(data))
	return err
}

// runError turns an unsuccessful run into the command's exit status.
func runError(res pipeline.RunResult) error {
	if res.Success {
		return nil
	}
	return fmt.Errorf("run %s failed: %v", res.RunID, res.Errors)
}
