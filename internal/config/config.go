// Package config loads the process-wide settings once at startup. The
// resulting value is passed explicitly to every constructor.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const (
	// ConfigPathEnvVar points at an optional YAML settings file.
	ConfigPathEnvVar = "FEEDAGENT_CONFIG"
	// EnvPrefix is stripped from environment overrides; "__" separates levels,
	// so FEEDAGENT_LLM__API_KEY sets llm.api_key.
	EnvPrefix = "FEEDAGENT_"
)

var DefaultConfigPaths = []string{
	"feedagent.yaml",
	"config/feedagent.yaml",
}

type Config struct {
	DataDir   string `koanf:"data_dir" validate:"required"`
	DBPath    string `koanf:"db_path"`
	FeedsPath string `koanf:"feeds_path" validate:"required"`

	Lookback           time.Duration `koanf:"lookback" validate:"gt=0"`
	MaxArticlesPerFeed int           `koanf:"max_articles_per_feed" validate:"gte=1"`
	MaxArticlesPerRun  int           `koanf:"max_articles_per_run" validate:"gte=1"`
	MinWordCount       int           `koanf:"min_word_count" validate:"gte=0"`
	FetchTimeout       time.Duration `koanf:"fetch_timeout" validate:"gt=0"`
	ExtractTimeout     time.Duration `koanf:"extract_timeout" validate:"gt=0"`
	AllowPrivate       bool          `koanf:"allow_private"`

	Workers     PoolConfig        `koanf:"workers"`
	JoinTimeout JoinTimeoutConfig `koanf:"join_timeout"`
	LLM         LLMConfig         `koanf:"llm"`
	Cache       CacheConfig       `koanf:"cache"`
	Digest      DigestConfig      `koanf:"digest"`
	Archive     ArchiveConfig     `koanf:"archive"`
	Log         LogConfig         `koanf:"log"`
	Metrics     MetricsConfig     `koanf:"metrics"`
	Schedule    ScheduleConfig    `koanf:"schedule"`

	Filters []FilterGroupConfig `koanf:"filters" validate:"dive"`
}

// FilterGroupConfig drops or keeps extracted articles before they are
// stored for analysis. Patterns are compiled when the pipeline is built.
type FilterGroupConfig struct {
	Name     string             `koanf:"name" validate:"required"`
	Action   string             `koanf:"action" validate:"oneof=keep discard"`
	Category string             `koanf:"category"`
	Rules    []FilterRuleConfig `koanf:"rules" validate:"min=1,dive"`
}

type FilterRuleConfig struct {
	Operator      string `koanf:"operator" validate:"omitempty,oneof=AND OR and or"`
	Target        string `koanf:"target" validate:"oneof=title author content feed_name feed_category"`
	PatternType   string `koanf:"pattern_type" validate:"oneof=keyword regex"`
	Pattern       string `koanf:"pattern" validate:"required"`
	CaseSensitive bool   `koanf:"case_sensitive"`
}

type PoolConfig struct {
	Fetch     int `koanf:"fetch" validate:"gte=1"`
	Extract   int `koanf:"extract" validate:"gte=1"`
	Summarize int `koanf:"summarize" validate:"gte=1"`
}

type JoinTimeoutConfig struct {
	Fetch     time.Duration `koanf:"fetch" validate:"gte=0"`
	Extract   time.Duration `koanf:"extract" validate:"gte=0"`
	Summarize time.Duration `koanf:"summarize" validate:"gte=0"`
}

type LLMConfig struct {
	Provider          string        `koanf:"provider" validate:"oneof=gemini openai anthropic"`
	APIKey            string        `koanf:"api_key"`
	Model             string        `koanf:"model"`
	BaseURL           string        `koanf:"base_url" validate:"omitempty,url"`
	MaxAttempts       int           `koanf:"max_attempts" validate:"gte=1,lte=10"`
	BaseDelay         time.Duration `koanf:"base_delay" validate:"gte=0"`
	Multiplier        float64       `koanf:"multiplier" validate:"gte=1"`
	MaxDelay          time.Duration `koanf:"max_delay" validate:"eq=0|gtefield=BaseDelay"`
	CallTimeout       time.Duration `koanf:"call_timeout" validate:"gt=0"`
	RequestsPerMinute int           `koanf:"requests_per_minute" validate:"gte=0"`
	BreakerFailures   int           `koanf:"breaker_failures" validate:"gte=1"`
	BreakerCooldown   time.Duration `koanf:"breaker_cooldown" validate:"gt=0"`
	MaxOutputTokens   int           `koanf:"max_output_tokens" validate:"gte=1"`
}

type CacheConfig struct {
	Backend     string        `koanf:"backend" validate:"oneof=sqlite redis"`
	TTL         time.Duration `koanf:"ttl" validate:"gt=0"`
	RedisURL    string        `koanf:"redis_url" validate:"required_if=Backend redis"`
	RedisPrefix string        `koanf:"redis_prefix"`
}

type DigestConfig struct {
	MustReadThreshold int `koanf:"must_read_threshold" validate:"gte=1,lte=5"`
	MustReadLimit     int `koanf:"must_read_limit" validate:"gte=0"`
}

type ArchiveConfig struct {
	Kind string   `koanf:"kind" validate:"oneof=none file s3"`
	Dir  string   `koanf:"dir" validate:"required_if=Kind file"`
	S3   S3Config `koanf:"s3"`
}

type S3Config struct {
	Endpoint  string `koanf:"endpoint" validate:"omitempty,url"`
	Region    string `koanf:"region"`
	Bucket    string `koanf:"bucket"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Prefix    string `koanf:"prefix"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format" validate:"omitempty,oneof=json console"`
	Caller bool   `koanf:"caller"`
}

type MetricsConfig struct {
	// Textfile receives a Prometheus text exposition after each run.
	Textfile string `koanf:"textfile"`
	// Addr serves /metrics while the schedule command runs.
	Addr string `koanf:"addr"`
}

type ScheduleConfig struct {
	Interval time.Duration `koanf:"interval" validate:"gte=1m"`
}

// Default returns the built-in settings, the lowest-priority layer.
func Default() *Config {
	return &Config{
		DataDir:            "data",
		FeedsPath:          "config/feeds.yaml",
		Lookback:           24 * time.Hour,
		MaxArticlesPerFeed: 10,
		MaxArticlesPerRun:  100,
		MinWordCount:       100,
		FetchTimeout:       30 * time.Second,
		ExtractTimeout:     20 * time.Second,
		Workers: PoolConfig{
			Fetch:     10,
			Extract:   8,
			Summarize: 5,
		},
		JoinTimeout: JoinTimeoutConfig{
			Fetch:     2 * time.Minute,
			Extract:   3 * time.Minute,
			Summarize: 10 * time.Minute,
		},
		LLM: LLMConfig{
			Provider:          "gemini",
			MaxAttempts:       3,
			BaseDelay:         2 * time.Second,
			Multiplier:        2,
			MaxDelay:          30 * time.Second,
			CallTimeout:       120 * time.Second,
			RequestsPerMinute: 60,
			BreakerFailures:   5,
			BreakerCooldown:   time.Minute,
			MaxOutputTokens:   4096,
		},
		Cache: CacheConfig{
			Backend:     "sqlite",
			TTL:         7 * 24 * time.Hour,
			RedisPrefix: "feedagent:summary:",
		},
		Digest: DigestConfig{
			MustReadThreshold: 4,
			MustReadLimit:     3,
		},
		Archive: ArchiveConfig{
			Kind: "none",
			S3: S3Config{
				Region: "auto",
				Prefix: "digests/",
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Schedule: ScheduleConfig{
			Interval: 24 * time.Hour,
		},
	}
}

// Load layers defaults, the optional YAML file at path (or the first of
// DefaultConfigPaths found), and FEEDAGENT_* environment variables, then
// validates the result. A .env file in the working directory is applied to
// the environment first.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	cfg.applyDerived()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps FEEDAGENT_LLM__API_KEY to llm.api_key.
func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

func (c *Config) applyDerived() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "articles.db")
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = providerKeyFromEnv(c.LLM.Provider)
	}
}

// providerKeyFromEnv falls back to the vendor's conventional variable.
func providerKeyFromEnv(provider string) string {
	var names []string
	switch provider {
	case "gemini":
		names = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"}
	case "openai":
		names = []string{"OPENAI_API_KEY"}
	case "anthropic":
		names = []string{"ANTHROPIC_API_KEY"}
	}
	for _, n := range names {
		if v := os.Getenv(n); v != "" {
			return v
		}
	}
	return ""
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and reports every violation at once.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("configuration validation failed: %s", strings.Join(msgs, "; "))
}

// Redacted returns a copy safe to print.
func (c Config) Redacted() Config {
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "********"
	}
	c.LLM.APIKey = mask(c.LLM.APIKey)
	c.Archive.S3.AccessKey = mask(c.Archive.S3.AccessKey)
	c.Archive.S3.SecretKey = mask(c.Archive.S3.SecretKey)
	if c.Cache.RedisURL != "" {
		c.Cache.RedisURL = "redis://********"
	}
	return c
}
