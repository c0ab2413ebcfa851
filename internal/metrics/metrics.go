package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Feed Metrics
	FeedFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedagent_feed_fetches_total",
			Help: "Total number of feed fetches by outcome",
		},
		[]string{"outcome"}, // "success", "not_modified", "warning", "failure"
	)

	FeedFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "feedagent_feed_fetch_duration_seconds",
			Help:    "Duration of single feed fetches in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
	)

	// Article Metrics
	ArticlesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedagent_articles_ingested_total",
			Help: "Total number of candidate articles by ingest outcome",
		},
		[]string{"outcome"}, // "new", "duplicate", "skipped", "filtered", "deferred", "error"
	)

	ExtractFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "feedagent_extract_failures_total",
			Help: "Total number of article pages that yielded no content",
		},
	)

	ArticlesSummarized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedagent_articles_summarized_total",
			Help: "Total number of summarization outcomes",
		},
		[]string{"outcome"}, // "generated", "cached", "failed"
	)

	// LLM Metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedagent_llm_requests_total",
			Help: "Total number of LLM backend attempts by outcome",
		},
		[]string{"provider", "outcome"}, // outcome: "success" or an error kind
	)

	LLMRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedagent_llm_retries_total",
			Help: "Total number of LLM retries scheduled",
		},
		[]string{"provider", "kind"},
	)

	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedagent_llm_tokens_total",
			Help: "Total number of LLM tokens consumed",
		},
		[]string{"provider", "direction"}, // "input", "output"
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedagent_llm_request_duration_seconds",
			Help:    "Duration of LLM backend attempts in seconds",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 120},
		},
		[]string{"provider"},
	)

	LLMBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "feedagent_llm_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	// Cache Metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "feedagent_cache_lookups_total",
			Help: "Total number of summary cache lookups",
		},
		[]string{"result"}, // "hit", "miss", "error"
	)

	// Pipeline Metrics
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "feedagent_phase_duration_seconds",
			Help:    "Duration of pipeline phases in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"phase"}, // "ingest", "analyze", "deliver"
	)

	LastRunSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedagent_last_run_success",
			Help: "1 if the last pipeline run had no errors, 0 otherwise",
		},
	)

	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedagent_last_run_timestamp_seconds",
			Help: "Unix time at which the last pipeline run finished",
		},
	)

	DigestCostUSD = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "feedagent_last_digest_cost_usd",
			Help: "Estimated LLM cost of the last digest in USD",
		},
	)
)

// RecordFeedFetch records one feed fetch.
func RecordFeedFetch(outcome string, duration time.Duration) {
	FeedFetches.WithLabelValues(outcome).Inc()
	FeedFetchDuration.Observe(duration.Seconds())
}

// RecordLLMAttempt records one backend attempt; outcome is "success" or an error kind.
func RecordLLMAttempt(provider, outcome string, duration time.Duration) {
	LLMRequests.WithLabelValues(provider, outcome).Inc()
	LLMRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordLLMTokens(provider string, input, output int) {
	LLMTokens.WithLabelValues(provider, "input").Add(float64(input))
	LLMTokens.WithLabelValues(provider, "output").Add(float64(output))
}

// ObservePhase records how long a pipeline phase took since start.
func ObservePhase(phase string, start time.Time) {
	PhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

// RecordRun updates the last-run gauges.
func RecordRun(success bool, costUSD float64, finished time.Time) {
	if success {
		LastRunSuccess.Set(1)
	} else {
		LastRunSuccess.Set(0)
	}
	DigestCostUSD.Set(costUSD)
	LastRunTimestamp.Set(float64(finished.Unix()))
}

// WriteTextfile writes every registered metric to path in the text
// exposition format, for node_exporter's textfile collector.
func WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("writing metrics textfile: %w", err)
	}
	return nil
}

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
