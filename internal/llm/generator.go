package llm

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"feedagent/internal/metrics"
)

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	// MaxDelay caps a single backoff delay; zero leaves delays uncapped.
	MaxDelay time.Duration
	// CallTimeout bounds each attempt separately.
	CallTimeout time.Duration
	// RequestsPerMinute paces attempts; zero disables pacing.
	RequestsPerMinute int
	BreakerFailures   int
	BreakerCooldown   time.Duration
	MaxOutputTokens   int
}

// Generator runs prompts against a Backend with bounded retries, a rate
// limiter and a circuit breaker. It is safe for concurrent use.
type Generator struct {
	backend Backend
	opts    Options
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*Response]
	logger  zerolog.Logger
}

func NewGenerator(b Backend, opts Options, logger zerolog.Logger) *Generator {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	if opts.Multiplier < 1 {
		opts.Multiplier = 2
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 120 * time.Second
	}
	if opts.BreakerFailures < 1 {
		opts.BreakerFailures = 5
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = time.Minute
	}

	limit := rate.Inf
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
	}

	g := &Generator{
		backend: b,
		opts:    opts,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger.With().Str("component", "llm").Str("provider", b.Name()).Logger(),
	}

	metrics.LLMBreakerState.WithLabelValues(b.Name()).Set(0)
	failures := uint32(opts.BreakerFailures)
	g.breaker = gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        b.Name(),
		MaxRequests: 1,
		Timeout:     opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Caller mistakes and cancellations say nothing about provider health.
		IsSuccessful: func(err error) bool {
			switch KindOf(err) {
			case "", KindAuth, KindBadRequest:
				return true
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("LLM circuit breaker state change")
			metrics.LLMBreakerState.WithLabelValues(name).Set(breakerValue(to))
		},
	})
	return g
}

// ModelID identifies the provider and model, e.g. "gemini:gemini-2.0-flash".
func (g *Generator) ModelID() string {
	return g.backend.Name() + ":" + g.backend.Model()
}

func (g *Generator) Provider() string { return g.backend.Name() }

// Generate sends prompt and system to the backend. With a non-nil schema the
// reply must be a JSON document; anything else counts as invalid output and
// is retried. Fatal errors are returned after the first attempt.
func (g *Generator) Generate(ctx context.Context, prompt, system string, schema Schema) (*Response, error) {
	req := Request{
		System:          system,
		Prompt:          prompt,
		Schema:          schema,
		MaxOutputTokens: g.opts.MaxOutputTokens,
	}
	provider := g.backend.Name()

	policy := backoff.WithContext(backoff.WithMaxRetries(g.backOff(), uint64(g.opts.MaxAttempts-1)), ctx)

	attempts := 0
	op := func() (*Response, error) {
		attempts++
		resp, err := g.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !IsRetryable(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	notify := func(err error, delay time.Duration) {
		kind := KindOf(err)
		metrics.LLMRetries.WithLabelValues(provider, string(kind)).Inc()
		g.logger.Warn().Err(err).
			Int("attempt", attempts).
			Int("max_attempts", g.opts.MaxAttempts).
			Dur("delay", delay).
			Str("kind", string(kind)).
			Msg("LLM call failed, retrying")
	}

	resp, err := backoff.RetryNotifyWithData(op, policy, notify)
	switch {
	case err == nil:
		return resp, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("llm generate: %w", ctx.Err())
	case IsRetryable(err):
		return nil, fmt.Errorf("llm generate: giving up after %d attempts: %w", attempts, err)
	default:
		return nil, fmt.Errorf("llm generate: %w", err)
	}
}

// backOff returns the delay schedule between attempts: exponential from
// BaseDelay, without jitter, capped at MaxDelay when one is set.
func (g *Generator) backOff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = g.opts.BaseDelay
	bo.Multiplier = g.opts.Multiplier
	bo.MaxInterval = g.opts.MaxDelay
	if bo.MaxInterval <= 0 {
		bo.MaxInterval = time.Duration(math.MaxInt64)
	}
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

func (g *Generator) attempt(ctx context.Context, req Request) (*Response, error) {
	provider := g.backend.Name()
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, g.opts.CallTimeout)
	defer cancel()

	start := time.Now()
	resp, err := g.breaker.Execute(func() (*Response, error) {
		resp, err := g.backend.Complete(callCtx, req)
		if err != nil {
			return nil, g.classify(ctx, callCtx, err)
		}
		if req.Schema != nil && !json.Valid([]byte(resp.Text)) {
			return nil, invalidOutput(provider, "response is not valid JSON")
		}
		return resp, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = &Error{Kind: KindUnavailable, Provider: provider, Err: err}
	}

	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "canceled"
		}
	}
	metrics.RecordLLMAttempt(provider, outcome, time.Since(start))
	if err != nil {
		return nil, err
	}
	metrics.RecordLLMTokens(provider, resp.InputTokens, resp.OutputTokens)
	return resp, nil
}

// classify makes sure err carries a Kind. A parent cancellation stays
// unclassified so that it is neither retried nor held against the breaker.
func (g *Generator) classify(parent, call context.Context, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(call.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Provider: g.backend.Name(), Err: err}
	}
	if KindOf(err) != "" {
		return err
	}
	return &Error{Kind: KindNetwork, Provider: g.backend.Name(), Err: err}
}

func breakerValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
