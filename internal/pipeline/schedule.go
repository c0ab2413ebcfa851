package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"feedagent/internal/logging"
)

// Scheduler runs the pipeline once at start and then on every tick until
// stopped.
type Scheduler struct {
	orch     *Orchestrator
	interval time.Duration
	opts     RunOptions
	onResult func(context.Context, RunResult)
	logger   zerolog.Logger
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewScheduler builds a scheduler. onResult, if set, receives every run's
// result, e.g. to deliver the digest.
func NewScheduler(orch *Orchestrator, interval time.Duration, opts RunOptions, onResult func(context.Context, RunResult), logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		orch:     orch,
		interval: interval,
		opts:     opts,
		onResult: onResult,
		logger:   logging.Component(logger, "scheduler"),
		done:     make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()
}

// Stop ends the loop and waits for an in-progress run to finish.
func (s *Scheduler) Stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	s.logger.Info().Dur("interval", s.interval).Msg("Starting scheduled pipeline loop")

	s.runOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.logger.Info().Msg("Starting scheduled run")
			s.runOnce(ctx)
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler context cancelled, shutting down")
			return
		case <-s.done:
			s.logger.Info().Msg("Scheduler shutting down")
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context) {
	res := s.orch.Run(ctx, s.opts)
	if !res.Success {
		s.logger.Error().Strs("errors", res.Errors).Str("run_id", res.RunID).Msg("Scheduled run failed")
	}
	if s.onResult != nil {
		s.onResult(ctx, res)
	}
}
