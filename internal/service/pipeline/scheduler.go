package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/splax/deployctl/internal/clock"
	"github.com/splax/deployctl/internal/domain"
	"github.com/splax/deployctl/internal/repository"
)

const defaultTickInterval = 2 * time.Second

// CompletionHandler is invoked once per pipeline when it becomes terminal.
type CompletionHandler func(ctx context.Context, pipeline domain.Pipeline)

// Scheduler advances running pipelines on a fixed interval.
type Scheduler struct {
	pipelines  repository.PipelineRepository
	engine     *Engine
	clock      clock.Clock
	interval   time.Duration
	logger     *slog.Logger
	onComplete CompletionHandler

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler constructs a scheduler. A zero interval falls back to the default.
func NewScheduler(pipelines repository.PipelineRepository, engine *Engine, clk clock.Clock, interval time.Duration, logger *slog.Logger, onComplete CompletionHandler) *Scheduler {
	if interval <= 0 {
		interval = defaultTickInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		pipelines:  pipelines,
		engine:     engine,
		clock:      clk,
		interval:   interval,
		logger:     logger.With("component", "scheduler"),
		onComplete: onComplete,
	}
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("pipeline scheduler started", "interval", s.interval)
	last := s.clock.Now()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("pipeline scheduler stopped")
			return
		case now := <-ticker.C():
			elapsed := now.Sub(last)
			last = now
			s.Tick(ctx, elapsed)
		}
	}
}

// Start runs the scheduler in the background. Calling Start twice is a no-op.
func (s *Scheduler) Start(parent context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	s.cancel = cancel
	s.done = done
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
}

// Stop cancels pending ticks and waits for an in-flight tick to finish. After Stop
// returns the scheduler no longer mutates any pipeline.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick advances every running pipeline once. Each pipeline is updated under its own
// lock, so a failure on one never affects another.
func (s *Scheduler) Tick(ctx context.Context, elapsed time.Duration) {
	running, err := s.pipelines.ListPipelines(ctx, repository.PipelineFilter{Status: domain.PipelineRunning})
	if err != nil {
		s.logger.Warn("failed to list running pipelines", "error", err)
		return
	}
	for _, p := range running {
		if ctx.Err() != nil {
			return
		}
		s.advance(ctx, p.ID, elapsed)
	}
}

func (s *Scheduler) advance(ctx context.Context, id string, elapsed time.Duration) {
	completed := false
	updated, err := s.pipelines.UpdatePipeline(ctx, id, func(current domain.Pipeline) (domain.Pipeline, error) {
		next, err := s.engine.Advance(current, elapsed)
		if err != nil {
			return current, err
		}
		completed = !current.Status.Terminal() && next.Status.Terminal()
		return next, nil
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Warn("failed to advance pipeline", "pipeline_id", id, "error", err)
		}
		return
	}
	if completed {
		s.logger.Info("pipeline completed", "pipeline_id", id, "status", updated.Status, "duration_ms", updated.DurationMs())
		if s.onComplete != nil {
			s.onComplete(ctx, updated)
		}
	}
}
