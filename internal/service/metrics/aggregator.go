package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/splax/deployctl/internal/domain"
	"github.com/splax/deployctl/internal/repository"
	"github.com/splax/deployctl/internal/validate"
)

// Aggregator records finished deployments and recomputes KPIs from history on demand.
// It keeps no derived state of its own.
type Aggregator struct {
	history repository.HistoryRepository
	now     func() time.Time
	newID   func() string
	logger  *slog.Logger
}

// NewAggregator constructs an Aggregator backed by the given history store.
func NewAggregator(history repository.HistoryRepository, now func() time.Time, logger *slog.Logger) *Aggregator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{history: history, now: now, newID: uuid.NewString, logger: logger.With("component", "metrics")}
}

// RecordCompletion appends a terminal pipeline to history.
func (a *Aggregator) RecordCompletion(ctx context.Context, p domain.Pipeline) (domain.HistoryEntry, error) {
	if !p.Status.Terminal() {
		return domain.HistoryEntry{}, validate.Errorf("pipeline %s is %s, not terminal", p.ID, p.Status)
	}
	completed := a.now()
	if p.EndTime != nil {
		completed = *p.EndTime
	}
	started := completed
	if p.StartTime != nil {
		started = *p.StartTime
	}
	entry := domain.HistoryEntry{
		ID:          a.newID(),
		Kind:        domain.HistoryPipeline,
		PipelineID:  p.ID,
		Environment: p.Environment,
		Version:     p.Version,
		Status:      string(p.Status),
		StartedAt:   started,
		CompletedAt: completed,
		DurationMs:  p.DurationMs(),
	}
	if err := a.history.AppendHistory(ctx, entry); err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("append history: %w", err)
	}
	a.logger.Info("pipeline recorded", "pipeline_id", p.ID, "status", p.Status, "duration_ms", entry.DurationMs)
	return entry, nil
}

// RecordCanaryOutcome appends a finished canary. Rolled-back canaries count as rollbacks.
func (a *Aggregator) RecordCanaryOutcome(ctx context.Context, c domain.CanaryDeployment) (domain.HistoryEntry, error) {
	if !c.Status.Terminal() {
		return domain.HistoryEntry{}, validate.Errorf("canary %s is %s, not terminal", c.ID, c.Status)
	}
	var delta float64
	if c.BaselineResponseTimeMs > 0 {
		delta = (c.Metrics.ResponseTimeMs - c.BaselineResponseTimeMs) / c.BaselineResponseTimeMs * 100
	}
	entry := domain.HistoryEntry{
		ID:                       a.newID(),
		Kind:                     domain.HistoryCanary,
		CanaryID:                 c.ID,
		Version:                  c.TargetVersion,
		Status:                   string(c.Status),
		RolledBack:               c.Status == domain.CanaryRollback,
		StartedAt:                c.CreatedAt,
		CompletedAt:              c.UpdatedAt,
		DurationMs:               c.UpdatedAt.Sub(c.CreatedAt).Milliseconds(),
		ResponseTimeDeltaPercent: round(delta),
	}
	if err := a.history.AppendHistory(ctx, entry); err != nil {
		return domain.HistoryEntry{}, fmt.Errorf("append history: %w", err)
	}
	a.logger.Info("canary recorded", "canary_id", c.ID, "status", c.Status)
	return entry, nil
}

// Metrics computes KPIs over the trailing window.
func (a *Aggregator) Metrics(ctx context.Context, windowDays int) (domain.DeploymentMetrics, error) {
	if err := checkWindow(windowDays); err != nil {
		return domain.DeploymentMetrics{}, err
	}
	now := a.now()
	history, err := a.history.ListHistory(ctx, now.Add(-time.Duration(windowDays)*24*time.Hour))
	if err != nil {
		return domain.DeploymentMetrics{}, fmt.Errorf("list history: %w", err)
	}
	return Compute(history, windowDays, now)
}
