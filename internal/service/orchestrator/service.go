package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/splax/deployctl/internal/clock"
	"github.com/splax/deployctl/internal/domain"
	"github.com/splax/deployctl/internal/events"
	"github.com/splax/deployctl/internal/repository"
	"github.com/splax/deployctl/internal/service/canary"
	"github.com/splax/deployctl/internal/service/infra"
	"github.com/splax/deployctl/internal/service/metrics"
	"github.com/splax/deployctl/internal/service/pipeline"
)

const (
	defaultCanaryTickInterval = 5 * time.Second
	defaultInfraPollInterval  = 10 * time.Second
	// DefaultWindowDays is used when a metrics query names no window.
	DefaultWindowDays = 30
)

// Config holds the orchestration knobs.
type Config struct {
	TickInterval       time.Duration
	CanaryTickInterval time.Duration
	InfraPollInterval  time.Duration
	AutoRollback       bool
	Templates          Templates
}

// Deps are the collaborators a Service drives.
type Deps struct {
	Pipelines   repository.PipelineRepository
	Canaries    repository.CanaryRepository
	History     repository.HistoryRepository
	Engine      *pipeline.Engine
	Canary      *canary.Controller
	Infra       *infra.Monitor
	Bus         *events.Bus
	Instruments *Instruments
	Clock       clock.Clock
	Logger      *slog.Logger
}

// DeploymentRequest is the requestDeployment command. Stages default to the environment
// template when empty.
type DeploymentRequest struct {
	Name        string                   `json:"name"`
	Environment domain.Environment       `json:"environment"`
	Branch      string                   `json:"branch"`
	CommitHash  string                   `json:"commit_hash"`
	Version     string                   `json:"version"`
	DeployedBy  string                   `json:"deployed_by"`
	Stages      []domain.StageDefinition `json:"stages,omitempty"`
	Deferred    bool                     `json:"deferred,omitempty"`
}

// Service is the single entry point for deployment commands and queries. It owns the
// auto-rollback policy and turns state changes into events.
type Service struct {
	cfg         Config
	pipelines   repository.PipelineRepository
	canaries    repository.CanaryRepository
	engine      *pipeline.Engine
	canary      *canary.Controller
	infra       *infra.Monitor
	aggregator  *metrics.Aggregator
	scheduler   *pipeline.Scheduler
	bus         *events.Bus
	instruments *Instruments
	clock       clock.Clock
	logger      *slog.Logger
}

// New wires a Service. The pipeline scheduler is created here so completions flow
// through the service.
func New(cfg Config, deps Deps) *Service {
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Bus == nil {
		deps.Bus = events.NewBus(deps.Logger)
	}
	if deps.Engine == nil {
		deps.Engine = pipeline.NewEngine(pipeline.Options{Now: deps.Clock.Now})
	}
	if deps.Canary == nil {
		deps.Canary = canary.New(canary.Options{Now: deps.Clock.Now})
	}
	if cfg.Templates == nil {
		cfg.Templates = DefaultTemplates()
	}
	if cfg.CanaryTickInterval <= 0 {
		cfg.CanaryTickInterval = defaultCanaryTickInterval
	}
	if cfg.InfraPollInterval <= 0 {
		cfg.InfraPollInterval = defaultInfraPollInterval
	}
	s := &Service{
		cfg:         cfg,
		pipelines:   deps.Pipelines,
		canaries:    deps.Canaries,
		engine:      deps.Engine,
		canary:      deps.Canary,
		infra:       deps.Infra,
		aggregator:  metrics.NewAggregator(deps.History, deps.Clock.Now, deps.Logger),
		bus:         deps.Bus,
		instruments: deps.Instruments,
		clock:       deps.Clock,
		logger:      deps.Logger.With("component", "orchestrator"),
	}
	s.scheduler = pipeline.NewScheduler(deps.Pipelines, deps.Engine, deps.Clock, cfg.TickInterval, deps.Logger, s.pipelineCompleted)
	return s
}

// Run drives the pipeline scheduler, the canary loop and infrastructure polling until ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.scheduler.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.runCanaries(ctx)
		return nil
	})
	if s.infra != nil {
		g.Go(func() error {
			s.infra.Run(ctx, s.cfg.InfraPollInterval)
			return nil
		})
	}
	return g.Wait()
}

// Scheduler exposes the pipeline scheduler for manual ticking.
func (s *Service) Scheduler() *pipeline.Scheduler {
	return s.scheduler
}

// RequestDeployment creates a pipeline and stores it.
func (s *Service) RequestDeployment(ctx context.Context, req DeploymentRequest) (domain.Pipeline, error) {
	stages := req.Stages
	if len(stages) == 0 {
		if tmpl, ok := s.cfg.Templates.For(req.Environment); ok {
			stages = tmpl
		}
	}
	p, err := s.engine.Create(pipeline.CreateSpec{
		Name:        req.Name,
		Environment: req.Environment,
		Branch:      req.Branch,
		CommitHash:  req.CommitHash,
		Version:     req.Version,
		DeployedBy:  req.DeployedBy,
		Stages:      stages,
		Deferred:    req.Deferred,
	})
	if err != nil {
		return domain.Pipeline{}, err
	}
	if err := s.pipelines.CreatePipeline(ctx, p); err != nil {
		return domain.Pipeline{}, fmt.Errorf("store pipeline: %w", err)
	}
	s.logger.Info("deployment requested", "pipeline_id", p.ID, "environment", p.Environment, "version", p.Version, "stages", len(p.Stages))
	return p, nil
}

// GetPipeline returns a pipeline by id.
func (s *Service) GetPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	return s.pipelines.GetPipeline(ctx, id)
}

// ListPipelines returns pipelines newest first.
func (s *Service) ListPipelines(ctx context.Context, filter repository.PipelineFilter) ([]domain.Pipeline, error) {
	return s.pipelines.ListPipelines(ctx, filter)
}

// StartPipeline starts a deferred pipeline.
func (s *Service) StartPipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	return s.mutatePipeline(ctx, id, s.engine.Start)
}

// PausePipeline pauses a running pipeline.
func (s *Service) PausePipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	return s.mutatePipeline(ctx, id, s.engine.Pause)
}

// ResumePipeline resumes a paused pipeline.
func (s *Service) ResumePipeline(ctx context.Context, id string) (domain.Pipeline, error) {
	return s.mutatePipeline(ctx, id, s.engine.Resume)
}

// CancelPipeline fails a pipeline that has not finished.
func (s *Service) CancelPipeline(ctx context.Context, id, reason string) (domain.Pipeline, error) {
	return s.mutatePipeline(ctx, id, func(p domain.Pipeline) (domain.Pipeline, error) {
		return s.engine.Cancel(p, reason)
	})
}

// MarkStageResult injects a CI result for the running stage.
func (s *Service) MarkStageResult(ctx context.Context, id, stageID string, result domain.StageStatus, message string) (domain.Pipeline, error) {
	return s.mutatePipeline(ctx, id, func(p domain.Pipeline) (domain.Pipeline, error) {
		return s.engine.MarkStageResult(p, stageID, result, message)
	})
}

func (s *Service) mutatePipeline(ctx context.Context, id string, fn func(domain.Pipeline) (domain.Pipeline, error)) (domain.Pipeline, error) {
	completed := false
	updated, err := s.pipelines.UpdatePipeline(ctx, id, func(current domain.Pipeline) (domain.Pipeline, error) {
		next, err := fn(current)
		if err != nil {
			return current, err
		}
		completed = !current.Status.Terminal() && next.Status.Terminal()
		return next, nil
	})
	if err != nil {
		return domain.Pipeline{}, err
	}
	if completed {
		s.pipelineCompleted(ctx, updated)
	}
	return updated, nil
}

// pipelineCompleted runs exactly once per pipeline, on the update that made it terminal.
func (s *Service) pipelineCompleted(ctx context.Context, p domain.Pipeline) {
	ctx = context.WithoutCancel(ctx)
	if _, err := s.aggregator.RecordCompletion(ctx, p); err != nil {
		s.logger.Error("record completion failed", "pipeline_id", p.ID, "error", err)
	}
	s.instruments.pipelineCompleted(p)
	s.publish(ctx, events.Event{Type: events.PipelineCompleted, At: s.clock.Now(), PipelineID: p.ID, Data: p})
}

// RequestCanary creates a canary rollout in the preparing state.
func (s *Service) RequestCanary(ctx context.Context, req canary.Request) (domain.CanaryDeployment, error) {
	c, err := s.canary.Create(req)
	if err != nil {
		return domain.CanaryDeployment{}, err
	}
	if err := s.canaries.CreateCanary(ctx, c); err != nil {
		return domain.CanaryDeployment{}, fmt.Errorf("store canary: %w", err)
	}
	s.logger.Info("canary requested", "canary_id", c.ID, "target_version", c.TargetVersion)
	return c, nil
}

// GetCanary returns a canary by id.
func (s *Service) GetCanary(ctx context.Context, id string) (domain.CanaryDeployment, error) {
	return s.canaries.GetCanary(ctx, id)
}

// ListCanaries returns canaries, optionally filtered by status.
func (s *Service) ListCanaries(ctx context.Context, status domain.CanaryStatus) ([]domain.CanaryDeployment, error) {
	return s.canaries.ListCanaries(ctx, status)
}

// PromoteCanary shifts all traffic to the target version.
func (s *Service) PromoteCanary(ctx context.Context, id string) (domain.CanaryDeployment, error) {
	return s.mutateCanary(ctx, id, false, s.canary.Promote)
}

// RollbackCanary returns all traffic to the stable version.
func (s *Service) RollbackCanary(ctx context.Context, id string) (domain.CanaryDeployment, error) {
	return s.mutateCanary(ctx, id, false, s.canary.Rollback)
}

// ObserveCanaryMetrics replaces simulated metrics with measured ones and applies the
// health policy.
func (s *Service) ObserveCanaryMetrics(ctx context.Context, id string, m domain.CanaryMetrics) (domain.CanaryDeployment, error) {
	return s.mutateCanary(ctx, id, true, func(c domain.CanaryDeployment) (domain.CanaryDeployment, error) {
		return s.canary.Observe(c, m)
	})
}

// TickCanaries advances every active canary exactly once. The active set is listed
// before any mutation, so a canary that starts running during this pass is not ticked
// again.
func (s *Service) TickCanaries(ctx context.Context, elapsed time.Duration) {
	var active []domain.CanaryDeployment
	for _, status := range []domain.CanaryStatus{domain.CanaryPreparing, domain.CanaryRunning} {
		listed, err := s.canaries.ListCanaries(ctx, status)
		if err != nil {
			s.logger.Warn("failed to list canaries", "status", status, "error", err)
			return
		}
		active = append(active, listed...)
	}
	for _, c := range active {
		if ctx.Err() != nil {
			return
		}
		_, err := s.mutateCanary(ctx, c.ID, true, func(c domain.CanaryDeployment) (domain.CanaryDeployment, error) {
			return s.canary.Tick(c, elapsed)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Warn("failed to tick canary", "canary_id", c.ID, "error", err)
		}
	}
}

func (s *Service) runCanaries(ctx context.Context) {
	ticker := s.clock.NewTicker(s.cfg.CanaryTickInterval)
	defer ticker.Stop()
	last := s.clock.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			elapsed := now.Sub(last)
			last = now
			s.TickCanaries(ctx, elapsed)
		}
	}
}

// mutateCanary applies fn under the canary's lock. With evaluate set, failing health
// checks are reported and, when auto-rollback is on, the canary is rolled back in the
// same update.
func (s *Service) mutateCanary(ctx context.Context, id string, evaluate bool, fn func(domain.CanaryDeployment) (domain.CanaryDeployment, error)) (domain.CanaryDeployment, error) {
	var (
		finished     bool
		autoRollback bool
		failing      []domain.HealthCheck
	)
	updated, err := s.canaries.UpdateCanary(ctx, id, func(current domain.CanaryDeployment) (domain.CanaryDeployment, error) {
		next, err := fn(current)
		if err != nil {
			return current, err
		}
		failing, autoRollback = nil, false
		if evaluate && next.Status == domain.CanaryRunning {
			failing = next.FailingChecks()
			if len(failing) > 0 && s.cfg.AutoRollback {
				next, err = s.canary.Rollback(next)
				if err != nil {
					return current, err
				}
				autoRollback = true
			}
		}
		finished = !current.Status.Terminal() && next.Status.Terminal()
		return next, nil
	})
	if err != nil {
		return domain.CanaryDeployment{}, err
	}

	ctx = context.WithoutCancel(ctx)
	for _, hc := range failing {
		s.instruments.healthCheckFailed(hc.Name)
		s.publish(ctx, events.Event{Type: events.HealthCheckFailed, At: s.clock.Now(), CanaryID: updated.ID, Data: hc})
	}
	if autoRollback {
		s.instruments.autoRolledBack()
		s.logger.Warn("canary rolled back automatically", "canary_id", updated.ID, "failing_checks", len(failing))
	}
	if finished {
		s.canaryFinished(ctx, updated)
	}
	return updated, nil
}

func (s *Service) canaryFinished(ctx context.Context, c domain.CanaryDeployment) {
	if _, err := s.aggregator.RecordCanaryOutcome(ctx, c); err != nil {
		s.logger.Error("record canary outcome failed", "canary_id", c.ID, "error", err)
	}
	s.instruments.canaryFinished(c)
	s.logger.Info("canary finished", "canary_id", c.ID, "status", c.Status, "traffic_split_percent", c.TrafficSplitPercent)
	s.publish(ctx, events.Event{Type: events.CanaryFinished, At: s.clock.Now(), CanaryID: c.ID, Data: c})
}

// GetInfrastructureSnapshot returns all tracked resources.
func (s *Service) GetInfrastructureSnapshot() domain.InfrastructureSnapshot {
	if s.infra == nil {
		return domain.InfrastructureSnapshot{CountsByStatus: map[domain.ResourceStatus]int{}, TakenAt: s.clock.Now()}
	}
	return s.infra.Snapshot()
}

// ResourcesByStatus returns resources in the given status.
func (s *Service) ResourcesByStatus(status domain.ResourceStatus) []domain.InfrastructureResource {
	if s.infra == nil {
		return nil
	}
	return s.infra.ResourcesByStatus(status)
}

// SetResourceLifecycle marks a resource provisioning or terminating, or returns it to
// utilization-derived status with ResourceHealthy. A status change is published.
func (s *Service) SetResourceLifecycle(ctx context.Context, id string, status domain.ResourceStatus) (domain.InfrastructureResource, error) {
	if s.infra == nil {
		return domain.InfrastructureResource{}, fmt.Errorf("resource %s: %w", id, domain.ErrNotFound)
	}
	before, err := s.infra.Get(id)
	if err != nil {
		return domain.InfrastructureResource{}, err
	}
	after, err := s.infra.SetLifecycle(id, status)
	if err != nil {
		return domain.InfrastructureResource{}, err
	}
	if before.Status != after.Status {
		s.instruments.resourceChanged(after.Status)
		s.publish(context.WithoutCancel(ctx), events.Event{
			Type:       events.ResourceStatusChanged,
			At:         after.LastUpdated,
			ResourceID: after.ID,
			Data:       after,
		})
	}
	s.logger.Info("resource lifecycle set", "resource_id", id, "status", after.Status)
	return after, nil
}

// GetMetrics computes deployment KPIs over the trailing window.
func (s *Service) GetMetrics(ctx context.Context, windowDays int) (domain.DeploymentMetrics, error) {
	return s.aggregator.Metrics(ctx, windowDays)
}

// Subscribe attaches a sink to the event bus.
func (s *Service) Subscribe(sink events.Sink) {
	s.bus.Subscribe(sink)
}

func (s *Service) publish(ctx context.Context, event events.Event) {
	// Delivery failures are logged by the bus.
	_ = s.bus.Publish(ctx, event)
}

// ResourceChangeHandler returns an infra.ChangeHandler that publishes status transitions.
func ResourceChangeHandler(bus *events.Bus, instruments *Instruments) infra.ChangeHandler {
	return func(before, after domain.InfrastructureResource) {
		instruments.resourceChanged(after.Status)
		_ = bus.Publish(context.Background(), events.Event{
			Type:       events.ResourceStatusChanged,
			At:         after.LastUpdated,
			ResourceID: after.ID,
			Data:       after,
		})
	}
}
