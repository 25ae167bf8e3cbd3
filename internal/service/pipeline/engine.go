package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/splax/deployctl/internal/domain"
	"github.com/splax/deployctl/internal/validate"
)

const (
	defaultIncrement = 10.0
	// externalHoldFraction caps progress inside an external stage's share until its
	// result is injected.
	externalHoldFraction = 0.95
)

// CreateSpec describes a pipeline to create.
type CreateSpec struct {
	Name        string                   `validate:"required"`
	Environment domain.Environment       `validate:"required,oneof=development staging production"`
	Branch      string                   `validate:"required"`
	CommitHash  string                   `validate:"required,hexadecimal,min=7,max=40"`
	Version     string                   `validate:"required"`
	DeployedBy  string                   `validate:"required"`
	Stages      []domain.StageDefinition `validate:"required,min=1,dive"`
	Deferred    bool
}

// Options configures an Engine.
type Options struct {
	Increment Increment
	Now       func() time.Time
	NewID     func() string
}

// Engine applies lifecycle transitions to pipelines. Every method works on a copy and
// returns it; on error the input is left untouched.
type Engine struct {
	increment Increment
	now       func() time.Time
	newID     func() string
}

// NewEngine constructs an Engine with defaults for unset options.
func NewEngine(opts Options) *Engine {
	e := &Engine{increment: opts.Increment, now: opts.Now, newID: opts.NewID}
	if e.increment == nil {
		e.increment = Fixed(defaultIncrement)
	}
	if e.now == nil {
		e.now = func() time.Time { return time.Now().UTC() }
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

// Create initializes a pipeline with all stages pending and zero progress.
func (e *Engine) Create(spec CreateSpec) (domain.Pipeline, error) {
	if err := validate.Struct(spec); err != nil {
		return domain.Pipeline{}, err
	}
	now := e.now()
	p := domain.Pipeline{
		ID:          e.newID(),
		Name:        strings.TrimSpace(spec.Name),
		Environment: spec.Environment,
		Status:      domain.PipelineRunning,
		DeployedBy:  spec.DeployedBy,
		CommitHash:  strings.ToLower(spec.CommitHash),
		Branch:      spec.Branch,
		Version:     spec.Version,
		Revision:    1,
		CreatedAt:   now,
		Stages:      make([]domain.Stage, len(spec.Stages)),
	}
	for i, def := range spec.Stages {
		p.Stages[i] = domain.Stage{
			ID:       fmt.Sprintf("stage-%d", i+1),
			Name:     strings.TrimSpace(def.Name),
			Status:   domain.StagePending,
			External: def.External,
			Logs:     []string{},
		}
	}
	if spec.Deferred {
		p.Status = domain.PipelineIdle
	} else {
		p.StartTime = &now
	}
	return p, nil
}

// Start moves a deferred pipeline from idle to running.
func (e *Engine) Start(p domain.Pipeline) (domain.Pipeline, error) {
	if p.Status != domain.PipelineIdle {
		return p, fmt.Errorf("%w: cannot start pipeline in status %s", domain.ErrInvalidTransition, p.Status)
	}
	out := p.Clone()
	now := e.now()
	out.StartTime = &now
	out.ElapsedMs = 0
	out.Status = domain.PipelineRunning
	out.Revision++
	return out, nil
}

// Advance moves a running pipeline forward by one increment. Pipelines that are not
// running, including terminal ones, are returned unchanged.
func (e *Engine) Advance(p domain.Pipeline, elapsed time.Duration) (domain.Pipeline, error) {
	if p.Status != domain.PipelineRunning {
		return p, nil
	}
	if elapsed < 0 {
		return p, validate.Errorf("elapsed must not be negative")
	}
	out := p.Clone()
	out.ElapsedMs += elapsed.Milliseconds()
	step := e.increment.Next()
	if step < 0 {
		step = 0
	}
	e.settle(&out, clampProgress(out.Progress+step), e.timeline(out))
	out.Revision++
	return out, nil
}

// MarkStageResult injects an external success or failure for the running stage.
func (e *Engine) MarkStageResult(p domain.Pipeline, stageID string, result domain.StageStatus, message string) (domain.Pipeline, error) {
	if result != domain.StageSuccess && result != domain.StageFailed {
		return p, validate.Errorf("result must be success or failed, got %q", result)
	}
	idx := p.StageIndex(stageID)
	if idx < 0 {
		return p, fmt.Errorf("stage %s: %w", stageID, domain.ErrNotFound)
	}
	if p.Status.Terminal() {
		return p, fmt.Errorf("%w: pipeline %s already %s", domain.ErrInvalidTransition, p.ID, p.Status)
	}
	if st := p.Stages[idx]; st.Status != domain.StageRunning {
		return p, fmt.Errorf("%w: stage %s is %s, not running", domain.ErrInvalidTransition, stageID, st.Status)
	}

	out := p.Clone()
	now := e.timeline(out)
	if result == domain.StageFailed {
		e.fail(&out, idx, now, message)
		out.Revision++
		return out, nil
	}

	finishStage(&out.Stages[idx], domain.StageSuccess, now, message)
	if end := shareEnd(idx, len(out.Stages)); out.Progress < end {
		out.Progress = end
	}
	if out.Status == domain.PipelineRunning {
		e.settle(&out, out.Progress, now)
	} else {
		e.finalize(&out, now)
	}
	out.Revision++
	return out, nil
}

// Pause suspends a running pipeline.
func (e *Engine) Pause(p domain.Pipeline) (domain.Pipeline, error) {
	if p.Status != domain.PipelineRunning {
		return p, fmt.Errorf("%w: cannot pause pipeline in status %s", domain.ErrInvalidTransition, p.Status)
	}
	out := p.Clone()
	out.Status = domain.PipelinePaused
	out.Revision++
	return out, nil
}

// Resume continues a paused pipeline.
func (e *Engine) Resume(p domain.Pipeline) (domain.Pipeline, error) {
	if p.Status != domain.PipelinePaused {
		return p, fmt.Errorf("%w: cannot resume pipeline in status %s", domain.ErrInvalidTransition, p.Status)
	}
	out := p.Clone()
	out.Status = domain.PipelineRunning
	out.Revision++
	return out, nil
}

// Cancel aborts a non-terminal pipeline, failing the running stage if any.
func (e *Engine) Cancel(p domain.Pipeline, reason string) (domain.Pipeline, error) {
	if p.Status.Terminal() {
		return p, fmt.Errorf("%w: pipeline %s already %s", domain.ErrInvalidTransition, p.ID, p.Status)
	}
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by operator"
	}
	out := p.Clone()
	now := e.timeline(out)
	if out.StartTime == nil {
		start := now
		out.StartTime = &start
	}
	e.fail(&out, out.CurrentStage(), now, reason)
	out.Revision++
	return out, nil
}

// settle opens and completes stages until progress reaches target or an external
// stage blocks, then derives the pipeline status.
func (e *Engine) settle(p *domain.Pipeline, target float64, now time.Time) {
	n := len(p.Stages)
	for {
		idx := p.CurrentStage()
		if idx < 0 {
			idx = nextPending(*p)
			if idx < 0 {
				break
			}
			startStage(&p.Stages[idx], now)
		}
		end := shareEnd(idx, n)
		if p.Stages[idx].External {
			hold := shareStart(idx, n) + (end-shareStart(idx, n))*externalHoldFraction
			if target > hold {
				target = hold
			}
			break
		}
		if target < end {
			break
		}
		finishStage(&p.Stages[idx], domain.StageSuccess, now, "")
		p.Progress = end
	}
	if target > p.Progress {
		p.Progress = target
	}
	e.finalize(p, now)
}

func (e *Engine) finalize(p *domain.Pipeline, now time.Time) {
	p.Status = domain.DerivePipelineStatus(p.Status, p.Stages)
	if !p.Status.Terminal() {
		return
	}
	if p.Status == domain.PipelineSuccess {
		p.Progress = 100
	}
	if p.EndTime == nil {
		end := now
		p.EndTime = &end
	}
}

// fail marks stage idx failed (when idx >= 0), skips everything still pending and
// freezes progress.
func (e *Engine) fail(p *domain.Pipeline, idx int, now time.Time, reason string) {
	if idx >= 0 {
		finishStage(&p.Stages[idx], domain.StageFailed, now, reason)
	}
	for i := range p.Stages {
		if p.Stages[i].Status == domain.StagePending {
			p.Stages[i].Status = domain.StageSkipped
			p.Stages[i].Logs = append(p.Stages[i].Logs, "skipped: pipeline failed before this stage ran")
		}
	}
	p.Status = domain.PipelineFailed
	if p.EndTime == nil {
		end := now
		p.EndTime = &end
	}
}

// timeline returns the pipeline's simulated clock: start plus accumulated elapsed time.
func (e *Engine) timeline(p domain.Pipeline) time.Time {
	if p.StartTime == nil {
		return e.now()
	}
	return p.StartTime.Add(time.Duration(p.ElapsedMs) * time.Millisecond)
}

func startStage(st *domain.Stage, now time.Time) {
	start := now
	st.Status = domain.StageRunning
	st.StartTime = &start
	st.Logs = append(st.Logs, fmt.Sprintf("%s started", st.Name))
}

func finishStage(st *domain.Stage, status domain.StageStatus, now time.Time, message string) {
	end := now
	if st.StartTime != nil && end.Before(*st.StartTime) {
		end = *st.StartTime
	}
	st.Status = status
	st.EndTime = &end
	if st.StartTime != nil {
		d := end.Sub(*st.StartTime).Milliseconds()
		st.DurationMs = &d
	}
	line := fmt.Sprintf("%s completed", st.Name)
	if status == domain.StageFailed {
		line = fmt.Sprintf("%s failed", st.Name)
	}
	if msg := strings.TrimSpace(message); msg != "" {
		line += ": " + msg
	}
	st.Logs = append(st.Logs, line)
}

func nextPending(p domain.Pipeline) int {
	for i, st := range p.Stages {
		if st.Status == domain.StagePending {
			return i
		}
		if st.Status != domain.StageSuccess {
			return -1
		}
	}
	return -1
}

func shareStart(idx, n int) float64 {
	return float64(idx) * 100 / float64(n)
}

func shareEnd(idx, n int) float64 {
	return float64(idx+1) * 100 / float64(n)
}

func clampProgress(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
