package domain

import "time"

// Environment names a deployment target tier.
type Environment string

const (
	EnvironmentDevelopment Environment = "development"
	EnvironmentStaging     Environment = "staging"
	EnvironmentProduction  Environment = "production"
)

// Valid reports whether e is a known environment.
func (e Environment) Valid() bool {
	switch e {
	case EnvironmentDevelopment, EnvironmentStaging, EnvironmentProduction:
		return true
	}
	return false
}

// StageStatus is the lifecycle state of a single pipeline stage.
type StageStatus string

const (
	StagePending StageStatus = "pending"
	StageRunning StageStatus = "running"
	StageSuccess StageStatus = "success"
	StageFailed  StageStatus = "failed"
	StageSkipped StageStatus = "skipped"
)

// Terminal reports whether no further transition is possible.
func (s StageStatus) Terminal() bool {
	return s == StageSuccess || s == StageFailed || s == StageSkipped
}

// CanTransition reports whether a stage may move from s to next.
func (s StageStatus) CanTransition(next StageStatus) bool {
	switch s {
	case StagePending:
		return next == StageRunning || next == StageSkipped
	case StageRunning:
		return next == StageSuccess || next == StageFailed
	}
	return false
}

// PipelineStatus is the overall state of a pipeline.
type PipelineStatus string

const (
	PipelineIdle    PipelineStatus = "idle"
	PipelineRunning PipelineStatus = "running"
	PipelineSuccess PipelineStatus = "success"
	PipelineFailed  PipelineStatus = "failed"
	PipelinePaused  PipelineStatus = "paused"
)

// Terminal reports whether the pipeline has finished.
func (s PipelineStatus) Terminal() bool {
	return s == PipelineSuccess || s == PipelineFailed
}

// Stage is one discrete step of a deployment pipeline.
type Stage struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Status     StageStatus `json:"status"`
	External   bool        `json:"external,omitempty"`
	StartTime  *time.Time  `json:"start_time,omitempty"`
	EndTime    *time.Time  `json:"end_time,omitempty"`
	DurationMs *int64      `json:"duration_ms,omitempty"`
	Logs       []string    `json:"logs"`
}

// StageDefinition declares a stage when a pipeline is created.
type StageDefinition struct {
	Name     string `json:"name" yaml:"name" validate:"required"`
	External bool   `json:"external,omitempty" yaml:"external,omitempty"`
}

// Pipeline captures a deployment pipeline and its ordered stages.
type Pipeline struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Environment Environment    `json:"environment"`
	Status      PipelineStatus `json:"status"`
	Progress    float64        `json:"progress"`
	Stages      []Stage        `json:"stages"`
	StartTime   *time.Time     `json:"start_time,omitempty"`
	EndTime     *time.Time     `json:"end_time,omitempty"`
	ElapsedMs   int64          `json:"elapsed_ms"`
	DeployedBy  string         `json:"deployed_by"`
	CommitHash  string         `json:"commit_hash"`
	Branch      string         `json:"branch"`
	Version     string         `json:"version"`
	Revision    int64          `json:"revision"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (p Pipeline) Clone() Pipeline {
	out := p
	out.StartTime = cloneTime(p.StartTime)
	out.EndTime = cloneTime(p.EndTime)
	if p.Stages != nil {
		out.Stages = make([]Stage, len(p.Stages))
		for i, st := range p.Stages {
			out.Stages[i] = st.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the stage.
func (s Stage) Clone() Stage {
	out := s
	out.StartTime = cloneTime(s.StartTime)
	out.EndTime = cloneTime(s.EndTime)
	if s.DurationMs != nil {
		d := *s.DurationMs
		out.DurationMs = &d
	}
	if s.Logs != nil {
		out.Logs = append([]string(nil), s.Logs...)
	}
	return out
}

// CurrentStage returns the index of the running stage, or -1.
func (p Pipeline) CurrentStage() int {
	for i, st := range p.Stages {
		if st.Status == StageRunning {
			return i
		}
	}
	return -1
}

// StageIndex returns the index of the stage with the given id, or -1.
func (p Pipeline) StageIndex(stageID string) int {
	for i, st := range p.Stages {
		if st.ID == stageID {
			return i
		}
	}
	return -1
}

// DurationMs returns the wall span of a finished pipeline, or zero.
func (p Pipeline) DurationMs() int64 {
	if p.StartTime == nil || p.EndTime == nil {
		return 0
	}
	return p.EndTime.Sub(*p.StartTime).Milliseconds()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
