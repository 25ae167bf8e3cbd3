package repository

import (
	"context"
	"time"

	"github.com/splax/deployctl/internal/domain"
)

// PipelineMutation transforms the current pipeline. Returning an error aborts the
// update and leaves the stored value untouched.
type PipelineMutation func(current domain.Pipeline) (domain.Pipeline, error)

// CanaryMutation transforms the current canary with the same all-or-nothing contract.
type CanaryMutation func(current domain.CanaryDeployment) (domain.CanaryDeployment, error)

// PipelineFilter narrows pipeline listings. Zero values match everything.
type PipelineFilter struct {
	Status      domain.PipelineStatus
	Environment domain.Environment
	Limit       int
}

// PipelineRepository stores live pipelines. UpdatePipeline serializes mutations per id.
type PipelineRepository interface {
	CreatePipeline(ctx context.Context, pipeline domain.Pipeline) error
	GetPipeline(ctx context.Context, id string) (domain.Pipeline, error)
	ListPipelines(ctx context.Context, filter PipelineFilter) ([]domain.Pipeline, error)
	UpdatePipeline(ctx context.Context, id string, fn PipelineMutation) (domain.Pipeline, error)
}

// CanaryRepository stores live canary rollouts. UpdateCanary serializes mutations per id.
type CanaryRepository interface {
	CreateCanary(ctx context.Context, canary domain.CanaryDeployment) error
	GetCanary(ctx context.Context, id string) (domain.CanaryDeployment, error)
	ListCanaries(ctx context.Context, status domain.CanaryStatus) ([]domain.CanaryDeployment, error)
	UpdateCanary(ctx context.Context, id string, fn CanaryMutation) (domain.CanaryDeployment, error)
}

// HistoryRepository is the append-only record of finished deployments. Reads return a
// snapshot and are safe while appends are in flight.
type HistoryRepository interface {
	AppendHistory(ctx context.Context, entry domain.HistoryEntry) error
	ListHistory(ctx context.Context, since time.Time) ([]domain.HistoryEntry, error)
}
