package infra

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/splax/deployctl/internal/docker"
	"github.com/splax/deployctl/internal/domain"
)

// UtilizationSource reports the current utilization percentage of a resource.
type UtilizationSource interface {
	Utilization(ctx context.Context, resource domain.InfrastructureResource) (float64, error)
}

// SimulatedSource random-walks utilization around its last value.
type SimulatedSource struct {
	mu   sync.Mutex
	rnd  *rand.Rand
	step float64
}

// NewSimulatedSource returns a source drifting at most step percentage points per poll.
func NewSimulatedSource(rnd *rand.Rand, step float64) *SimulatedSource {
	if rnd == nil {
		rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if step <= 0 {
		step = 5
	}
	return &SimulatedSource{rnd: rnd, step: step}
}

func (s *SimulatedSource) Utilization(_ context.Context, resource domain.InfrastructureResource) (float64, error) {
	s.mu.Lock()
	delta := (s.rnd.Float64()*2 - 1) * s.step
	s.mu.Unlock()
	return clampPercent(resource.UtilizationPercent + delta), nil
}

// UsageReader samples container usage. *docker.Client satisfies it.
type UsageReader interface {
	ContainerUsage(ctx context.Context, containerID string) (docker.Usage, error)
}

// ContainerTagPrefix marks the tag that maps a resource to a container.
const ContainerTagPrefix = "container:"

// DockerSource reads utilization from container stats. Resources without a container
// tag fall back to Fallback when set.
type DockerSource struct {
	Reader   UsageReader
	Fallback UtilizationSource
}

func (s DockerSource) Utilization(ctx context.Context, resource domain.InfrastructureResource) (float64, error) {
	containerID := containerFor(resource)
	if containerID == "" {
		if s.Fallback != nil {
			return s.Fallback.Utilization(ctx, resource)
		}
		return resource.UtilizationPercent, nil
	}
	usage, err := s.Reader.ContainerUsage(ctx, containerID)
	if err != nil {
		return 0, fmt.Errorf("sample %s: %w", resource.ID, err)
	}
	return clampPercent(math.Max(usage.CPUPercent, usage.MemoryPercent)), nil
}

func containerFor(resource domain.InfrastructureResource) string {
	for _, tag := range resource.Tags {
		if strings.HasPrefix(tag, ContainerTagPrefix) {
			return strings.TrimSpace(strings.TrimPrefix(tag, ContainerTagPrefix))
		}
	}
	return ""
}

func clampPercent(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Round(math.Max(0, math.Min(100, v))*10) / 10
}
