package infra

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/splax/deployctl/internal/clock"
	"github.com/splax/deployctl/internal/domain"
	"github.com/splax/deployctl/internal/validate"
)

const defaultPollInterval = 5 * time.Second

// ChangeHandler observes a resource whose status changed during a poll.
type ChangeHandler func(before, after domain.InfrastructureResource)

// Options configures a Monitor.
type Options struct {
	Source   UtilizationSource
	Clock    clock.Clock
	Logger   *slog.Logger
	OnChange ChangeHandler
}

// Monitor tracks infrastructure resources and derives their status from utilization.
type Monitor struct {
	source   UtilizationSource
	clock    clock.Clock
	logger   *slog.Logger
	onChange ChangeHandler

	mu        sync.RWMutex
	resources map[string]domain.InfrastructureResource
}

// NewMonitor constructs a monitor seeded with the given inventory.
func NewMonitor(opts Options, inventory []domain.InfrastructureResource) (*Monitor, error) {
	if opts.Source == nil {
		opts.Source = NewSimulatedSource(nil, 0)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Monitor{
		source:    opts.Source,
		clock:     opts.Clock,
		logger:    opts.Logger.With("component", "infra"),
		onChange:  opts.OnChange,
		resources: make(map[string]domain.InfrastructureResource, len(inventory)),
	}
	for _, res := range inventory {
		if err := m.Register(res); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register adds or replaces a resource.
func (m *Monitor) Register(res domain.InfrastructureResource) error {
	if err := validate.Struct(res); err != nil {
		return fmt.Errorf("resource %q: %w", res.ID, err)
	}
	res = res.Clone()
	res.Status = domain.DeriveResourceStatus(res.Status, res.UtilizationPercent)
	res.LastUpdated = m.clock.Now()
	m.mu.Lock()
	m.resources[res.ID] = res
	m.mu.Unlock()
	return nil
}

// SetLifecycle marks a resource as provisioning or terminating, or clears the lifecycle
// state when status is healthy.
func (m *Monitor) SetLifecycle(id string, status domain.ResourceStatus) (domain.InfrastructureResource, error) {
	switch status {
	case domain.ResourceProvisioning, domain.ResourceTerminating, domain.ResourceHealthy:
	default:
		return domain.InfrastructureResource{}, validate.Errorf("status %q is derived from utilization", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	res, ok := m.resources[id]
	if !ok {
		return domain.InfrastructureResource{}, fmt.Errorf("resource %s: %w", id, domain.ErrNotFound)
	}
	if status == domain.ResourceHealthy {
		res.Status = domain.DeriveResourceStatus(status, res.UtilizationPercent)
	} else {
		res.Status = status
	}
	res.LastUpdated = m.clock.Now()
	m.resources[id] = res
	return res.Clone(), nil
}

// Get returns a copy of the resource.
func (m *Monitor) Get(id string) (domain.InfrastructureResource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.resources[id]
	if !ok {
		return domain.InfrastructureResource{}, fmt.Errorf("resource %s: %w", id, domain.ErrNotFound)
	}
	return res.Clone(), nil
}

// Poll samples one resource and updates its utilization and status.
func (m *Monitor) Poll(ctx context.Context, id string) (domain.InfrastructureResource, error) {
	current, err := m.Get(id)
	if err != nil {
		return domain.InfrastructureResource{}, err
	}
	util, err := m.source.Utilization(ctx, current)
	if err != nil {
		return domain.InfrastructureResource{}, err
	}
	util = clampPercent(util)

	m.mu.Lock()
	before, ok := m.resources[id]
	if !ok {
		m.mu.Unlock()
		return domain.InfrastructureResource{}, fmt.Errorf("resource %s: %w", id, domain.ErrNotFound)
	}
	after := before.Clone()
	after.UtilizationPercent = util
	after.Status = domain.DeriveResourceStatus(before.Status, util)
	after.LastUpdated = m.clock.Now()
	m.resources[id] = after
	m.mu.Unlock()

	if before.Status != after.Status {
		m.logger.Info("resource status changed", "resource_id", id, "from", before.Status, "to", after.Status, "utilization", util)
		if m.onChange != nil {
			m.onChange(before, after.Clone())
		}
	}
	return after.Clone(), nil
}

// PollAll polls every resource, logging failures and continuing with the rest.
func (m *Monitor) PollAll(ctx context.Context) int {
	ids := m.ids()
	polled := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := m.Poll(ctx, id); err != nil {
			m.logger.Warn("poll resource failed", "resource_id", id, "error", err)
			continue
		}
		polled++
	}
	return polled
}

// Run polls all resources on every tick until the context is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	ticker := m.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			m.PollAll(ctx)
		}
	}
}

// TotalMonthlyCost sums the monthly cost of every tracked resource.
func (m *Monitor) TotalMonthlyCost() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for _, res := range m.resources {
		total += res.CostPerMonth
	}
	return total
}

// ResourcesByStatus returns resources with the given status ordered by id.
func (m *Monitor) ResourcesByStatus(status domain.ResourceStatus) []domain.InfrastructureResource {
	m.mu.RLock()
	out := make([]domain.InfrastructureResource, 0)
	for _, res := range m.resources {
		if res.Status == status {
			out = append(out, res.Clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Snapshot returns a consistent copy of all resources and their aggregates.
func (m *Monitor) Snapshot() domain.InfrastructureSnapshot {
	m.mu.RLock()
	snap := domain.InfrastructureSnapshot{
		Resources:      make([]domain.InfrastructureResource, 0, len(m.resources)),
		CountsByStatus: make(map[domain.ResourceStatus]int),
		TakenAt:        m.clock.Now(),
	}
	for _, res := range m.resources {
		snap.Resources = append(snap.Resources, res.Clone())
		snap.TotalMonthlyCost += res.CostPerMonth
		snap.CountsByStatus[res.Status]++
	}
	m.mu.RUnlock()
	sort.Slice(snap.Resources, func(i, j int) bool { return snap.Resources[i].ID < snap.Resources[j].ID })
	return snap
}

func (m *Monitor) ids() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.resources))
	for id := range m.resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
