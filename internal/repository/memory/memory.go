// Package memory provides in-process entity stores. Each entity has its own lock, so
// mutations of one pipeline or canary never wait on another.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/splax/deployctl/internal/domain"
	"github.com/splax/deployctl/internal/repository"
)

type cloner[T any] interface {
	Clone() T
}

type slot[T cloner[T]] struct {
	mu    sync.Mutex
	value T
}

// table is an id-keyed collection with per-entry locking and insertion order.
type table[T cloner[T]] struct {
	mu    sync.RWMutex
	rows  map[string]*slot[T]
	order []string
}

func newTable[T cloner[T]]() *table[T] {
	return &table[T]{rows: make(map[string]*slot[T])}
}

func (t *table[T]) insert(id string, value T) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.rows[id]; exists {
		return fmt.Errorf("%w: duplicate id %s", domain.ErrValidation, id)
	}
	t.rows[id] = &slot[T]{value: value.Clone()}
	t.order = append(t.order, id)
	return nil
}

func (t *table[T]) lookup(id string) (*slot[T], bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.rows[id]
	return s, ok
}

func (t *table[T]) get(id string) (T, error) {
	s, ok := t.lookup(id)
	if !ok {
		var zero T
		return zero, repository.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value.Clone(), nil
}

// list returns clones newest first.
func (t *table[T]) list(keep func(T) bool, limit int) []T {
	t.mu.RLock()
	ids := append([]string(nil), t.order...)
	t.mu.RUnlock()

	out := make([]T, 0, len(ids))
	for i := len(ids) - 1; i >= 0; i-- {
		s, ok := t.lookup(ids[i])
		if !ok {
			continue
		}
		s.mu.Lock()
		v := s.value.Clone()
		s.mu.Unlock()
		if keep != nil && !keep(v) {
			continue
		}
		out = append(out, v)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

func (t *table[T]) update(ctx context.Context, id string, fn func(T) (T, error)) (T, error) {
	s, ok := t.lookup(id)
	if !ok {
		var zero T
		return zero, repository.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return s.value.Clone(), err
	}
	next, err := fn(s.value.Clone())
	if err != nil {
		return s.value.Clone(), err
	}
	s.value = next.Clone()
	return next, nil
}

// Store implements the pipeline, canary and history repositories in memory.
type Store struct {
	pipelines *table[domain.Pipeline]
	canaries  *table[domain.CanaryDeployment]

	historyMu sync.RWMutex
	history   []domain.HistoryEntry
}

// ensure Store satisfies interfaces.
var (
	_ repository.PipelineRepository = (*Store)(nil)
	_ repository.CanaryRepository   = (*Store)(nil)
	_ repository.HistoryRepository  = (*Store)(nil)
)

// New constructs an empty Store.
func New() *Store {
	return &Store{
		pipelines: newTable[domain.Pipeline](),
		canaries:  newTable[domain.CanaryDeployment](),
	}
}

// CreatePipeline inserts a pipeline.
func (s *Store) CreatePipeline(_ context.Context, pipeline domain.Pipeline) error {
	return s.pipelines.insert(pipeline.ID, pipeline)
}

// GetPipeline returns a copy of the stored pipeline.
func (s *Store) GetPipeline(_ context.Context, id string) (domain.Pipeline, error) {
	return s.pipelines.get(id)
}

// ListPipelines returns pipelines newest first.
func (s *Store) ListPipelines(_ context.Context, filter repository.PipelineFilter) ([]domain.Pipeline, error) {
	keep := func(p domain.Pipeline) bool {
		if filter.Status != "" && p.Status != filter.Status {
			return false
		}
		if filter.Environment != "" && p.Environment != filter.Environment {
			return false
		}
		return true
	}
	return s.pipelines.list(keep, filter.Limit), nil
}

// UpdatePipeline applies fn under the pipeline's lock.
func (s *Store) UpdatePipeline(ctx context.Context, id string, fn repository.PipelineMutation) (domain.Pipeline, error) {
	return s.pipelines.update(ctx, id, fn)
}

// CreateCanary inserts a canary.
func (s *Store) CreateCanary(_ context.Context, canary domain.CanaryDeployment) error {
	return s.canaries.insert(canary.ID, canary)
}

// GetCanary returns a copy of the stored canary.
func (s *Store) GetCanary(_ context.Context, id string) (domain.CanaryDeployment, error) {
	return s.canaries.get(id)
}

// ListCanaries returns canaries newest first, optionally filtered by status.
func (s *Store) ListCanaries(_ context.Context, status domain.CanaryStatus) ([]domain.CanaryDeployment, error) {
	keep := func(c domain.CanaryDeployment) bool {
		return status == "" || c.Status == status
	}
	return s.canaries.list(keep, 0), nil
}

// UpdateCanary applies fn under the canary's lock.
func (s *Store) UpdateCanary(ctx context.Context, id string, fn repository.CanaryMutation) (domain.CanaryDeployment, error) {
	return s.canaries.update(ctx, id, fn)
}

// AppendHistory appends an entry; history is never rewritten.
func (s *Store) AppendHistory(_ context.Context, entry domain.HistoryEntry) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	s.history = append(s.history, entry)
	return nil
}

// ListHistory returns a snapshot of entries completed at or after since, oldest first.
func (s *Store) ListHistory(_ context.Context, since time.Time) ([]domain.HistoryEntry, error) {
	s.historyMu.RLock()
	snapshot := make([]domain.HistoryEntry, 0, len(s.history))
	for _, entry := range s.history {
		if !since.IsZero() && entry.CompletedAt.Before(since) {
			continue
		}
		snapshot = append(snapshot, entry)
	}
	s.historyMu.RUnlock()
	sort.SliceStable(snapshot, func(i, j int) bool {
		return snapshot[i].CompletedAt.Before(snapshot[j].CompletedAt)
	})
	return snapshot, nil
}
