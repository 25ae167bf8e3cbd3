// Package events delivers orchestration notifications to any number of sinks.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Type names an event.
type Type string

const (
	PipelineCompleted     Type = "pipeline.completed"
	HealthCheckFailed     Type = "canary.health_check_failed"
	CanaryFinished        Type = "canary.finished"
	ResourceStatusChanged Type = "infrastructure.status_changed"
)

// Event is a single notification. Data carries the entity snapshot.
type Event struct {
	Type       Type      `json:"type"`
	At         time.Time `json:"at"`
	PipelineID string    `json:"pipeline_id,omitempty"`
	CanaryID   string    `json:"canary_id,omitempty"`
	ResourceID string    `json:"resource_id,omitempty"`
	Data       any       `json:"data,omitempty"`
}

// Topic returns the entity-scoped stream key for the event, or "" if it has none.
func (e Event) Topic() string {
	switch {
	case e.PipelineID != "":
		return "pipeline:" + e.PipelineID
	case e.CanaryID != "":
		return "canary:" + e.CanaryID
	case e.ResourceID != "":
		return "resource:" + e.ResourceID
	}
	return ""
}

// Sink receives published events.
type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Publish(ctx context.Context, event Event) error { return f(ctx, event) }

// Bus fans events out to every subscribed sink in subscription order.
type Bus struct {
	mu     sync.RWMutex
	sinks  []Sink
	logger *slog.Logger
}

// NewBus constructs an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{logger: logger.With("component", "events")}
}

// Subscribe adds a sink.
func (b *Bus) Subscribe(sink Sink) {
	b.mu.Lock()
	b.sinks = append(b.sinks, sink)
	b.mu.Unlock()
}

// Publish delivers the event to every sink. A failing sink does not stop delivery to
// the others; the joined error is returned.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	b.mu.RLock()
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()

	var errs []error
	for _, sink := range sinks {
		if err := sink.Publish(ctx, event); err != nil {
			b.logger.Warn("event delivery failed", "type", event.Type, "error", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes every event to the logger.
func LogSink(logger *slog.Logger) Sink {
	return SinkFunc(func(_ context.Context, event Event) error {
		logger.Info("event", "type", event.Type, "pipeline_id", event.PipelineID, "canary_id", event.CanaryID, "resource_id", event.ResourceID)
		return nil
	})
}
