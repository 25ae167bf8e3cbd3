package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultAsyncBuffer is the queue length used when none is given.
	DefaultAsyncBuffer = 256
	defaultSendTimeout = 5 * time.Second
)

var (
	// ErrSinkFull is returned when the queue is full and the event was dropped.
	ErrSinkFull = errors.New("event queue full")
	// ErrSinkClosed is returned after Close.
	ErrSinkClosed = errors.New("event sink closed")
)

type queued struct {
	ctx   context.Context
	event Event
}

// AsyncSink queues events for delivery to a slower sink on its own goroutine, so
// publishers never wait on the wrapped sink. Events are dropped when the queue is full.
type AsyncSink struct {
	sink    Sink
	logger  *slog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan queued
	done   chan struct{}
}

// NewAsyncSink starts the delivery goroutine for sink. Close must be called to stop it.
func NewAsyncSink(sink Sink, buffer int, logger *slog.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = DefaultAsyncBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &AsyncSink{
		sink:    sink,
		logger:  logger.With("component", "events_async"),
		timeout: defaultSendTimeout,
		queue:   make(chan queued, buffer),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish enqueues the event without blocking.
func (a *AsyncSink) Publish(ctx context.Context, event Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrSinkClosed
	}
	select {
	case a.queue <- queued{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	default:
		a.logger.Warn("event dropped", "type", event.Type, "queue", cap(a.queue))
		return ErrSinkFull
	}
}

// Close stops accepting events, delivers what is queued and waits for the worker.
func (a *AsyncSink) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *AsyncSink) run() {
	defer close(a.done)
	for q := range a.queue {
		ctx, cancel := context.WithTimeout(q.ctx, a.timeout)
		if err := a.sink.Publish(ctx, q.event); err != nil {
			a.logger.Warn("async event delivery failed", "type", q.event.Type, "error", err)
		}
		cancel()
	}
}
