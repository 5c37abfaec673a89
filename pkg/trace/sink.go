package trace

import (
	"context"
	"errors"
	"sync"

	"mediagate/pkg/models"
	"mediagate/pkg/stream"
)

// ErrSinkUnavailable marks writes short-circuited by a breaker or a closed sink.
var ErrSinkUnavailable = errors.New("trace sink unavailable")

// Sink persists a batch of events. Implementations must be safe for
// concurrent use by several pool workers.
type Sink interface {
	Write(ctx context.Context, events []models.TraceEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, events []models.TraceEvent) error

func (f SinkFunc) Write(ctx context.Context, events []models.TraceEvent) error { return f(ctx, events) }

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, events []models.TraceEvent) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Write(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []models.TraceEvent
}

func (m *MemorySink) Write(_ context.Context, events []models.TraceEvent) error {
	m.mu.Lock()
	m.events = append(m.events, events...)
	m.mu.Unlock()
	return nil
}

func (m *MemorySink) Events() []models.TraceEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.TraceEvent(nil), m.events...)
}

// ByTraceKey returns the events recorded for key in write order.
func (m *MemorySink) ByTraceKey(key string) []models.TraceEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TraceEvent
	for _, e := range m.events {
		if e.TraceKey == key {
			out = append(out, e)
		}
	}
	return out
}

// HubSink publishes events to the live tail.
type HubSink struct {
	Hub *stream.Hub
}

func (h HubSink) Write(_ context.Context, events []models.TraceEvent) error {
	if h.Hub == nil {
		return nil
	}
	for _, e := range events {
		h.Hub.Publish(stream.NewEvent(stream.EventTrace, e).
			WithAttr("trace_key", e.TraceKey).
			WithAttr("app_id", e.AppID).
			WithAttr("level", string(e.Level)))
	}
	return nil
}
