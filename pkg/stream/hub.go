// Package stream fans live events out to websocket subscribers.
package stream

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const EventTrace = "trace"

type Event struct {
	Type  string            `json:"type"`
	At    string            `json:"at"`
	Attrs map[string]string `json:"attrs,omitempty"`
	Data  json.RawMessage   `json:"data,omitempty"`
}

func NewEvent(eventType string, data interface{}) Event {
	var raw json.RawMessage
	if data != nil {
		b, _ := json.Marshal(data)
		raw = b
	}
	return Event{Type: eventType, At: time.Now().UTC().Format(time.RFC3339Nano), Data: raw}
}

// WithAttr returns a copy of e with a filterable attribute set.
func (e Event) WithAttr(key, value string) Event {
	attrs := make(map[string]string, len(e.Attrs)+1)
	for k, v := range e.Attrs {
		attrs[k] = v
	}
	attrs[key] = value
	e.Attrs = attrs
	return e
}

// Filter selects events for a subscriber. Empty fields match everything.
type Filter map[string]string

func (f Filter) Match(e Event) bool {
	for k, v := range f {
		if v != "" && e.Attrs[k] != v {
			return false
		}
	}
	return true
}

type Hub struct {
	mu      sync.RWMutex
	subs    map[chan Event]Filter
	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan Event]Filter{}}
}

func (h *Hub) Subscribe(buffer int) chan Event {
	return h.SubscribeFiltered(buffer, nil)
}

func (h *Hub) SubscribeFiltered(buffer int, f Filter) chan Event {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Event, buffer)
	h.mu.Lock()
	h.subs[ch] = f
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	_, exists := h.subs[ch]
	if exists {
		delete(h.subs, ch)
	}
	h.mu.Unlock()
	if exists {
		close(ch)
	}
}

// Publish never blocks; slow subscribers miss events.
func (h *Hub) Publish(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch, f := range h.subs {
		if !f.Match(evt) {
			continue
		}
		select {
		case ch <- evt:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers reports the live subscription count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped counts deliveries skipped because a subscriber buffer was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}
