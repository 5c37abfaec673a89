package stream

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNewEvent(t *testing.T) {
	t.Parallel()

	evt := NewEvent("refresh", map[string]string{"id": "123"})
	if evt.Type != "refresh" {
		t.Fatalf("expected type refresh, got %q", evt.Type)
	}
	if evt.At == "" {
		t.Fatal("expected timestamp")
	}
	var payload map[string]string
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload["id"] != "123" {
		t.Fatalf("expected id=123, got %q", payload["id"])
	}
}

func TestSubscribePublishAndUnsubscribeIdempotent(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	h.Publish(NewEvent("ready", nil))

	select {
	case evt := <-ch:
		if evt.Type != "ready" {
			t.Fatalf("expected ready event, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	h.Unsubscribe(ch)
	// Must not panic on repeated calls.
	h.Unsubscribe(ch)
}

func TestPublishDropsWhenBufferFull(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(1)
	defer h.Unsubscribe(ch)

	first := NewEvent("first", nil)
	second := NewEvent("second", nil)
	h.Publish(first)
	h.Publish(second)

	select {
	case evt := <-ch:
		if evt.Type != "first" {
			t.Fatalf("expected first event to remain in buffer, got %q", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first event")
	}

	select {
	case evt := <-ch:
		t.Fatalf("did not expect second buffered event, got %q", evt.Type)
	default:
	}
	if h.Dropped() != 1 {
		t.Fatalf("expected one dropped delivery, got %d", h.Dropped())
	}
}

func TestSubscribeUsesDefaultBuffer(t *testing.T) {
	t.Parallel()

	h := NewHub()
	ch := h.Subscribe(0)
	defer h.Unsubscribe(ch)
	if cap(ch) != 32 {
		t.Fatalf("expected default buffer 32, got %d", cap(ch))
	}
}

func TestFilteredSubscription(t *testing.T) {
	t.Parallel()

	h := NewHub()
	all := h.Subscribe(4)
	onlyA := h.SubscribeFiltered(4, Filter{"app_id": "A", "level": ""})
	defer h.Unsubscribe(all)
	defer h.Unsubscribe(onlyA)
	if h.Subscribers() != 2 {
		t.Fatalf("expected 2 subscribers, got %d", h.Subscribers())
	}

	h.Publish(NewEvent(EventTrace, nil).WithAttr("app_id", "B"))
	h.Publish(NewEvent(EventTrace, nil).WithAttr("app_id", "A"))

	if len(all) != 2 {
		t.Fatalf("unfiltered subscriber expected 2 events, got %d", len(all))
	}
	if len(onlyA) != 1 {
		t.Fatalf("filtered subscriber expected 1 event, got %d", len(onlyA))
	}
	if evt := <-onlyA; evt.Attrs["app_id"] != "A" {
		t.Fatalf("unexpected event attrs %+v", evt.Attrs)
	}
}

func TestWithAttrDoesNotAlias(t *testing.T) {
	t.Parallel()

	base := NewEvent(EventTrace, nil).WithAttr("app_id", "A")
	derived := base.WithAttr("app_id", "B")
	if base.Attrs["app_id"] != "A" || derived.Attrs["app_id"] != "B" {
		t.Fatalf("attrs aliased: base=%v derived=%v", base.Attrs, derived.Attrs)
	}
}
