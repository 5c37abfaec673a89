package trace

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"testing"

	"github.com/segmentio/kafka-go"

	"mediagate/pkg/models"
	"mediagate/pkg/stream"
)

type fakeKafkaWriter struct {
	msgs []kafka.Message
	err  error
}

func (f *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeKafkaWriter) Close() error { return nil }

func TestKafkaSinkKeysByTraceKey(t *testing.T) {
	w := &fakeKafkaWriter{}
	sink := &KafkaSink{writer: w}
	events := []models.TraceEvent{
		{ID: "1", TraceKey: "tk-1", Tollgate: "A-1", Level: models.LevelInfo},
		{ID: "2", TraceKey: "tk-2", Tollgate: "B-1", Level: models.LevelInfo},
	}
	if err := sink.Write(context.Background(), events); err != nil {
		t.Fatal(err)
	}
	if len(w.msgs) != 2 || string(w.msgs[0].Key) != "tk-1" || string(w.msgs[1].Key) != "tk-2" {
		t.Fatalf("messages = %+v", w.msgs)
	}
	var decoded models.TraceEvent
	if err := json.Unmarshal(w.msgs[1].Value, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Tollgate != "B-1" {
		t.Fatalf("decoded = %+v", decoded)
	}
}

func TestNewKafkaSinkValidation(t *testing.T) {
	if _, err := NewKafkaSink(KafkaConfig{Brokers: []string{" "}, Topic: "t"}); err == nil {
		t.Fatal("expected brokers error")
	}
	if _, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}}); err == nil {
		t.Fatal("expected topic error")
	}
	s, err := NewKafkaSink(KafkaConfig{Brokers: []string{"localhost:9092"}, Topic: "log_trace"})
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Close()
	var nilSink *KafkaSink
	if err := nilSink.Write(context.Background(), nil); !errors.Is(err, ErrSinkUnavailable) {
		t.Fatalf("nil sink err = %v", err)
	}
}

func TestMultiSinkJoinsErrors(t *testing.T) {
	mem := &MemorySink{}
	boom := errors.New("boom")
	multi := MultiSink{mem, nil, SinkFunc(func(context.Context, []models.TraceEvent) error { return boom })}
	err := multi.Write(context.Background(), []models.TraceEvent{{TraceKey: "tk"}})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if len(mem.ByTraceKey("tk")) != 1 {
		t.Fatal("healthy sink should still receive the batch")
	}
}

func TestHubSinkPublishesWithAttrs(t *testing.T) {
	hub := stream.NewHub()
	ch := hub.SubscribeFiltered(4, stream.Filter{"app_id": "A"})
	defer hub.Unsubscribe(ch)
	sink := HubSink{Hub: hub}
	_ = sink.Write(context.Background(), []models.TraceEvent{
		{TraceKey: "tk", AppID: "B", Level: models.LevelInfo},
		{TraceKey: "tk", AppID: "A", Level: models.LevelError},
	})
	if len(ch) != 1 {
		t.Fatalf("expected 1 filtered event, got %d", len(ch))
	}
	got := <-ch
	if got.Type != stream.EventTrace || got.Attrs["level"] != "error" {
		t.Fatalf("event = %+v", got)
	}
}

func TestRedactHeadersAndQuery(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer x")
	h.Set("X-Signature", "sig")
	h.Set("X-Ticket", "t")
	h.Set("X-Refresh-Token", "r")
	h.Set("Content-Type", "application/json")
	got := RedactHeaders(h)
	for _, k := range []string{"authorization", "x-signature", "x-ticket", "x-refresh-token"} {
		if got[k] != Redacted {
			t.Errorf("%s = %q", k, got[k])
		}
	}
	if got["content-type"] != "application/json" {
		t.Fatalf("content-type = %q", got["content-type"])
	}
	if RedactHeaders(nil) != nil {
		t.Fatal("nil headers should stay nil")
	}

	q := url.Values{"url": {"https://v.example/1"}, "access_token": {"abc"}, "tag": {"a", "b"}}
	params := RedactQuery(q)
	if params["url"] != "https://v.example/1" || params["access_token"] != Redacted {
		t.Fatalf("params = %v", params)
	}
	if tags, ok := params["tag"].([]string); !ok || len(tags) != 2 {
		t.Fatalf("tag = %v", params["tag"])
	}
}
