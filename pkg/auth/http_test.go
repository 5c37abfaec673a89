package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"mediagate/pkg/models"
	"mediagate/pkg/ratelimit"
	"mediagate/pkg/reqctx"
	"mediagate/pkg/trace"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []models.TraceEvent
}

func (r *recordingEmitter) Emit(evt models.TraceEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return true
}

func (r *recordingEmitter) tollgates() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Tollgate)
	}
	return out
}

func signedHTTPRequest(t *testing.T, body string, ts string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/media/extract?token=abc&page=2", strings.NewReader(body))
	canonical, err := HMACProvider{}.Canonicalize(&models.SignedRequest{Body: []byte(body), Timestamp: ts}, models.SignConfig{})
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(HeaderAppID, testAppID)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, SignHMAC("portal-secret", canonical))
	req.Header.Set("Authorization", "Bearer should-not-leak")
	return req
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestMiddlewareThreeStagePipeline(t *testing.T) {
	emitter := trace.NewEmitter(trace.EmitterConfig{QueueSize: 64}, nil, nil)
	sink := &trace.MemorySink{}
	pool := trace.NewPool(emitter, sink, trace.PoolConfig{Workers: 2, FlushInterval: 10 * time.Millisecond}, nil, nil)
	pool.Start()

	v := NewVerifier(NewStaticKeyStore(hmacCredential()), WithClock(fixedClock))
	var seq reqctx.Sequencer
	var traceKey string
	handler := Middleware(v, WithBaseStage("A"), WithTraceEmitter(emitter))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, ok := reqctx.FromContext(r.Context())
		if !ok {
			t.Error("request context missing")
			return
		}
		id, ok := IdentityFromContext(r.Context())
		if !ok || id.AppName != "media-portal" {
			t.Errorf("identity missing: %+v", id)
		}
		traceKey = rc.TraceKey
		emitter.Emit(trace.NewEvent(rc, seq.Next(rc, true), models.LevelInfo, "extracted"))
		detached := rc.Detach()
		done := make(chan struct{})
		go func() {
			defer close(done)
			emitter.Emit(trace.NewEvent(detached, seq.Next(detached, true), models.LevelInfo, "published"))
		}()
		<-done
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, signedHTTPRequest(t, `{"url":"https://example.com/v/1"}`, unix(0)))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := pool.Close(ctx); err != nil {
		t.Fatalf("pool close: %v", err)
	}

	events := sink.ByTraceKey(traceKey)
	if len(events) != 3 {
		t.Fatalf("expected 3 events for %s, got %d", traceKey, len(events))
	}
	var gates []string
	for _, e := range events {
		gates = append(gates, e.Tollgate)
		if e.AppID != testAppID {
			t.Fatalf("event app id = %q", e.AppID)
		}
	}
	sort.Strings(gates)
	if strings.Join(gates, ",") != "A-1,A-2,A-3" {
		t.Fatalf("tollgates = %v", gates)
	}
	for _, e := range events {
		if e.Tollgate != "A-1" {
			continue
		}
		if e.Headers["authorization"] != trace.Redacted {
			t.Fatalf("authorization header not redacted: %v", e.Headers)
		}
		if e.Params["token"] != trace.Redacted {
			t.Fatalf("token query param not redacted: %v", e.Params)
		}
		if e.Type != "signature" || e.Level != models.LevelInfo {
			t.Fatalf("stage one event = %+v", e)
		}
	}
}

func TestMiddlewareRejectionEmitsFailureStage(t *testing.T) {
	rec := &recordingEmitter{}
	v := NewVerifier(NewStaticKeyStore(hmacCredential()), WithClock(fixedClock))
	called := false
	handler := Middleware(v, WithTraceEmitter(rec))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true }))

	req := signedHTTPRequest(t, `{"url":"x"}`, unix(0))
	req.Header.Set(HeaderSignature, SignHMAC("wrong", []byte("x")))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)

	if called {
		t.Fatal("handler must not run on rejection")
	}
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", w.Code)
	}
	body := decodeError(t, w)
	if body["code"] != "INVALID_SIGNATURE" || body["retryable"] != false {
		t.Fatalf("body = %v", body)
	}
	if got := rec.tollgates(); len(got) != 1 || got[0] != testAppID+"-9" {
		t.Fatalf("tollgates = %v", got)
	}
	if rec.events[0].Level != models.LevelWarning {
		t.Fatalf("level = %s", rec.events[0].Level)
	}
}

func TestMiddlewareStaleIsRetryable(t *testing.T) {
	v := NewVerifier(NewStaticKeyStore(hmacCredential()), WithClock(fixedClock))
	handler := Middleware(v)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedHTTPRequest(t, `{}`, unix(-time.Hour)))
	body := decodeError(t, w)
	if w.Code != http.StatusUnauthorized || body["code"] != "STALE_REQUEST" || body["retryable"] != true {
		t.Fatalf("status=%d body=%v", w.Code, body)
	}
}

func TestMiddlewareKeyStoreFailureIsErrorLevel(t *testing.T) {
	rec := &recordingEmitter{}
	v := NewVerifier(failingKeyStore{err: context.DeadlineExceeded}, WithClock(fixedClock))
	handler := Middleware(v, WithBaseStage("A"), WithTraceEmitter(rec))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedHTTPRequest(t, `{}`, unix(0)))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	if len(rec.events) != 1 || rec.events[0].Tollgate != "A-9" || rec.events[0].Level != models.LevelError {
		t.Fatalf("events = %+v", rec.events)
	}
}

func TestMiddlewareRateLimit(t *testing.T) {
	cred := hmacCredential()
	cred.RateLimit = 1
	rec := &recordingEmitter{}
	v := NewVerifier(NewStaticKeyStore(cred), WithClock(fixedClock))
	handler := Middleware(v, WithBaseStage("A"), WithTraceEmitter(rec), WithLimiter(ratelimit.NewInMemory(time.Minute)))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, signedHTTPRequest(t, `{}`, unix(0)))
	if first.Code != http.StatusOK || first.Header().Get("X-RateLimit-Limit") != "1" {
		t.Fatalf("first: %d %v", first.Code, first.Header())
	}
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, signedHTTPRequest(t, `{}`, unix(0)))
	if second.Code != http.StatusTooManyRequests || second.Header().Get("Retry-After") == "" {
		t.Fatalf("second: %d %v", second.Code, second.Header())
	}
	if body := decodeError(t, second); body["code"] != "RATE_LIMITED" {
		t.Fatalf("body = %v", body)
	}
	if got := strings.Join(rec.tollgates(), ","); got != "A-1,A-1,A-9" {
		t.Fatalf("tollgates = %s", got)
	}
}

func TestMiddlewareBodyLimit(t *testing.T) {
	v := NewVerifier(NewStaticKeyStore(hmacCredential()), WithClock(fixedClock))
	handler := Middleware(v, WithMaxBody(8))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, signedHTTPRequest(t, `{"url":"far too long"}`, unix(0)))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestMiddlewarePreservesBodyForHandler(t *testing.T) {
	v := NewVerifier(NewStaticKeyStore(hmacCredential()), WithClock(fixedClock))
	var got string
	handler := Middleware(v)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var doc struct {
			URL string `json:"url"`
		}
		_ = json.NewDecoder(r.Body).Decode(&doc)
		got = doc.URL
	}))
	handler.ServeHTTP(httptest.NewRecorder(), signedHTTPRequest(t, `{"url":"https://example.com/v/9"}`, unix(0)))
	if got != "https://example.com/v/9" {
		t.Fatalf("handler body = %q", got)
	}
}

func TestSignedRequestFromHTTPEnvelopeHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/v1/media/extract", nil)
	r.Header.Set(HeaderAppID, " platform ")
	r.Header.Set(HeaderEnvelopeToken, "meta.sig")
	r.Header.Set(HeaderKeyVersion, "3")
	req := SignedRequestFromHTTP(r, nil, "10.0.0.1")
	if req.AppID != "platform" || req.Signature != "meta.sig" || req.KeyVersion != "3" || req.ClientIP != "10.0.0.1" {
		t.Fatalf("signed request = %+v", req)
	}
}

func TestStageBase(t *testing.T) {
	if stageBase("") != "anonymous" {
		t.Fatal("empty app id")
	}
	if got := stageBase(strings.Repeat("a", 80)); len(got) != 64 {
		t.Fatalf("len = %d", len(got))
	}
}
