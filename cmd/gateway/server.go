package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediagate/pkg/auth"
	"mediagate/pkg/extract"
	"mediagate/pkg/httpx"
	"mediagate/pkg/metrics"
	"mediagate/pkg/models"
	"mediagate/pkg/ratelimit"
	"mediagate/pkg/reqctx"
	"mediagate/pkg/stream"
	"mediagate/pkg/telemetry"
	"mediagate/pkg/trace"
)

type traceEmitter interface {
	Emit(evt models.TraceEvent) bool
}

type traceReader interface {
	ByTraceKey(ctx context.Context, traceKey string, limit int) ([]models.TraceEvent, error)
}

type Server struct {
	Logger           *zap.Logger
	Metrics          *metrics.Registry
	Verifier         *auth.Verifier
	Emitter          traceEmitter
	Events           *stream.Hub
	Traces           traceReader
	Extractor        extract.Extractor
	FetchTimeout     time.Duration
	Tickets          auth.TicketValidator
	Limiter          ratelimit.Limiter
	Resolver         httpx.IPResolver
	BaseStage        string
	MaxBody          int64
	CORSOrigins      string
	WSAllowedOrigins string
	TailToken        string

	background sync.WaitGroup
	seq        reqctx.Sequencer
}

func (s *Server) Routes() http.Handler {
	if s.Logger == nil {
		s.Logger = zap.NewNop()
	}
	r := chi.NewRouter()
	r.Use(httpx.CORSMiddleware(s.CORSOrigins))
	r.Use(httpx.SecurityHeadersMiddleware)
	// The tail upgrades to a websocket and needs the raw ResponseWriter.
	r.With(s.requireTailToken).Get("/v1/trace/tail", s.streamTrace)

	r.Group(func(r chi.Router) {
		r.Use(s.Metrics.Middleware(routePattern))
		r.Use(telemetry.HTTPMiddleware(serviceName))
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": serviceName})
		})
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
		r.With(s.requireTailToken).Get("/v1/trace/{traceKey}", s.getTrace)

		r.Group(func(r chi.Router) {
			r.Use(s.accessLog)
			r.Use(telemetry.TraceKeyMiddleware)
			r.Use(auth.Middleware(s.Verifier,
				auth.WithBaseStage(s.BaseStage),
				auth.WithMaxBody(s.MaxBody),
				auth.WithTraceEmitter(s.Emitter),
				auth.WithLimiter(s.Limiter),
				auth.WithIPResolver(s.Resolver),
				auth.WithMiddlewareLogger(s.Logger),
				auth.WithMiddlewareMetrics(s.Metrics),
			))
			r.Post("/v1/media/extract", s.handleExtract)
			r.Post("/v1/secure/echo", s.handleSecureEcho)
			r.Post("/v1/ticket", s.handleIssueTicket)
		})
	})
	return r
}

// Wait blocks until background stages finish or ctx ends.
func (s *Server) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		return rctx.RoutePattern()
	}
	return ""
}

type extractRequest struct {
	URL string `json:"url"`
}

// handleExtract runs the media pipeline: <base>-1 is the verified signature,
// <base>-2 the resolved job and <base>-3 the fetch, which finishes after the
// response on a detached context.
func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	rc := s.requestContext(r)
	id, _ := auth.IdentityFromContext(r.Context())

	var body extractRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.URL) == "" {
		s.stage(rc, false, models.LevelWarning, "invalid extract request", "")
		httpx.ErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "url required", false)
		return
	}
	taskID := uuid.NewString()
	rc.Set("entity_id", taskID)
	job := extract.Request{TaskID: taskID, URL: strings.TrimSpace(body.URL), TraceKey: rc.TraceKey, AppID: id.AppID}

	res, err := s.Extractor.Resolve(r.Context(), job)
	if err != nil {
		s.stage(rc, false, models.LevelError, "resolve failed: "+err.Error(), job.URL)
		httpx.ErrorCode(w, http.StatusBadGateway, "EXTRACT_FAILED", "media could not be resolved", true)
		return
	}
	s.stage(rc, true, models.LevelInfo, "resolved status="+res.Status, job.URL)

	bg := rc.Detach()
	s.background.Add(1)
	go s.fetch(bg, job)

	httpx.WriteJSON(w, http.StatusAccepted, map[string]string{
		"task_id":   taskID,
		"trace_key": rc.TraceKey,
		"status":    res.Status,
	})
}

func (s *Server) fetch(rc *reqctx.RequestContext, job extract.Request) {
	defer s.background.Done()
	timeout := s.FetchTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	res, err := s.Extractor.Fetch(ctx, job)
	if err != nil {
		s.stage(rc, false, models.LevelError, "fetch failed: "+err.Error(), "")
		s.Logger.Warn("media fetch failed", zap.String("trace_key", rc.TraceKey), zap.String("task_id", job.TaskID), zap.Error(err))
		return
	}
	s.stage(rc, true, models.LevelInfo, "fetched status="+res.Status, string(res.Media))
}

type secureEchoRequest struct {
	Data string `json:"data"`
	IV   string `json:"iv"`
}

func (s *Server) handleSecureEcho(w http.ResponseWriter, r *http.Request) {
	rc := s.requestContext(r)
	if len(s.Tickets.Secret) == 0 {
		httpx.ErrorCode(w, http.StatusServiceUnavailable, "TICKETS_DISABLED", "tickets are not configured", false)
		return
	}
	var body secureEchoRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.stage(rc, false, models.LevelWarning, "invalid secure payload", "")
		httpx.ErrorCode(w, http.StatusBadRequest, "INVALID_REQUEST", "data and iv required", false)
		return
	}
	plain, err := s.Tickets.Open(r.Header.Get(auth.HeaderTicket), rc.ClientIP, body.Data, body.IV)
	if err != nil {
		status, code := ticketFailure(err)
		s.stage(rc, false, models.LevelWarning, "ticket rejected: "+code, "")
		httpx.ErrorCode(w, status, code, err.Error(), false)
		return
	}
	s.stage(rc, true, models.LevelInfo, "payload decrypted", "")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"payload": json.RawMessage(echoPayload(plain))})
}

// echoPayload returns plain as JSON, quoting it when it is not JSON already.
func echoPayload(plain []byte) []byte {
	if json.Valid(plain) {
		return plain
	}
	quoted, _ := json.Marshal(string(plain))
	return quoted
}

func ticketFailure(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrTicketMissing):
		return http.StatusUnauthorized, "TICKET_MISSING"
	case errors.Is(err, auth.ErrTicketIPBinding):
		return http.StatusForbidden, "TICKET_IP_MISMATCH"
	case errors.Is(err, auth.ErrTicketPurpose):
		return http.StatusForbidden, "TICKET_PURPOSE_MISMATCH"
	case errors.Is(err, auth.ErrPayloadFormat):
		return http.StatusBadRequest, "PAYLOAD_MALFORMED"
	default:
		return http.StatusUnauthorized, "TICKET_INVALID"
	}
}

func (s *Server) handleIssueTicket(w http.ResponseWriter, r *http.Request) {
	rc := s.requestContext(r)
	if len(s.Tickets.Secret) == 0 {
		httpx.ErrorCode(w, http.StatusServiceUnavailable, "TICKETS_DISABLED", "tickets are not configured", false)
		return
	}
	ticket, err := s.Tickets.Issue(rc.ClientIP)
	if err != nil {
		s.stage(rc, false, models.LevelError, "ticket issue failed", "")
		httpx.ErrorCode(w, http.StatusInternalServerError, "TICKET_ISSUE_FAILED", "ticket could not be issued", true)
		return
	}
	ttl := s.Tickets.TTL
	if ttl <= 0 {
		ttl = auth.DefaultTicketTTL
	}
	s.stage(rc, true, models.LevelInfo, "ticket issued", "")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"ticket":     ticket,
		"expires_in": int(ttl.Seconds()),
	})
}

// requestContext returns the context attached by the middleware chain. Routes
// outside it get a fresh one so handlers never see nil.
func (s *Server) requestContext(r *http.Request) *reqctx.RequestContext {
	if rc, ok := reqctx.FromContext(r.Context()); ok {
		return rc
	}
	return reqctx.New(reqctx.DefaultSource, "gateway")
}

func (s *Server) stage(rc *reqctx.RequestContext, success bool, level models.Level, memo, body string) {
	tollgate := s.seq.Next(rc, success)
	evt := trace.NewEvent(rc, tollgate, level, memo)
	evt.Type = "pipeline"
	evt.Body = body
	s.emit(evt)
}

func (s *Server) emit(evt models.TraceEvent) {
	if s.Emitter == nil {
		return
	}
	if !s.Emitter.Emit(evt) {
		s.Logger.Debug("trace event not queued",
			zap.String("trace_key", evt.TraceKey),
			zap.String("tollgate", evt.Tollgate),
			zap.String("level", string(evt.Level)))
	}
}
