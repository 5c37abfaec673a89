package auth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"mediagate/pkg/httpx"
	"mediagate/pkg/metrics"
	"mediagate/pkg/models"
	"mediagate/pkg/ratelimit"
	"mediagate/pkg/reqctx"
	"mediagate/pkg/trace"
)

// Request headers read by the signature middleware.
const (
	HeaderAppID         = "X-App-Id"
	HeaderSignature     = "X-Signature"
	HeaderTimestamp     = "X-Timestamp"
	HeaderNonce         = "X-Nonce"
	HeaderKeyVersion    = "X-Key-Version"
	HeaderEnvelopeToken = "X-Envelope-Token"
	HeaderTicket        = "X-Ticket"
)

const defaultMaxBody = 1 << 20

type contextKey string

const identityContextKey contextKey = "mediagate.identity"

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(Identity)
	return id, ok
}

type traceEmitter interface {
	Emit(evt models.TraceEvent) bool
}

type MiddlewareConfig struct {
	BaseStage string
	MaxBody   int64
	Emitter   traceEmitter
	Limiter   ratelimit.Limiter
	Resolver  httpx.IPResolver
	Logger    *zap.Logger
	Metrics   *metrics.Registry
}

type MiddlewareOption func(*MiddlewareConfig)

// WithBaseStage fixes the tollgate base. By default the caller's app id is the base.
func WithBaseStage(base string) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.BaseStage = strings.TrimSpace(base) }
}

func WithMaxBody(n int64) MiddlewareOption {
	return func(cfg *MiddlewareConfig) {
		if n > 0 {
			cfg.MaxBody = n
		}
	}
}

func WithTraceEmitter(e traceEmitter) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Emitter = e }
}

func WithLimiter(l ratelimit.Limiter) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Limiter = l }
}

func WithIPResolver(r httpx.IPResolver) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Resolver = r }
}

func WithMiddlewareLogger(l *zap.Logger) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Logger = l }
}

func WithMiddlewareMetrics(m *metrics.Registry) MiddlewareOption {
	return func(cfg *MiddlewareConfig) { cfg.Metrics = m }
}

// Middleware verifies the request signature before next runs. On success the
// request context carries the Identity and a RequestContext positioned at
// <base>-1, and a trace event is emitted for that stage. On rejection the
// classified error is written as JSON and <base>-9 is emitted.
func Middleware(v *Verifier, options ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := MiddlewareConfig{MaxBody: defaultMaxBody}
	for _, opt := range options {
		opt(&cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	var seq reqctx.Sequencer
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rc, ok := reqctx.FromContext(r.Context())
			if !ok {
				rc = reqctx.New(reqctx.DefaultSource, "")
			}
			if rc.ClientIP == "" {
				rc.ClientIP = cfg.Resolver.ClientIP(r)
			}
			if rc.MethodName == "" {
				rc.MethodName = r.Method + " " + r.URL.Path
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, cfg.MaxBody+1))
			if err != nil {
				httpx.ErrorCode(w, http.StatusBadRequest, "BODY_UNREADABLE", "request body unreadable", false)
				return
			}
			if int64(len(body)) > cfg.MaxBody {
				httpx.ErrorCode(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request body too large", false)
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			req := SignedRequestFromHTTP(r, body, rc.ClientIP)
			base := cfg.BaseStage
			if base == "" {
				base = stageBase(req.AppID)
			}
			rc.Rebase(base)
			if rc.AppID == "" {
				rc.AppID = strings.TrimSpace(req.AppID)
			}

			id, err := v.Verify(r.Context(), req)
			if err != nil {
				se := Classify(err)
				level := models.LevelWarning
				if se.Code == "KEYSTORE_UNAVAILABLE" {
					level = models.LevelError
				}
				emit(cfg, rc, r, seq.Next(rc, false), level, "signature rejected: "+se.Code)
				cfg.Logger.Info("request rejected",
					zap.String("trace_key", rc.TraceKey),
					zap.String("app_id", req.AppID),
					zap.String("code", se.Code))
				httpx.ErrorCode(w, se.HTTPStatus(), se.Code, se.Error(), se.Retryable)
				return
			}

			rc.AppID = id.AppID
			rc.AppName = id.AppName
			emit(cfg, rc, r, rc.Stage(), models.LevelInfo, fmt.Sprintf("signature verified scheme=%s key_version=%d", id.Scheme, id.KeyVersion))

			if cfg.Limiter != nil {
				decision := cfg.Limiter.Allow(r.Context(), "app:"+id.AppName, id.RateLimit)
				decision.WriteHeaders(w.Header())
				if !decision.Allowed {
					cfg.Metrics.IncRateLimited(id.AppName)
					emit(cfg, rc, r, seq.Next(rc, false), models.LevelWarning, "rate limit exceeded")
					httpx.ErrorCode(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded", true)
					return
				}
			}

			ctx := WithIdentity(r.Context(), *id)
			ctx = reqctx.WithContext(ctx, rc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SignedRequestFromHTTP collects the verifier input from headers. Envelope
// tokens may arrive in X-Envelope-Token when X-Signature is absent.
func SignedRequestFromHTTP(r *http.Request, body []byte, clientIP string) *models.SignedRequest {
	sig := strings.TrimSpace(r.Header.Get(HeaderSignature))
	if sig == "" {
		sig = strings.TrimSpace(r.Header.Get(HeaderEnvelopeToken))
	}
	return &models.SignedRequest{
		Method:     r.Method,
		Path:       r.URL.Path,
		Body:       body,
		Header:     r.Header,
		AppID:      strings.TrimSpace(r.Header.Get(HeaderAppID)),
		Signature:  sig,
		Timestamp:  strings.TrimSpace(r.Header.Get(HeaderTimestamp)),
		Nonce:      strings.TrimSpace(r.Header.Get(HeaderNonce)),
		KeyVersion: strings.TrimSpace(r.Header.Get(HeaderKeyVersion)),
		ClientIP:   clientIP,
	}
}

// stageBase keeps the tollgate parseable: the ordinal follows the last '-'.
func stageBase(appID string) string {
	appID = strings.TrimSpace(appID)
	if appID == "" {
		return "anonymous"
	}
	if len(appID) > 64 {
		appID = appID[:64]
	}
	return appID
}

func emit(cfg MiddlewareConfig, rc *reqctx.RequestContext, r *http.Request, tollgate string, level models.Level, memo string) {
	if cfg.Emitter == nil {
		return
	}
	evt := trace.NewEvent(rc, tollgate, level, memo)
	evt.Type = "signature"
	evt.Headers = trace.RedactHeaders(r.Header)
	evt.Params = trace.RedactQuery(r.URL.Query())
	if !cfg.Emitter.Emit(evt) {
		cfg.Logger.Debug("signature trace event not queued", zap.String("trace_key", rc.TraceKey), zap.String("tollgate", tollgate))
	}
}
