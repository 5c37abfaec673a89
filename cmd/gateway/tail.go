package main

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"mediagate/pkg/httpx"
	"mediagate/pkg/stream"
)

const (
	defaultTraceLimit = 500
	maxTraceLimit     = 1000
)

// requireTailToken guards the operator routes. Browsers cannot set headers on
// a websocket upgrade, so access_token is also read from the query.
func (s *Server) requireTailToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.TailToken == "" {
			httpx.ErrorCode(w, http.StatusServiceUnavailable, "TRACE_ACCESS_DISABLED", "trace access is not configured", false)
			return
		}
		got := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if got == "" {
			got = r.URL.Query().Get("access_token")
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.TailToken)) != 1 {
			httpx.ErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "operator token required", false)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) streamTrace(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		httpx.ErrorCode(w, http.StatusServiceUnavailable, "STREAM_UNAVAILABLE", "stream unavailable", true)
		return
	}
	q := r.URL.Query()
	filter := stream.Filter{
		"trace_key": q.Get("trace_key"),
		"app_id":    q.Get("app_id"),
		"level":     strings.ToLower(q.Get("level")),
	}
	opts := &websocket.AcceptOptions{}
	if origins := wsOriginPatterns(s.WSAllowedOrigins); len(origins) > 0 {
		opts.OriginPatterns = origins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub := s.Events.SubscribeFiltered(64, filter)
	defer s.Events.Unsubscribe(sub)

	_ = wsjson.Write(ctx, conn, stream.NewEvent("ready", nil))
	readErr := make(chan error, 1)
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				readErr <- err
				return
			}
		}
	}()
	for {
		select {
		case <-ctx.Done():
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case <-readErr:
			_ = conn.Close(websocket.StatusNormalClosure, "closed")
			return
		case evt, ok := <-sub:
			if !ok {
				_ = conn.Close(websocket.StatusNormalClosure, "closed")
				return
			}
			writeCtx, cancelWrite := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, evt)
			cancelWrite()
			if err != nil {
				s.Logger.Debug("trace tail write failed", zap.Error(err))
				_ = conn.Close(websocket.StatusNormalClosure, "write_failed")
				return
			}
		}
	}
}

func (s *Server) getTrace(w http.ResponseWriter, r *http.Request) {
	if s.Traces == nil {
		httpx.ErrorCode(w, http.StatusServiceUnavailable, "TRACE_STORE_UNAVAILABLE", "trace store not configured", false)
		return
	}
	key := chi.URLParam(r, "traceKey")
	if _, err := uuid.Parse(key); err != nil {
		httpx.ErrorCode(w, http.StatusBadRequest, "INVALID_TRACE_KEY", "trace key must be a uuid", false)
		return
	}
	limit := defaultTraceLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			httpx.ErrorCode(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false)
			return
		}
		limit = min(n, maxTraceLimit)
	}
	events, err := s.Traces.ByTraceKey(r.Context(), key, limit)
	if err != nil {
		s.Logger.Warn("trace lookup failed", zap.String("trace_key", key), zap.Error(err))
		httpx.ErrorCode(w, http.StatusServiceUnavailable, "TRACE_STORE_UNAVAILABLE", "trace store unavailable", true)
		return
	}
	if len(events) == 0 {
		httpx.ErrorCode(w, http.StatusNotFound, "TRACE_NOT_FOUND", "no events for trace key", false)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"trace_key": key, "events": events})
}

func wsOriginPatterns(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
