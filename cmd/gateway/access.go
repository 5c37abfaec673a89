package main

import (
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mediagate/pkg/models"
	"mediagate/pkg/reqctx"
	"mediagate/pkg/trace"
)

// accessStage is the tollgate base of the ingress/egress pair recorded around
// every signed route. The signature middleware rebases the same trace key onto
// the caller's base afterwards.
const accessStage = "access"

// TraceKeyHeader echoes the trace key so callers can quote it to operators.
const TraceKeyHeader = "X-Trace-Key"

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rc := reqctx.New(reqctx.DefaultSource, accessStage)
		rc.ClientIP = s.Resolver.ClientIP(r)
		rc.MethodName = r.Method + " " + r.URL.Path
		w.Header().Set(TraceKeyHeader, rc.TraceKey)

		ingress := trace.NewEvent(rc, rc.Stage(), models.LevelInfo, "ingress")
		ingress.Type = "access"
		ingress.Headers = trace.RedactHeaders(r.Header)
		ingress.Params = trace.RedactQuery(r.URL.Query())
		s.emit(ingress)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(reqctx.WithContext(r.Context(), rc)))

		elapsed := time.Since(start)
		ok := rec.status < http.StatusInternalServerError
		level := models.LevelInfo
		if !ok {
			level = models.LevelError
		}
		egress := trace.NewEvent(rc, s.seq.Label(accessStage+"-1", ok), level,
			fmt.Sprintf("egress status=%d duration_ms=%d", rec.status, elapsed.Milliseconds()))
		egress.Type = "access"
		s.emit(egress)

		s.Logger.Info("request",
			zap.String("trace_key", rc.TraceKey),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("app_id", rc.AppID),
			zap.String("client_ip", rc.ClientIP),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed))
	})
}
