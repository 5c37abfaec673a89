package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mediagate"

// Registry owns the service collectors on a private Prometheus registry.
// All methods are safe on a nil *Registry so components can run unmetered.
type Registry struct {
	reg            *prometheus.Registry
	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	verifications  *prometheus.CounterVec
	verifyDuration *prometheus.HistogramVec
	traceEvents    *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	breakerState   *prometheus.GaugeVec
	rateLimited    *prometheus.CounterVec
}

// Trace pipeline results.
const (
	TraceEnqueued  = "enqueued"
	TraceOverflow  = "overflow"
	TraceDropped   = "dropped"
	TracePersisted = "persisted"
	TraceFailed    = "failed"
)

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"route", "method", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "method"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signature_verifications_total",
			Help:      "Signature verification outcomes by scheme.",
		}, []string{"scheme", "outcome"}),
		verifyDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "signature_verify_seconds",
			Help:      "Signature verification latency including key lookup.",
			Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"scheme"}),
		traceEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_events_total",
			Help:      "Trace events by pipeline result.",
		}, []string{"result"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "trace_queue_depth",
			Help:      "Events waiting in the trace queue.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-app limiter.",
		}, []string{"app"}),
	}
	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.httpRequests, r.httpDuration,
		r.verifications, r.verifyDuration,
		r.traceEvents, r.queueDepth,
		r.breakerState, r.rateLimited,
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// Observe records one HTTP request.
func (r *Registry) Observe(route, method string, status int, d time.Duration) {
	if r == nil {
		return
	}
	r.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

func (r *Registry) ObserveVerification(scheme, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	if scheme == "" {
		scheme = "unknown"
	}
	r.verifications.WithLabelValues(scheme, outcome).Inc()
	r.verifyDuration.WithLabelValues(scheme).Observe(d.Seconds())
}

func (r *Registry) AddTraceEvents(result string, n int) {
	if r == nil || n <= 0 {
		return
	}
	r.traceEvents.WithLabelValues(result).Add(float64(n))
}

func (r *Registry) SetTraceQueueDepth(n int) {
	if r == nil {
		return
	}
	r.queueDepth.Set(float64(n))
}

func (r *Registry) SetBreakerState(name string, state int) {
	if r == nil {
		return
	}
	r.breakerState.WithLabelValues(name).Set(float64(state))
}

func (r *Registry) IncRateLimited(app string) {
	if r == nil {
		return
	}
	r.rateLimited.WithLabelValues(app).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Middleware records Observe for every request. route names the series,
// typically the chi route pattern resolved after routing.
func (r *Registry) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, req)
			name := req.URL.Path
			if route != nil {
				if v := route(req); v != "" {
					name = v
				}
			}
			r.Observe(name, req.Method, rec.status, time.Since(start))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
