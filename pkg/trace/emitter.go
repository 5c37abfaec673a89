package trace

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"mediagate/pkg/metrics"
	"mediagate/pkg/models"
)

const (
	DefaultQueueSize = 1024
)

// EmitterConfig tunes the queue. Zero values select defaults.
type EmitterConfig struct {
	QueueSize int
	// DropBelow is the lowest level that waits for BlockTimeout when the queue
	// is full. Anything lower is dropped at once.
	DropBelow    models.Level
	BlockTimeout time.Duration
	// OverflowLimit caps the error/critical spill list; 0 means unbounded.
	OverflowLimit int
}

// Emitter hands events to the worker pool without blocking the caller beyond
// BlockTimeout. Error and critical events are never dropped: when the queue is
// full they spill into an overflow list the workers drain first.
type Emitter struct {
	cfg     EmitterConfig
	logger  *zap.Logger
	metrics *metrics.Registry

	mu     sync.RWMutex
	closed bool
	queue  chan models.TraceEvent

	ovMu     sync.Mutex
	overflow []models.TraceEvent
	notify   chan struct{}
}

func NewEmitter(cfg EmitterConfig, logger *zap.Logger, m *metrics.Registry) *Emitter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.DropBelow == "" {
		cfg.DropBelow = models.LevelWarning
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Emitter{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		queue:   make(chan models.TraceEvent, cfg.QueueSize),
		notify:  make(chan struct{}, 1),
	}
}

// Emit enqueues evt and reports whether it was accepted. It never panics,
// including after Close.
func (e *Emitter) Emit(evt models.TraceEvent) bool {
	if e == nil {
		return false
	}
	evt = normalize(evt)

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		e.drop(evt, "emitter closed")
		return false
	}
	select {
	case e.queue <- evt:
		e.metrics.AddTraceEvents(metrics.TraceEnqueued, 1)
		return true
	default:
	}

	rank := evt.Level.Rank()
	if rank >= models.LevelError.Rank() {
		return e.spill(evt)
	}
	if rank < e.cfg.DropBelow.Rank() || e.cfg.BlockTimeout <= 0 {
		e.drop(evt, "queue full")
		return false
	}
	timer := time.NewTimer(e.cfg.BlockTimeout)
	defer timer.Stop()
	select {
	case e.queue <- evt:
		e.metrics.AddTraceEvents(metrics.TraceEnqueued, 1)
		return true
	case <-timer.C:
		e.drop(evt, "queue full after wait")
		return false
	}
}

func (e *Emitter) spill(evt models.TraceEvent) bool {
	e.ovMu.Lock()
	if e.cfg.OverflowLimit > 0 && len(e.overflow) >= e.cfg.OverflowLimit {
		e.ovMu.Unlock()
		e.drop(evt, "overflow limit reached")
		return false
	}
	e.overflow = append(e.overflow, evt)
	e.ovMu.Unlock()
	e.metrics.AddTraceEvents(metrics.TraceOverflow, 1)
	select {
	case e.notify <- struct{}{}:
	default:
	}
	return true
}

func (e *Emitter) drop(evt models.TraceEvent, reason string) {
	e.metrics.AddTraceEvents(metrics.TraceDropped, 1)
	e.logger.Debug("trace event dropped",
		zap.Error(ErrTraceQueueSaturated),
		zap.String("reason", reason),
		zap.String("trace_key", evt.TraceKey),
		zap.String("tollgate", evt.Tollgate),
		zap.String("level", string(evt.Level)))
}

// takeOverflow removes up to max spilled events, oldest first.
func (e *Emitter) takeOverflow(max int) []models.TraceEvent {
	e.ovMu.Lock()
	defer e.ovMu.Unlock()
	if len(e.overflow) == 0 || max <= 0 {
		return nil
	}
	if max > len(e.overflow) {
		max = len(e.overflow)
	}
	out := make([]models.TraceEvent, max)
	copy(out, e.overflow[:max])
	e.overflow = e.overflow[max:]
	if len(e.overflow) == 0 {
		e.overflow = nil
	}
	return out
}

// Pending reports queued plus spilled events.
func (e *Emitter) Pending() int {
	e.ovMu.Lock()
	n := len(e.overflow)
	e.ovMu.Unlock()
	return n + len(e.queue)
}

// Close stops intake. Queued events remain for the workers to drain.
func (e *Emitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	close(e.queue)
}
