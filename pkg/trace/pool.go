package trace

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mediagate/pkg/metrics"
	"mediagate/pkg/models"
)

// PoolConfig tunes the persistence workers. Zero values select defaults.
type PoolConfig struct {
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 500 * time.Millisecond
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

// Pool drains an Emitter into a Sink. Writes run under their own context so a
// cancelled request never loses events already accepted.
type Pool struct {
	cfg     PoolConfig
	emitter *Emitter
	sink    Sink
	logger  *zap.Logger
	metrics *metrics.Registry

	group *errgroup.Group
	done  chan struct{}
}

func NewPool(emitter *Emitter, sink Sink, cfg PoolConfig, logger *zap.Logger, m *metrics.Registry) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg.withDefaults(),
		emitter: emitter,
		sink:    sink,
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
	}
}

// Start launches the workers.
func (p *Pool) Start() {
	p.group = new(errgroup.Group)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		p.group.Go(func() error { return p.work(id) })
	}
	go func() {
		_ = p.group.Wait()
		close(p.done)
	}()
}

// Close stops intake and waits for queued events to be written or ctx to end.
func (p *Pool) Close(ctx context.Context) error {
	p.emitter.Close()
	if p.group == nil {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		pending := p.emitter.Pending()
		p.logger.Warn("trace pool shutdown timed out", zap.Int("pending", pending))
		return ctx.Err()
	}
}

func (p *Pool) work(id int) error {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()
	batch := make([]models.TraceEvent, 0, p.cfg.BatchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		p.write(id, batch)
		batch = make([]models.TraceEvent, 0, p.cfg.BatchSize)
	}
	for {
		batch = append(batch, p.emitter.takeOverflow(p.cfg.BatchSize-len(batch))...)
		if len(batch) >= p.cfg.BatchSize {
			flush()
			continue
		}
		select {
		case evt, ok := <-p.emitter.queue:
			if !ok {
				flush()
				for {
					rest := p.emitter.takeOverflow(p.cfg.BatchSize)
					if len(rest) == 0 {
						return nil
					}
					p.write(id, rest)
				}
			}
			batch = append(batch, evt)
			if len(batch) >= p.cfg.BatchSize {
				flush()
			}
		case <-p.emitter.notify:
		case <-ticker.C:
			p.metrics.SetTraceQueueDepth(p.emitter.Pending())
			flush()
		}
	}
}

func (p *Pool) write(worker int, batch []models.TraceEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()
	err := p.sink.Write(ctx, batch)
	if err == nil {
		p.metrics.AddTraceEvents(metrics.TracePersisted, len(batch))
		return
	}
	p.metrics.AddTraceEvents(metrics.TraceFailed, len(batch))
	fields := []zap.Field{
		zap.Int("worker", worker),
		zap.Int("events", len(batch)),
		zap.String("first_trace_key", batch[0].TraceKey),
		zap.Error(err),
	}
	if errors.Is(err, ErrSinkUnavailable) {
		p.logger.Warn("trace sink unavailable, batch discarded", fields...)
		return
	}
	p.logger.Error("trace batch write failed", fields...)
}
