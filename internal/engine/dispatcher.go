package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/taskflow/internal/metrics"
	"github.com/rendis/taskflow/internal/queue"
)

// DispatcherConfig tunes a Dispatcher.
type DispatcherConfig struct {
	// Workers bounds the executions orchestrated concurrently.
	Workers int
	// RecoverInterval, when positive, periodically returns stale in-flight
	// queue entries to the queue.
	RecoverInterval time.Duration
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// Dispatcher feeds queue entries to an Orchestrator through a bounded pool.
type Dispatcher struct {
	queue   queue.Queue
	orch    *Orchestrator
	cfg     DispatcherConfig
	pool    *WorkerPool
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewDispatcher creates a dispatcher consuming q on behalf of orch.
func NewDispatcher(q queue.Queue, orch *Orchestrator, cfg DispatcherConfig) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Dispatcher{
		queue:   q,
		orch:    orch,
		cfg:     cfg,
		pool:    NewWorkerPool(cfg.Workers),
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	d.pool.OnPanic(func(v any) {
		d.logger.Error("execution worker panicked", "panic", v)
	})
	return d
}

// Run consumes the queue until ctx is done, then waits for in-flight
// executions to stop. Interrupted executions keep their queue entries in
// flight and are recovered on the next start.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.InfoContext(ctx, "dispatcher started", "workers", d.cfg.Workers)
	defer d.logger.Info("dispatcher stopped")

	if d.cfg.RecoverInterval > 0 {
		go d.recoverLoop(ctx)
	}

	for e := range d.queue.DequeueAll(ctx) {
		d.metrics.Delivered()
		entry := e
		if err := d.pool.Submit(ctx, func(ctx context.Context) error {
			return d.orch.Process(ctx, entry)
		}); err != nil {
			d.logger.Info("entry left in flight", "execution_id", entry.ExecutionID, "error", err)
			break
		}
	}
	d.pool.Shutdown()
	return nil
}

// Stats returns the dispatcher pool's counters.
func (d *Dispatcher) Stats() PoolMetrics {
	return d.pool.Metrics()
}

func (d *Dispatcher) recoverLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RecoverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := d.queue.Recover(ctx)
			if err != nil {
				if ctx.Err() == nil {
					d.logger.Warn("periodic queue recovery failed", "error", err)
				}
				continue
			}
			if n > 0 {
				d.metrics.Recovered(n)
				d.logger.Info("requeued stale entries", "count", n)
			}
		}
	}
}
