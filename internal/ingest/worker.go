package ingest

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"netsentinel/internal/config"
	"netsentinel/internal/orchestrator"
	"netsentinel/internal/queue"
	"netsentinel/internal/schema"
)

// WorkerPool drains the processing queue and runs each raw payload
// through the orchestrator pipeline.
type WorkerPool struct {
	queue *queue.RingBuffer
	orch  *orchestrator.Orchestrator
	cfg   config.ConsumerConfig

	wg   sync.WaitGroup
	done chan struct{}

	processed atomic.Uint64
	rejected  atomic.Uint64
	failed    atomic.Uint64
}

// NewWorkerPool creates a worker pool over the given queue.
func NewWorkerPool(q *queue.RingBuffer, orch *orchestrator.Orchestrator, cfg config.ConsumerConfig) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	return &WorkerPool{
		queue: q,
		orch:  orch,
		cfg:   cfg,
		done:  make(chan struct{}),
	}
}

// Start launches the worker goroutines.
func (p *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}

	slog.Info("processing workers started", "workers", p.cfg.Workers)
}

// worker is a single processing goroutine.
func (p *WorkerPool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	slog.Debug("worker started", "worker_id", id)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("worker stopping (context)", "worker_id", id)
			return
		case <-p.done:
			slog.Debug("worker stopping (done)", "worker_id", id)
			return
		default:
		}

		item, err := p.queue.PopBlocking()
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				slog.Debug("worker stopping (queue closed)", "worker_id", id)
				return
			}
			slog.Warn("unexpected queue error", "worker_id", id, "error", err)
			continue
		}

		p.process(ctx, id, item)
	}
}

func (p *WorkerPool) process(ctx context.Context, id int, item *queue.Item) {
	procCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	result, err := p.orch.ProcessEvent(procCtx, item.Payload)
	if err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			p.rejected.Add(1)
			slog.Warn("event rejected",
				"worker_id", id,
				"source", item.Source,
				"error", err,
			)
			return
		}
		p.failed.Add(1)
		slog.Error("event processing failed",
			"worker_id", id,
			"source", item.Source,
			"error", err,
		)
		return
	}

	p.processed.Add(1)

	if len(result.Errors) > 0 {
		slog.Warn("event processed with partial failures",
			"worker_id", id,
			"event_id", result.Event.EventID,
			"errors", len(result.Errors),
		)
	}
}

// Stop signals workers to finish and waits up to ShutdownWait.
// The queue should be closed before calling Stop so that workers can
// drain remaining items.
func (p *WorkerPool) Stop() {
	close(p.done)

	stopped := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(stopped)
	}()

	wait := p.cfg.ShutdownWait
	if wait <= 0 {
		wait = 30 * time.Second
	}

	select {
	case <-stopped:
		slog.Info("processing workers stopped",
			"processed", p.processed.Load(),
			"rejected", p.rejected.Load(),
		)
	case <-time.After(wait):
		slog.Warn("processing workers shutdown timed out",
			"remaining_queue", p.queue.Len(),
		)
	}
}

// Stats returns worker pool counters.
func (p *WorkerPool) Stats() map[string]uint64 {
	return map[string]uint64{
		"processed": p.processed.Load(),
		"rejected":  p.rejected.Load(),
		"failed":    p.failed.Load(),
	}
}
