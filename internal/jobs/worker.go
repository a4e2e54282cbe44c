package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/openclaw/settler/internal/engine"
)

// emptyPollInterval is how long a worker sleeps when the queue is empty.
const emptyPollInterval = time.Second

// Worker consumes settlement jobs and invokes the engine. Several workers
// may run concurrently; the engine's status re-check keeps a job that
// races the reconciliation loop from settling an offer twice.
type Worker struct {
	queue   *Queue
	engine  *engine.Engine
	logger  *slog.Logger
	stop    chan struct{}
	running atomic.Bool
}

// NewWorker creates a worker consuming from queue.
func NewWorker(queue *Queue, eng *engine.Engine, logger *slog.Logger) *Worker {
	return &Worker{
		queue:  queue,
		engine: eng,
		logger: logger,
		stop:   make(chan struct{}),
	}
}

// Running reports whether the worker loop is active.
func (w *Worker) Running() bool {
	return w.running.Load()
}

// Start consumes jobs until the context is cancelled or Stop is called.
// Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, ErrNoJob) {
				w.logger.Warn("dequeue failed", "error", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-time.After(emptyPollInterval):
			}
			continue
		}

		if err := w.handle(ctx, job); err != nil {
			// Leave the job to the queue's redelivery. The engine has
			// already recorded the failure on the offer itself.
			w.logger.Warn("job failed", "job", job.ID, "kind", job.Kind,
				"offer", job.OfferID, "attempt", job.Attempts, "error", err)
			if ferr := w.queue.Fail(ctx, job); ferr != nil {
				w.logger.Error("failed to release job claim", "job", job.ID, "error", ferr)
			}
			continue
		}
		if err := w.queue.Complete(ctx, job); err != nil {
			w.logger.Error("failed to ack job", "job", job.ID, "error", err)
		}
	}
}

// Stop signals the worker to stop after the current job.
func (w *Worker) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Worker) handle(ctx context.Context, j *Job) error {
	switch j.Kind {
	case KindRelease:
		return w.engine.Release(ctx, j.OfferID)
	case KindRefund:
		return w.engine.Refund(ctx, j.OfferID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, j.Kind)
	}
}
