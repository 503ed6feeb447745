package worker

import (
	"context"
	"errors"
	"time"

	"github.com/mkallio/calgate/internal/queue"
)

// purgeEvery bounds how often expired dedupe rows are swept during polling.
const purgeEvery = 10 * time.Minute

type purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// Run polls the queue until ctx is cancelled. Each claimed delivery is
// processed and completed: succeeded on nil, skipped on the terminal
// sentinels, retried or dead on anything else.
func (w *Worker) Run(ctx context.Context, q *queue.Queue) error {
	interval := time.Second
	if cfg, err := w.provider.Settings(); err == nil && cfg.Service.PollInterval > 0 {
		interval = cfg.Service.PollInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastPurge := w.now()
	w.logger.Info("worker started", "poll_interval", interval)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
			w.drain(ctx, q)

			if w.now().Sub(lastPurge) >= purgeEvery {
				w.purgeExpired(ctx)
				lastPurge = w.now()
			}
		}
	}
}

// drain claims and processes deliveries until the queue has nothing due.
func (w *Worker) drain(ctx context.Context, q *queue.Queue) {
	for {
		if ctx.Err() != nil {
			return
		}

		d, err := q.Dequeue(ctx)
		if err != nil {
			w.logger.Error("dequeue failed", "error", err)
			return
		}
		if d == nil {
			return
		}

		w.processOne(ctx, q, d)
	}
}

func (w *Worker) processOne(ctx context.Context, q *queue.Queue, d *queue.Delivery) {
	logger := w.logger.With("delivery_id", d.ID, "attempt", d.Attempt)

	err := w.Process(ctx, d)
	switch {
	case err == nil:
		if cErr := q.Complete(ctx, d.ID, queue.StatusSucceeded, nil); cErr != nil {
			logger.Error("failed to record success", "error", cErr)
		}
	case errors.Is(err, ErrMissingIdentity) || errors.Is(err, ErrDuplicateActivity):
		msg := err.Error()
		if cErr := q.Complete(ctx, d.ID, queue.StatusSkipped, &msg); cErr != nil {
			logger.Error("failed to record skip", "error", cErr)
		}
	default:
		retried, fErr := q.Fail(ctx, d, err.Error())
		if fErr != nil {
			logger.Error("failed to record failure", "error", fErr)
			return
		}
		if retried {
			logger.Warn("delivery failed; will retry", "error", err)
		} else {
			logger.Error("delivery dead after max attempts", "error", err)
		}
	}
}

func (w *Worker) purgeExpired(ctx context.Context) {
	p, ok := w.store.(purger)
	if !ok {
		return
	}
	n, err := p.PurgeExpired(ctx)
	if err != nil {
		w.logger.Warn("dedupe purge failed", "error", err)
		return
	}
	if n > 0 {
		w.logger.Debug("purged expired dedupe keys", "count", n)
	}
}
