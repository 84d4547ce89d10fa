package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Worker polls a Source and hands each message to a Handler. Messages of
// different runs are processed concurrently up to the configured limit.
type Worker struct {
	source      Source
	handler     Handler
	concurrency int
	poll        time.Duration
	log         *zap.Logger
}

// NewWorker creates a Worker. Zero values take defaults of 4 and one second.
func NewWorker(source Source, handler Handler, concurrency int, poll time.Duration) *Worker {
	if concurrency <= 0 {
		concurrency = 4
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		source:      source,
		handler:     handler,
		concurrency: concurrency,
		poll:        poll,
		log:         zap.L().With(zap.String("component", "queue.worker")),
	}
}

// Run polls until ctx is cancelled. An idle poll waits one interval and
// reclaims expired leases; a busy poll claims again immediately.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker: started", zap.Int("concurrency", w.concurrency), zap.Duration("poll", w.poll))
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		n, err := w.Poll(ctx)
		if ctx.Err() != nil {
			w.log.Info("worker: stopped")
			return nil
		}
		if err != nil {
			w.log.Error("worker: poll failed", zap.Error(err))
		}
		if n > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			w.log.Info("worker: stopped")
			return nil
		case <-ticker.C:
		}
		if _, err := w.source.ReclaimExpired(ctx); err != nil && ctx.Err() == nil {
			w.log.Error("worker: reclaim failed", zap.Error(err))
		}
	}
}

// Poll claims one batch and processes it. It returns how many messages
// were claimed.
func (w *Worker) Poll(ctx context.Context) (int, error) {
	deliveries, err := w.source.Claim(ctx, w.concurrency)
	if err != nil {
		return 0, err
	}

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for _, d := range deliveries {
		g.Go(func() error {
			w.process(ctx, d)
			return nil
		})
	}
	_ = g.Wait()
	return len(deliveries), nil
}

func (w *Worker) process(ctx context.Context, d Delivery) {
	log := w.log.With(
		zap.Int64("queue_id", d.ID),
		zap.String("run_id", d.Message.RunID),
		zap.String("dedupe_key", d.Message.DedupeKey()),
	)

	if err := w.handler(ctx, d.Message); err != nil {
		log.Warn("worker: message failed", zap.Int("attempts", d.Attempts), zap.Error(err))
		if nerr := w.source.Nack(ctx, d, err); nerr != nil {
			log.Error("worker: nack failed", zap.Error(nerr))
		}
		return
	}
	if err := w.source.Ack(ctx, d); err != nil {
		log.Error("worker: ack failed", zap.Error(err))
	}
}
