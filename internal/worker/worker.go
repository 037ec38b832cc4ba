// Package worker executes batches pulled from a lane.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/batchd/internal/batch"
	"github.com/JakeFAU/batchd/internal/logging"
	"github.com/JakeFAU/batchd/internal/metrics"
)

// DefaultRequeueDelay is how long a failed delivery waits before it is
// visible on the lane again.
const DefaultRequeueDelay = 5 * time.Second

// BatchProcessor runs one delivered batch.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batchID string) error
}

// Worker consumes deliveries from a single lane.
type Worker struct {
	lane      string
	queue     batch.LaneQueue
	processor BatchProcessor
	logger    *zap.Logger

	retryDelay   time.Duration
	requeueDelay time.Duration
}

// New constructs a Worker bound to lane. requeueDelay <= 0 selects
// DefaultRequeueDelay.
func New(lane string, queue batch.LaneQueue, processor BatchProcessor, requeueDelay time.Duration, logger *zap.Logger) *Worker {
	if requeueDelay <= 0 {
		requeueDelay = DefaultRequeueDelay
	}
	return &Worker{
		lane:      lane,
		queue:     queue,
		processor: processor,
		logger:    logging.OrNop(logger).Named("worker").With(zap.String("lane", lane)),

		retryDelay:   time.Second,
		requeueDelay: requeueDelay,
	}
}

// Lane returns the lane the worker consumes.
func (w *Worker) Lane() string { return w.lane }

// Run blocks, consuming deliveries until the context finishes. A delivery
// whose run fails or is interrupted goes back on the lane.
func (w *Worker) Run(ctx context.Context) {
	for {
		d, err := w.queue.Dequeue(ctx, w.lane)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.retryDelay):
			}
			continue
		}
		w.logger.Debug("dequeued batch", zap.String("batch_id", d.BatchID), zap.Int("attempt", d.Attempt))
		metrics.IncActiveWorkers(w.lane)
		err = w.processor.ProcessBatch(ctx, d.BatchID)
		metrics.DecActiveWorkers(w.lane)
		if err != nil {
			w.redeliver(ctx, d, err)
		}
	}
}

func (w *Worker) redeliver(ctx context.Context, d batch.Delivery, err error) {
	log := w.logger.With(zap.String("batch_id", d.BatchID))
	if errors.Is(err, batch.ErrNotFound) {
		log.Warn("dropping delivery for unknown batch", zap.Error(err))
		return
	}
	delay := w.requeueDelay
	if ctx.Err() != nil {
		delay = 0
		log.Info("batch interrupted by shutdown, requeueing")
	} else {
		log.Error("process batch failed, requeueing", zap.Error(err), zap.Duration("delay", delay))
	}
	if qerr := w.queue.EnqueueDelayed(context.WithoutCancel(ctx), d.BatchID, w.lane, delay); qerr != nil {
		log.Error("requeue failed, batch left for startup recovery", zap.Error(qerr))
	}
}
