// Package dispatcher manages the lane worker pools over the batch broker.
package dispatcher

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/batchd/internal/batch"
	"github.com/JakeFAU/batchd/internal/logging"
	"github.com/JakeFAU/batchd/internal/metrics"
	"github.com/JakeFAU/batchd/internal/worker"
)

// Config sizes the lane pools.
type Config struct {
	// Lanes maps a lane name to its worker count.
	Lanes        map[string]int
	RequeueDelay time.Duration
}

// BatchLister finds batches by status.
type BatchLister interface {
	ListBatchesByStatus(ctx context.Context, statuses []batch.Status) ([]batch.Batch, error)
}

// Dispatcher fans lane deliveries out to fixed worker pools.
type Dispatcher struct {
	queue         batch.LaneQueue
	lanes         []string
	workers       []*worker.Worker
	depthInterval time.Duration
	logger        *zap.Logger
}

// New creates a Dispatcher with cfg.Lanes[name] workers per lane, all
// sharing processor.
func New(queue batch.LaneQueue, cfg Config, processor worker.BatchProcessor, logger *zap.Logger) *Dispatcher {
	logger = logging.OrNop(logger)
	names := make([]string, 0, len(cfg.Lanes))
	for name := range cfg.Lanes {
		names = append(names, name)
	}
	sort.Strings(names)

	var workers []*worker.Worker
	for _, name := range names {
		for i := 0; i < cfg.Lanes[name]; i++ {
			workers = append(workers, worker.New(name, queue, processor, cfg.RequeueDelay, logger))
		}
	}
	return &Dispatcher{
		queue:         queue,
		lanes:         names,
		workers:       workers,
		depthInterval: 15 * time.Second,
		logger:        logger.Named("dispatcher"),
	}
}

// Lanes returns the configured lane names.
func (d *Dispatcher) Lanes() []string { return append([]string(nil), d.lanes...) }

// Run starts all workers and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk *worker.Worker) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.reportDepth(ctx)
	}()
	d.logger.Info("dispatcher started", zap.Strings("lanes", d.lanes), zap.Int("workers", len(d.workers)))
	<-ctx.Done()
	wg.Wait()
}

// Enqueue proxies to the underlying broker.
func (d *Dispatcher) Enqueue(ctx context.Context, batchID, lane string) error {
	if err := d.queue.Enqueue(ctx, batchID, lane); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Recover enqueues every queued or processing batch found in store. It is
// meant to run once before the workers start, restoring deliveries that a
// previous process lost. Batches on unknown lanes are skipped.
func (d *Dispatcher) Recover(ctx context.Context, store BatchLister) (int, error) {
	pending, err := store.ListBatchesByStatus(ctx, []batch.Status{batch.StatusQueued, batch.StatusProcessing})
	if err != nil {
		return 0, fmt.Errorf("list unfinished batches: %w", err)
	}
	n := 0
	for _, b := range pending {
		log := logging.ForBatch(d.logger, b)
		if !slices.Contains(d.lanes, b.Lane) {
			log.Warn("unfinished batch on unknown lane, not recovered")
			continue
		}
		if err := d.Enqueue(ctx, b.ID, b.Lane); err != nil {
			return n, err
		}
		log.Info("recovered unfinished batch", zap.String("status", string(b.Status)))
		n++
	}
	return n, nil
}

// Counts returns waiting plus delayed deliveries summed over every lane.
func (d *Dispatcher) Counts(ctx context.Context) (int64, error) {
	var total int64
	for _, lane := range d.lanes {
		c, err := d.queue.Counts(ctx, lane)
		if err != nil {
			return 0, fmt.Errorf("queue counts %s: %w", lane, err)
		}
		metrics.SetLaneDepth(lane, c.Waiting, c.Delayed)
		total += c.Waiting + c.Delayed
	}
	return total, nil
}

func (d *Dispatcher) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(d.depthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := d.Counts(ctx); err != nil && ctx.Err() == nil {
				d.logger.Warn("lane depth refresh failed", zap.Error(err))
			}
		}
	}
}
