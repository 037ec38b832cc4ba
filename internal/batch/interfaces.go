package batch

import (
	"context"
	"io"
	"time"
)

// Store persists batches and items.
type Store interface {
	CreateBatch(ctx context.Context, b Batch, items []Item) error
	GetBatch(ctx context.Context, id string) (Batch, error)
	ListItems(ctx context.Context, batchID string) ([]Item, error)
	CountActiveBatches(ctx context.Context, owner string) (int, error)
	// ListBatchesByStatus returns the batches in any of statuses, oldest first.
	ListBatchesByStatus(ctx context.Context, statuses []Status) ([]Batch, error)
	// TransitionBatch moves a batch to `to` only if its current status is in from.
	TransitionBatch(ctx context.Context, id string, from []Status, to Status, at time.Time) (Batch, error)
	// TransitionItem moves an item to `to` only if its current status is in from.
	TransitionItem(ctx context.Context, id string, from []ItemStatus, to ItemStatus, upd ItemUpdate) (Item, error)
	// QueueItems moves every pending item of a batch to queued.
	QueueItems(ctx context.Context, batchID string, at time.Time) (int, error)
	// CancelBatch atomically cancels the batch and its non-terminal items.
	CancelBatch(ctx context.Context, id string, at time.Time) (Batch, int, error)
	// CompleteBatch closes a processing batch with its final status.
	CompleteBatch(ctx context.Context, id string, status Status, archiveRef string, at time.Time) (Batch, error)
}

// DeductRequest asks the ledger to charge credits for one admission.
type DeductRequest struct {
	Owner    string
	Period   string
	Amount   int64
	Limit    int64
	BatchRef string
	Reason   string
}

// DeductResult reports the outcome of a deduction.
type DeductResult struct {
	OK        bool
	Available int64
	Used      int64
	Limit     int64
}

// Ledger performs per-period usage accounting.
type Ledger interface {
	TryDeduct(ctx context.Context, req DeductRequest) (DeductResult, error)
	Refund(ctx context.Context, owner, period string, amount int64, batchRef string) error
	Usage(ctx context.Context, owner, period string) (UsageCounter, error)
	IncrementBandwidth(ctx context.Context, owner, period string, bytes int64) error
}

// Delivery is one at-least-once handoff of a batch to a lane worker.
type Delivery struct {
	BatchID string
	Lane    string
	Attempt int
}

// LaneCounts is the backlog of one lane.
type LaneCounts struct {
	Waiting int64
	Delayed int64
}

// LaneQueue is the durable broker behind the lanes.
type LaneQueue interface {
	Enqueue(ctx context.Context, batchID, lane string) error
	EnqueueDelayed(ctx context.Context, batchID, lane string, delay time.Duration) error
	Dequeue(ctx context.Context, lane string) (Delivery, error)
	Counts(ctx context.Context, lane string) (LaneCounts, error)
	Close()
}

// ObjectStore holds delivered artifacts and archives.
type ObjectStore interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error)
	SignedGetURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	// KeyOf recovers the object key from a reference returned by Put.
	KeyOf(ref string) (string, error)
}

// Notifier delivers terminal batch outcomes.
type Notifier interface {
	Notify(ctx context.Context, b Batch, ev Event) error
}

// Publisher emits payloads to an event topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator returns unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
