package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/batchd/internal/batch"
)

// BatchStore is an in-memory batch.Store. Terminal batches are retained for
// a TTL and then dropped, with their items, by Sweep.
type BatchStore struct {
	mu        sync.RWMutex
	batches   map[string]*entry
	itemIndex map[string]string
	ttl       time.Duration
}

type entry struct {
	batch     batch.Batch
	items     []batch.Item
	expiresAt time.Time
}

// NewBatchStore constructs a BatchStore retaining terminal batches for ttl.
// A non-positive ttl keeps them forever.
func NewBatchStore(ttl time.Duration) *BatchStore {
	return &BatchStore{
		batches:   make(map[string]*entry),
		itemIndex: make(map[string]string),
		ttl:       ttl,
	}
}

// CreateBatch stores a new batch with its items.
func (s *BatchStore) CreateBatch(_ context.Context, b batch.Batch, items []batch.Item) error {
	if b.ID == "" {
		return fmt.Errorf("batch id is required")
	}
	if b.ItemCount != len(items) {
		return fmt.Errorf("batch %s declares %d items, got %d", b.ID, b.ItemCount, len(items))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.batches[b.ID]; exists {
		return fmt.Errorf("batch %s already exists", b.ID)
	}
	for _, it := range items {
		if _, exists := s.itemIndex[it.ID]; exists {
			return fmt.Errorf("item %s already exists", it.ID)
		}
	}
	e := &entry{batch: b, items: make([]batch.Item, len(items))}
	copy(e.items, items)
	for i := range e.items {
		e.items[i].BatchID = b.ID
		s.itemIndex[e.items[i].ID] = b.ID
	}
	s.batches[b.ID] = e
	return nil
}

// GetBatch returns a copy of the batch.
func (s *BatchStore) GetBatch(_ context.Context, id string) (batch.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.batches[id]
	if !ok {
		return batch.Batch{}, fmt.Errorf("batch %s: %w", id, batch.ErrNotFound)
	}
	return e.batch, nil
}

// ListItems returns a copy of the batch items in submission order.
func (s *BatchStore) ListItems(_ context.Context, batchID string) ([]batch.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.batches[batchID]
	if !ok {
		return nil, fmt.Errorf("batch %s: %w", batchID, batch.ErrNotFound)
	}
	out := make([]batch.Item, len(e.items))
	copy(out, e.items)
	return out, nil
}

// CountActiveBatches counts the owner's queued and processing batches.
func (s *BatchStore) CountActiveBatches(_ context.Context, owner string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.batches {
		if e.batch.Owner == owner && batch.IsActive(e.batch.Status) {
			n++
		}
	}
	return n, nil
}

// ListBatchesByStatus returns copies of the batches in statuses, oldest first.
func (s *BatchStore) ListBatchesByStatus(_ context.Context, statuses []batch.Status) ([]batch.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []batch.Batch
	for _, e := range s.batches {
		if batch.StatusIn(e.batch.Status, statuses...) {
			out = append(out, e.batch)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// TransitionBatch moves a batch to `to` if its status is one of from.
func (s *BatchStore) TransitionBatch(
	_ context.Context,
	id string,
	from []batch.Status,
	to batch.Status,
	at time.Time,
) (batch.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.batches[id]
	if !ok {
		return batch.Batch{}, fmt.Errorf("batch %s: %w", id, batch.ErrNotFound)
	}
	if !batch.StatusIn(e.batch.Status, from...) {
		return batch.Batch{}, fmt.Errorf("batch %s %s -> %s: %w", id, e.batch.Status, to, batch.ErrInvalidTransition)
	}
	if err := batch.TransitionBatch(&e.batch, to); err != nil {
		return batch.Batch{}, err
	}
	e.batch.UpdatedAt = at
	s.markExpiry(e, at)
	return e.batch, nil
}

// TransitionItem moves an item to `to` if its status is one of from.
func (s *BatchStore) TransitionItem(
	_ context.Context,
	id string,
	from []batch.ItemStatus,
	to batch.ItemStatus,
	upd batch.ItemUpdate,
) (batch.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, err := s.itemLocked(id)
	if err != nil {
		return batch.Item{}, err
	}
	if !batch.ItemStatusIn(it.Status, from...) || !batch.CanTransitionItem(it.Status, to) {
		return batch.Item{}, fmt.Errorf("item %s %s -> %s: %w", id, it.Status, to, batch.ErrInvalidTransition)
	}
	upd.Apply(it, to)
	return *it, nil
}

// QueueItems moves every pending item of the batch to queued.
func (s *BatchStore) QueueItems(_ context.Context, batchID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.batches[batchID]
	if !ok {
		return 0, fmt.Errorf("batch %s: %w", batchID, batch.ErrNotFound)
	}
	n := 0
	for i := range e.items {
		if e.items[i].Status == batch.ItemPending {
			batch.ItemUpdate{At: at}.Apply(&e.items[i], batch.ItemQueued)
			n++
		}
	}
	return n, nil
}

// CancelBatch cancels the batch and its non-terminal items atomically.
func (s *BatchStore) CancelBatch(_ context.Context, id string, at time.Time) (batch.Batch, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.batches[id]
	if !ok {
		return batch.Batch{}, 0, fmt.Errorf("batch %s: %w", id, batch.ErrNotFound)
	}
	if err := batch.TransitionBatch(&e.batch, batch.StatusCancelled); err != nil {
		return batch.Batch{}, 0, err
	}
	e.batch.UpdatedAt = at
	n := 0
	for i := range e.items {
		if batch.ItemStatusIn(e.items[i].Status, batch.Cancellable...) {
			batch.ItemUpdate{At: at}.Apply(&e.items[i], batch.ItemCancelled)
			n++
		}
	}
	s.markExpiry(e, at)
	return e.batch, n, nil
}

// CompleteBatch closes a processing batch.
func (s *BatchStore) CompleteBatch(
	_ context.Context,
	id string,
	status batch.Status,
	archiveRef string,
	at time.Time,
) (batch.Batch, error) {
	if status != batch.StatusCompleted && status != batch.StatusFailed {
		return batch.Batch{}, fmt.Errorf("complete batch %s with %s: %w", id, status, batch.ErrInvalidTransition)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.batches[id]
	if !ok {
		return batch.Batch{}, fmt.Errorf("batch %s: %w", id, batch.ErrNotFound)
	}
	if err := batch.TransitionBatch(&e.batch, status); err != nil {
		return batch.Batch{}, err
	}
	completed := at
	e.batch.ArchiveRef = archiveRef
	e.batch.CompletedAt = &completed
	e.batch.UpdatedAt = at
	s.markExpiry(e, at)
	return e.batch, nil
}

// Sweep drops terminal batches whose retention expired before now and
// returns how many were removed.
func (s *BatchStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.batches {
		if e.expiresAt.IsZero() || now.Before(e.expiresAt) {
			continue
		}
		for _, it := range e.items {
			delete(s.itemIndex, it.ID)
		}
		delete(s.batches, id)
		removed++
	}
	return removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (s *BatchStore) RunSweeper(ctx context.Context, interval time.Duration, clock batch.Clock, logger *zap.Logger) {
	if interval <= 0 || s.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(clock.Now()); n > 0 && logger != nil {
				logger.Info("retention sweep removed batches", zap.Int("removed", n))
			}
		}
	}
}

func (s *BatchStore) itemLocked(id string) (*batch.Item, error) {
	batchID, ok := s.itemIndex[id]
	if !ok {
		return nil, fmt.Errorf("item %s: %w", id, batch.ErrNotFound)
	}
	e := s.batches[batchID]
	for i := range e.items {
		if e.items[i].ID == id {
			return &e.items[i], nil
		}
	}
	return nil, fmt.Errorf("item %s: %w", id, batch.ErrNotFound)
}

func (s *BatchStore) markExpiry(e *entry, at time.Time) {
	if s.ttl > 0 && batch.IsTerminal(e.batch.Status) {
		e.expiresAt = at.Add(s.ttl)
	}
}
