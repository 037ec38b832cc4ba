package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/batchd/internal/batch"
)

// Ledger is an in-memory batch.Ledger. Each (owner, period) counter has its
// own mutex, standing in for the Postgres row lock.
type Ledger struct {
	mu       sync.Mutex
	counters map[counterKey]*counter
	entries  []batch.LedgerEntry
	ids      batch.IDGenerator
	clock    batch.Clock
}

type counterKey struct{ owner, period string }

type counter struct {
	mu sync.Mutex
	batch.UsageCounter
}

// NewLedger constructs an empty Ledger.
func NewLedger(ids batch.IDGenerator, clock batch.Clock) *Ledger {
	return &Ledger{counters: make(map[counterKey]*counter), ids: ids, clock: clock}
}

// row upserts the counter for (owner, period) with zero defaults.
func (l *Ledger) row(owner, period string) *counter {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := counterKey{owner, period}
	c, ok := l.counters[k]
	if !ok {
		c = &counter{UsageCounter: batch.UsageCounter{Owner: owner, Period: period}}
		l.counters[k] = c
	}
	return c
}

// TryDeduct charges req.Amount when the period has room under req.Limit.
func (l *Ledger) TryDeduct(_ context.Context, req batch.DeductRequest) (batch.DeductResult, error) {
	if req.Amount <= 0 {
		return batch.DeductResult{}, fmt.Errorf("deduct amount must be > 0")
	}
	c := l.row(req.Owner, req.Period)
	c.mu.Lock()
	defer c.mu.Unlock()

	available := req.Limit - c.CreditsUsed
	if available < req.Amount {
		return batch.DeductResult{Available: available, Used: c.CreditsUsed, Limit: req.Limit}, nil
	}
	reason := req.Reason
	if reason == "" {
		reason = batch.ReasonAdmission
	}
	if err := l.append(req.Owner, req.Period, req.Amount, reason, req.BatchRef); err != nil {
		return batch.DeductResult{}, err
	}
	c.CreditsUsed += req.Amount
	c.BatchesProcessed++
	return batch.DeductResult{
		OK:        true,
		Available: available - req.Amount,
		Used:      c.CreditsUsed,
		Limit:     req.Limit,
	}, nil
}

// Refund reverses an admission charge with a negative entry.
func (l *Ledger) Refund(_ context.Context, owner, period string, amount int64, batchRef string) error {
	if amount <= 0 {
		return fmt.Errorf("refund amount must be > 0")
	}
	c := l.row(owner, period)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := l.append(owner, period, -amount, batch.ReasonRefund, batchRef); err != nil {
		return err
	}
	c.CreditsUsed -= amount
	if c.BatchesProcessed > 0 {
		c.BatchesProcessed--
	}
	return nil
}

// Usage returns a snapshot of the counter for (owner, period).
func (l *Ledger) Usage(_ context.Context, owner, period string) (batch.UsageCounter, error) {
	l.mu.Lock()
	c, ok := l.counters[counterKey{owner, period}]
	l.mu.Unlock()
	if !ok {
		return batch.UsageCounter{Owner: owner, Period: period}, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.UsageCounter, nil
}

// IncrementBandwidth adds bytes to the period's bandwidth.
func (l *Ledger) IncrementBandwidth(_ context.Context, owner, period string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	c := l.row(owner, period)
	c.mu.Lock()
	c.BandwidthBytes += bytes
	c.mu.Unlock()
	return nil
}

// Entries returns a copy of the append-only ledger.
func (l *Ledger) Entries() []batch.LedgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]batch.LedgerEntry, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *Ledger) append(owner, period string, amount int64, reason, batchRef string) error {
	id, err := l.ids.NewID()
	if err != nil {
		return fmt.Errorf("ledger entry id: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, batch.LedgerEntry{
		ID:        id,
		Owner:     owner,
		Period:    period,
		Amount:    amount,
		Reason:    reason,
		BatchRef:  batchRef,
		CreatedAt: l.clock.Now(),
	})
	return nil
}
