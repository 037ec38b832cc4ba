package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/batchd/internal/batch"
)

const (
	ensureCounterSQL = `
INSERT INTO usage_counters (owner, period, credits_used, batches_processed, bandwidth_bytes)
VALUES ($1, $2, 0, 0, 0)
ON CONFLICT (owner, period) DO NOTHING`

	lockCounterSQL = `
SELECT credits_used FROM usage_counters
WHERE owner = $1 AND period = $2
FOR UPDATE`

	chargeCounterSQL = `
UPDATE usage_counters
SET credits_used = credits_used + $3, batches_processed = batches_processed + $4
WHERE owner = $1 AND period = $2`

	insertLedgerSQL = `
INSERT INTO credit_ledger (id, owner, period, amount, reason, batch_ref, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)`

	selectUsageSQL = `
SELECT credits_used, batches_processed, bandwidth_bytes FROM usage_counters
WHERE owner = $1 AND period = $2`

	addBandwidthSQL = `
INSERT INTO usage_counters (owner, period, credits_used, batches_processed, bandwidth_bytes)
VALUES ($1, $2, 0, 0, $3)
ON CONFLICT (owner, period) DO UPDATE
SET bandwidth_bytes = usage_counters.bandwidth_bytes + EXCLUDED.bandwidth_bytes`
)

// Ledger implements batch.Ledger on Postgres. Deductions for one
// (owner, period) serialize on the usage_counters row lock; other owners
// never contend.
type Ledger struct {
	db    DB
	ids   batch.IDGenerator
	clock batch.Clock
}

// NewLedger constructs a Ledger.
func NewLedger(db DB, ids batch.IDGenerator, clock batch.Clock) (*Ledger, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if ids == nil || clock == nil {
		return nil, fmt.Errorf("id generator and clock are required")
	}
	return &Ledger{db: db, ids: ids, clock: clock}, nil
}

// TryDeduct charges req.Amount credits if the period still has room under
// req.Limit. A refusal leaves no trace: the transaction is rolled back.
func (l *Ledger) TryDeduct(ctx context.Context, req batch.DeductRequest) (batch.DeductResult, error) {
	if req.Amount <= 0 {
		return batch.DeductResult{}, fmt.Errorf("deduct amount must be > 0")
	}
	entryID, err := l.ids.NewID()
	if err != nil {
		return batch.DeductResult{}, fmt.Errorf("ledger entry id: %w", err)
	}
	reason := req.Reason
	if reason == "" {
		reason = batch.ReasonAdmission
	}

	var res batch.DeductResult
	errRefused := errors.New("insufficient credits")
	err = inTx(ctx, l.db, func(tx pgx.Tx) error {
		used, err := lockCounter(ctx, tx, req.Owner, req.Period)
		if err != nil {
			return err
		}
		available := req.Limit - used
		res = batch.DeductResult{Available: available, Used: used, Limit: req.Limit}
		if available < req.Amount {
			return errRefused
		}
		if _, err := tx.Exec(ctx, chargeCounterSQL, req.Owner, req.Period, req.Amount, int64(1)); err != nil {
			return fmt.Errorf("charge usage counter: %w", err)
		}
		if _, err := tx.Exec(ctx, insertLedgerSQL,
			entryID, req.Owner, req.Period, req.Amount, reason, req.BatchRef, l.clock.Now(),
		); err != nil {
			return fmt.Errorf("append ledger entry: %w", err)
		}
		return nil
	})
	if errors.Is(err, errRefused) {
		return res, nil
	}
	if err != nil {
		return batch.DeductResult{}, fmt.Errorf("try deduct: %w", err)
	}
	res.OK = true
	res.Used += req.Amount
	res.Available -= req.Amount
	return res, nil
}

// Refund reverses an admission charge whose batch could not be created. It
// appends a negative ledger entry rather than deleting the original.
func (l *Ledger) Refund(ctx context.Context, owner, period string, amount int64, batchRef string) error {
	if amount <= 0 {
		return fmt.Errorf("refund amount must be > 0")
	}
	entryID, err := l.ids.NewID()
	if err != nil {
		return fmt.Errorf("ledger entry id: %w", err)
	}
	err = inTx(ctx, l.db, func(tx pgx.Tx) error {
		if _, err := lockCounter(ctx, tx, owner, period); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, chargeCounterSQL, owner, period, -amount, int64(-1)); err != nil {
			return fmt.Errorf("refund usage counter: %w", err)
		}
		if _, err := tx.Exec(ctx, insertLedgerSQL,
			entryID, owner, period, -amount, batch.ReasonRefund, batchRef, l.clock.Now(),
		); err != nil {
			return fmt.Errorf("append refund entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	return nil
}

// Usage returns the counter for (owner, period), zero-valued if absent.
func (l *Ledger) Usage(ctx context.Context, owner, period string) (batch.UsageCounter, error) {
	out := batch.UsageCounter{Owner: owner, Period: period}
	err := l.db.QueryRow(ctx, selectUsageSQL, owner, period).
		Scan(&out.CreditsUsed, &out.BatchesProcessed, &out.BandwidthBytes)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, nil
	}
	if err != nil {
		return batch.UsageCounter{}, fmt.Errorf("select usage: %w", err)
	}
	return out, nil
}

// IncrementBandwidth adds bytes to the period's bandwidth without locking.
func (l *Ledger) IncrementBandwidth(ctx context.Context, owner, period string, bytes int64) error {
	if bytes <= 0 {
		return nil
	}
	if _, err := l.db.Exec(ctx, addBandwidthSQL, owner, period, bytes); err != nil {
		return fmt.Errorf("increment bandwidth: %w", err)
	}
	return nil
}

func lockCounter(ctx context.Context, tx pgx.Tx, owner, period string) (int64, error) {
	if _, err := tx.Exec(ctx, ensureCounterSQL, owner, period); err != nil {
		return 0, fmt.Errorf("ensure usage counter: %w", err)
	}
	var used int64
	if err := tx.QueryRow(ctx, lockCounterSQL, owner, period).Scan(&used); err != nil {
		return 0, fmt.Errorf("lock usage counter: %w", err)
	}
	return used, nil
}
