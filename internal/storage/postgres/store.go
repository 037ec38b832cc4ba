package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/batchd/internal/batch"
)

const batchColumns = `id, owner, plan, lane, status, format, quality, archive, item_count, ` +
	`callback_url, archive_ref, created_at, updated_at, completed_at`

const itemColumns = `id, batch_id, position, source_url, provider_id, status, title, error, error_kind, ` +
	`artifact_ref, artifact_path, artifact_bytes, created_at, updated_at, started_at, finished_at`

// Store implements batch.Store on Postgres. Every status change is a
// conditional UPDATE on the current status, so concurrent writers (a worker
// and a cancel request) cannot both win.
type Store struct {
	db DB
}

// NewStore constructs a Store over an open pool.
func NewStore(db DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	s.db.Close()
}

// CreateBatch inserts the batch and all of its items in one transaction.
func (s *Store) CreateBatch(ctx context.Context, b batch.Batch, items []batch.Item) error {
	if b.ID == "" {
		return fmt.Errorf("batch id is required")
	}
	if b.ItemCount != len(items) {
		return fmt.Errorf("batch %s declares %d items, got %d", b.ID, b.ItemCount, len(items))
	}
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
INSERT INTO batches (`+batchColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
			b.ID, b.Owner, b.Plan, b.Lane, string(b.Status), b.Options.Format, b.Options.Quality,
			b.Options.Archive, b.ItemCount, b.CallbackURL, b.ArchiveRef, b.CreatedAt, b.UpdatedAt, b.CompletedAt,
		); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		for _, it := range items {
			if _, err := tx.Exec(ctx, `
INSERT INTO batch_items (`+itemColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
				it.ID, b.ID, it.Position, it.SourceURL, it.ProviderID, string(it.Status), it.Title,
				it.Error, it.ErrorKind, it.ArtifactRef, it.ArtifactPath, it.ArtifactBytes,
				it.CreatedAt, it.UpdatedAt, it.StartedAt, it.FinishedAt,
			); err != nil {
				return fmt.Errorf("insert item %d: %w", it.Position, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create batch: %w", err)
	}
	return nil
}

// GetBatch loads one batch.
func (s *Store) GetBatch(ctx context.Context, id string) (batch.Batch, error) {
	row := s.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return batch.Batch{}, fmt.Errorf("batch %s: %w", id, batch.ErrNotFound)
	}
	if err != nil {
		return batch.Batch{}, fmt.Errorf("select batch: %w", err)
	}
	return b, nil
}

// ListItems returns the batch items ordered by their submission position.
func (s *Store) ListItems(ctx context.Context, batchID string) ([]batch.Item, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+itemColumns+` FROM batch_items WHERE batch_id = $1 ORDER BY position`, batchID)
	if err != nil {
		return nil, fmt.Errorf("select items: %w", err)
	}
	defer rows.Close()

	var items []batch.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

// CountActiveBatches counts the owner's queued and processing batches.
func (s *Store) CountActiveBatches(ctx context.Context, owner string) (int, error) {
	var n int
	err := s.db.QueryRow(ctx,
		`SELECT count(*) FROM batches WHERE owner = $1 AND status = ANY($2)`,
		owner, []string{string(batch.StatusQueued), string(batch.StatusProcessing)},
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active batches: %w", err)
	}
	return n, nil
}

// ListBatchesByStatus returns the batches in statuses, oldest first.
func (s *Store) ListBatchesByStatus(ctx context.Context, statuses []batch.Status) ([]batch.Batch, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE status = ANY($1) ORDER BY created_at, id`,
		statusStrings(statuses))
	if err != nil {
		return nil, fmt.Errorf("select batches: %w", err)
	}
	defer rows.Close()

	var out []batch.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batches: %w", err)
	}
	return out, nil
}

// TransitionBatch moves a batch to `to` if it is currently in one of from.
func (s *Store) TransitionBatch(
	ctx context.Context,
	id string,
	from []batch.Status,
	to batch.Status,
	at time.Time,
) (batch.Batch, error) {
	for _, f := range from {
		if !batch.CanTransitionBatch(f, to) {
			return batch.Batch{}, fmt.Errorf("batch %s %s -> %s: %w", id, f, to, batch.ErrInvalidTransition)
		}
	}
	row := s.db.QueryRow(ctx, `
UPDATE batches SET status = $1, updated_at = $2
WHERE id = $3 AND status = ANY($4)
RETURNING `+batchColumns, string(to), at, id, statusStrings(from))
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return batch.Batch{}, s.missOrConflict(ctx, id, to)
	}
	if err != nil {
		return batch.Batch{}, fmt.Errorf("update batch status: %w", err)
	}
	return b, nil
}

// TransitionItem moves an item to `to` if it is currently in one of from,
// writing the non-nil fields of upd alongside.
func (s *Store) TransitionItem(
	ctx context.Context,
	id string,
	from []batch.ItemStatus,
	to batch.ItemStatus,
	upd batch.ItemUpdate,
) (batch.Item, error) {
	for _, f := range from {
		if !batch.CanTransitionItem(f, to) {
			return batch.Item{}, fmt.Errorf("item %s %s -> %s: %w", id, f, to, batch.ErrInvalidTransition)
		}
	}
	processing := to == batch.ItemProcessing
	terminal := batch.IsItemTerminal(to)
	row := s.db.QueryRow(ctx, `
UPDATE batch_items SET
	status = $1,
	provider_id = COALESCE($2, provider_id),
	title = COALESCE($3, title),
	error = COALESCE($4, error),
	error_kind = COALESCE($5, error_kind),
	artifact_ref = COALESCE($6, artifact_ref),
	artifact_path = COALESCE($7, artifact_path),
	artifact_bytes = COALESCE($8, artifact_bytes),
	updated_at = $9,
	started_at = CASE WHEN $10 AND started_at IS NULL THEN $9 ELSE started_at END,
	finished_at = CASE WHEN $11 THEN $9 ELSE finished_at END
WHERE id = $12 AND status = ANY($13)
RETURNING `+itemColumns,
		string(to), upd.ProviderID, upd.Title, upd.Error, upd.ErrorKind, upd.ArtifactRef,
		upd.ArtifactPath, upd.ArtifactBytes, upd.At, processing, terminal, id, itemStatusStrings(from),
	)
	it, err := scanItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM batch_items WHERE id = $1)`, id).
			Scan(&exists); qerr != nil {
			return batch.Item{}, fmt.Errorf("check item: %w", qerr)
		}
		if !exists {
			return batch.Item{}, fmt.Errorf("item %s: %w", id, batch.ErrNotFound)
		}
		return batch.Item{}, fmt.Errorf("item %s -> %s: %w", id, to, batch.ErrInvalidTransition)
	}
	if err != nil {
		return batch.Item{}, fmt.Errorf("update item status: %w", err)
	}
	return it, nil
}

// QueueItems moves the batch's pending items to queued.
func (s *Store) QueueItems(ctx context.Context, batchID string, at time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE batch_items SET status = $1, updated_at = $2
WHERE batch_id = $3 AND status = $4`,
		string(batch.ItemQueued), at, batchID, string(batch.ItemPending))
	if err != nil {
		return 0, fmt.Errorf("queue items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CancelBatch cancels the batch and sweeps its non-terminal items to
// cancelled in one transaction.
func (s *Store) CancelBatch(ctx context.Context, id string, at time.Time) (batch.Batch, int, error) {
	var (
		out       batch.Batch
		cancelled int
		miss      bool
	)
	err := inTx(ctx, s.db, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
UPDATE batches SET status = $1, updated_at = $2
WHERE id = $3 AND status = ANY($4)
RETURNING `+batchColumns,
			string(batch.StatusCancelled), at, id,
			statusStrings([]batch.Status{batch.StatusCreated, batch.StatusQueued, batch.StatusProcessing}))
		b, err := scanBatch(row)
		if errors.Is(err, pgx.ErrNoRows) {
			miss = true
			return errNoChange
		}
		if err != nil {
			return fmt.Errorf("cancel batch row: %w", err)
		}
		tag, err := tx.Exec(ctx, `
UPDATE batch_items SET status = $1, updated_at = $2, finished_at = $2
WHERE batch_id = $3 AND status = ANY($4)`,
			string(batch.ItemCancelled), at, id, itemStatusStrings(batch.Cancellable))
		if err != nil {
			return fmt.Errorf("cancel items: %w", err)
		}
		out = b
		cancelled = int(tag.RowsAffected())
		return nil
	})
	if miss {
		return batch.Batch{}, 0, s.missOrConflict(ctx, id, batch.StatusCancelled)
	}
	if err != nil {
		return batch.Batch{}, 0, fmt.Errorf("cancel batch: %w", err)
	}
	return out, cancelled, nil
}

// CompleteBatch closes a processing batch with its terminal status.
func (s *Store) CompleteBatch(
	ctx context.Context,
	id string,
	status batch.Status,
	archiveRef string,
	at time.Time,
) (batch.Batch, error) {
	if status != batch.StatusCompleted && status != batch.StatusFailed {
		return batch.Batch{}, fmt.Errorf("complete batch %s with %s: %w", id, status, batch.ErrInvalidTransition)
	}
	row := s.db.QueryRow(ctx, `
UPDATE batches SET status = $1, archive_ref = $2, completed_at = $3, updated_at = $3
WHERE id = $4 AND status = $5
RETURNING `+batchColumns,
		string(status), archiveRef, at, id, string(batch.StatusProcessing))
	b, err := scanBatch(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return batch.Batch{}, s.missOrConflict(ctx, id, status)
	}
	if err != nil {
		return batch.Batch{}, fmt.Errorf("complete batch: %w", err)
	}
	return b, nil
}

var errNoChange = errors.New("no matching row")

func (s *Store) missOrConflict(ctx context.Context, id string, to batch.Status) error {
	cur, err := s.GetBatch(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("batch %s %s -> %s: %w", id, cur.Status, to, batch.ErrInvalidTransition)
}

func scanBatch(row pgx.Row) (batch.Batch, error) {
	var (
		b      batch.Batch
		status string
	)
	err := row.Scan(
		&b.ID, &b.Owner, &b.Plan, &b.Lane, &status, &b.Options.Format, &b.Options.Quality,
		&b.Options.Archive, &b.ItemCount, &b.CallbackURL, &b.ArchiveRef, &b.CreatedAt,
		&b.UpdatedAt, &b.CompletedAt,
	)
	if err != nil {
		return batch.Batch{}, err //nolint:wrapcheck // callers wrap with context
	}
	b.Status = batch.Status(status)
	return b, nil
}

func scanItem(row pgx.Row) (batch.Item, error) {
	var (
		it     batch.Item
		status string
	)
	err := row.Scan(
		&it.ID, &it.BatchID, &it.Position, &it.SourceURL, &it.ProviderID, &status, &it.Title,
		&it.Error, &it.ErrorKind, &it.ArtifactRef, &it.ArtifactPath, &it.ArtifactBytes,
		&it.CreatedAt, &it.UpdatedAt, &it.StartedAt, &it.FinishedAt,
	)
	if err != nil {
		return batch.Item{}, err //nolint:wrapcheck // callers wrap with context
	}
	it.Status = batch.ItemStatus(status)
	return it, nil
}

func statusStrings(in []batch.Status) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}

func itemStatusStrings(in []batch.ItemStatus) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = string(s)
	}
	return out
}
