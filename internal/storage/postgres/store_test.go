package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/batchd/internal/batch"
)

var storeNow = time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

var batchCols = []string{
	"id", "owner", "plan", "lane", "status", "format", "quality", "archive", "item_count",
	"callback_url", "archive_ref", "created_at", "updated_at", "completed_at",
}

var itemCols = []string{
	"id", "batch_id", "position", "source_url", "provider_id", "status", "title", "error", "error_kind",
	"artifact_ref", "artifact_path", "artifact_bytes", "created_at", "updated_at", "started_at", "finished_at",
}

func batchRow(id string, status batch.Status) *pgxmock.Rows {
	return pgxmock.NewRows(batchCols).AddRow(
		id, "acct", "pro", "priority", string(status), "mp4", "720p", true, 3,
		"https://hooks.example/cb", "", storeNow, storeNow, (*time.Time)(nil),
	)
}

func newTestStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s, err := NewStore(mock)
	require.NoError(t, err)
	return s, mock
}

func TestCreateBatchInsertsBatchAndItems(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	b := batch.Batch{
		ID: "b1", Owner: "acct", Plan: "pro", Lane: "priority", Status: batch.StatusCreated,
		Options: batch.Options{Format: "mp4"}, ItemCount: 2, CreatedAt: storeNow, UpdatedAt: storeNow,
	}
	items := []batch.Item{
		{ID: "i1", BatchID: "b1", Position: 0, SourceURL: "https://a.example/1", Status: batch.ItemPending},
		{ID: "i2", BatchID: "b1", Position: 1, SourceURL: "https://a.example/2", Status: batch.ItemPending},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO batches").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO batch_items").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO batch_items").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, s.CreateBatch(context.Background(), b, items))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBatchRollsBackOnItemFailure(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	b := batch.Batch{ID: "b1", ItemCount: 1, Status: batch.StatusCreated}
	items := []batch.Item{{ID: "i1", BatchID: "b1", Status: batch.ItemPending}}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO batches").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO batch_items").WillReturnError(errors.New("unique violation"))
	mock.ExpectRollback()

	err := s.CreateBatch(context.Background(), b, items)
	require.ErrorContains(t, err, "unique violation")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBatchRejectsItemCountMismatch(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	err := s.CreateBatch(context.Background(), batch.Batch{ID: "b1", ItemCount: 2}, []batch.Item{{ID: "i1"}})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBatch(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT (.+) FROM batches WHERE id").
		WithArgs("b1").
		WillReturnRows(batchRow("b1", batch.StatusQueued))

	b, err := s.GetBatch(context.Background(), "b1")
	require.NoError(t, err)
	require.Equal(t, batch.StatusQueued, b.Status)
	require.Equal(t, "priority", b.Lane)
	require.True(t, b.Options.Archive)
	require.Equal(t, 3, b.ItemCount)
	require.Nil(t, b.CompletedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBatchNotFound(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT (.+) FROM batches WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetBatch(context.Background(), "missing")
	require.ErrorIs(t, err, batch.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListItemsOrdersByPosition(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	started := storeNow.Add(time.Second)
	rows := pgxmock.NewRows(itemCols).
		AddRow("i1", "b1", 0, "https://a.example/1", "generic", "completed", "one", "", "",
			"batches/b1/items/i1/one.mp4", "/work/b1/i1/one.mp4", int64(2048),
			storeNow, storeNow, &started, &started).
		AddRow("i2", "b1", 1, "https://a.example/2", "generic", "failed", "", "boom", "download_failed",
			"", "", int64(0), storeNow, storeNow, &started, &started)
	mock.ExpectQuery("SELECT (.+) FROM batch_items WHERE batch_id").
		WithArgs("b1").
		WillReturnRows(rows)

	items, err := s.ListItems(context.Background(), "b1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, batch.ItemCompleted, items[0].Status)
	require.Equal(t, int64(2048), items[0].ArtifactBytes)
	require.Equal(t, "download_failed", items[1].ErrorKind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountActiveBatches(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	mock.ExpectQuery("SELECT count").
		WithArgs("acct", []string{"queued", "processing"}).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(2))

	n, err := s.CountActiveBatches(context.Background(), "acct")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionBatchConflict(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	mock.ExpectQuery("UPDATE batches SET status").
		WithArgs("processing", storeNow, "b1", []string{"queued"}).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("SELECT (.+) FROM batches WHERE id").
		WithArgs("b1").
		WillReturnRows(batchRow("b1", batch.StatusCancelled))

	_, err := s.TransitionBatch(context.Background(), "b1",
		[]batch.Status{batch.StatusQueued}, batch.StatusProcessing, storeNow)
	require.ErrorIs(t, err, batch.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTransitionBatchRejectsIllegalEdgeWithoutQuery(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	_, err := s.TransitionBatch(context.Background(), "b1",
		[]batch.Status{batch.StatusCompleted}, batch.StatusQueued, storeNow)
	require.ErrorIs(t, err, batch.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelBatchSweepsItems(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE batches SET status").
		WithArgs("cancelled", storeNow, "b1", []string{"created", "queued", "processing"}).
		WillReturnRows(batchRow("b1", batch.StatusCancelled))
	mock.ExpectExec("UPDATE batch_items SET status").
		WithArgs("cancelled", storeNow, "b1", []string{"pending", "queued", "processing"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))
	mock.ExpectCommit()

	b, n, err := s.CancelBatch(context.Background(), "b1", storeNow)
	require.NoError(t, err)
	require.Equal(t, batch.StatusCancelled, b.Status)
	require.Equal(t, 2, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancelBatchAlreadyTerminal(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE batches SET status").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()
	mock.ExpectQuery("SELECT (.+) FROM batches WHERE id").
		WithArgs("b1").
		WillReturnRows(batchRow("b1", batch.StatusCompleted))

	_, _, err := s.CancelBatch(context.Background(), "b1", storeNow)
	require.ErrorIs(t, err, batch.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestQueueItems(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	mock.ExpectExec("UPDATE batch_items SET status").
		WithArgs("queued", storeNow, "b1", "pending").
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := s.QueueItems(context.Background(), "b1", storeNow)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteBatchRequiresTerminalStatus(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	_, err := s.CompleteBatch(context.Background(), "b1", batch.StatusQueued, "", storeNow)
	require.ErrorIs(t, err, batch.ErrInvalidTransition)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMigrateAppliesSchema(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS batches").WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, Migrate(context.Background(), mock))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBatchesByStatus(t *testing.T) {
	t.Parallel()

	s, mock := newTestStore(t)
	rows := batchRow("b1", batch.StatusQueued).AddRow(
		"b2", "acct", "pro", "priority", string(batch.StatusProcessing), "mp4", "720p", true, 3,
		"https://hooks.example/cb", "", storeNow, storeNow, (*time.Time)(nil),
	)
	mock.ExpectQuery("SELECT (.+) FROM batches WHERE status = ANY").
		WithArgs([]string{"queued", "processing"}).
		WillReturnRows(rows)

	got, err := s.ListBatchesByStatus(context.Background(), []batch.Status{batch.StatusQueued, batch.StatusProcessing})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "b1", got[0].ID)
	require.Equal(t, batch.StatusProcessing, got[1].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}
