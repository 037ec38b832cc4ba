package finalizer

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/batchd/internal/batch"
	"github.com/JakeFAU/batchd/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type recordingNotifier struct {
	mu     sync.Mutex
	events []batch.Event
}

func (r *recordingNotifier) Notify(_ context.Context, _ batch.Batch, ev batch.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type fixture struct {
	store    *memory.BatchStore
	objects  *memory.ObjectStore
	notifier *recordingNotifier
	workDir  string
	fin      *Finalizer
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	clock := fixedClock{now: now}
	fx := &fixture{
		store:    memory.NewBatchStore(time.Hour),
		objects:  memory.NewObjectStore(clock),
		notifier: &recordingNotifier{},
		workDir:  t.TempDir(),
		now:      now,
	}
	fx.fin = New(fx.store, fx.objects, fx.notifier, clock, Config{WorkDir: fx.workDir}, nil)
	return fx
}

// seed stores a processing batch; statuses gives each item's final state and
// completed items get an artifact on disk.
func (fx *fixture) seed(t *testing.T, id string, status batch.Status, statuses ...batch.ItemStatus) {
	t.Helper()
	b := batch.Batch{ID: id, Owner: "o", Status: status, ItemCount: len(statuses), CreatedAt: fx.now, UpdatedAt: fx.now}
	items := make([]batch.Item, len(statuses))
	for i, st := range statuses {
		it := batch.Item{ID: fmt.Sprintf("%s-%d", id, i), Position: i, Status: st}
		if st == batch.ItemCompleted {
			dir := filepath.Join(fx.workDir, id, it.ID)
			require.NoError(t, os.MkdirAll(dir, 0o750))
			it.ArtifactPath = filepath.Join(dir, "clip.mp4")
			require.NoError(t, os.WriteFile(it.ArtifactPath, []byte("artifact-"+it.ID), 0o600))
			it.ArtifactRef = "memory://batches/" + id + "/items/" + it.ID + "/clip.mp4"
		}
		if st == batch.ItemFailed {
			it.Error = "HTTP Error 404"
			it.ErrorKind = "download_failed"
		}
		items[i] = it
	}
	require.NoError(t, fx.store.CreateBatch(context.Background(), b, items))
}

func (fx *fixture) batch(t *testing.T, id string) batch.Batch {
	t.Helper()
	b, err := fx.store.GetBatch(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestFinalizeSingleItemDeliversArtifactDirectly(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.seed(t, "one", batch.StatusProcessing, batch.ItemCompleted)

	require.NoError(t, fx.fin.Finalize(context.Background(), "one"))

	b := fx.batch(t, "one")
	require.Equal(t, batch.StatusCompleted, b.Status)
	require.Equal(t, "memory://batches/one/items/one-0/clip.mp4", b.ArchiveRef)
	require.NotNil(t, b.CompletedAt)
	require.Empty(t, fx.objects.Keys())

	require.Len(t, fx.notifier.events, 1)
	ev := fx.notifier.events[0]
	require.Equal(t, batch.EventCompleted, ev.Event)
	require.Equal(t, 1, ev.SuccessCount)
	require.Equal(t, 0, ev.FailCount)
	require.NoDirExists(t, filepath.Join(fx.workDir, "one"))
}

func TestFinalizeArchivesExactlyTheSuccesses(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.seed(t, "multi", batch.StatusProcessing, batch.ItemCompleted, batch.ItemCompleted, batch.ItemFailed)

	require.NoError(t, fx.fin.Finalize(context.Background(), "multi"))

	b := fx.batch(t, "multi")
	require.Equal(t, batch.StatusCompleted, b.Status)
	require.Equal(t, "memory://batches/multi/batch-multi.zip", b.ArchiveRef)

	data, contentType, ok := fx.objects.Get("batches/multi/batch-multi.zip")
	require.True(t, ok)
	require.Equal(t, "application/zip", contentType)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	require.Equal(t, "clip.mp4", zr.File[0].Name)
	require.Equal(t, "clip (1).mp4", zr.File[1].Name)

	require.Len(t, fx.notifier.events, 1)
	require.Equal(t, 2, fx.notifier.events[0].SuccessCount)
	require.Equal(t, 1, fx.notifier.events[0].FailCount)
	require.NoDirExists(t, filepath.Join(fx.workDir, "multi"))
}

func TestFinalizeWithoutSuccessesFails(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.seed(t, "none", batch.StatusProcessing, batch.ItemFailed, batch.ItemFailed)

	require.NoError(t, fx.fin.Finalize(context.Background(), "none"))

	b := fx.batch(t, "none")
	require.Equal(t, batch.StatusFailed, b.Status)
	require.Empty(t, b.ArchiveRef)
	require.Empty(t, fx.objects.Keys())
	require.Equal(t, batch.EventFailed, fx.notifier.events[0].Event)
	require.Equal(t, 2, fx.notifier.events[0].FailCount)
}

func TestFinalizeArchiveFailureFailsBatch(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.seed(t, "broken", batch.StatusProcessing, batch.ItemCompleted, batch.ItemCompleted)
	require.NoError(t, os.Remove(filepath.Join(fx.workDir, "broken", "broken-1", "clip.mp4")))

	require.NoError(t, fx.fin.Finalize(context.Background(), "broken"))

	b := fx.batch(t, "broken")
	require.Equal(t, batch.StatusFailed, b.Status)
	require.Empty(t, b.ArchiveRef)
	require.Equal(t, batch.EventFailed, fx.notifier.events[0].Event)
}

func TestFinalizeLeavesOtherBatchesAlone(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.seed(t, "running", batch.StatusProcessing, batch.ItemCompleted, batch.ItemProcessing)
	fx.seed(t, "cancelled", batch.StatusCancelled, batch.ItemCancelled)

	require.NoError(t, fx.fin.Finalize(context.Background(), "running"))
	require.NoError(t, fx.fin.Finalize(context.Background(), "cancelled"))

	require.Equal(t, batch.StatusProcessing, fx.batch(t, "running").Status)
	require.Equal(t, batch.StatusCancelled, fx.batch(t, "cancelled").Status)
	require.Empty(t, fx.notifier.events)

	require.ErrorIs(t, fx.fin.Finalize(context.Background(), "missing"), batch.ErrNotFound)
}

func TestFinalizeNotifiesOnce(t *testing.T) {
	t.Parallel()

	fx := newFixture(t)
	fx.seed(t, "twice", batch.StatusProcessing, batch.ItemCompleted)

	require.NoError(t, fx.fin.Finalize(context.Background(), "twice"))
	require.NoError(t, fx.fin.Finalize(context.Background(), "twice"))
	require.Len(t, fx.notifier.events, 1)
}

func TestOutcomeForCancelledBatch(t *testing.T) {
	t.Parallel()

	now := time.Now()
	ev := Outcome(
		batch.Batch{ID: "c", Owner: "o", Status: batch.StatusCancelled, UpdatedAt: now},
		[]batch.Item{{Status: batch.ItemCompleted}, {Status: batch.ItemCancelled}},
	)
	require.Equal(t, batch.EventCancelled, ev.Event)
	require.Equal(t, 1, ev.SuccessCount)
	require.Equal(t, 0, ev.FailCount)
	require.Equal(t, now, ev.OccurredAt)
	require.Equal(t, "batches/x/batch-x.zip", ArchiveKey("batches", "x"))
}
