// Package finalizer closes out batches once every item is terminal.
package finalizer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/JakeFAU/batchd/internal/archive"
	"github.com/JakeFAU/batchd/internal/batch"
	"github.com/JakeFAU/batchd/internal/logging"
	"github.com/JakeFAU/batchd/internal/metrics"
)

// Config controls where archives are staged and stored.
type Config struct {
	WorkDir   string
	KeyPrefix string
}

// Finalizer aggregates item outcomes, packages the deliverable and notifies.
type Finalizer struct {
	store    batch.Store
	objects  batch.ObjectStore
	notifier batch.Notifier
	clock    batch.Clock
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Finalizer. A nil notifier disables notifications.
func New(
	store batch.Store,
	objects batch.ObjectStore,
	notifier batch.Notifier,
	clock batch.Clock,
	cfg Config,
	logger *zap.Logger,
) *Finalizer {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "batches"
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "batchd")
	}
	return &Finalizer{
		store:    store,
		objects:  objects,
		notifier: notifier,
		clock:    clock,
		cfg:      cfg,
		logger:   logging.OrNop(logger).Named("finalizer"),
	}
}

// ArchiveKey is the object key of a batch archive.
func ArchiveKey(prefix, batchID string) string {
	return fmt.Sprintf("%s/%s/%s", prefix, batchID, ArchiveName(batchID))
}

// ArchiveName is the file name of a batch archive.
func ArchiveName(batchID string) string {
	return "batch-" + batchID + ".zip"
}

// Finalize closes a processing batch whose items are all terminal. Batches
// in any other state, or with items still running, are left untouched.
func (f *Finalizer) Finalize(ctx context.Context, batchID string) error {
	b, err := f.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch: %w", err)
	}
	log := logging.ForBatch(f.logger, b)
	if b.Status != batch.StatusProcessing {
		log.Debug("batch not processing, nothing to finalize", zap.String("status", string(b.Status)))
		return nil
	}
	items, err := f.store.ListItems(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list items: %w", err)
	}
	if !batch.AllItemsTerminal(items) {
		log.Debug("items still running, deferring finalization")
		return nil
	}

	successes := batch.Successes(items)
	status := batch.FinalStatus(items)
	ref := ""
	switch {
	case status != batch.StatusCompleted:
	case len(items) == 1:
		ref = successes[0].ArtifactRef
	default:
		ref, err = f.buildArchive(ctx, b, successes)
		if err != nil {
			log.Error("archive build failed, failing batch", zap.Error(err))
			status = batch.StatusFailed
			ref = ""
		}
	}

	done, err := f.store.CompleteBatch(ctx, batchID, status, ref, f.clock.Now())
	if errors.Is(err, batch.ErrInvalidTransition) {
		log.Info("batch closed concurrently, skipping notification")
		f.cleanup(batchID, log)
		return nil
	}
	if err != nil {
		return fmt.Errorf("complete batch: %w", err)
	}
	metrics.ObserveFinalized(string(done.Status))
	log.Info("batch finalized",
		zap.String("status", string(done.Status)),
		zap.Int("succeeded", len(successes)),
		zap.Int("total", len(items)),
	)

	f.notify(ctx, done, Outcome(done, items))
	f.cleanup(batchID, log)
	return nil
}

// Outcome builds the terminal event for a batch.
func Outcome(b batch.Batch, items []batch.Item) batch.Event {
	p := batch.ComputeProgress(items)
	name := batch.EventFailed
	switch b.Status {
	case batch.StatusCompleted:
		name = batch.EventCompleted
	case batch.StatusCancelled:
		name = batch.EventCancelled
	}
	occurred := b.UpdatedAt
	if b.CompletedAt != nil {
		occurred = *b.CompletedAt
	}
	return batch.Event{
		Event:        name,
		BatchID:      b.ID,
		Owner:        b.Owner,
		Status:       b.Status,
		SuccessCount: p.Completed,
		FailCount:    p.Failed,
		ArchiveRef:   b.ArchiveRef,
		OccurredAt:   occurred,
	}
}

func (f *Finalizer) notify(ctx context.Context, b batch.Batch, ev batch.Event) {
	if f.notifier == nil {
		return
	}
	if err := f.notifier.Notify(ctx, b, ev); err != nil {
		logging.ForBatch(f.logger, b).Warn("batch notification failed", zap.String("event", ev.Event), zap.Error(err))
	}
}

func (f *Finalizer) buildArchive(ctx context.Context, b batch.Batch, successes []batch.Item) (string, error) {
	dir := filepath.Join(f.cfg.WorkDir, b.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	path := filepath.Join(dir, ArchiveName(b.ID))
	out, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create archive: %w", err)
	}
	entries := make([]archive.Entry, 0, len(successes))
	for _, it := range successes {
		entries = append(entries, archive.Entry{Name: it.ArtifactName(), Path: it.ArtifactPath, Position: it.Position})
	}
	if _, err := archive.Build(ctx, out, entries); err != nil {
		_ = out.Close()
		return "", err
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("close archive: %w", err)
	}

	in, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("reopen archive: %w", err)
	}
	defer in.Close()
	ref, err := f.objects.Put(ctx, ArchiveKey(f.cfg.KeyPrefix, b.ID), in, "application/zip")
	if err != nil {
		return "", fmt.Errorf("upload archive: %w", err)
	}
	return ref, nil
}

func (f *Finalizer) cleanup(batchID string, log *zap.Logger) {
	if err := os.RemoveAll(filepath.Join(f.cfg.WorkDir, batchID)); err != nil {
		log.Warn("remove batch work dir failed", zap.Error(err))
	}
}
