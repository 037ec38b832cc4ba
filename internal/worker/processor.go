package worker

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/JakeFAU/batchd/internal/artifact"
	"github.com/JakeFAU/batchd/internal/batch"
	"github.com/JakeFAU/batchd/internal/logging"
	"github.com/JakeFAU/batchd/internal/metrics"
	"github.com/JakeFAU/batchd/internal/provider"
)

var tracer = otel.Tracer("github.com/JakeFAU/batchd/internal/worker")

// ErrUnsettled is returned by ProcessBatch when the run ended with items that
// are neither terminal nor cancelled. The delivery should be retried.
var ErrUnsettled = errors.New("batch has unsettled items")

// ProviderResolver maps a source URL to its fetch strategy.
type ProviderResolver interface {
	Resolve(rawURL string) (provider.Provider, error)
}

// Credentials is the shared cookie bundle used by every attempt.
type Credentials interface {
	CookiesPath() string
	Generation() uint64
	RefreshIfStale(ctx context.Context, observed uint64) (bool, error)
}

// HostLimiter throttles fetches per source host.
type HostLimiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Finalizer closes a batch once all of its items are terminal.
type Finalizer interface {
	Finalize(ctx context.Context, batchID string) error
}

// Config controls batch processing.
type Config struct {
	WorkDir         string
	Concurrency     int
	AttemptTimeout  time.Duration
	MetadataTimeout time.Duration
	KeyPrefix       string
}

// Processor runs the items of one batch and hands it to the finalizer.
type Processor struct {
	store       batch.Store
	ledger      batch.Ledger
	providers   ProviderResolver
	credentials Credentials
	limiter     HostLimiter
	resolver    *artifact.Resolver
	objects     batch.ObjectStore
	finalizer   Finalizer
	clock       batch.Clock
	cfg         Config
	logger      *zap.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// Deps groups the collaborators of a Processor.
type Deps struct {
	Store       batch.Store
	Ledger      batch.Ledger
	Providers   ProviderResolver
	Credentials Credentials
	Limiter     HostLimiter
	Resolver    *artifact.Resolver
	Objects     batch.ObjectStore
	Finalizer   Finalizer
	Clock       batch.Clock
}

// NewProcessor validates deps and applies config defaults.
func NewProcessor(deps Deps, cfg Config, logger *zap.Logger) (*Processor, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("store is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger is required")
	case deps.Providers == nil:
		return nil, fmt.Errorf("provider registry is required")
	case deps.Objects == nil:
		return nil, fmt.Errorf("object store is required")
	case deps.Finalizer == nil:
		return nil, fmt.Errorf("finalizer is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if deps.Resolver == nil {
		deps.Resolver = artifact.NewResolver(0)
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 3
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Minute
	}
	if cfg.MetadataTimeout <= 0 {
		cfg.MetadataTimeout = 30 * time.Second
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "batchd")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "batches"
	}
	return &Processor{
		store:       deps.Store,
		ledger:      deps.Ledger,
		providers:   deps.Providers,
		credentials: deps.Credentials,
		limiter:     deps.Limiter,
		resolver:    deps.Resolver,
		objects:     deps.Objects,
		finalizer:   deps.Finalizer,
		clock:       deps.Clock,
		cfg:         cfg,
		logger:      logging.OrNop(logger).Named("processor"),
		inflight:    make(map[string]context.CancelFunc),
	}, nil
}

// BatchDir is the scratch directory holding a batch's downloads.
func BatchDir(workDir, batchID string) string {
	return filepath.Join(workDir, batchID)
}

// ProcessBatch runs every non-terminal item of the batch. Redelivered and
// terminal batches are tolerated, and a delivery for a batch already running
// in this process is a no-op. Items left processing by an earlier run that
// died are queued again before the run starts.
//
// When ctx ends first, interrupted items go back to queued and the ctx error
// is returned so the caller can redeliver the batch.
func (p *Processor) ProcessBatch(ctx context.Context, batchID string) error {
	ctx, span := tracer.Start(ctx, "batch.process", trace.WithAttributes(attribute.String("batch.id", batchID)))
	defer span.End()

	batchCtx, release, ok := p.claim(ctx, batchID)
	if !ok {
		p.logger.Debug("batch already running, dropping duplicate delivery", zap.String("batch_id", batchID))
		return nil
	}
	defer release()

	b, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch %s: %w", batchID, err)
	}
	log := logging.ForBatch(p.logger, b)

	switch b.Status {
	case batch.StatusQueued:
		b, err = p.store.TransitionBatch(ctx, batchID, []batch.Status{batch.StatusQueued}, batch.StatusProcessing, p.clock.Now())
		if errors.Is(err, batch.ErrInvalidTransition) {
			log.Debug("batch changed state before processing started")
			return nil
		}
		if err != nil {
			return fmt.Errorf("start batch %s: %w", batchID, err)
		}
	case batch.StatusProcessing:
		log.Info("resuming redelivered batch")
	default:
		log.Debug("skipping delivery", zap.String("status", string(b.Status)))
		return nil
	}

	items, err := p.store.ListItems(ctx, batchID)
	if err != nil {
		return fmt.Errorf("list items %s: %w", batchID, err)
	}
	items, err = p.requeueOrphans(ctx, items, log)
	if err != nil {
		return fmt.Errorf("recover items %s: %w", batchID, err)
	}

	var unsettled atomic.Int32
	sem := semaphore.NewWeighted(int64(p.cfg.Concurrency))
	var g errgroup.Group
	for _, it := range items {
		if batch.IsItemTerminal(it.Status) {
			continue
		}
		if err := sem.Acquire(batchCtx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			if !p.processItem(batchCtx, b, it) {
				unsettled.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	switch {
	case ctx.Err() != nil:
		log.Info("batch run interrupted", zap.Error(ctx.Err()))
		return fmt.Errorf("process batch %s: %w", batchID, ctx.Err())
	case batchCtx.Err() != nil:
		log.Info("batch run stopped by cancellation")
	case unsettled.Load() > 0:
		return fmt.Errorf("process batch %s: %d items: %w", batchID, unsettled.Load(), ErrUnsettled)
	}
	if err := p.finalizer.Finalize(context.WithoutCancel(ctx), batchID); err != nil {
		return fmt.Errorf("finalize batch %s: %w", batchID, err)
	}
	return nil
}

// requeueOrphans moves items stuck in processing back to queued. The caller
// holds the batch claim, so nothing in this process is running them.
func (p *Processor) requeueOrphans(ctx context.Context, items []batch.Item, log *zap.Logger) ([]batch.Item, error) {
	for i, it := range items {
		if it.Status != batch.ItemProcessing {
			continue
		}
		upd, err := p.store.TransitionItem(ctx, it.ID, []batch.ItemStatus{batch.ItemProcessing}, batch.ItemQueued,
			batch.ItemUpdate{At: p.clock.Now()})
		if errors.Is(err, batch.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return nil, err
		}
		log.Warn("requeued orphaned item", zap.String("item_id", it.ID))
		items[i] = upd
	}
	return items, nil
}

// Cancel aborts the in-flight attempts of a batch. It reports whether a run
// was active.
func (p *Processor) Cancel(batchID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	cancel, ok := p.inflight[batchID]
	if ok {
		cancel()
	}
	return ok
}

// claim registers the batch as running in this process. It fails when
// another run already holds it.
func (p *Processor) claim(ctx context.Context, batchID string) (context.Context, func(), bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[batchID]; busy {
		return nil, nil, false
	}
	ctx, cancel := context.WithCancel(ctx)
	p.inflight[batchID] = cancel
	return ctx, func() {
		p.mu.Lock()
		delete(p.inflight, batchID)
		p.mu.Unlock()
		cancel()
	}, true
}

type outcome struct {
	providerID string
	title      string
	artifact   artifact.Artifact
	err        error
}

// processItem runs one item and reports whether it was settled: recorded,
// cancelled or otherwise no longer runnable.
func (p *Processor) processItem(ctx context.Context, b batch.Batch, it batch.Item) bool {
	log := logging.ForItem(logging.ForBatch(p.logger, b), it)
	it, err := p.store.TransitionItem(ctx, it.ID, []batch.ItemStatus{batch.ItemQueued}, batch.ItemProcessing,
		batch.ItemUpdate{At: p.clock.Now()})
	if err != nil {
		if errors.Is(err, batch.ErrInvalidTransition) {
			log.Debug("item not runnable, skipping")
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		log.Error("start item failed", zap.Error(err))
		return false
	}

	out := p.run(ctx, b, it, log)
	// Writes below outlive the batch context so the item never stays in
	// processing.
	wctx := context.WithoutCancel(ctx)
	if out.err != nil && ctx.Err() != nil {
		return p.release(wctx, it, log)
	}
	return p.record(wctx, b, it, out, log)
}

// release returns an interrupted item to queued. A cancelled item stays
// cancelled.
func (p *Processor) release(ctx context.Context, it batch.Item, log *zap.Logger) bool {
	_, err := p.store.TransitionItem(ctx, it.ID, []batch.ItemStatus{batch.ItemProcessing}, batch.ItemQueued,
		batch.ItemUpdate{At: p.clock.Now()})
	switch {
	case errors.Is(err, batch.ErrInvalidTransition):
		log.Info("item cancelled while running, discarding outcome")
		return true
	case err != nil:
		log.Error("requeue interrupted item failed", zap.Error(err))
	default:
		log.Info("item interrupted, returned to queue")
	}
	return false
}

func (p *Processor) run(ctx context.Context, b batch.Batch, it batch.Item, log *zap.Logger) outcome {
	prov, err := p.providers.Resolve(it.SourceURL)
	if err != nil {
		return outcome{err: err}
	}
	out := outcome{providerID: prov.ID()}
	log = log.With(zap.String("provider", prov.ID()))

	mdCtx, cancel := context.WithTimeout(ctx, p.cfg.MetadataTimeout)
	md, err := prov.FetchMetadata(mdCtx, it.SourceURL, p.cookiesPath())
	cancel()
	if err != nil {
		log.Warn("metadata lookup failed", zap.String("error_kind", string(provider.KindMetadataFailed)), zap.Error(err))
	} else {
		out.title = md.Title
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, it.SourceURL); err != nil {
			out.err = err
			return out
		}
	}

	dir := filepath.Join(BatchDir(p.cfg.WorkDir, b.ID), it.ID)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		out.err = fmt.Errorf("create work dir: %w", err)
		return out
	}

	for attempt := 1; ; attempt++ {
		var generation uint64
		if p.credentials != nil {
			generation = p.credentials.Generation()
		}
		start := time.Now()
		art, err := p.attempt(ctx, prov, it, b.Options, dir)
		metrics.ObserveAttempt(prov.ID(), time.Since(start))
		if err == nil {
			out.artifact = art
			return out
		}
		if attempt == 1 && p.credentials != nil && provider.KindOf(err) == provider.KindNeedsVerification {
			log.Warn("provider requires verification, refreshing credentials", zap.Error(err))
			if _, rerr := p.credentials.RefreshIfStale(ctx, generation); rerr != nil {
				log.Warn("credential refresh failed", zap.Error(rerr))
				out.err = err
				return out
			}
			continue
		}
		out.err = err
		return out
	}
}

func (p *Processor) attempt(
	ctx context.Context,
	prov provider.Provider,
	it batch.Item,
	opts batch.Options,
	dir string,
) (artifact.Artifact, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.AttemptTimeout)
	defer cancel()

	dl, err := prov.Download(attemptCtx, it.SourceURL, provider.DownloadOptions{
		OutputDir:   dir,
		OutputName:  it.ID,
		FormatHint:  opts.Format,
		QualityHint: opts.Quality,
		Kind:        opts.Kind(),
		CookiesPath: p.cookiesPath(),
	})
	if ctx.Err() != nil {
		return artifact.Artifact{}, fmt.Errorf("attempt aborted: %w", ctx.Err())
	}
	art, rerr := p.resolver.Resolve(dl.Path, dir, opts.Kind())
	if rerr == nil {
		return art, nil
	}
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return artifact.Artifact{}, &provider.FetchError{
			Kind:       provider.KindDownloadFailed,
			Provider:   prov.ID(),
			Message:    fmt.Sprintf("download timed out after %s", p.cfg.AttemptTimeout),
			Diagnostic: fmt.Sprint(err),
		}
	}
	if err != nil {
		return artifact.Artifact{}, err
	}
	return artifact.Artifact{}, rerr
}

func (p *Processor) cookiesPath() string {
	if p.credentials == nil {
		return ""
	}
	return p.credentials.CookiesPath()
}

func (p *Processor) record(ctx context.Context, b batch.Batch, it batch.Item, out outcome, log *zap.Logger) bool {
	upd := batch.ItemUpdate{At: p.clock.Now()}
	if out.providerID != "" {
		upd.ProviderID = &out.providerID
	}
	if out.title != "" {
		upd.Title = &out.title
	}

	if out.err == nil {
		ref, err := p.upload(ctx, b.ID, it.ID, out.artifact)
		if err != nil {
			out.err = err
		} else {
			upd.ArtifactRef = &ref
			upd.ArtifactPath = &out.artifact.Path
			upd.ArtifactBytes = &out.artifact.Bytes
		}
	}

	status := batch.ItemCompleted
	if out.err != nil {
		status = batch.ItemFailed
		msg := out.err.Error()
		kind := string(provider.KindOf(out.err))
		var fe *provider.FetchError
		if errors.As(out.err, &fe) {
			msg = fe.Message
		}
		upd.Error = &msg
		upd.ErrorKind = &kind
	}

	if _, err := p.store.TransitionItem(ctx, it.ID, []batch.ItemStatus{batch.ItemProcessing}, status, upd); err != nil {
		if errors.Is(err, batch.ErrInvalidTransition) {
			log.Info("item cancelled while running, discarding outcome")
			return true
		}
		log.Error("record item outcome failed", zap.Error(err))
		return false
	}
	label := out.providerID
	if label == "" {
		label = "unresolved"
	}
	metrics.ObserveItem(label, string(status))

	if status == batch.ItemFailed {
		log.Warn("item failed", zap.String("error_kind", *upd.ErrorKind), zap.Error(out.err))
		return true
	}
	metrics.ObserveArtifactBytes(label, out.artifact.Bytes)
	if err := p.ledger.IncrementBandwidth(ctx, b.Owner, batch.PeriodOf(p.clock.Now()), out.artifact.Bytes); err != nil {
		log.Error("bandwidth accounting failed", zap.Error(err))
	}
	log.Info("item completed", zap.String("artifact", out.artifact.Name), zap.Int64("bytes", out.artifact.Bytes))
	return true
}

// ArtifactKey is the object key of one uploaded item artifact.
func ArtifactKey(prefix, batchID, itemID, name string) string {
	return fmt.Sprintf("%s/%s/items/%s/%s", prefix, batchID, itemID, name)
}

func (p *Processor) upload(ctx context.Context, batchID, itemID string, art artifact.Artifact) (string, error) {
	f, err := os.Open(art.Path)
	if err != nil {
		return "", fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	contentType := mime.TypeByExtension(filepath.Ext(art.Name))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	key := ArtifactKey(p.cfg.KeyPrefix, batchID, itemID, art.Name)
	ref, err := p.objects.Put(ctx, key, f, contentType)
	if err != nil {
		return "", fmt.Errorf("upload artifact: %w", err)
	}
	return ref, nil
}
