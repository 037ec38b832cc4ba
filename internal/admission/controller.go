// Package admission validates batch submissions against plan limits, charges
// credits and drives the start and cancel transitions.
package admission

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/batchd/internal/batch"
	"github.com/JakeFAU/batchd/internal/finalizer"
	"github.com/JakeFAU/batchd/internal/logging"
	"github.com/JakeFAU/batchd/internal/metrics"
	"github.com/JakeFAU/batchd/internal/policy/sources"
	"github.com/JakeFAU/batchd/internal/provider"
)

// Queue hands started batches to their lane and reports the total backlog.
type Queue interface {
	Enqueue(ctx context.Context, batchID, lane string) error
	Counts(ctx context.Context) (int64, error)
}

// Canceller stops the in-flight work of a batch.
type Canceller interface {
	Cancel(batchID string) bool
}

// ProviderResolver maps a source URL to its provider.
type ProviderResolver interface {
	Resolve(rawURL string) (provider.Provider, error)
}

// PlanSource resolves plan names.
type PlanSource interface {
	Plan(name string) (batch.Plan, bool)
}

// Request is one batch submission from an already authenticated owner.
type Request struct {
	Owner       string
	Plan        string
	URLs        []string
	Options     batch.Options
	AutoStart   bool
	CallbackURL string
}

// Admission is the result of a successful submission.
type Admission struct {
	Batch batch.Batch
	Items []batch.Item
}

// Deps groups the collaborators of a Controller.
type Deps struct {
	Store     batch.Store
	Ledger    batch.Ledger
	Queue     Queue
	Providers ProviderResolver
	Plans     PlanSource
	Sources   *sources.Policy
	Notifier  batch.Notifier
	Canceller Canceller
	IDs       batch.IDGenerator
	Clock     batch.Clock
}

// Controller is the single entry point for creating, starting and cancelling
// batches.
type Controller struct {
	deps    Deps
	ceiling int64
	logger  *zap.Logger
}

// New validates deps. ceiling is the backpressure limit on queued deliveries
// across all lanes.
func New(deps Deps, ceiling int64, logger *zap.Logger) (*Controller, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("store is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("ledger is required")
	case deps.Queue == nil:
		return nil, fmt.Errorf("queue is required")
	case deps.Providers == nil:
		return nil, fmt.Errorf("provider registry is required")
	case deps.Plans == nil:
		return nil, fmt.Errorf("plans are required")
	case deps.IDs == nil:
		return nil, fmt.Errorf("id generator is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("clock is required")
	}
	if deps.Sources == nil {
		deps.Sources = sources.New(nil)
	}
	if ceiling <= 0 {
		return nil, fmt.Errorf("backpressure ceiling must be > 0")
	}
	return &Controller{deps: deps, ceiling: ceiling, logger: logging.OrNop(logger).Named("admission")}, nil
}

// Admit runs the admission checks in order and creates the batch. The first
// violation is returned as a *batch.Error.
func (c *Controller) Admit(ctx context.Context, req Request) (Admission, error) {
	adm, err := c.admit(ctx, req)
	if err != nil {
		metrics.ObserveAdmission(string(batch.CodeOf(err)))
		return Admission{}, err
	}
	metrics.ObserveAdmission("accepted")
	return adm, nil
}

func (c *Controller) admit(ctx context.Context, req Request) (Admission, error) {
	plan, ok := c.deps.Plans.Plan(req.Plan)
	if !ok {
		return Admission{}, batch.NewError(batch.CodeUnauthorized, "unknown plan", map[string]any{"plan": req.Plan})
	}
	if strings.TrimSpace(req.Owner) == "" {
		return Admission{}, batch.NewError(batch.CodeUnauthorized, "owner is required", nil)
	}
	if len(req.URLs) == 0 {
		return Admission{}, batch.NewError(batch.CodeValidation, "at least one url is required", nil)
	}
	if len(req.URLs) > plan.MaxBatchLinks {
		return Admission{}, batch.NewError(batch.CodeRateLimited, "too many links for plan", map[string]any{
			"plan":            plan.Name,
			"max_batch_links": plan.MaxBatchLinks,
		})
	}

	if strings.TrimSpace(req.Options.Quality) == "" {
		req.Options.Quality = plan.MaxQuality
	}
	providerIDs, err := c.checkSources(plan, req)
	if err != nil {
		return Admission{}, err
	}

	active, err := c.deps.Store.CountActiveBatches(ctx, req.Owner)
	if err != nil {
		return Admission{}, batch.Internal("count active batches", err)
	}
	if active >= plan.Concurrency {
		return Admission{}, batch.NewError(batch.CodeRateLimited, "too many active batches", map[string]any{
			"plan":        plan.Name,
			"concurrency": plan.Concurrency,
			"active":      active,
		})
	}

	now := c.deps.Clock.Now()
	period := batch.PeriodOf(now)
	needed := int64(len(req.URLs)) * plan.CostPerURL
	usage, err := c.deps.Ledger.Usage(ctx, req.Owner, period)
	if err != nil {
		return Admission{}, batch.Internal("read usage", err)
	}
	if plan.MonthlyCredits-usage.CreditsUsed < needed {
		return Admission{}, quotaError(plan, usage.CreditsUsed, needed)
	}

	backlog, err := c.deps.Queue.Counts(ctx)
	if err != nil {
		return Admission{}, batch.Internal("read queue depth", err)
	}
	if backlog > c.ceiling {
		return Admission{}, batch.NewError(batch.CodeSystemBusy, "system is busy, retry later", map[string]any{
			"backlog": backlog,
		})
	}

	batchID, err := c.deps.IDs.NewID()
	if err != nil {
		return Admission{}, batch.Internal("generate batch id", err)
	}
	res, err := c.deps.Ledger.TryDeduct(ctx, batch.DeductRequest{
		Owner:    req.Owner,
		Period:   period,
		Amount:   needed,
		Limit:    plan.MonthlyCredits,
		BatchRef: batchID,
		Reason:   batch.ReasonAdmission,
	})
	if err != nil {
		return Admission{}, batch.Internal("deduct credits", err)
	}
	if !res.OK {
		return Admission{}, quotaError(plan, res.Used, needed)
	}

	b, items, err := c.build(batchID, plan, req, providerIDs, now)
	if err == nil {
		err = c.deps.Store.CreateBatch(ctx, b, items)
	}
	if err != nil {
		if rerr := c.deps.Ledger.Refund(context.WithoutCancel(ctx), req.Owner, period, needed, batchID); rerr != nil {
			c.logger.Error("credit refund failed", zap.String("batch_id", batchID), zap.String("owner", req.Owner), zap.Error(rerr))
		}
		return Admission{}, batch.Internal("create batch", err)
	}
	log := logging.ForBatch(c.logger, b)
	log.Info("batch admitted", zap.Int("items", len(items)), zap.Int64("credits", needed))

	if req.AutoStart {
		started, err := c.Start(ctx, b.ID)
		if err != nil {
			log.Error("auto start failed, batch left created", zap.Error(err))
		} else {
			b = started
			items, err = c.deps.Store.ListItems(ctx, b.ID)
			if err != nil {
				return Admission{}, batch.Internal("list items", err)
			}
		}
	}
	return Admission{Batch: b, Items: items}, nil
}

func quotaError(plan batch.Plan, used, needed int64) error {
	return batch.NewError(batch.CodeRateLimited, "monthly credits exhausted", map[string]any{
		"plan":   plan.Name,
		"used":   used,
		"limit":  plan.MonthlyCredits,
		"needed": needed,
	})
}

// checkSources validates every URL, the requested quality and the callback,
// returning the provider id per URL.
func (c *Controller) checkSources(plan batch.Plan, req Request) ([]string, error) {
	ids := make([]string, len(req.URLs))
	for i, raw := range req.URLs {
		u, err := provider.ParseSourceURL(raw)
		if err != nil {
			return nil, batch.NewError(batch.CodeValidation, "invalid source url", map[string]any{"url": raw})
		}
		if !c.deps.Sources.AllowHost(u.Hostname()) {
			return nil, batch.NewError(batch.CodeValidation, "source host is not allowed", map[string]any{"url": raw})
		}
		p, err := c.deps.Providers.Resolve(raw)
		if err != nil {
			return nil, batch.NewError(batch.CodeValidation, "unsupported source url", map[string]any{"url": raw})
		}
		if !c.deps.Sources.AllowProvider(plan, p.ID()) {
			return nil, batch.NewError(batch.CodeValidation, "source not available on plan", map[string]any{
				"url":      raw,
				"provider": p.ID(),
			})
		}
		ids[i] = p.ID()
	}

	requested, err := provider.QualityHeight(req.Options.Quality)
	if err != nil {
		return nil, batch.NewError(batch.CodeValidation, "unknown quality", map[string]any{"quality": req.Options.Quality})
	}
	if plan.MaxQuality != "" {
		ceiling, err := provider.QualityHeight(plan.MaxQuality)
		if err == nil && requested > ceiling {
			return nil, batch.NewError(batch.CodeForbidden, "quality not available on plan", map[string]any{
				"plan":        plan.Name,
				"max_quality": plan.MaxQuality,
			})
		}
	}

	if req.CallbackURL != "" {
		u, err := url.Parse(req.CallbackURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, batch.NewError(batch.CodeValidation, "invalid callback url", map[string]any{
				"callback_url": req.CallbackURL,
			})
		}
	}
	return ids, nil
}

func (c *Controller) build(
	batchID string,
	plan batch.Plan,
	req Request,
	providerIDs []string,
	now time.Time,
) (batch.Batch, []batch.Item, error) {
	b := batch.Batch{
		ID:          batchID,
		Owner:       req.Owner,
		Plan:        plan.Name,
		Lane:        plan.Lane,
		Status:      batch.StatusCreated,
		Options:     req.Options,
		ItemCount:   len(req.URLs),
		CallbackURL: req.CallbackURL,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	items := make([]batch.Item, len(req.URLs))
	for i, raw := range req.URLs {
		id, err := c.deps.IDs.NewID()
		if err != nil {
			return batch.Batch{}, nil, fmt.Errorf("generate item id: %w", err)
		}
		items[i] = batch.Item{
			ID:         id,
			BatchID:    batchID,
			Position:   i,
			SourceURL:  raw,
			ProviderID: providerIDs[i],
			Status:     batch.ItemPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	return b, items, nil
}

// Start queues a created batch on its lane. Starting a queued batch
// re-enqueues it; a processing batch is returned unchanged.
func (c *Controller) Start(ctx context.Context, batchID string) (batch.Batch, error) {
	b, err := c.deps.Store.GetBatch(ctx, batchID)
	if err != nil {
		return batch.Batch{}, fmt.Errorf("load batch: %w", err)
	}
	switch b.Status {
	case batch.StatusProcessing:
		return b, nil
	case batch.StatusCreated:
		now := c.deps.Clock.Now()
		b, err = c.deps.Store.TransitionBatch(ctx, batchID, []batch.Status{batch.StatusCreated}, batch.StatusQueued, now)
		if err != nil {
			return batch.Batch{}, fmt.Errorf("queue batch: %w", err)
		}
		if _, err := c.deps.Store.QueueItems(ctx, batchID, now); err != nil {
			return batch.Batch{}, fmt.Errorf("queue items: %w", err)
		}
	case batch.StatusQueued:
	default:
		return batch.Batch{}, fmt.Errorf("start batch in %s: %w", b.Status, batch.ErrInvalidTransition)
	}
	if err := c.deps.Queue.Enqueue(ctx, b.ID, b.Lane); err != nil {
		return batch.Batch{}, batch.Internal("enqueue batch", err)
	}
	logging.ForBatch(c.logger, b).Info("batch queued")
	return b, nil
}

// Cancel cancels the batch and its unfinished items, stops running attempts
// and sends the cancellation event.
func (c *Controller) Cancel(ctx context.Context, batchID string) (batch.Batch, int, error) {
	b, n, err := c.deps.Store.CancelBatch(ctx, batchID, c.deps.Clock.Now())
	if err != nil {
		return batch.Batch{}, 0, fmt.Errorf("cancel batch: %w", err)
	}
	log := logging.ForBatch(c.logger, b)
	if c.deps.Canceller != nil && c.deps.Canceller.Cancel(batchID) {
		log.Info("interrupted running attempts")
	}
	log.Info("batch cancelled", zap.Int("cancelled_items", n))
	metrics.ObserveFinalized(string(batch.StatusCancelled))

	if c.deps.Notifier != nil {
		items, err := c.deps.Store.ListItems(ctx, batchID)
		if err != nil {
			log.Warn("list items for cancel event failed", zap.Error(err))
			return b, n, nil
		}
		if err := c.deps.Notifier.Notify(ctx, b, finalizer.Outcome(b, items)); err != nil {
			log.Warn("batch notification failed", zap.String("event", batch.EventCancelled), zap.Error(err))
		}
	}
	return b, n, nil
}
