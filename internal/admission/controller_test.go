package admission

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/batchd/internal/batch"
	"github.com/JakeFAU/batchd/internal/id/uuid"
	"github.com/JakeFAU/batchd/internal/policy/sources"
	"github.com/JakeFAU/batchd/internal/provider"
	"github.com/JakeFAU/batchd/internal/storage/memory"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
	backlog  int64
	err      error
}

func (q *fakeQueue) Enqueue(_ context.Context, batchID, lane string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.enqueued = append(q.enqueued, lane+"/"+batchID)
	return nil
}

func (q *fakeQueue) Counts(context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlog, nil
}

type plans map[string]batch.Plan

func (p plans) Plan(name string) (batch.Plan, bool) {
	plan, ok := p[name]
	return plan, ok
}

type recordingCanceller struct{ calls atomic.Int32 }

func (r *recordingCanceller) Cancel(string) bool {
	r.calls.Add(1)
	return true
}

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

type failingCreateStore struct{ *memory.BatchStore }

func (failingCreateStore) CreateBatch(context.Context, batch.Batch, []batch.Item) error {
	return errors.New("disk full")
}

type env struct {
	store     *memory.BatchStore
	ledger    *memory.Ledger
	queue     *fakeQueue
	canceller *recordingCanceller
	notifier  *recordingNotifier
	deps      Deps
	ctrl      *Controller
	now       time.Time
}

func testPlans() plans {
	return plans{
		"free": {
			Name: "free", MaxBatchLinks: 3, Concurrency: 1, MonthlyCredits: 3, CostPerURL: 1,
			Lane: "standard", MaxQuality: "720p",
		},
		"pro": {
			Name: "pro", MaxBatchLinks: 50, Concurrency: 100, MonthlyCredits: 5, CostPerURL: 1,
			Lane: "priority", MaxQuality: "best", AllowedSources: []string{"youtube", "generic"},
		},
	}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	now := time.Date(2026, 2, 10, 9, 0, 0, 0, time.UTC)
	clock := fixedClock{now: now}
	registry, err := provider.Standard(nil, nil)
	require.NoError(t, err)
	e := &env{
		store:     memory.NewBatchStore(0),
		ledger:    memory.NewLedger(uuid.New(), clock),
		queue:     &fakeQueue{},
		canceller: &recordingCanceller{},
		notifier:  &recordingNotifier{},
		now:       now,
	}
	e.deps = Deps{
		Store:     e.store,
		Ledger:    e.ledger,
		Queue:     e.queue,
		Providers: registry,
		Plans:     testPlans(),
		Sources:   sources.New([]string{"blocked.example"}),
		Notifier:  e.notifier,
		Canceller: e.canceller,
		IDs:       uuid.New(),
		Clock:     clock,
	}
	e.ctrl, err = New(e.deps, 5, nil)
	require.NoError(t, err)
	return e
}

func (e *env) usage(t *testing.T, owner string) batch.UsageCounter {
	t.Helper()
	u, err := e.ledger.Usage(context.Background(), owner, batch.PeriodOf(e.now))
	require.NoError(t, err)
	return u
}

func requireCode(t *testing.T, err error, code batch.Code) *batch.Error {
	t.Helper()
	var be *batch.Error
	require.True(t, errors.As(err, &be), "expected *batch.Error, got %v", err)
	require.Equal(t, code, be.Code, be.Message)
	return be
}

func TestAdmitRejectsOversizedBatch(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	urls := []string{"https://youtu.be/1", "https://youtu.be/2", "https://youtu.be/3", "https://youtu.be/4", "https://youtu.be/5"}
	_, err := e.ctrl.Admit(context.Background(), Request{Owner: "alice", Plan: "free", URLs: urls})

	be := requireCode(t, err, batch.CodeRateLimited)
	require.Equal(t, "free", be.Details["plan"])
	require.Equal(t, 3, be.Details["max_batch_links"])
	require.Empty(t, e.ledger.Entries())
}

func TestAdmitValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		req  Request
		code batch.Code
	}{
		{"unknown plan", Request{Owner: "a", Plan: "gold", URLs: []string{"https://youtu.be/1"}}, batch.CodeUnauthorized},
		{"empty list", Request{Owner: "a", Plan: "free"}, batch.CodeValidation},
		{"bad scheme", Request{Owner: "a", Plan: "free", URLs: []string{"ftp://files.example/a.mp4"}}, batch.CodeValidation},
		{"denied host", Request{Owner: "a", Plan: "free", URLs: []string{"https://cdn.blocked.example/a.mp4"}}, batch.CodeValidation},
		{"provider off plan", Request{Owner: "a", Plan: "pro", URLs: []string{"https://vimeo.com/1"}}, batch.CodeValidation},
		{"unknown quality", Request{
			Owner: "a", Plan: "free", URLs: []string{"https://youtu.be/1"}, Options: batch.Options{Quality: "ultra"},
		}, batch.CodeValidation},
		{"quality above plan", Request{
			Owner: "a", Plan: "free", URLs: []string{"https://youtu.be/1"}, Options: batch.Options{Quality: "1080p"},
		}, batch.CodeForbidden},
		{"bad callback", Request{
			Owner: "a", Plan: "free", URLs: []string{"https://youtu.be/1"}, CallbackURL: "mailto:ops@example.com",
		}, batch.CodeValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := newEnv(t)
			_, err := e.ctrl.Admit(context.Background(), tt.req)
			requireCode(t, err, tt.code)
			require.Empty(t, e.ledger.Entries())
		})
	}
}

func TestAdmitNamesOffendingURL(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	_, err := e.ctrl.Admit(context.Background(), Request{
		Owner: "a", Plan: "free", URLs: []string{"https://youtu.be/ok", "not a url"},
	})
	be := requireCode(t, err, batch.CodeValidation)
	require.Equal(t, "not a url", be.Details["url"])
}

func TestAdmitEnforcesConcurrency(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	first, err := e.ctrl.Admit(context.Background(), Request{
		Owner: "alice", Plan: "free", URLs: []string{"https://youtu.be/1"}, AutoStart: true,
	})
	require.NoError(t, err)
	require.Equal(t, batch.StatusQueued, first.Batch.Status)

	_, err = e.ctrl.Admit(context.Background(), Request{Owner: "alice", Plan: "free", URLs: []string{"https://youtu.be/2"}})
	be := requireCode(t, err, batch.CodeRateLimited)
	require.Equal(t, 1, be.Details["active"])
	require.Equal(t, 1, be.Details["concurrency"])

	_, err = e.ctrl.Admit(context.Background(), Request{Owner: "bob", Plan: "free", URLs: []string{"https://youtu.be/2"}})
	require.NoError(t, err)
}

func TestAdmitEnforcesQuota(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	_, err := e.ledger.TryDeduct(context.Background(), batch.DeductRequest{
		Owner: "alice", Period: batch.PeriodOf(e.now), Amount: 2, Limit: 3, BatchRef: "earlier",
	})
	require.NoError(t, err)

	_, err = e.ctrl.Admit(context.Background(), Request{
		Owner: "alice", Plan: "free", URLs: []string{"https://youtu.be/1", "https://youtu.be/2"},
	})
	be := requireCode(t, err, batch.CodeRateLimited)
	require.Equal(t, int64(2), be.Details["used"])
	require.Equal(t, int64(3), be.Details["limit"])
	require.Equal(t, int64(2), be.Details["needed"])
	require.Equal(t, int64(2), e.usage(t, "alice").CreditsUsed)
}

func TestBackpressureDoesNotConsumeQuota(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.queue.backlog = 6

	_, err := e.ctrl.Admit(context.Background(), Request{Owner: "alice", Plan: "free", URLs: []string{"https://youtu.be/1"}})
	requireCode(t, err, batch.CodeSystemBusy)
	require.Zero(t, e.usage(t, "alice").CreditsUsed)
	require.Empty(t, e.ledger.Entries())
}

func TestAdmitAutoStartQueuesBatch(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	adm, err := e.ctrl.Admit(context.Background(), Request{
		Owner: "alice", Plan: "pro", AutoStart: true, CallbackURL: "https://hooks.example/batchd",
		URLs:    []string{"https://www.youtube.com/watch?v=a", "https://media.example.org/b.mp4"},
		Options: batch.Options{Format: "mp4", Quality: "1080p"},
	})
	require.NoError(t, err)

	b := adm.Batch
	require.Equal(t, batch.StatusQueued, b.Status)
	require.Equal(t, "priority", b.Lane)
	require.Equal(t, 2, b.ItemCount)
	require.Equal(t, "https://hooks.example/batchd", b.CallbackURL)
	require.Len(t, adm.Items, 2)
	require.Equal(t, "youtube", adm.Items[0].ProviderID)
	require.Equal(t, "generic", adm.Items[1].ProviderID)
	for _, it := range adm.Items {
		require.Equal(t, batch.ItemQueued, it.Status)
	}
	require.Equal(t, []string{"priority/" + b.ID}, e.queue.enqueued)

	u := e.usage(t, "alice")
	require.Equal(t, int64(2), u.CreditsUsed)
	require.Equal(t, int64(1), u.BatchesProcessed)
	entries := e.ledger.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, b.ID, entries[0].BatchRef)
}

func TestStartIsIdempotent(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	adm, err := e.ctrl.Admit(context.Background(), Request{Owner: "alice", Plan: "free", URLs: []string{"https://youtu.be/1"}})
	require.NoError(t, err)
	require.Equal(t, batch.StatusCreated, adm.Batch.Status)
	require.Equal(t, batch.ItemPending, adm.Items[0].Status)
	require.Empty(t, e.queue.enqueued)

	b, err := e.ctrl.Start(context.Background(), adm.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, batch.StatusQueued, b.Status)
	b, err = e.ctrl.Start(context.Background(), adm.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, batch.StatusQueued, b.Status)
	require.Len(t, e.queue.enqueued, 2)

	items, err := e.store.ListItems(context.Background(), adm.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, batch.ItemQueued, items[0].Status)

	_, err = e.ctrl.Start(context.Background(), "missing")
	require.ErrorIs(t, err, batch.ErrNotFound)
}

func TestAutoStartFailureLeavesBatchCreated(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	e.queue.err = errors.New("broker down")
	adm, err := e.ctrl.Admit(context.Background(), Request{
		Owner: "alice", Plan: "free", URLs: []string{"https://youtu.be/1"}, AutoStart: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, adm.Batch.ID)
	require.Equal(t, int64(1), e.usage(t, "alice").CreditsUsed)
}

func TestCreateFailureRefundsCredits(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	deps := e.deps
	deps.Store = failingCreateStore{e.store}
	ctrl, err := New(deps, 5, nil)
	require.NoError(t, err)

	_, err = ctrl.Admit(context.Background(), Request{Owner: "alice", Plan: "free", URLs: []string{"https://youtu.be/1"}})
	requireCode(t, err, batch.CodeInternal)

	u := e.usage(t, "alice")
	require.Zero(t, u.CreditsUsed)
	require.Zero(t, u.BatchesProcessed)
	entries := e.ledger.Entries()
	require.Len(t, entries, 2)
	require.Equal(t, batch.ReasonRefund, entries[1].Reason)
	require.Equal(t, -entries[0].Amount, entries[1].Amount)
}

func TestConcurrentAdmissionsNeverOverspend(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	const attempts = 12
	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ctrl.Admit(context.Background(), Request{
				Owner: "alice", Plan: "pro", URLs: []string{"https://youtu.be/x"},
			})
			if err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(5), ok.Load())
	require.Equal(t, int64(5), e.usage(t, "alice").CreditsUsed)
}

func TestCancelSweepsItemsAndNotifies(t *testing.T) {
	t.Parallel()

	e := newEnv(t)
	adm, err := e.ctrl.Admit(context.Background(), Request{
		Owner: "alice", Plan: "pro", AutoStart: true,
		URLs: []string{"https://youtu.be/1", "https://youtu.be/2", "https://youtu.be/3"},
	})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = e.store.TransitionBatch(ctx, adm.Batch.ID, []batch.Status{batch.StatusQueued}, batch.StatusProcessing, e.now)
	require.NoError(t, err)
	_, err = e.store.TransitionItem(ctx, adm.Items[0].ID, []batch.ItemStatus{batch.ItemQueued}, batch.ItemProcessing, batch.ItemUpdate{At: e.now})
	require.NoError(t, err)
	_, err = e.store.TransitionItem(ctx, adm.Items[0].ID, []batch.ItemStatus{batch.ItemProcessing}, batch.ItemCompleted, batch.ItemUpdate{At: e.now})
	require.NoError(t, err)

	b, n, err := e.ctrl.Cancel(ctx, adm.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, batch.StatusCancelled, b.Status)
	require.Equal(t, 2, n)
	require.Equal(t, int32(1), e.canceller.calls.Load())

	items, err := e.store.ListItems(ctx, adm.Batch.ID)
	require.NoError(t, err)
	require.Equal(t, batch.ItemCompleted, items[0].Status)
	require.Equal(t, batch.ItemCancelled, items[1].Status)
	require.Equal(t, batch.ItemCancelled, items[2].Status)

	require.Len(t, e.notifier.events, 1)
	require.Equal(t, batch.EventCancelled, e.notifier.events[0].Event)
	require.Equal(t, 1, e.notifier.events[0].SuccessCount)

	_, _, err = e.ctrl.Cancel(ctx, adm.Batch.ID)
	require.ErrorIs(t, err, batch.ErrInvalidTransition)
	require.Len(t, e.notifier.events, 1)
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, 5, nil)
	require.Error(t, err)

	e := newEnv(t)
	_, err = New(e.deps, 0, nil)
	require.Error(t, err)
}
