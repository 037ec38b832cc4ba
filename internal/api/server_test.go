package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/batchd/internal/admission"
	"github.com/JakeFAU/batchd/internal/batch"
	"github.com/JakeFAU/batchd/internal/storage/memory"
)

var testNow = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type fixedClock struct{}

func (fixedClock) Now() time.Time { return testNow }

type fakeAdmitter struct {
	mu        sync.Mutex
	requests  []admission.Request
	admitErr  error
	startErr  error
	cancelErr error
	panicMsg  string
	store     *memory.BatchStore
}

func (f *fakeAdmitter) Admit(_ context.Context, req admission.Request) (admission.Admission, error) {
	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.admitErr != nil {
		return admission.Admission{}, f.admitErr
	}
	b := batch.Batch{ID: "b-new", Owner: req.Owner, Plan: req.Plan, Status: batch.StatusCreated, ItemCount: len(req.URLs)}
	items := make([]batch.Item, len(req.URLs))
	for i, u := range req.URLs {
		items[i] = batch.Item{ID: fmt.Sprintf("i%d", i), BatchID: b.ID, Position: i, SourceURL: u, Status: batch.ItemPending}
	}
	return admission.Admission{Batch: b, Items: items}, nil
}

func (f *fakeAdmitter) Start(ctx context.Context, id string) (batch.Batch, error) {
	if f.startErr != nil {
		return batch.Batch{}, f.startErr
	}
	return f.store.TransitionBatch(ctx, id, []batch.Status{batch.StatusCreated}, batch.StatusQueued, testNow)
}

func (f *fakeAdmitter) Cancel(ctx context.Context, id string) (batch.Batch, int, error) {
	if f.cancelErr != nil {
		return batch.Batch{}, 0, f.cancelErr
	}
	return f.store.CancelBatch(ctx, id, testNow)
}

type harness struct {
	server  *Server
	admit   *fakeAdmitter
	store   *memory.BatchStore
	objects *memory.ObjectStore
}

func newHarness(t *testing.T, cfg Config, ready func(context.Context) error) *harness {
	t.Helper()
	store := memory.NewBatchStore(0)
	objects := memory.NewObjectStore(fixedClock{})
	admit := &fakeAdmitter{store: store}
	srv := NewServer(Deps{
		Admission: admit,
		Batches:   store,
		Objects:   objects,
		Clock:     fixedClock{},
		Ready:     ready,
	}, cfg, nil)
	return &harness{server: srv, admit: admit, store: store, objects: objects}
}

func (h *harness) seed(t *testing.T, b batch.Batch, items ...batch.Item) {
	t.Helper()
	b.ItemCount = len(items)
	require.NoError(t, h.store.CreateBatch(context.Background(), b, items))
}

func (h *harness) do(method, path, owner string, body string) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if owner != "" {
		req.Header.Set(HeaderOwner, owner)
		req.Header.Set(HeaderPlan, "pro")
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func TestSubmitBatchAccepted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	rec := h.do(http.MethodPost, "/v1/batches", "owner-1", `{
		"urls": ["https://youtu.be/a", "https://vimeo.com/1"],
		"options": {"format": "mp3", "quality": "720p", "archive": true},
		"auto_start": true,
		"callback_url": "https://hooks.example/done"
	}`)

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp struct {
		Batch batch.Batch  `json:"batch"`
		Items []batch.Item `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "b-new", resp.Batch.ID)
	require.Len(t, resp.Items, 2)

	require.Len(t, h.admit.requests, 1)
	req := h.admit.requests[0]
	require.Equal(t, "owner-1", req.Owner)
	require.Equal(t, "pro", req.Plan)
	require.True(t, req.AutoStart)
	require.Equal(t, "mp3", req.Options.Format)
	require.True(t, req.Options.Archive)
	require.Equal(t, "https://hooks.example/done", req.CallbackURL)
}

func TestSubmitBatchMapsAdmissionErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", batch.NewError(batch.CodeValidation, "bad url", map[string]any{"url": "ftp://x"}), 400, "validation_error"},
		{"unauthorized", batch.NewError(batch.CodeUnauthorized, "unknown plan", nil), 401, "unauthorized"},
		{"forbidden", batch.NewError(batch.CodeForbidden, "quality", map[string]any{"max_quality": "720p"}), 403, "forbidden"},
		{"rate limited", batch.NewError(batch.CodeRateLimited, "quota", map[string]any{"limit": 3}), 429, "rate_limit_exceeded"},
		{"busy", batch.NewError(batch.CodeSystemBusy, "backlog", nil), 503, "system_busy"},
		{"internal", batch.Internal("create batch", errors.New("pg down")), 500, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := newHarness(t, Config{}, nil)
			h.admit.admitErr = tt.err
			rec := h.do(http.MethodPost, "/v1/batches", "owner-1", `{"urls":["https://youtu.be/a"]}`)
			require.Equal(t, tt.status, rec.Code)
			env := decodeError(t, rec)
			require.Equal(t, tt.code, env.Error.Code)
			if tt.code == "internal" {
				require.Equal(t, "internal error", env.Error.Message)
				require.NotContains(t, rec.Body.String(), "pg down")
			}
		})
	}
}

func TestSubmitBatchErrorDetails(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.admit.admitErr = batch.NewError(batch.CodeRateLimited, "monthly credits exhausted", map[string]any{
		"plan": "free", "used": int64(2), "limit": int64(3), "needed": int64(2),
	})
	rec := h.do(http.MethodPost, "/v1/batches", "owner-1", `{"urls":["https://youtu.be/a","https://youtu.be/b"]}`)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	env := decodeError(t, rec)
	require.Equal(t, "monthly credits exhausted", env.Error.Message)
	require.Equal(t, "free", env.Error.Details["plan"])
	require.EqualValues(t, 3, env.Error.Details["limit"])
}

func TestSubmitBatchRejectsBadBodies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	for _, body := range []string{"{invalid", `{"urls":["x"],"unknown":1}`} {
		rec := h.do(http.MethodPost, "/v1/batches", "owner-1", body)
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
		require.Equal(t, "validation_error", decodeError(t, rec).Error.Code)
	}
	require.Empty(t, h.admit.requests)
}

func TestRequiresOwner(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	rec := h.do(http.MethodPost, "/v1/batches", "", `{"urls":["https://youtu.be/a"]}`)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthorized", decodeError(t, rec).Error.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{APIKey: "secret"}, nil)

	rec := h.do(http.MethodGet, "/v1/batches/missing", "owner-1", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/batches/missing", nil)
	req.Header.Set("X-API-Key", "secret")
	req.Header.Set(HeaderOwner, "owner-1")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestGetBatchWithProgress(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.seed(t, batch.Batch{ID: "b1", Owner: "owner-1", Status: batch.StatusProcessing},
		batch.Item{ID: "i1", Position: 0, Status: batch.ItemCompleted},
		batch.Item{ID: "i2", Position: 1, Status: batch.ItemProcessing},
		batch.Item{ID: "i3", Position: 2, Status: batch.ItemFailed},
		batch.Item{ID: "i4", Position: 3, Status: batch.ItemQueued},
	)

	rec := h.do(http.MethodGet, "/v1/batches/b1", "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Batch    batch.Batch    `json:"batch"`
		Progress batch.Progress `json:"progress"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, batch.StatusProcessing, resp.Batch.Status)
	require.Equal(t, batch.Progress{Total: 4, Pending: 1, Active: 1, Completed: 1, Failed: 1, Percent: 25}, resp.Progress)

	rec = h.do(http.MethodGet, "/v1/batches/b1", "someone-else", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = h.do(http.MethodGet, "/v1/batches/nope", "owner-1", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", decodeError(t, rec).Error.Code)
}

func TestListItemsInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.seed(t, batch.Batch{ID: "b1", Owner: "owner-1", Status: batch.StatusQueued},
		batch.Item{ID: "i1", Position: 0, SourceURL: "https://youtu.be/a", Status: batch.ItemQueued},
		batch.Item{ID: "i2", Position: 1, SourceURL: "https://youtu.be/b", Status: batch.ItemQueued},
	)

	rec := h.do(http.MethodGet, "/v1/batches/b1/items", "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		BatchID string       `json:"batch_id"`
		Items   []batch.Item `json:"items"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "b1", resp.BatchID)
	require.Len(t, resp.Items, 2)
	require.Equal(t, "https://youtu.be/a", resp.Items[0].SourceURL)
	require.Equal(t, "https://youtu.be/b", resp.Items[1].SourceURL)
}

func TestStartAndCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.seed(t, batch.Batch{ID: "b1", Owner: "owner-1", Status: batch.StatusCreated},
		batch.Item{ID: "i1", Status: batch.ItemPending},
		batch.Item{ID: "i2", Position: 1, Status: batch.ItemPending},
	)

	rec := h.do(http.MethodPost, "/v1/batches/b1/start", "owner-1", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"queued"`)

	rec = h.do(http.MethodPost, "/v1/batches/b1/cancel", "intruder", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodPost, "/v1/batches/b1/cancel", "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "b1", resp["batch_id"])
	require.Equal(t, "cancelled", resp["status"])
	require.EqualValues(t, 2, resp["cancelled_items"])
}

func TestStartConflict(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.seed(t, batch.Batch{ID: "b1", Owner: "owner-1", Status: batch.StatusCompleted}, batch.Item{ID: "i1"})
	h.admit.startErr = fmt.Errorf("start b1: %w", batch.ErrInvalidTransition)

	rec := h.do(http.MethodPost, "/v1/batches/b1/start", "owner-1", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "conflict", decodeError(t, rec).Error.Code)
}

func TestArchiveURL(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{ArchiveURLTTL: 30 * time.Minute}, nil)
	h.seed(t, batch.Batch{ID: "multi", Owner: "owner-1", Status: batch.StatusCompleted, ArchiveRef: "memory://batches/multi/batch-multi.zip"},
		batch.Item{ID: "m1", Status: batch.ItemCompleted},
		batch.Item{ID: "m2", Position: 1, Status: batch.ItemFailed},
	)
	h.seed(t, batch.Batch{ID: "single", Owner: "owner-1", Status: batch.StatusCompleted, ArchiveRef: "memory://batches/single/items/s1/clip.mp4"},
		batch.Item{ID: "s1", Status: batch.ItemCompleted, ArtifactPath: "/work/single/s1/clip.mp4"},
	)
	h.seed(t, batch.Batch{ID: "running", Owner: "owner-1", Status: batch.StatusProcessing}, batch.Item{ID: "r1"})

	ctx := context.Background()
	_, err := h.objects.Put(ctx, "batches/multi/batch-multi.zip", strings.NewReader("zip"), "application/zip")
	require.NoError(t, err)
	_, err = h.objects.Put(ctx, "batches/single/items/s1/clip.mp4", strings.NewReader("mp4"), "video/mp4")
	require.NoError(t, err)

	expires := testNow.Add(30 * time.Minute)
	for id, key := range map[string]string{
		"multi":  "batches/multi/batch-multi.zip",
		"single": "batches/single/items/s1/clip.mp4",
	} {
		rec := h.do(http.MethodGet, "/v1/batches/"+id+"/archive", "owner-1", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var resp struct {
			URL       string    `json:"url"`
			ExpiresAt time.Time `json:"expires_at"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.Equal(t, fmt.Sprintf("memory://%s?expires=%d", key, expires.Unix()), resp.URL)
		require.True(t, expires.Equal(resp.ExpiresAt))
	}

	rec := h.do(http.MethodGet, "/v1/batches/running/archive", "owner-1", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestArchiveURLFollowsStoredRef(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{ArchiveURLTTL: time.Minute}, nil)
	ref, err := h.objects.Put(context.Background(), "legacy/old/batch-old.zip", strings.NewReader("zip"), "application/zip")
	require.NoError(t, err)
	h.seed(t, batch.Batch{ID: "old", Owner: "owner-1", Status: batch.StatusCompleted, ArchiveRef: ref},
		batch.Item{ID: "o1", Status: batch.ItemCompleted},
		batch.Item{ID: "o2", Position: 1, Status: batch.ItemCompleted},
	)
	h.seed(t, batch.Batch{ID: "moved", Owner: "owner-1", Status: batch.StatusCompleted, ArchiveRef: "gs://elsewhere/batches/moved/batch-moved.zip"},
		batch.Item{ID: "v1", Status: batch.ItemCompleted},
	)

	rec := h.do(http.MethodGet, "/v1/batches/old/archive", "owner-1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		URL string `json:"url"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, fmt.Sprintf("memory://legacy/old/batch-old.zip?expires=%d", testNow.Add(time.Minute).Unix()), resp.URL)

	rec = h.do(http.MethodGet, "/v1/batches/moved/archive", "owner-1", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "conflict", decodeError(t, rec).Error.Code)
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/healthz", "", "").Code)
	require.Equal(t, http.StatusOK, h.do(http.MethodGet, "/readyz", "", "").Code)
	rec := h.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "# HELP")

	down := newHarness(t, Config{}, func(context.Context) error { return errors.New("redis unreachable") })
	require.Equal(t, http.StatusServiceUnavailable, down.do(http.MethodGet, "/readyz", "", "").Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	h.admit.panicMsg = "boom"
	rec := h.do(http.MethodPost, "/v1/batches", "owner-1", `{"urls":["https://youtu.be/a"]}`)
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "internal", decodeError(t, rec).Error.Code)
}

func TestRequestIDMiddleware(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, nil)
	rec := h.do(http.MethodGet, "/healthz", "", "")
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	rec = httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, "upstream-id", rec.Header().Get("X-Request-ID"))
}

func TestResponseWriterHijackBehavior(t *testing.T) {
	t.Parallel()

	rw := &responseWriter{ResponseWriter: httptest.NewRecorder()}
	_, _, err := rw.Hijack()
	require.EqualError(t, err, "hijacker not supported")

	h := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}
	rw = &responseWriter{ResponseWriter: h}
	conn, buf, err := rw.Hijack()
	require.NoError(t, err)
	require.NotNil(t, buf)
	require.NoError(t, conn.Close())
	require.NoError(t, h.client.Close())
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	client net.Conn
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	server, client := net.Pipe()
	h.client = client
	return server, bufio.NewReadWriter(bufio.NewReader(client), bufio.NewWriter(client)), nil
}
