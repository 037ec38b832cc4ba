package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/batchd/internal/admission"
	"github.com/JakeFAU/batchd/internal/batch"
	"github.com/JakeFAU/batchd/internal/logging"
	"github.com/JakeFAU/batchd/internal/metrics"
)

// Header names carrying the gateway-validated caller identity.
const (
	HeaderOwner = "X-Owner-ID"
	HeaderPlan  = "X-Plan"
)

// Admitter creates, starts and cancels batches.
type Admitter interface {
	Admit(ctx context.Context, req admission.Request) (admission.Admission, error)
	Start(ctx context.Context, batchID string) (batch.Batch, error)
	Cancel(ctx context.Context, batchID string) (batch.Batch, int, error)
}

// BatchReader exposes read access to stored batches.
type BatchReader interface {
	GetBatch(ctx context.Context, id string) (batch.Batch, error)
	ListItems(ctx context.Context, batchID string) ([]batch.Item, error)
}

// Config controls server behavior.
type Config struct {
	// APIKey enables X-API-Key authentication on /v1 when set.
	APIKey         string
	RequestTimeout time.Duration
	ArchiveURLTTL  time.Duration
}

// Deps groups the collaborators of a Server.
type Deps struct {
	Admission Admitter
	Batches   BatchReader
	Objects   batch.ObjectStore
	Clock     batch.Clock
	// Ready reports downstream readiness. Nil means always ready.
	Ready func(ctx context.Context) error
}

// Server wires HTTP handlers to the admission controller and stores.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg Config, logger *zap.Logger) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.ArchiveURLTTL <= 0 {
		cfg.ArchiveURLTTL = time.Hour
	}
	s := &Server{deps: deps, cfg: cfg, logger: logging.OrNop(logger).Named("api")}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Use(ownerMiddleware)
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.submitBatch)
			r.Route("/{batch_id}", func(r chi.Router) {
				r.Get("/", s.getBatch)
				r.Get("/items", s.listItems)
				r.Post("/start", s.startBatch)
				r.Post("/cancel", s.cancelBatch)
				r.Get("/archive", s.getArchive)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitRequest struct {
	URLs        []string      `json:"urls"`
	Options     batch.Options `json:"options"`
	AutoStart   bool          `json:"auto_start"`
	CallbackURL string        `json:"callback_url"`
}

type batchResponse struct {
	Batch    batch.Batch     `json:"batch"`
	Items    []batch.Item    `json:"items,omitempty"`
	Progress *batch.Progress `json:"progress,omitempty"`
}

func (s *Server) submitBatch(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, r, batch.NewError(batch.CodeValidation, "invalid JSON body", nil))
		return
	}
	adm, err := s.deps.Admission.Admit(r.Context(), admission.Request{
		Owner:       ownerFrom(r.Context()),
		Plan:        r.Header.Get(HeaderPlan),
		URLs:        req.URLs,
		Options:     req.Options,
		AutoStart:   req.AutoStart,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, batchResponse{Batch: adm.Batch, Items: adm.Items})
}

func (s *Server) getBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.ownedBatch(w, r)
	if !ok {
		return
	}
	items, err := s.deps.Batches.ListItems(r.Context(), b.ID)
	if err != nil {
		s.writeError(w, r, batch.Internal("list items", err))
		return
	}
	progress := batch.ComputeProgress(items)
	writeJSON(w, http.StatusOK, batchResponse{Batch: b, Progress: &progress})
}

func (s *Server) listItems(w http.ResponseWriter, r *http.Request) {
	b, ok := s.ownedBatch(w, r)
	if !ok {
		return
	}
	items, err := s.deps.Batches.ListItems(r.Context(), b.ID)
	if err != nil {
		s.writeError(w, r, batch.Internal("list items", err))
		return
	}
	if items == nil {
		items = []batch.Item{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"batch_id": b.ID, "items": items})
}

func (s *Server) startBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.ownedBatch(w, r)
	if !ok {
		return
	}
	started, err := s.deps.Admission.Start(r.Context(), b.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, batchResponse{Batch: started})
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	b, ok := s.ownedBatch(w, r)
	if !ok {
		return
	}
	cancelled, n, err := s.deps.Admission.Cancel(r.Context(), b.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id":        cancelled.ID,
		"status":          cancelled.Status,
		"cancelled_items": n,
	})
}

func (s *Server) getArchive(w http.ResponseWriter, r *http.Request) {
	b, ok := s.ownedBatch(w, r)
	if !ok {
		return
	}
	if b.Status != batch.StatusCompleted || b.ArchiveRef == "" {
		s.writeError(w, r, batch.NewError(batch.CodeConflict, "batch has no downloadable result",
			map[string]any{"status": b.Status}))
		return
	}
	key, err := s.deps.Objects.KeyOf(b.ArchiveRef)
	if err != nil {
		s.writeError(w, r, batch.NewError(batch.CodeConflict, "batch result is not in the configured object store", nil))
		return
	}
	expires := s.now().Add(s.cfg.ArchiveURLTTL)
	u, err := s.deps.Objects.SignedGetURL(r.Context(), key, s.cfg.ArchiveURLTTL)
	if err != nil {
		s.writeError(w, r, batch.Internal("sign archive url", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"url": u, "expires_at": expires})
}

// ownedBatch loads the batch named in the URL. Batches of other owners are
// reported as missing.
func (s *Server) ownedBatch(w http.ResponseWriter, r *http.Request) (batch.Batch, bool) {
	id := chi.URLParam(r, "batch_id")
	b, err := s.deps.Batches.GetBatch(r.Context(), id)
	if err == nil && b.Owner != ownerFrom(r.Context()) {
		err = batch.ErrNotFound
	}
	if err != nil {
		if errors.Is(err, batch.ErrNotFound) {
			err = batch.NewError(batch.CodeNotFound, "batch not found", map[string]any{"batch_id": id})
		}
		s.writeError(w, r, err)
		return batch.Batch{}, false
	}
	return b, true
}

func (s *Server) now() time.Time {
	if s.deps.Clock == nil {
		return time.Now().UTC()
	}
	return s.deps.Clock.Now()
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code batch.Code) int {
	switch code {
	case batch.CodeValidation:
		return http.StatusBadRequest
	case batch.CodeUnauthorized:
		return http.StatusUnauthorized
	case batch.CodeForbidden:
		return http.StatusForbidden
	case batch.CodeNotFound:
		return http.StatusNotFound
	case batch.CodeConflict:
		return http.StatusConflict
	case batch.CodeRateLimited:
		return http.StatusTooManyRequests
	case batch.CodeSystemBusy:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Code    batch.Code     `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := batch.CodeOf(err)
	body := errorBody{Code: code, Message: "internal error"}
	var be *batch.Error
	if errors.As(err, &be) {
		body.Message = be.Message
		body.Details = be.Details
	}
	switch code {
	case batch.CodeInternal:
		body.Message = "internal error"
		body.Details = nil
		s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	case batch.CodeConflict:
		if be == nil {
			body.Message = "invalid state transition"
		}
	}
	writeJSON(w, StatusFor(code), map[string]errorBody{"error": body})
}

type ownerKey struct{}

func ownerFrom(ctx context.Context) string {
	owner, _ := ctx.Value(ownerKey{}).(string)
	return owner
}

func ownerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner := r.Header.Get(HeaderOwner)
		if owner == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]errorBody{"error": {
				Code: batch.CodeUnauthorized, Message: "missing " + HeaderOwner,
			}})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ownerKey{}, owner)))
	})
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.String("request_id", reqID),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
				s.writeError(w, r, batch.Internal("panic", fmt.Errorf("%v", rec)))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, `{"error":{"code":"system_busy","message":"request timed out"}}`)
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeJSON(w, http.StatusUnauthorized, map[string]errorBody{"error": {
					Code: batch.CodeUnauthorized, Message: "invalid api key",
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
