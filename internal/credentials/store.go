// Package credentials tracks the cookies file used by the fetch executable
// and coordinates refreshing it when a provider demands re-verification.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/batchd/internal/metrics"
)

// Refresher regenerates the credentials file.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Store holds credential freshness state. Refreshes are coalesced so at most
// one is in flight.
type Store struct {
	cookiesPath string
	refresher   Refresher
	logger      *zap.Logger

	mu         sync.Mutex
	generation uint64
	stale      bool

	group singleflight.Group
}

// NewStore builds a Store. A nil refresher selects NoopRefresher.
func NewStore(cookiesPath string, refresher Refresher, logger *zap.Logger) *Store {
	if refresher == nil {
		refresher = NoopRefresher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{cookiesPath: cookiesPath, refresher: refresher, logger: logger.Named("credentials")}
}

// CookiesPath returns the credentials file handed to the executable.
func (s *Store) CookiesPath() string { return s.cookiesPath }

// Generation increases after every successful refresh.
func (s *Store) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// IsStale reports whether credentials are marked stale.
func (s *Store) IsStale() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stale
}

// MarkStale flags the credentials stale if observed is still the current
// generation. It returns false when a newer refresh already happened.
func (s *Store) MarkStale(observed uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if observed != s.generation {
		return false
	}
	s.stale = true
	return true
}

// Refresh runs the refresher, joining any refresh already in flight.
func (s *Store) Refresh(ctx context.Context) error {
	_, err, _ := s.group.Do("refresh", func() (any, error) {
		return nil, s.refresh(ctx)
	})
	return err
}

// RefreshIfStale refreshes credentials on behalf of an attempt that started
// at generation observed. When another caller already refreshed since then,
// it reports refreshed=true without running the refresher again.
func (s *Store) RefreshIfStale(ctx context.Context, observed uint64) (bool, error) {
	if !s.MarkStale(observed) {
		return true, nil
	}
	_, err, shared := s.group.Do("refresh", func() (any, error) {
		if s.Generation() != observed {
			return nil, nil
		}
		return nil, s.refresh(ctx)
	})
	if shared {
		s.logger.Debug("joined in-flight credential refresh", zap.Uint64("observed_generation", observed))
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) refresh(ctx context.Context) error {
	start := time.Now()
	if err := s.refresher.Refresh(ctx); err != nil {
		metrics.ObserveCredentialRefresh("error")
		s.logger.Error("credential refresh failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return fmt.Errorf("refresh credentials: %w", err)
	}
	s.mu.Lock()
	s.generation++
	s.stale = false
	gen := s.generation
	s.mu.Unlock()
	metrics.ObserveCredentialRefresh("success")
	s.logger.Info("credentials refreshed", zap.Uint64("generation", gen), zap.Duration("elapsed", time.Since(start)))
	return nil
}

// NoopRefresher is used when no refresh command is configured. It always
// fails so the retry is skipped.
type NoopRefresher struct{}

// ErrNoRefresher is returned by NoopRefresher.
var ErrNoRefresher = errors.New("no credential refresher configured")

// Refresh implements Refresher.
func (NoopRefresher) Refresh(context.Context) error { return ErrNoRefresher }

// CommandRefresher runs a companion process that rewrites the credentials file.
type CommandRefresher struct {
	Path    string
	Args    []string
	Timeout time.Duration
}

// Refresh implements Refresher.
func (c CommandRefresher) Refresh(ctx context.Context) error {
	if c.Path == "" {
		return ErrNoRefresher
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.WaitDelay = 5 * time.Second
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("refresh command %s: %w", c.Path, ctx.Err())
		}
		return fmt.Errorf("refresh command %s: %w: %s", c.Path, err, tail(out))
	}
	return nil
}

func tail(out []byte) string {
	s := strings.TrimSpace(string(out))
	if len(s) > 512 {
		s = s[len(s)-512:]
	}
	return s
}
