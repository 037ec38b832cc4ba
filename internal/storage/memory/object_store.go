// Package memory provides in-process implementations of the batch store,
// credit ledger and object store for development and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/batchd/internal/batch"
)

// ObjectStore keeps artifacts in memory and returns memory:// references.
type ObjectStore struct {
	mu      sync.RWMutex
	objects map[string]object
	clock   batch.Clock
}

type object struct {
	data        []byte
	contentType string
}

// NewObjectStore creates an empty in-memory object store.
func NewObjectStore(clock batch.Clock) *ObjectStore {
	return &ObjectStore{objects: make(map[string]object), clock: clock}
}

// Put stores a copy of r under key.
func (s *ObjectStore) Put(_ context.Context, key string, r io.Reader, contentType string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("read object: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[key] = object{data: data, contentType: contentType}
	return "memory://" + key, nil
}

// SignedGetURL returns a memory:// URL carrying the expiry. The object must exist.
func (s *ObjectStore) SignedGetURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	s.mu.RLock()
	_, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("object %s: %w", key, batch.ErrNotFound)
	}
	expires := s.now().Add(ttl).Unix()
	return fmt.Sprintf("memory://%s?expires=%s", key, url.QueryEscape(fmt.Sprint(expires))), nil
}

// KeyOf strips the memory:// scheme from ref.
func (s *ObjectStore) KeyOf(ref string) (string, error) {
	key, ok := strings.CutPrefix(ref, "memory://")
	if !ok || key == "" {
		return "", fmt.Errorf("ref %q: %w", ref, batch.ErrForeignRef)
	}
	return key, nil
}

// Get returns the stored bytes for key.
func (s *ObjectStore) Get(key string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, "", false
	}
	return bytes.Clone(obj.data), obj.contentType, true
}

// Keys lists stored object keys.
func (s *ObjectStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}

func (s *ObjectStore) now() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock.Now()
}
