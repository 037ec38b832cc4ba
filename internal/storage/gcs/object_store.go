// Package gcs provides an object store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/batchd/internal/batch"
)

// Config captures the parameters required to write and sign objects.
type Config struct {
	Bucket string
	// GoogleAccessID and PrivateKey sign URLs explicitly. When empty the
	// client's own credentials are used.
	GoogleAccessID string
	PrivateKey     []byte
}

// ObjectStore writes artifacts to a configured GCS bucket.
type ObjectStore struct {
	client *storage.Client
	cfg    Config
	now    func() time.Time
}

// New creates a GCS-backed object store.
func New(client *storage.Client, cfg Config) (*ObjectStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &ObjectStore{client: client, cfg: cfg, now: time.Now}, nil
}

// Put uploads r to key and returns a gs:// URI.
func (s *ObjectStore) Put(ctx context.Context, key string, r io.Reader, contentType string) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	writer := s.client.Bucket(s.cfg.Bucket).Object(key).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, key), nil
}

// SignedGetURL returns a V4 signed download URL valid for ttl.
func (s *ObjectStore) SignedGetURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	if err := validKey(key); err != nil {
		return "", err
	}
	opts := &storage.SignedURLOptions{
		Scheme:         storage.SigningSchemeV4,
		Method:         http.MethodGet,
		Expires:        s.now().Add(ttl),
		GoogleAccessID: s.cfg.GoogleAccessID,
		PrivateKey:     s.cfg.PrivateKey,
	}
	u, err := s.client.Bucket(s.cfg.Bucket).SignedURL(key, opts)
	if err != nil {
		return "", fmt.Errorf("sign url for %s: %w", key, err)
	}
	return u, nil
}

// KeyOf returns the object key of a gs:// reference into the configured bucket.
func (s *ObjectStore) KeyOf(ref string) (string, error) {
	key, ok := strings.CutPrefix(ref, "gs://"+s.cfg.Bucket+"/")
	if !ok {
		return "", fmt.Errorf("ref %q: %w", ref, batch.ErrForeignRef)
	}
	if err := validKey(key); err != nil {
		return "", err
	}
	return key, nil
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	if strings.HasPrefix(key, "/") {
		return fmt.Errorf("key %q must be relative", key)
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return fmt.Errorf("key %q escapes the bucket", key)
		}
	}
	return nil
}
