// Package local implements an object store on the local filesystem.
package local

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/batchd/internal/batch"
)

// ErrBadSignature is returned by Verify for tampered or expired URLs.
var ErrBadSignature = errors.New("invalid or expired signature")

// Config captures the parameters for the local filesystem object store.
type Config struct {
	// BaseDir is the root directory where objects are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
	// SigningKey authenticates the expiry on download URLs.
	SigningKey string `mapstructure:"signing_key" yaml:"signing_key"`
}

// ObjectStore writes artifacts under BaseDir.
type ObjectStore struct {
	baseDir string
	key     []byte
	now     func() time.Time
}

// New creates a filesystem object store, creating BaseDir when missing.
func New(cfg Config) (*ObjectStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	if cfg.SigningKey == "" {
		return nil, fmt.Errorf("signing key is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	switch {
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	case err != nil:
		return nil, fmt.Errorf("stat base directory: %w", err)
	case !info.IsDir():
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	probe := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}

	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	return &ObjectStore{baseDir: abs, key: []byte(cfg.SigningKey), now: time.Now}, nil
}

// Put streams r to a file under BaseDir and returns a file:// URI.
func (s *ObjectStore) Put(_ context.Context, key string, r io.Reader, _ string) (string, error) {
	full, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return "", fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(tmp, r); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("write object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("close object: %w", err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("commit object: %w", err)
	}
	return "file://" + full, nil
}

// SignedGetURL returns a file:// URL whose expiry is authenticated with
// HMAC-SHA256. The object must exist.
func (s *ObjectStore) SignedGetURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	full, err := s.resolve(key)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(full); err != nil {
		return "", fmt.Errorf("stat object %s: %w", key, err)
	}
	expires := s.now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expires, 10))
	q.Set("signature", s.sign(key, expires))
	u := url.URL{Scheme: "file", Path: full, RawQuery: q.Encode()}
	return u.String(), nil
}

// KeyOf maps a file:// reference back to its key relative to BaseDir.
func (s *ObjectStore) KeyOf(ref string) (string, error) {
	full, ok := strings.CutPrefix(ref, "file://")
	if !ok {
		return "", fmt.Errorf("ref %q: %w", ref, batch.ErrForeignRef)
	}
	rel, err := filepath.Rel(s.baseDir, filepath.Clean(full))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("ref %q: %w", ref, batch.ErrForeignRef)
	}
	return filepath.ToSlash(rel), nil
}

// Verify checks a signature produced by SignedGetURL.
func (s *ObjectStore) Verify(key string, expires int64, signature string) error {
	if s.now().Unix() > expires {
		return ErrBadSignature
	}
	want := s.sign(key, expires)
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}

func (s *ObjectStore) sign(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.key)
	fmt.Fprintf(mac, "%s\n%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *ObjectStore) resolve(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	full := filepath.Clean(filepath.Join(s.baseDir, key))
	if !strings.HasPrefix(full, s.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes the base directory", key)
	}
	return full, nil
}
