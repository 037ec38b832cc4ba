// Package provider routes source URLs to fetch strategies and classifies
// their failures.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/JakeFAU/batchd/internal/batch"
)

// Metadata is best-effort descriptive information about a source.
type Metadata struct {
	Title     string
	Channel   string
	Duration  time.Duration
	Thumbnail string
}

// DownloadOptions control one download attempt.
type DownloadOptions struct {
	OutputDir   string
	OutputName  string
	FormatHint  string
	QualityHint string
	Kind        batch.MediaKind
	CookiesPath string
	Progress    func(percent float64)
}

// Download describes the file a provider reports having written. Path may
// not exist when the executable renamed its output; callers resolve the
// artifact independently.
type Download struct {
	Path  string
	Name  string
	Bytes int64
}

// Provider is one source-specific fetch strategy.
type Provider interface {
	ID() string
	Match(u *url.URL) bool
	// FetchMetadata reads title and channel details. cookiesPath may be empty.
	FetchMetadata(ctx context.Context, rawURL, cookiesPath string) (Metadata, error)
	Download(ctx context.Context, rawURL string, opts DownloadOptions) (Download, error)
}

// catchAll is implemented by providers that match every http(s) URL.
type catchAll interface {
	CatchAll() bool
}

// Registry dispatches URLs to providers in a fixed order.
type Registry struct {
	providers []Provider
}

// NewRegistry builds an immutable registry. fallback is appended after
// providers unless the last provider already matches everything.
func NewRegistry(fallback Provider, providers ...Provider) (*Registry, error) {
	list := make([]Provider, 0, len(providers)+1)
	for _, p := range providers {
		if p == nil {
			return nil, errors.New("nil provider")
		}
		list = append(list, p)
	}
	if n := len(list); n == 0 || !isCatchAll(list[n-1]) {
		if fallback == nil || !isCatchAll(fallback) {
			return nil, errors.New("registry requires a catch-all fallback provider")
		}
		list = append(list, fallback)
	}
	return &Registry{providers: list}, nil
}

func isCatchAll(p Provider) bool {
	c, ok := p.(catchAll)
	return ok && c.CatchAll()
}

// Resolve returns the first provider matching rawURL.
func (r *Registry) Resolve(rawURL string) (Provider, error) {
	u, err := ParseSourceURL(rawURL)
	if err != nil {
		return nil, err
	}
	for _, p := range r.providers {
		if p.Match(u) {
			return p, nil
		}
	}
	return nil, &FetchError{Kind: KindUnsupportedURL, Message: "no provider for " + u.Host}
}

// IDs lists provider ids in dispatch order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.providers))
	for i, p := range r.providers {
		ids[i] = p.ID()
	}
	return ids
}

// ParseSourceURL accepts absolute http(s) URLs with a host.
func ParseSourceURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, &FetchError{Kind: KindUnsupportedURL, Message: fmt.Sprintf("parse url: %v", err)}
	}
	scheme := strings.ToLower(u.Scheme)
	if (scheme != "http" && scheme != "https") || u.Hostname() == "" {
		return nil, &FetchError{Kind: KindUnsupportedURL, Message: "url must be absolute http(s)"}
	}
	return u, nil
}

// hostMatches reports whether host equals one of domains or is a subdomain
// of one.
func hostMatches(host string, domains []string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	for _, d := range domains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}
