package provider

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
)

// MetadataScraper reads page metadata without the fetch executable.
type MetadataScraper interface {
	Scrape(ctx context.Context, rawURL string) (Metadata, error)
}

// Generic is the catch-all provider. It scrapes Open Graph tags for metadata
// and hands downloads to the executable's generic extractor.
type Generic struct {
	exec    *Executable
	scraper MetadataScraper
}

// NewGeneric builds the catch-all provider. A nil scraper falls back to the
// executable's JSON dump for metadata.
func NewGeneric(r Runner, scraper MetadataScraper) *Generic {
	return &Generic{exec: &Executable{id: "generic", runner: r}, scraper: scraper}
}

// ID returns "generic".
func (g *Generic) ID() string { return g.exec.id }

// Match accepts every URL.
func (g *Generic) Match(*url.URL) bool { return true }

// CatchAll marks the provider as the registry fallback.
func (g *Generic) CatchAll() bool { return true }

// FetchMetadata scrapes Open Graph tags from the page. Without a scraper it
// falls back to the executable.
func (g *Generic) FetchMetadata(ctx context.Context, rawURL, cookiesPath string) (Metadata, error) {
	if g.scraper == nil {
		return g.exec.FetchMetadata(ctx, rawURL, cookiesPath)
	}
	md, err := g.scraper.Scrape(ctx, rawURL)
	if err != nil {
		return Metadata{}, &FetchError{Kind: KindMetadataFailed, Provider: g.ID(), Message: err.Error()}
	}
	return md, nil
}

// Download delegates to the executable.
func (g *Generic) Download(ctx context.Context, rawURL string, opts DownloadOptions) (Download, error) {
	return g.exec.Download(ctx, rawURL, opts)
}

// Standard builds the registry of built-in providers in dispatch order.
func Standard(r Runner, scraper MetadataScraper) (*Registry, error) {
	return NewRegistry(NewGeneric(r, scraper),
		YouTube(r), Vimeo(r), TikTok(r), Instagram(r), X(r), SoundCloud(r))
}

// ScraperConfig controls the Open Graph scraper.
type ScraperConfig struct {
	UserAgent string
	Timeout   time.Duration
}

// OpenGraph scrapes og:* and twitter:* meta tags with a colly collector.
type OpenGraph struct {
	cfg  ScraperConfig
	base *colly.Collector
}

// NewOpenGraph builds an OpenGraph scraper sharing one pooled transport.
func NewOpenGraph(cfg ScraperConfig) *OpenGraph {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &OpenGraph{cfg: cfg, base: c}
}

// Scrape visits rawURL and returns the metadata it advertises.
func (o *OpenGraph) Scrape(ctx context.Context, rawURL string) (Metadata, error) {
	c := o.base.Clone()
	c.Context = ctx
	if o.cfg.UserAgent != "" {
		c.UserAgent = o.cfg.UserAgent
	}
	c.SetRequestTimeout(o.cfg.Timeout)

	var (
		md        Metadata
		pageTitle string
		fetchErr  error
	)
	c.OnHTML("meta", func(e *colly.HTMLElement) {
		key := e.Attr("property")
		if key == "" {
			key = e.Attr("name")
		}
		applyMetaTag(&md, strings.ToLower(key), strings.TrimSpace(e.Attr("content")))
	})
	c.OnHTML("title", func(e *colly.HTMLElement) {
		if pageTitle == "" {
			pageTitle = strings.TrimSpace(e.Text)
		}
	})
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(rawURL)
	}()
	select {
	case <-ctx.Done():
		return Metadata{}, fmt.Errorf("scrape canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return Metadata{}, fmt.Errorf("scrape visit failed: %w", err)
		}
		if fetchErr != nil {
			return Metadata{}, fmt.Errorf("scrape response failed: %w", fetchErr)
		}
	}
	if md.Title == "" {
		md.Title = pageTitle
	}
	return md, nil
}

func applyMetaTag(md *Metadata, key, content string) {
	if content == "" {
		return
	}
	switch key {
	case "og:title", "twitter:title":
		if md.Title == "" {
			md.Title = content
		}
	case "og:site_name":
		if md.Channel == "" {
			md.Channel = content
		}
	case "og:image", "og:image:url", "twitter:image":
		if md.Thumbnail == "" {
			md.Thumbnail = content
		}
	case "og:video:duration", "video:duration", "music:duration":
		if secs, err := strconv.ParseFloat(content, 64); err == nil && md.Duration == 0 {
			md.Duration = time.Duration(secs * float64(time.Second))
		}
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
