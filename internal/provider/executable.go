package provider

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/JakeFAU/batchd/internal/fetch"
)

// Runner is the part of fetch.Runner providers depend on.
type Runner interface {
	Run(ctx context.Context, inv fetch.Invocation) (fetch.Result, error)
	DumpJSON(ctx context.Context, rawURL, cookies string) (fetch.Info, error)
}

// Executable is a provider backed entirely by the fetch executable.
type Executable struct {
	id        string
	domains   []string
	audioOnly bool
	runner    Runner
}

// YouTube matches youtube.com, youtu.be and their subdomains.
func YouTube(r Runner) *Executable {
	return &Executable{id: "youtube", domains: []string{"youtube.com", "youtu.be", "youtube-nocookie.com"}, runner: r}
}

// Vimeo matches vimeo.com.
func Vimeo(r Runner) *Executable {
	return &Executable{id: "vimeo", domains: []string{"vimeo.com"}, runner: r}
}

// TikTok matches tiktok.com.
func TikTok(r Runner) *Executable {
	return &Executable{id: "tiktok", domains: []string{"tiktok.com"}, runner: r}
}

// Instagram matches instagram.com.
func Instagram(r Runner) *Executable {
	return &Executable{id: "instagram", domains: []string{"instagram.com"}, runner: r}
}

// X matches x.com and twitter.com.
func X(r Runner) *Executable {
	return &Executable{id: "x", domains: []string{"x.com", "twitter.com"}, runner: r}
}

// SoundCloud matches soundcloud.com and always extracts audio.
func SoundCloud(r Runner) *Executable {
	return &Executable{id: "soundcloud", domains: []string{"soundcloud.com"}, audioOnly: true, runner: r}
}

// ID returns the provider id.
func (p *Executable) ID() string { return p.id }

// Match reports whether the URL host belongs to the provider.
func (p *Executable) Match(u *url.URL) bool {
	return u != nil && hostMatches(u.Hostname(), p.domains)
}

// FetchMetadata reads metadata through the executable's JSON dump, using the
// same credentials file as downloads.
func (p *Executable) FetchMetadata(ctx context.Context, rawURL, cookiesPath string) (Metadata, error) {
	info, err := p.runner.DumpJSON(ctx, rawURL, cookiesPath)
	if err != nil {
		return Metadata{}, p.classify(err, KindMetadataFailed)
	}
	channel := info.Channel
	if channel == "" {
		channel = info.Uploader
	}
	return Metadata{
		Title:     info.Title,
		Channel:   channel,
		Duration:  time.Duration(info.Duration * float64(time.Second)),
		Thumbnail: info.Thumbnail,
	}, nil
}

// Download runs the executable into opts.OutputDir. The returned Download
// reflects the path the executable reported, which may be empty on failure.
func (p *Executable) Download(ctx context.Context, rawURL string, opts DownloadOptions) (Download, error) {
	name := opts.OutputName
	if name == "" {
		name = "media"
	}
	args := FormatArgs(opts, p.audioOnly)
	args = append(args, "--no-playlist", "--newline", "--progress", "--no-simulate", "--print", "after_move:filepath")

	res, err := p.runner.Run(ctx, fetch.Invocation{
		URL:            rawURL,
		Args:           args,
		OutputTemplate: filepath.Join(opts.OutputDir, name+".%(ext)s"),
		Cookies:        opts.CookiesPath,
		Progress:       opts.Progress,
	})
	dl := Download{}
	if path := fetch.LastLine(res.Stdout); filepath.IsAbs(path) {
		dl.Path = path
		dl.Name = filepath.Base(path)
		if fi, statErr := os.Stat(path); statErr == nil {
			dl.Bytes = fi.Size()
		}
	}
	if err != nil {
		return dl, p.classify(err, KindDownloadFailed)
	}
	return dl, nil
}

// classify converts a runner error into a *FetchError. Cancellation is
// passed through untouched so callers can tell it apart from failures.
func (p *Executable) classify(err error, fallback Kind) error {
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &FetchError{Kind: fallback, Provider: p.id, Message: "timed out", Diagnostic: err.Error()}
	}
	var exitErr *fetch.ExitError
	if errors.As(err, &exitErr) {
		kind := Classify(p.id, exitErr.Stderr)
		if kind == KindUnknown {
			kind = fallback
		}
		return &FetchError{
			Kind:       kind,
			Provider:   p.id,
			Message:    strings.TrimSpace(strings.TrimPrefix(fetch.LastLine(exitErr.Stderr), "ERROR:")),
			Diagnostic: exitErr.Stderr,
		}
	}
	return &FetchError{Kind: fallback, Provider: p.id, Message: err.Error()}
}
