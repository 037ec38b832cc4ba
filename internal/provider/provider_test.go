package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/batchd/internal/batch"
	"github.com/JakeFAU/batchd/internal/fetch"
)

type fakeRunner struct {
	invocations []fetch.Invocation
	result      fetch.Result
	err         error
	info        fetch.Info
	infoErr     error
	infoCookies []string
}

func (f *fakeRunner) Run(_ context.Context, inv fetch.Invocation) (fetch.Result, error) {
	f.invocations = append(f.invocations, inv)
	return f.result, f.err
}

func (f *fakeRunner) DumpJSON(_ context.Context, _ string, cookies string) (fetch.Info, error) {
	f.infoCookies = append(f.infoCookies, cookies)
	return f.info, f.infoErr
}

func newStandard(t *testing.T, r Runner) *Registry {
	t.Helper()
	reg, err := Standard(r, nil)
	require.NoError(t, err)
	return reg
}

func TestRegistryResolve(t *testing.T) {
	t.Parallel()

	reg := newStandard(t, &fakeRunner{})
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.youtube.com/watch?v=abc", "youtube"},
		{"https://youtu.be/abc", "youtube"},
		{"https://music.youtube.com/watch?v=abc", "youtube"},
		{"https://vimeo.com/12345", "vimeo"},
		{"https://www.tiktok.com/@u/video/1", "tiktok"},
		{"https://www.instagram.com/reel/xyz/", "instagram"},
		{"https://x.com/u/status/1", "x"},
		{"https://twitter.com/u/status/1", "x"},
		{"https://soundcloud.com/artist/track", "soundcloud"},
		{"https://notyoutube.com/watch", "generic"},
		{"http://media.example.org/clip.mp4", "generic"},
	}
	for _, tt := range tests {
		p, err := reg.Resolve(tt.url)
		require.NoError(t, err, tt.url)
		require.Equal(t, tt.want, p.ID(), tt.url)
	}
	require.Equal(t, []string{"youtube", "vimeo", "tiktok", "instagram", "x", "soundcloud", "generic"}, reg.IDs())
}

func TestRegistryRejectsUnparseableURLs(t *testing.T) {
	t.Parallel()

	reg := newStandard(t, &fakeRunner{})
	for _, raw := range []string{"ftp://host/file", "not a url", "/relative/path", "https://", "://bad"} {
		_, err := reg.Resolve(raw)
		require.Error(t, err, raw)
		require.Equal(t, KindUnsupportedURL, KindOf(err), raw)
	}
}

func TestNewRegistryRequiresCatchAll(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{}
	_, err := NewRegistry(nil, YouTube(r))
	require.Error(t, err)

	reg, err := NewRegistry(nil, YouTube(r), NewGeneric(r, nil))
	require.NoError(t, err)
	require.Equal(t, []string{"youtube", "generic"}, reg.IDs())
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		provider string
		text     string
		want     Kind
	}{
		{"youtube", "ERROR: Sign in to confirm you're not a bot", KindNeedsVerification},
		{"youtube", "ERROR: HTTP Error 429: Too Many Requests", KindNeedsVerification},
		{"vimeo", "ERROR: HTTP Error 429: Too Many Requests", KindDownloadFailed},
		{"youtube", "ERROR: Private video. Sign in if you've been granted access", KindRestricted},
		{"youtube", "ERROR: Video unavailable", KindRestricted},
		{"tiktok", "ERROR: Your IP address is blocked from accessing this post", KindForbidden},
		{"generic", "ERROR: HTTP Error 403: Forbidden", KindForbidden},
		{"generic", "ERROR: Unsupported URL: https://example.com", KindUnsupportedURL},
		{"instagram", "ERROR: Requested content is not available, rate-limit reached or login required", KindNeedsVerification},
		{"x", "ERROR: NSFW tweet requires authentication", KindNeedsVerification},
		{"generic", "something nobody anticipated", KindUnknown},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, Classify(tt.provider, tt.text), tt.text)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("wrapped: %w", &FetchError{Kind: KindRestricted, Message: "private"})
	require.Equal(t, KindRestricted, KindOf(err))
	require.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	require.Equal(t, KindUnknown, KindOf(nil))
}

func TestExecutableDownloadSuccess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	out := filepath.Join(dir, "item.mp4")
	require.NoError(t, os.WriteFile(out, make([]byte, 2048), 0o600))
	r := &fakeRunner{result: fetch.Result{Stdout: "[download] 100%\n" + out + "\n"}}

	dl, err := YouTube(r).Download(context.Background(), "https://youtu.be/abc", DownloadOptions{
		OutputDir: dir, OutputName: "item", FormatHint: "mp4", QualityHint: "720p",
		Kind: batch.KindVideo, CookiesPath: "/secrets/cookies.txt",
	})
	require.NoError(t, err)
	require.Equal(t, out, dl.Path)
	require.Equal(t, "item.mp4", dl.Name)
	require.Equal(t, int64(2048), dl.Bytes)

	require.Len(t, r.invocations, 1)
	inv := r.invocations[0]
	require.Equal(t, filepath.Join(dir, "item.%(ext)s"), inv.OutputTemplate)
	require.Equal(t, "/secrets/cookies.txt", inv.Cookies)
	require.Contains(t, inv.Args, "bv*[height<=720]+ba/b[height<=720]")
	require.Contains(t, inv.Args, "--merge-output-format")
}

func TestExecutableDownloadClassifiesFailure(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{err: &fetch.ExitError{
		ExitCode: 1,
		Stderr:   "[youtube] abc: Downloading\nERROR: [youtube] abc: Sign in to confirm you're not a bot\n",
	}}
	_, err := YouTube(r).Download(context.Background(), "https://youtu.be/abc", DownloadOptions{OutputDir: t.TempDir()})

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, KindNeedsVerification, fe.Kind)
	require.Equal(t, "youtube", fe.Provider)
	require.Equal(t, "[youtube] abc: Sign in to confirm you're not a bot", fe.Message)
	require.Contains(t, fe.Diagnostic, "Downloading")
}

func TestExecutableDownloadTimeoutIsDownloadFailed(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{err: fmt.Errorf("fetch interrupted: %w", context.DeadlineExceeded)}
	_, err := Vimeo(r).Download(context.Background(), "https://vimeo.com/1", DownloadOptions{OutputDir: t.TempDir()})

	var fe *FetchError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, KindDownloadFailed, fe.Kind)
	require.Equal(t, "timed out", fe.Message)
}

func TestExecutableDownloadPassesCancellationThrough(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{err: fmt.Errorf("fetch interrupted: %w", context.Canceled)}
	_, err := Vimeo(r).Download(context.Background(), "https://vimeo.com/1", DownloadOptions{OutputDir: t.TempDir()})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, KindUnknown, KindOf(err))
}

func TestExecutableMetadata(t *testing.T) {
	t.Parallel()

	r := &fakeRunner{info: fetch.Info{Title: "Clip", Uploader: "someone", Duration: 90}}
	md, err := TikTok(r).FetchMetadata(context.Background(), "https://tiktok.com/@u/video/1", "/secrets/cookies.txt")
	require.NoError(t, err)
	require.Equal(t, []string{"/secrets/cookies.txt"}, r.infoCookies)
	require.Equal(t, "Clip", md.Title)
	require.Equal(t, "someone", md.Channel)
	require.Equal(t, 90*time.Second, md.Duration)

	r.infoErr = &fetch.ExitError{ExitCode: 1, Stderr: "ERROR: weird"}
	_, err = TikTok(r).FetchMetadata(context.Background(), "https://tiktok.com/@u/video/1", "")
	require.Equal(t, KindMetadataFailed, KindOf(err))
}

func TestFormatArgs(t *testing.T) {
	t.Parallel()

	require.Equal(t, []string{"-f", "ba/b", "-x", "--audio-format", "mp3"},
		FormatArgs(DownloadOptions{FormatHint: "mp3", Kind: batch.KindAudio}, false))
	require.Equal(t, []string{"-f", "ba/b", "-x", "--audio-format", "best"},
		FormatArgs(DownloadOptions{FormatHint: "mp4"}, true))
	require.Equal(t, []string{"-f", "bv*+ba/b"},
		FormatArgs(DownloadOptions{QualityHint: "best"}, false))
	require.Equal(t, []string{"-f", "bv*[height<=1080]+ba/b[height<=1080]", "--merge-output-format", "mkv"},
		FormatArgs(DownloadOptions{QualityHint: "1080", FormatHint: "mkv"}, false))
}

func TestQualityHeight(t *testing.T) {
	t.Parallel()

	h, err := QualityHeight("720p")
	require.NoError(t, err)
	require.Equal(t, 720, h)
	h, err = QualityHeight("4K")
	require.NoError(t, err)
	require.Equal(t, 2160, h)
	_, err = QualityHeight("ultra")
	require.Error(t, err)
}

func TestOpenGraphScrape(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head>
<title>Fallback title</title>
<meta property="og:title" content="Launch Video">
<meta property="og:site_name" content="Example Media">
<meta property="og:image" content="https://img.example/thumb.jpg">
<meta property="og:video:duration" content="125">
</head><body></body></html>`))
	}))
	defer srv.Close()

	md, err := NewOpenGraph(ScraperConfig{UserAgent: "batchd-test"}).Scrape(context.Background(), srv.URL+"/watch")
	require.NoError(t, err)
	require.Equal(t, "Launch Video", md.Title)
	require.Equal(t, "Example Media", md.Channel)
	require.Equal(t, "https://img.example/thumb.jpg", md.Thumbnail)
	require.Equal(t, 125*time.Second, md.Duration)
}

func TestOpenGraphScrapeFallsBackToTitleAndReportsErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><head><title> Plain Page </title></head></html>`))
	}))
	defer srv.Close()

	scraper := NewOpenGraph(ScraperConfig{})
	md, err := scraper.Scrape(context.Background(), srv.URL+"/page")
	require.NoError(t, err)
	require.Equal(t, "Plain Page", md.Title)

	_, err = scraper.Scrape(context.Background(), srv.URL+"/missing")
	require.Error(t, err)

	g := NewGeneric(&fakeRunner{}, scraper)
	_, err = g.FetchMetadata(context.Background(), srv.URL+"/missing", "")
	require.Equal(t, KindMetadataFailed, KindOf(err))

	r := &fakeRunner{info: fetch.Info{Title: "From dump"}}
	md, err = NewGeneric(r, nil).FetchMetadata(context.Background(), srv.URL+"/page", "/secrets/cookies.txt")
	require.NoError(t, err)
	require.Equal(t, "From dump", md.Title)
	require.Equal(t, []string{"/secrets/cookies.txt"}, r.infoCookies)
}
