// Package fetch supervises the external media fetch executable.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxCapture bounds the stdout and stderr text kept per invocation.
const maxCapture = 8 << 10

// maxLine forces a flush of unterminated output.
const maxLine = 1 << 20

var progressPattern = regexp.MustCompile(`^\[download\]\s+(\d+(?:\.\d+)?)%`)

// Config controls how the executable is launched.
type Config struct {
	Binary    string
	ExtraArgs []string
	// WaitDelay bounds how long Wait blocks on output pipes after the process
	// is killed.
	WaitDelay time.Duration
}

// Invocation is one run of the executable against a URL.
type Invocation struct {
	URL            string
	Args           []string
	OutputTemplate string
	Cookies        string
	// Progress receives download percentages parsed from output lines.
	Progress func(percent float64)
	// Stdout, when set, receives the raw stdout stream instead of the
	// capped line capture.
	Stdout io.Writer
}

// Result is the captured output of a finished run.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError reports a non-zero exit. Stderr holds the captured tail used for
// failure classification.
type ExitError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("fetch exited with code %d: %s", e.ExitCode, LastLine(e.Stderr))
}

func (e *ExitError) Unwrap() error { return e.Err }

// Runner launches the fetch executable.
type Runner struct {
	cfg    Config
	logger *zap.Logger
}

// NewRunner constructs a Runner. An empty binary defaults to yt-dlp.
func NewRunner(cfg Config, logger *zap.Logger) *Runner {
	if cfg.Binary == "" {
		cfg.Binary = "yt-dlp"
	}
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{cfg: cfg, logger: logger.Named("fetch")}
}

// Run executes one invocation. The process is killed when ctx is done, in
// which case the returned error wraps ctx.Err().
func (r *Runner) Run(ctx context.Context, inv Invocation) (Result, error) {
	args := r.buildArgs(inv)
	cmd := exec.CommandContext(ctx, r.cfg.Binary, args...)
	cmd.WaitDelay = r.cfg.WaitDelay

	var outBuf, errBuf capture
	onLine := func(dst *capture) func(string) {
		return func(line string) {
			dst.append(line)
			if inv.Progress != nil {
				if pct, ok := ParseProgress(line); ok {
					inv.Progress(pct)
				}
			}
		}
	}
	stdout := &lineWriter{onLine: onLine(&outBuf)}
	stderr := &lineWriter{onLine: onLine(&errBuf)}
	if inv.Stdout != nil {
		cmd.Stdout = inv.Stdout
	} else {
		cmd.Stdout = stdout
	}
	cmd.Stderr = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("start %s: %w", r.cfg.Binary, err)
	}
	waitErr := cmd.Wait()
	stdout.flush()
	stderr.flush()

	res := Result{Stdout: outBuf.String(), Stderr: errBuf.String(), ExitCode: -1}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	r.logger.Debug("fetch finished",
		zap.String("url", inv.URL),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("elapsed", time.Since(start)),
	)

	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("fetch %s interrupted: %w", inv.URL, ctxErr)
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return res, &ExitError{ExitCode: res.ExitCode, Stderr: res.Stderr, Err: waitErr}
		}
		return res, fmt.Errorf("wait %s: %w", r.cfg.Binary, waitErr)
	}
	return res, nil
}

// Info is the subset of the executable's JSON metadata the service uses.
type Info struct {
	ID        string  `json:"id"`
	Title     string  `json:"title"`
	Uploader  string  `json:"uploader"`
	Channel   string  `json:"channel"`
	Duration  float64 `json:"duration"`
	Thumbnail string  `json:"thumbnail"`
	Ext       string  `json:"ext"`
}

// DumpJSON fetches metadata without downloading media.
func (r *Runner) DumpJSON(ctx context.Context, rawURL, cookies string) (Info, error) {
	var stdout bytes.Buffer
	_, err := r.Run(ctx, Invocation{
		URL:     rawURL,
		Args:    []string{"--dump-single-json", "--skip-download", "--no-warnings"},
		Cookies: cookies,
		Stdout:  &stdout,
	})
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return Info{}, fmt.Errorf("decode metadata for %s: %w", rawURL, err)
	}
	return info, nil
}

func (r *Runner) buildArgs(inv Invocation) []string {
	args := make([]string, 0, len(r.cfg.ExtraArgs)+len(inv.Args)+6)
	args = append(args, r.cfg.ExtraArgs...)
	args = append(args, inv.Args...)
	if inv.Cookies != "" {
		args = append(args, "--cookies", inv.Cookies)
	}
	if inv.OutputTemplate != "" {
		args = append(args, "-o", inv.OutputTemplate)
	}
	return append(args, "--", inv.URL)
}

// ParseProgress extracts the percentage from a "[download]  NN.N%" line.
func ParseProgress(line string) (float64, bool) {
	m := progressPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return 0, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, false
	}
	return pct, true
}

// capture keeps the last maxCapture bytes of the lines appended to it.
type capture struct {
	mu  sync.Mutex
	buf []byte
}

func (c *capture) append(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(c.buf, line...)
	c.buf = append(c.buf, '\n')
	if over := len(c.buf) - maxCapture; over > 0 {
		c.buf = append(c.buf[:0], c.buf[over:]...)
	}
}

func (c *capture) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}

// lineWriter splits written bytes into lines on CR or LF. Progress output
// rewrites a single line with CR, so both count as terminators.
type lineWriter struct {
	pending []byte
	onLine  func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.pending = append(w.pending, p...)
	for {
		advance, token, _ := splitByNewlineOrCR(w.pending, false)
		if advance == 0 {
			break
		}
		if token != nil {
			w.onLine(string(token))
		}
		w.pending = w.pending[advance:]
	}
	if len(w.pending) > maxLine {
		w.flush()
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	if len(w.pending) > 0 {
		w.onLine(string(w.pending))
	}
	w.pending = nil
}

func splitByNewlineOrCR(data []byte, atEOF bool) (int, []byte, error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// LastLine returns the last non-empty line of captured output.
func LastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return ""
}
