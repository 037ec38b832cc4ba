// Package webhook POSTs terminal batch events to the batch callback URL.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/batchd/internal/batch"
)

// Config controls outbound delivery.
type Config struct {
	Timeout   time.Duration
	UserAgent string
}

// Notifier delivers events with a single attempt.
type Notifier struct {
	client    *http.Client
	userAgent string
}

// New creates a Notifier with a bounded HTTP client.
func New(cfg Config) *Notifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ua := cfg.UserAgent
	if ua == "" {
		ua = "batchd-webhook"
	}
	return &Notifier{client: &http.Client{Timeout: timeout}, userAgent: ua}
}

// Notify implements batch.Notifier. Batches without a callback are skipped.
func (n *Notifier) Notify(ctx context.Context, b batch.Batch, ev batch.Event) error {
	if b.CallbackURL == "" {
		return nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", n.userAgent)
	req.Header.Set("X-Batchd-Event", ev.Event)

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s", resp.Status)
	}
	return nil
}
