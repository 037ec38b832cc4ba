// Package metrics exposes Prometheus collectors for the batch engine.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	admissionsTotal            *prometheus.CounterVec
	itemsTotal                 *prometheus.CounterVec
	itemAttemptDuration        *prometheus.HistogramVec
	artifactBytesTotal         *prometheus.CounterVec
	credentialRefreshesTotal   *prometheus.CounterVec
	batchesFinalizedTotal      *prometheus.CounterVec
	activeWorkers              *prometheus.GaugeVec
	laneDepth                  *prometheus.GaugeVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		admissionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchd_admissions_total",
				Help: "Batch admission attempts, labeled by result code.",
			},
			[]string{"result"},
		)

		itemsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchd_items_total",
				Help: "Items that reached a terminal state, labeled by provider and status.",
			},
			[]string{"provider", "status"},
		)

		itemAttemptDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batchd_item_attempt_duration_seconds",
				Help:    "Duration of a single fetch attempt.",
				Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"provider"},
		)

		artifactBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchd_artifact_bytes_total",
				Help: "Bytes of resolved artifacts, labeled by provider.",
			},
			[]string{"provider"},
		)

		credentialRefreshesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchd_credential_refreshes_total",
				Help: "Credential refreshes executed, labeled by result.",
			},
			[]string{"result"},
		)

		batchesFinalizedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "batchd_batches_finalized_total",
				Help: "Batches closed, labeled by terminal status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "batchd_active_workers",
				Help: "Lane workers currently processing a batch.",
			},
			[]string{"lane"},
		)

		laneDepth = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "batchd_lane_depth",
				Help: "Lane backlog, labeled by lane and state (waiting or delayed).",
			},
			[]string{"lane", "state"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "batchd_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host fetch limiter.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"host"},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeHost extracts a lowercase hostname from a URL for use as a label.
// It returns "unknown" if the URL is invalid.
func SanitizeHost(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAdmission counts an admission outcome. Accepted batches use "accepted".
func ObserveAdmission(result string) {
	Init()
	admissionsTotal.WithLabelValues(result).Inc()
}

// ObserveItem counts an item reaching a terminal status.
func ObserveItem(provider, status string) {
	Init()
	itemsTotal.WithLabelValues(provider, status).Inc()
}

// ObserveAttempt records one fetch attempt duration.
func ObserveAttempt(provider string, d time.Duration) {
	Init()
	itemAttemptDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ObserveArtifactBytes adds resolved artifact bytes.
func ObserveArtifactBytes(provider string, n int64) {
	Init()
	if n > 0 {
		artifactBytesTotal.WithLabelValues(provider).Add(float64(n))
	}
}

// ObserveCredentialRefresh counts a refresh by result ("ok" or "error").
func ObserveCredentialRefresh(result string) {
	Init()
	credentialRefreshesTotal.WithLabelValues(result).Inc()
}

// ObserveFinalized counts a batch closing with status.
func ObserveFinalized(status string) {
	Init()
	batchesFinalizedTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge for lane.
func IncActiveWorkers(lane string) {
	Init()
	activeWorkers.WithLabelValues(lane).Inc()
}

// DecActiveWorkers decrements the active workers gauge for lane.
func DecActiveWorkers(lane string) {
	Init()
	activeWorkers.WithLabelValues(lane).Dec()
}

// SetLaneDepth publishes the waiting and delayed backlog of lane.
func SetLaneDepth(lane string, waiting, delayed int64) {
	Init()
	laneDepth.WithLabelValues(lane, "waiting").Set(float64(waiting))
	laneDepth.WithLabelValues(lane, "delayed").Set(float64(delayed))
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(host string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(host).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
