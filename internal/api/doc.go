// Package api hosts the HTTP server, middleware and REST handlers for batch
// collaborators. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/batches to submit a batch, plus start, cancel, item listing
//     and archive download under /v1/batches/{id}.
//
// Owner and plan are taken from the X-Owner-ID and X-Plan headers set by the
// upstream gateway.
package api
