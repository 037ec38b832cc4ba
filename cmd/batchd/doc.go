// Package main hosts the batchd entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts batch submissions, start and cancel requests, progress reads and
//     archive downloads. The owner and plan come from gateway headers.
//   - Admission: internal/admission.Controller checks plan limits, source policy, concurrency, monthly credits and
//     queue backlog in a fixed order before charging credits and persisting the batch.
//   - Lanes: started batches are enqueued on their plan's lane (memory or Redis). The dispatcher runs a fixed
//     worker pool per lane; each worker runs one batch at a time with bounded per-batch item concurrency.
//   - Execution: items run the fetch executable through their provider with per-host throttling, one credential
//     refresh retry on verification failures, and artifact upload to the object store (memory/local/GCS).
//   - Finalization: once every item is terminal the batch is completed or failed, multi-item results are zipped,
//     and the outcome is posted to the callback URL and published to Pub/Sub or Kafka.
//
// Commands:
//   - batchd serve --config config.yaml runs the API, dispatcher and retention sweeper until SIGINT/SIGTERM.
//   - batchd migrate applies the Postgres schema.
//   - batchd version prints build information.
//
// Configuration is read from the optional YAML file and BATCHD_* environment variables
// (e.g. BATCHD_DATABASE_DSN, BATCHD_QUEUE_BACKEND, BATCHD_STORAGE_BACKEND).
package main
