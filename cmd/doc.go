// Package cmd defines the CLI commands for the scraper executable.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts job records on POST /v1/jobs (one object or an array), validates them,
//     records them as queued in the JobStore and enqueues them. GET /v1/jobs/{job_id} reports status; /healthz,
//     /readyz and /metrics serve probes and Prometheus.
//   - Queue & workers: records flow through the configured queue (memory channel, Pub/Sub subscription or a Redis
//     list with an in-flight list) to a fixed worker pool sized by worker.concurrency. A worker acknowledges a record
//     only after its result is published; shutdown leaves the record for redelivery.
//   - Browser: every worker shares one Chrome process owned by internal/browser.Manager. It is launched lazily through
//     a leased proxy (up to browser.proxy_attempts tries, then direct), probed on each acquire and pinged by a
//     keep-alive task. Jobs only ever open and close pages.
//   - Scrape pipeline: a page session paces navigation per host and blocks heavy resources; wikipedia pages are
//     waited on until streamed content settles, news pages get a short pause. Long-form markdown, https links and a
//     full-page screenshot are extracted; the screenshot goes to the BlobStore (memory, local or GCS with local
//     fallback).
//   - Results: a result message per job is published to results.topic with a content hash and W3C trace context.
//
// Operational notes:
//   - serve runs API and workers in one process; worker runs consumers only, for scale-out behind a shared queue.
//   - Configuration comes from --config plus SCRAPER_* environment overrides, e.g. SCRAPER_QUEUE_DRIVER=redis.
//   - The process drains on SIGINT/SIGTERM: the HTTP server stops, in-flight jobs are interrupted and requeued, then
//     the browser, queue and publishers are closed.
package cmd
