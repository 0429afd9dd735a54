// Package api hosts the HTTP server, middleware, and REST handlers for job
// intake. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to submit one job object or an array of them.
//   - GET /v1/jobs/{job_id} for job status.
package api
