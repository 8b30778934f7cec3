// Package api hosts the status server for a running harvester. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress and /v1/progress/{component} for the latest status of
//     the loader, each worker and the deduplicator.
//   - GET /v1/stats for record counts and queue depth.
package api
