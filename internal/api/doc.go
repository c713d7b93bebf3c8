// Package api hosts the operator HTTP server that runs alongside a harvest.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/runs and /api/runs/{run_id} for live run progress.
package api
