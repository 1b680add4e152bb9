// Package api hosts the HTTP server, middleware, and REST handlers. Notable
// routes:
//   - GET /healthz and /readyz for probes; readyz pings the queue and store.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/units/{unit_id}/start and /stop, GET /v1/units/{unit_id}/status
//     for the audit lifecycle. These require an authenticated owner.
package api
