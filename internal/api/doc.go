// Package api hosts the HTTP server, middleware, and REST handlers for operator
// and upstream access. Notable routes:
//   - GET /healthz for liveness checks.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/events for page_added, content_modified and page_removed.
//   - GET /v1/status, GET /v1/runs for state counts and run history.
//   - POST /v1/reconcile, POST /v1/redrain for operator repairs.
package api
