// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /api/fundraising for the paginated project listing, plus
//     /api/fundraising/projects/{id}/investments for a project's edges.
//   - GET /api/fundraising/status and POST /api/fundraising/status/reset for
//     crawl state.
//   - POST /api/fundraising/crawl/{type} to start a crawl type.
package api
