// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/scheduler/status, POST /v1/scheduler/start and
//     POST /v1/scheduler/stop to control the admission loop.
//   - GET /v1/hosts/{host} for per-host rate controller state.
//   - GET /v1/items/{item_id} for a persisted work item.
package api
