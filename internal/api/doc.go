// Package api hosts the HTTP server, middleware, and JSON handlers the curation
// front end and operators use. Notable routes:
//   - GET /healthz and /readyz (store ping) for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/events, GET /v1/events/{id}, PATCH /v1/events/{id}/status for browsing and curation.
//   - POST /v1/events/{id}/subscribe and POST /v1/subscriptions for visitor interest.
//   - POST /v1/runs, GET /v1/runs, GET /v1/runs/last for ingestion runs.
package api
