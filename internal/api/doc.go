// Package api hosts the operator HTTP server. Notable routes:
//   - GET /healthz and /readyz for Kubernetes health checks. Readiness follows the
//     instance heartbeat.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/units, /v1/units/summary and /v1/units/{id} for the ledger's
//     work units, including the failed ones needing attention.
//   - GET /v1/records/{host}/{native_id} for a stored repository record.
//   - GET /v1/instances and /v1/budgets for fleet and host budget state.
package api
