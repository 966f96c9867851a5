// Package api serves the agent's REST endpoints under /api/v1, plus the
// Prometheus exposition and WebSocket stream on the same router.
package api
