// Package api defines the wire types of the teamflow HTTP API.
//
// # API Overview
//
// teamflow exposes one multi-agent team over HTTP:
//   - POST /api/chat/stream streams output events as Server-Sent Events
//   - GET /api/chat/ws streams the same events over a WebSocket
//   - GET /api/workflows lists recorded runs (requires a database)
//   - GET /api/workflows/{id}/events replays archived events (requires Redis)
//   - /health, /healthz, /ready and /version for probes
//
// # Authentication
//
// When API keys are configured every /api route requires the X-API-Key header:
//
//	X-API-Key: your-api-key
//
// JWT bearer tokens are accepted instead when jwt.enabled is set.
//
// # Base URL
//
//	http://localhost:8000
package api
