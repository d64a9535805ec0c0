// Package api hosts the HTTP handlers fronting the relay: channel
// registration and directory, event ingestion, chat, SSE viewer streams,
// and the agent WebSocket endpoint.
//
// Handlers coordinate request validation and response shaping while
// delegating all state to the relay.Service and agent.Manager injected at
// construction time; the package does not reach for globals and expects
// callers to supply fully configured dependencies. Upstream middleware
// from internal/server enforces CORS, metrics, request IDs, and logging,
// so handlers avoid duplicating those concerns.
package api
