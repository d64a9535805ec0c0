// Package server hosts the relay's HTTP surface from a single server.
//
// The server builds a consistent middleware chain of CORS, request IDs,
// metrics, and logging so handlers all share common protections and
// instrumentation, and keeps the connection wrappers transparent to SSE
// flushing and WebSocket upgrades.
package server
