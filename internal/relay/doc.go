// Package relay implements the in-memory relay core: channel registry with
// liveness sweeping, viewer presence accounting, and per-channel fan-out of
// stream events and chat with a bounded rolling chat history.
//
// All state is process-local and memory-resident. Agents re-register after a
// restart; durability is intentionally out of scope.
package relay
