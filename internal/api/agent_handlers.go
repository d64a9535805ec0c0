package api

import (
	"errors"
	"fmt"
	"net/http"

	"agentcast/internal/agent"
	"agentcast/internal/relay"
)

// agentSocket serves the persistent agent connection at
// /api/channels/{id}/agent. Authentication happens at connect time from
// the query parameter or headers; failures after the upgrade are reported
// as an error frame before the socket closes, since the HTTP status line
// is already gone.
func (h *Handler) agentSocket(w http.ResponseWriter, r *http.Request, channelID string) {
	if h.Agents == nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Errorf("agent connections disabled"))
		return
	}
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	secret := ExtractSecret(r)

	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		h.Logger.Debug("agent upgrade failed", "channel_id", channelID, "error", err)
		return
	}

	if secret == "" {
		agent.WriteError(socket, "channel secret required")
		_ = socket.Close()
		return
	}

	if _, err := h.Agents.Connect(channelID, secret, socket); err != nil {
		switch {
		case errors.Is(err, relay.ErrChannelNotFound):
			agent.WriteError(socket, fmt.Sprintf("channel %s not found", channelID))
		case errors.Is(err, relay.ErrSecretMismatch):
			agent.WriteError(socket, "channel secret mismatch")
		default:
			agent.WriteError(socket, "connection rejected")
		}
		_ = socket.Close()
		return
	}
}
