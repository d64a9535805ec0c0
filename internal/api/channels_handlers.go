package api

import (
	"fmt"
	"net/http"
	"strings"

	"agentcast/internal/models"
	"agentcast/internal/relay"
)

type registerChannelRequest struct {
	Name     string            `json:"name"`
	Category string            `json:"category"`
	AgentID  string            `json:"agentId"`
	Metadata map[string]string `json:"metadata"`
}

type registerChannelResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category,omitempty"`
	AgentID  string `json:"agentId,omitempty"`
	APIKey   string `json:"apiKey"`
	Status   string `json:"status"`
}

type channelDetailResponse struct {
	models.Channel
	Viewers int `json:"viewers"`
}

// Channels handles the collection endpoints: registration and directory
// listing.
func (h *Handler) Channels(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req registerChannelRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		channel, secret, err := h.Service.Registry().Register(relay.RegisterParams{
			Name:     req.Name,
			Category: req.Category,
			AgentID:  req.AgentID,
			Metadata: req.Metadata,
		})
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		h.Logger.Info("channel registered", "channel_id", channel.ID, "name", channel.Name)
		writeJSON(w, http.StatusCreated, registerChannelResponse{
			ID:       channel.ID,
			Name:     channel.Name,
			Category: channel.Category,
			AgentID:  channel.AgentID,
			APIKey:   secret,
			Status:   channel.Status,
		})
	case http.MethodGet:
		filter := relay.ListFilter{
			Status:   strings.TrimSpace(r.URL.Query().Get("status")),
			Category: strings.TrimSpace(r.URL.Query().Get("category")),
		}
		writeJSON(w, http.StatusOK, h.Service.Registry().List(filter))
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

// ChannelByID routes /api/channels/{id} and its subresources.
func (h *Handler) ChannelByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/channels/")
	parts := strings.Split(path, "/")
	for len(parts) > 1 && parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("channel id missing"))
		return
	}
	channelID := parts[0]

	if len(parts) == 1 {
		h.channelRoot(w, r, channelID)
		return
	}

	switch strings.Join(parts[1:], "/") {
	case "heartbeat":
		h.heartbeat(w, r, channelID)
	case "events":
		h.pushEvents(w, r, channelID)
	case "chat":
		h.chat(w, r, channelID)
	case "stream":
		h.streamEvents(w, r, channelID)
	case "chat/stream":
		h.streamChat(w, r, channelID)
	case "agent":
		h.agentSocket(w, r, channelID)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown channel resource %q", strings.Join(parts[1:], "/")))
	}
}

func (h *Handler) channelRoot(w http.ResponseWriter, r *http.Request, channelID string) {
	switch r.Method {
	case http.MethodGet:
		channel, ok := h.Service.Registry().Get(channelID)
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", channelID))
			return
		}
		writeJSON(w, http.StatusOK, channelDetailResponse{
			Channel: channel,
			Viewers: h.Service.Presence().Count(channelID),
		})
	case http.MethodDelete:
		secret, ok := h.requireSecret(w, r, channelID)
		if !ok {
			return
		}
		removed, err := h.Service.Deregister(channelID, secret)
		if err != nil {
			writeError(w, statusFromError(err), err)
			return
		}
		if !removed {
			writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", channelID))
			return
		}
		if h.Agents != nil {
			h.Agents.Disconnect(channelID)
		}
		h.Logger.Info("channel deregistered", "channel_id", channelID)
		writeJSON(w, http.StatusOK, map[string]bool{"removed": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request, channelID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	secret, ok := h.requireSecret(w, r, channelID)
	if !ok {
		return
	}
	if err := h.Service.Registry().Heartbeat(channelID, secret); err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": models.StatusLive})
}

type pushEventsRequest struct {
	Events []relay.EventInput `json:"events"`
}

func (h *Handler) pushEvents(w http.ResponseWriter, r *http.Request, channelID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.requireSecret(w, r, channelID); !ok {
		return
	}
	var req pushEventsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Events) == 0 {
		writeError(w, http.StatusUnprocessableEntity, fmt.Errorf("events array is required"))
		return
	}
	pushed, err := h.Service.PushEvents(r.Context(), channelID, req.Events)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	// An authenticated push is as good a liveness signal as a heartbeat.
	h.Service.Registry().RefreshHeartbeat(channelID)
	writeJSON(w, http.StatusOK, map[string]int{"pushed": pushed})
}
