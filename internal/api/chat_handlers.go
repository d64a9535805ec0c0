package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type sendChatRequest struct {
	Author  string `json:"author"`
	Content string `json:"content"`
	// Advisory only: the server derives the real value from whether a
	// valid channel secret accompanied the request.
	IsAgent bool `json:"isAgent"`
}

func (h *Handler) chat(w http.ResponseWriter, r *http.Request, channelID string) {
	switch r.Method {
	case http.MethodPost:
		h.sendChat(w, r, channelID)
	case http.MethodGet:
		h.recentChat(w, r, channelID)
	default:
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
	}
}

func (h *Handler) sendChat(w http.ResponseWriter, r *http.Request, channelID string) {
	if _, ok := h.Service.Registry().Get(channelID); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", channelID))
		return
	}
	var req sendChatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Content) == "" {
		writeError(w, http.StatusUnprocessableEntity, fmt.Errorf("content is required"))
		return
	}

	isAgent := false
	if secret := ExtractSecret(r); secret != "" {
		isAgent = h.Service.Registry().ValidateSecret(channelID, secret)
	}

	message, err := h.Service.SendChat(r.Context(), channelID, req.Author, req.Content, isAgent)
	if err != nil {
		writeError(w, statusFromError(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, message)
}

func (h *Handler) recentChat(w http.ResponseWriter, r *http.Request, channelID string) {
	if _, ok := h.Service.Registry().Get(channelID); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", channelID))
		return
	}

	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		limit = parsed
	}

	var since time.Time
	if raw := strings.TrimSpace(r.URL.Query().Get("since")); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid since %q: expected RFC 3339", raw))
			return
		}
		since = parsed
	}

	writeJSON(w, http.StatusOK, h.Service.RecentChat(channelID, limit, since))
}
