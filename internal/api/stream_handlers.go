package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type connectedFrame struct {
	ChannelID string `json:"channelId"`
	Viewers   int    `json:"viewers"`
}

// streamEvents serves GET /api/channels/{id}/stream: an SSE feed of the
// channel's fan-out events. Presence is incremented for the lifetime of
// the connection.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, channelID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.Service.Registry().Get(channelID); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", channelID))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	sub := h.Service.Events().Subscribe(channelID)
	defer sub.Close()

	viewers := h.Service.Presence().Increment(channelID)
	h.Metrics.ViewerConnected()
	defer func() {
		h.Service.Presence().Decrement(channelID)
		h.Metrics.ViewerDisconnected()
	}()

	setStreamHeaders(w)
	writeSSE(w, "connected", connectedFrame{ChannelID: channelID, Viewers: viewers})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			writeSSE(w, "event", event)
			flusher.Flush()
		}
	}
}

// streamChat serves GET /api/channels/{id}/chat/stream, the chat
// counterpart of streamEvents.
func (h *Handler) streamChat(w http.ResponseWriter, r *http.Request, channelID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if _, ok := h.Service.Registry().Get(channelID); !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("channel %s not found", channelID))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	sub := h.Service.Chat().Subscribe(channelID)
	defer sub.Close()

	viewers := h.Service.Presence().Increment(channelID)
	h.Metrics.ViewerConnected()
	defer func() {
		h.Service.Presence().Decrement(channelID)
		h.Metrics.ViewerDisconnected()
	}()

	setStreamHeaders(w)
	writeSSE(w, "connected", connectedFrame{ChannelID: channelID, Viewers: viewers})
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case message, ok := <-sub.Messages():
			if !ok {
				return
			}
			writeSSE(w, "chat", message)
			flusher.Flush()
		}
	}
}

func setStreamHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSE(w http.ResponseWriter, event string, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", payload)
}
