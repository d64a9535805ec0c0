package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"agentcast/internal/agent"
	"agentcast/internal/observability/metrics"
	"agentcast/internal/relay"
)

// Handler bundles the relay service and agent connection manager behind
// the HTTP surface.
type Handler struct {
	Service  *relay.Service
	Agents   *agent.Manager
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
	upgrader websocket.Upgrader
}

// NewHandler wires a Handler. The agent manager is optional; without one
// the agent WebSocket endpoint responds 503.
func NewHandler(service *relay.Service, agents *agent.Manager, logger *slog.Logger, recorder *metrics.Recorder) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}
	return &Handler{
		Service: service,
		Agents:  agents,
		Logger:  logger,
		Metrics: recorder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Agents authenticate with the channel secret; browser-origin
			// checks do not apply to them.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

type healthResponse struct {
	Status   string `json:"status"`
	Channels int    `json:"channels"`
	Viewers  int    `json:"viewers"`
	Agents   int    `json:"agents"`
	Bridge   bool   `json:"bridge"`
	Time     string `json:"time"`
}

// Health reports liveness plus a small amount of relay state.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	agents := 0
	if h.Agents != nil {
		agents = h.Agents.ActiveCount()
	}
	writeJSON(w, http.StatusOK, healthResponse{
		Status:   "ok",
		Channels: h.Service.Registry().Len(),
		Viewers:  h.Service.Presence().Total(),
		Agents:   agents,
		Bridge:   h.Service.Bridge().Enabled(),
		Time:     time.Now().UTC().Format(time.RFC3339),
	})
}
