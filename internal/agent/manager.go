package agent

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"agentcast/internal/observability/metrics"
	"agentcast/internal/relay"
)

const (
	DefaultPingInterval   = 30 * time.Second
	DefaultReconnectGrace = 30 * time.Second
)

// ManagerConfig configures the agent connection manager.
type ManagerConfig struct {
	Service        *relay.Service
	PingInterval   time.Duration
	ReconnectGrace time.Duration
	Logger         *slog.Logger
	Metrics        *metrics.Recorder
}

// Manager holds the single authoritative agent connection per channel.
// Superseding an existing connection is always explicit-close-then-replace
// under the manager lock, and close handlers verify they still own the
// active slot before tearing anything down, so a stale close from a
// replaced connection can never evict its successor.
type Manager struct {
	service        *relay.Service
	pingInterval   time.Duration
	reconnectGrace time.Duration
	logger         *slog.Logger
	metrics        *metrics.Recorder

	mu          sync.Mutex
	active      map[string]*Connection
	graceTimers map[string]*time.Timer
}

// NewManager constructs a Manager, filling unset intervals with defaults.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	pingInterval := cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	grace := cfg.ReconnectGrace
	if grace <= 0 {
		grace = DefaultReconnectGrace
	}
	return &Manager{
		service:        cfg.Service,
		pingInterval:   pingInterval,
		reconnectGrace: grace,
		logger:         logger,
		metrics:        recorder,
		active:         make(map[string]*Connection),
		graceTimers:    make(map[string]*time.Timer),
	}
}

// Connect authenticates the socket against the channel's secret and, on
// success, installs it as the channel's active connection. Any previous
// connection is closed here, before the new one takes the slot; a fast
// reconnect also cancels the pending offline-grace timer. Returns
// relay.ErrChannelNotFound or relay.ErrSecretMismatch on failure, in
// which case the caller still owns the socket.
func (m *Manager) Connect(channelID, secret string, socket Socket) (*Connection, error) {
	channel, ok := m.service.Registry().Get(channelID)
	if !ok {
		return nil, relay.ErrChannelNotFound
	}
	if !m.service.Registry().ValidateSecret(channelID, secret) {
		return nil, relay.ErrSecretMismatch
	}

	conn := newConnection(channelID, socket, m, m.logger)
	// Subscribe before installing so shutdown, whenever it runs, always
	// has a subscription to release.
	conn.chatSub = m.service.Chat().Subscribe(channelID)

	m.mu.Lock()
	if timer, ok := m.graceTimers[channelID]; ok {
		timer.Stop()
		delete(m.graceTimers, channelID)
	}
	if prev, ok := m.active[channelID]; ok {
		// Close the superseded connection while holding the lock so its
		// close handler, which also takes the lock, runs after the new
		// connection is installed and fails the identity check below.
		prev.shutdown()
		m.metrics.AgentSuperseded()
		m.logger.Info("agent connection superseded", "channel_id", channelID)
	}
	m.active[channelID] = conn
	m.mu.Unlock()

	m.service.Registry().RefreshHeartbeat(channelID)
	m.service.Registry().MarkLive(channelID)
	m.metrics.AgentConnected()

	go conn.forwardChat()
	go conn.writePump(m.pingInterval)
	go conn.readLoop()

	if data, err := json.Marshal(connectedPayload{ChannelID: channel.ID}); err == nil {
		conn.Enqueue(Frame{Type: FrameConnected, Data: data})
	}

	m.logger.Info("agent connected", "channel_id", channelID, "channel_name", channel.Name)
	return conn, nil
}

// handleClose runs when a connection's read loop ends. The identity check
// against the active slot is load-bearing: when a connection was replaced,
// its close must not clear the successor's entry or start a grace timer.
func (m *Manager) handleClose(conn *Connection) {
	conn.shutdown()

	m.mu.Lock()
	if m.active[conn.channelID] != conn {
		m.mu.Unlock()
		return
	}
	delete(m.active, conn.channelID)
	m.startGraceTimerLocked(conn.channelID)
	m.mu.Unlock()

	m.metrics.AgentDisconnected()
	m.logger.Info("agent disconnected", "channel_id", conn.channelID, "grace", m.reconnectGrace)
}

// startGraceTimerLocked arms the offline-grace timer. Callers hold m.mu.
func (m *Manager) startGraceTimerLocked(channelID string) {
	var timer *time.Timer
	timer = time.AfterFunc(m.reconnectGrace, func() {
		m.mu.Lock()
		if m.graceTimers[channelID] != timer {
			m.mu.Unlock()
			return
		}
		delete(m.graceTimers, channelID)
		m.mu.Unlock()

		m.service.Registry().MarkOffline(channelID)
		m.logger.Info("agent grace expired, channel offline", "channel_id", channelID)
	})
	m.graceTimers[channelID] = timer
}

// Disconnect tears down the channel's connection immediately, without a
// grace window. Used when the channel itself is being removed.
func (m *Manager) Disconnect(channelID string) {
	m.mu.Lock()
	if timer, ok := m.graceTimers[channelID]; ok {
		timer.Stop()
		delete(m.graceTimers, channelID)
	}
	conn, ok := m.active[channelID]
	if ok {
		delete(m.active, channelID)
	}
	m.mu.Unlock()

	if ok {
		conn.shutdown()
		m.metrics.AgentDisconnected()
	}
}

// Active reports whether the channel currently has a live agent connection.
func (m *Manager) Active(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[channelID]
	return ok
}

// ActiveCount reports how many channels have a live agent connection.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Shutdown closes every connection and cancels every pending timer.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*Connection, 0, len(m.active))
	for id, conn := range m.active {
		conns = append(conns, conn)
		delete(m.active, id)
	}
	for id, timer := range m.graceTimers {
		timer.Stop()
		delete(m.graceTimers, id)
	}
	m.mu.Unlock()

	for _, conn := range conns {
		conn.shutdown()
	}
}
