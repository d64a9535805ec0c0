// Package agent owns the persistent agent connections: one authoritative
// socket per channel, keep-alive pings, inbound frame dispatch, and the
// offline-grace state machine that smooths over reconnects.
package agent

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"agentcast/internal/relay"
)

// Socket abstracts the transport under a connection. *websocket.Conn
// satisfies it; tests substitute in-memory fakes.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Frame is the JSON envelope exchanged with agents in both directions.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound frame types.
const (
	FrameEvent  = "event"
	FrameEvents = "events"
	FrameChat   = "chat"
	FramePong   = "pong"
)

// Outbound frame types.
const (
	FrameConnected = "connected"
	FramePing      = "ping"
	FrameError     = "error"
)

// textMessage mirrors websocket.TextMessage without importing the package
// here; the transport constant is part of the Socket contract.
const textMessage = 1

const sendBuffer = 16

type chatFrame struct {
	Content string `json:"content"`
	Author  string `json:"author,omitempty"`
}

// Connection is one live agent socket. All writes to the socket are
// funneled through the send channel and writePump, so the transport sees
// a single writer.
type Connection struct {
	channelID string
	socket    Socket
	manager   *Manager
	chatSub   *relay.ChatSubscription
	send      chan Frame
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newConnection(channelID string, socket Socket, manager *Manager, logger *slog.Logger) *Connection {
	return &Connection{
		channelID: channelID,
		socket:    socket,
		manager:   manager,
		send:      make(chan Frame, sendBuffer),
		done:      make(chan struct{}),
		logger:    logger,
	}
}

// ChannelID reports which channel this connection serves.
func (c *Connection) ChannelID() string {
	return c.channelID
}

// Done closes when the connection has fully shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Enqueue queues a frame for delivery, dropping it when the connection is
// closing or the send buffer is full.
func (c *Connection) Enqueue(frame Frame) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		c.logger.Warn("agent send buffer full, dropping frame", "channel_id", c.channelID, "frame_type", frame.Type)
	}
}

// shutdown closes the socket and releases the chat subscription. Safe to
// call from any goroutine, any number of times.
func (c *Connection) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.chatSub != nil {
			c.chatSub.Close()
		}
		if err := c.socket.Close(); err != nil {
			c.logger.Debug("agent socket close", "channel_id", c.channelID, "error", err)
		}
	})
}

// writePump is the sole socket writer: queued frames plus the periodic
// keep-alive ping.
func (c *Connection) writePump(pingInterval time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.writeFrame(frame); err != nil {
				c.logger.Debug("agent write failed", "channel_id", c.channelID, "error", err)
				c.shutdown()
				return
			}
		case <-ticker.C:
			if err := c.writeFrame(Frame{Type: FramePing}); err != nil {
				c.logger.Debug("agent ping failed", "channel_id", c.channelID, "error", err)
				c.shutdown()
				return
			}
		}
	}
}

func (c *Connection) writeFrame(frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	return c.socket.WriteMessage(textMessage, payload)
}

// readLoop consumes inbound frames until the socket errors, then hands
// teardown to the manager. Every frame, whatever its type, counts as a
// heartbeat.
func (c *Connection) readLoop() {
	defer c.manager.handleClose(c)
	for {
		_, payload, err := c.socket.ReadMessage()
		if err != nil {
			return
		}
		c.manager.service.Registry().RefreshHeartbeat(c.channelID)
		c.manager.service.Registry().MarkLive(c.channelID)

		var frame Frame
		if err := json.Unmarshal(payload, &frame); err != nil {
			c.logger.Debug("agent frame malformed", "channel_id", c.channelID, "error", err)
			continue
		}
		c.dispatch(frame)
	}
}

func (c *Connection) dispatch(frame Frame) {
	ctx := context.Background()
	switch frame.Type {
	case FrameEvent:
		var input relay.EventInput
		if err := json.Unmarshal(frame.Data, &input); err != nil {
			c.logger.Debug("agent event frame malformed", "channel_id", c.channelID, "error", err)
			return
		}
		if _, err := c.manager.service.PushEvent(ctx, c.channelID, input); err != nil {
			c.logger.Warn("agent event rejected", "channel_id", c.channelID, "error", err)
		}
	case FrameEvents:
		var inputs []relay.EventInput
		if err := json.Unmarshal(frame.Data, &inputs); err != nil {
			c.logger.Debug("agent events frame malformed", "channel_id", c.channelID, "error", err)
			return
		}
		if _, err := c.manager.service.PushEvents(ctx, c.channelID, inputs); err != nil {
			c.logger.Warn("agent events rejected", "channel_id", c.channelID, "error", err)
		}
	case FrameChat:
		var msg chatFrame
		if err := json.Unmarshal(frame.Data, &msg); err != nil {
			c.logger.Debug("agent chat frame malformed", "channel_id", c.channelID, "error", err)
			return
		}
		if _, err := c.manager.service.SendChat(ctx, c.channelID, msg.Author, msg.Content, true); err != nil {
			c.logger.Warn("agent chat rejected", "channel_id", c.channelID, "error", err)
		}
	case FramePong:
		// Heartbeat already refreshed above.
	default:
		c.logger.Debug("agent frame type unknown", "channel_id", c.channelID, "frame_type", frame.Type)
	}
}

// forwardChat relays viewer-authored chat to the agent. Agent-authored
// messages are its own output and are not echoed back.
func (c *Connection) forwardChat() {
	for message := range c.chatSub.Messages() {
		if message.IsAgent {
			continue
		}
		data, err := json.Marshal(message)
		if err != nil {
			c.logger.Debug("chat forward marshal failed", "channel_id", c.channelID, "error", err)
			continue
		}
		c.Enqueue(Frame{Type: FrameChat, Data: data})
	}
}

// WriteError sends a one-off error frame on a socket that never became a
// managed connection, such as a failed authentication handshake.
func WriteError(socket Socket, message string) {
	data, err := json.Marshal(map[string]string{"message": message})
	if err != nil {
		return
	}
	payload, err := json.Marshal(Frame{Type: FrameError, Data: data})
	if err != nil {
		return
	}
	_ = socket.WriteMessage(textMessage, payload)
}

type connectedPayload struct {
	ChannelID string `json:"channelId"`
}
