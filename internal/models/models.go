// Package models defines the data types shared across the relay core.
package models

import "time"

// Channel status values.
const (
	StatusLive    = "live"
	StatusOffline = "offline"
)

// Channel is the identity and authorization unit an agent registers. The
// plaintext secret is returned exactly once at registration; only its
// derived hash is retained in memory.
type Channel struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Category      string            `json:"category,omitempty"`
	AgentID       string            `json:"agentId,omitempty"`
	SecretHash    string            `json:"-"`
	Status        string            `json:"status"`
	RegisteredAt  time.Time         `json:"registeredAt"`
	LastHeartbeat time.Time         `json:"lastHeartbeat"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// IsLive reports whether the channel is currently marked live.
func (c Channel) IsLive() bool {
	return c.Status == StatusLive
}

// StreamEvent is a structured, ephemeral message fanned out to viewer
// streams. Events are never buffered beyond delivery.
type StreamEvent struct {
	ID        string            `json:"id"`
	ChannelID string            `json:"channelId"`
	Type      string            `json:"type"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// ChatMessage is a chat line delivered to viewer chat streams and retained
// in the per-channel rolling buffer. IsAgent is derived server-side from
// secret validity and is never trusted from the request body.
type ChatMessage struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	IsAgent   bool      `json:"isAgent"`
	CreatedAt time.Time `json:"createdAt"`
}
