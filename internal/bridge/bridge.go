// Package bridge relays fan-out traffic between relay instances over an
// optional pub/sub backend. When no backend is configured the no-op bridge
// is used and everything stays process-local.
package bridge

import (
	"context"

	"agentcast/internal/models"
)

// Bridge mirrors locally emitted events and chat to other relay instances.
type Bridge interface {
	PublishEvent(ctx context.Context, event models.StreamEvent) error
	PublishChat(ctx context.Context, message models.ChatMessage) error
	Enabled() bool
	Close() error
}

// Local is the injection surface a bridge feeds inbound traffic into. The
// inject path bypasses re-publishing so traffic never loops between
// instances.
type Local interface {
	InjectEvent(event models.StreamEvent)
	InjectChat(message models.ChatMessage)
}

// Noop is the disabled bridge used when no backend is configured.
type Noop struct{}

// NewNoop returns a bridge whose every method is a no-op.
func NewNoop() Noop { return Noop{} }

func (Noop) PublishEvent(context.Context, models.StreamEvent) error { return nil }

func (Noop) PublishChat(context.Context, models.ChatMessage) error { return nil }

func (Noop) Enabled() bool { return false }

func (Noop) Close() error { return nil }
