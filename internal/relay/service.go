package relay

import (
	"context"
	"log/slog"
	"time"

	"agentcast/internal/bridge"
	"agentcast/internal/models"
	"agentcast/internal/observability/metrics"
)

// ServiceConfig configures the relay Service.
type ServiceConfig struct {
	Registry *Registry
	Presence *Presence
	Events   *EventFanout
	Chat     *ChatFanout
	Bridge   bridge.Bridge
	Logger   *slog.Logger
	Metrics  *metrics.Recorder
}

// Service ties the relay components together: it stamps and fans out
// events and chat, mirrors them through the configured bridge, and
// reclaims dependent state when channels go away. It also implements
// bridge.Local so inbound cross-instance traffic re-enters the local
// fan-outs without being re-published.
type Service struct {
	registry *Registry
	presence *Presence
	events   *EventFanout
	chat     *ChatFanout
	bridge   bridge.Bridge
	logger   *slog.Logger
	metrics  *metrics.Recorder
}

// EventInput is one event in an agent push.
type EventInput struct {
	Type     string            `json:"type"`
	Content  string            `json:"content"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewService wires the components together. Nil components are replaced
// with defaults; the registry is required.
func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	s := &Service{
		registry: cfg.Registry,
		presence: cfg.Presence,
		events:   cfg.Events,
		chat:     cfg.Chat,
		bridge:   cfg.Bridge,
		logger:   logger,
		metrics:  recorder,
	}
	if s.presence == nil {
		s.presence = NewPresence()
	}
	if s.events == nil {
		s.events = NewEventFanout(0, logger)
	}
	if s.chat == nil {
		s.chat = NewChatFanout(0, 0, logger)
	}
	if s.bridge == nil {
		s.bridge = bridge.NewNoop()
	}
	if s.registry != nil && s.registry.onPrune == nil {
		s.registry.onPrune = s.CleanupChannel
	}
	return s
}

// Registry exposes the channel registry.
func (s *Service) Registry() *Registry { return s.registry }

// Presence exposes the viewer presence tracker.
func (s *Service) Presence() *Presence { return s.presence }

// Events exposes the stream event fan-out.
func (s *Service) Events() *EventFanout { return s.events }

// Chat exposes the chat fan-out.
func (s *Service) Chat() *ChatFanout { return s.chat }

// Bridge exposes the configured pub/sub bridge.
func (s *Service) Bridge() bridge.Bridge { return s.bridge }

// SetBridge attaches the pub/sub bridge. The bridge needs the service as
// its local injector, so it is wired in after construction and before the
// server starts.
func (s *Service) SetBridge(b bridge.Bridge) {
	if b == nil {
		b = bridge.NewNoop()
	}
	s.bridge = b
}

// PushEvent stamps, fans out, and mirrors one stream event.
func (s *Service) PushEvent(ctx context.Context, channelID string, input EventInput) (models.StreamEvent, error) {
	if _, ok := s.registry.Get(channelID); !ok {
		return models.StreamEvent{}, ErrChannelNotFound
	}
	event := s.events.Emit(channelID, input.Type, input.Content, input.Metadata)
	s.metrics.ObserveEvent(input.Type)
	s.publishEvent(ctx, event)
	return event, nil
}

// PushEvents emits a batch in array order and returns how many were pushed.
func (s *Service) PushEvents(ctx context.Context, channelID string, inputs []EventInput) (int, error) {
	if _, ok := s.registry.Get(channelID); !ok {
		return 0, ErrChannelNotFound
	}
	for _, input := range inputs {
		event := s.events.Emit(channelID, input.Type, input.Content, input.Metadata)
		s.metrics.ObserveEvent(input.Type)
		s.publishEvent(ctx, event)
	}
	return len(inputs), nil
}

// SendChat stamps, records, fans out, and mirrors one chat message. When
// the sender holds the channel secret (isAgent), the author is forced to
// the channel's registered name regardless of what the caller supplied.
func (s *Service) SendChat(ctx context.Context, channelID, author, content string, isAgent bool) (models.ChatMessage, error) {
	channel, ok := s.registry.Get(channelID)
	if !ok {
		return models.ChatMessage{}, ErrChannelNotFound
	}
	if isAgent {
		author = channel.Name
	}
	message := s.chat.Send(channelID, author, content, isAgent)
	s.metrics.ObserveChat(isAgent)
	s.publishChat(ctx, message)
	return message, nil
}

// RecentChat returns buffered history, newest-first.
func (s *Service) RecentChat(channelID string, limit int, since time.Time) []models.ChatMessage {
	return s.chat.Recent(channelID, limit, since)
}

// Deregister removes the channel after a secret check and reclaims all
// dependent state.
func (s *Service) Deregister(id, secret string) (bool, error) {
	removed, err := s.registry.Deregister(id, secret)
	if err != nil || !removed {
		return removed, err
	}
	s.CleanupChannel(id)
	return true, nil
}

// CleanupChannel reclaims presence, fan-out subscriptions, and chat
// history for a channel that no longer exists.
func (s *Service) CleanupChannel(id string) {
	s.presence.Clear(id)
	s.events.Clear(id)
	s.chat.Clear(id)
}

// InjectEvent re-emits an event received from another instance into the
// local fan-out only. Implements bridge.Local.
func (s *Service) InjectEvent(event models.StreamEvent) {
	s.events.Inject(event)
	s.metrics.ObserveEvent(event.Type)
}

// InjectChat re-emits a chat message received from another instance into
// the local fan-out and history only. Implements bridge.Local.
func (s *Service) InjectChat(message models.ChatMessage) {
	s.chat.Inject(message)
	s.metrics.ObserveChat(message.IsAgent)
}

func (s *Service) publishEvent(ctx context.Context, event models.StreamEvent) {
	if !s.bridge.Enabled() {
		return
	}
	if err := s.bridge.PublishEvent(ctx, event); err != nil {
		s.logger.Warn("bridge event publish failed", "channel_id", event.ChannelID, "error", err)
	}
}

func (s *Service) publishChat(ctx context.Context, message models.ChatMessage) {
	if !s.bridge.Enabled() {
		return
	}
	if err := s.bridge.PublishChat(ctx, message); err != nil {
		s.logger.Warn("bridge chat publish failed", "channel_id", message.ChannelID, "error", err)
	}
}
