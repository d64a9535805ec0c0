package relay

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"agentcast/internal/models"
)

// DefaultChatHistory bounds the per-channel rolling chat buffer.
const DefaultChatHistory = 200

// ChatFanout delivers chat messages to channel subscribers and keeps a
// capacity-bounded rolling history so late-joining viewers can backfill.
// History is appended regardless of subscriber presence.
type ChatFanout struct {
	mu       sync.RWMutex
	subs     map[string]map[*ChatSubscription]struct{}
	history  map[string][]models.ChatMessage
	capacity int
	buffer   int
	logger   *slog.Logger
}

// NewChatFanout initialises a chat fan-out with the given history capacity
// and per-subscriber delivery buffer.
func NewChatFanout(capacity, buffer int, logger *slog.Logger) *ChatFanout {
	if capacity <= 0 {
		capacity = DefaultChatHistory
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatFanout{
		subs:     make(map[string]map[*ChatSubscription]struct{}),
		history:  make(map[string][]models.ChatMessage),
		capacity: capacity,
		buffer:   buffer,
		logger:   logger,
	}
}

// ChatSubscription is one viewer's live chat stream for a single channel.
type ChatSubscription struct {
	once      sync.Once
	fanout    *ChatFanout
	channelID string
	ch        chan models.ChatMessage
}

// Messages exposes the delivery channel. It is closed by Close.
func (s *ChatSubscription) Messages() <-chan models.ChatMessage {
	return s.ch
}

// Close removes the subscription and deletes the channel's subscriber set
// once it is empty.
func (s *ChatSubscription) Close() {
	s.once.Do(func() {
		s.fanout.mu.Lock()
		if set := s.fanout.subs[s.channelID]; set != nil {
			delete(set, s)
			if len(set) == 0 {
				delete(s.fanout.subs, s.channelID)
			}
		}
		s.fanout.mu.Unlock()
		close(s.ch)
	})
}

// Subscribe registers a new subscriber for the channel.
func (f *ChatFanout) Subscribe(channelID string) *ChatSubscription {
	sub := &ChatSubscription{
		fanout:    f,
		channelID: channelID,
		ch:        make(chan models.ChatMessage, f.buffer),
	}
	f.mu.Lock()
	if f.subs[channelID] == nil {
		f.subs[channelID] = make(map[*ChatSubscription]struct{})
	}
	f.subs[channelID][sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

// Send stamps an id and timestamp onto the message, appends it to the
// rolling history, and delivers it to every current subscriber.
func (f *ChatFanout) Send(channelID, author, content string, isAgent bool) models.ChatMessage {
	now := time.Now().UTC()
	message := models.ChatMessage{
		ID:        stampID(now),
		ChannelID: channelID,
		Author:    strings.TrimSpace(author),
		Content:   content,
		IsAgent:   isAgent,
		CreatedAt: now,
	}
	f.Inject(message)
	return message
}

// Inject records and delivers an already-stamped message, used by the
// pub/sub bridge to mirror chat from other instances without re-publishing.
func (f *ChatFanout) Inject(message models.ChatMessage) {
	f.mu.Lock()
	buffered := append(f.history[message.ChannelID], message)
	if excess := len(buffered) - f.capacity; excess > 0 {
		buffered = append([]models.ChatMessage(nil), buffered[excess:]...)
	}
	f.history[message.ChannelID] = buffered

	subs := f.subs[message.ChannelID]
	for sub := range subs {
		select {
		case sub.ch <- message:
		default:
			f.logger.Warn("chat subscriber buffer full, dropping message",
				"channel_id", message.ChannelID, "message_id", message.ID)
		}
	}
	f.mu.Unlock()
}

// Recent returns up to limit messages newest-first, optionally bounded to
// messages created after since (zero time means no bound).
func (f *ChatFanout) Recent(channelID string, limit int, since time.Time) []models.ChatMessage {
	f.mu.RLock()
	buffered := f.history[channelID]
	out := make([]models.ChatMessage, 0, len(buffered))
	for i := len(buffered) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		if !since.IsZero() && !buffered[i].CreatedAt.After(since) {
			continue
		}
		out = append(out, buffered[i])
	}
	f.mu.RUnlock()
	return out
}

// SubscriberCount reports the number of live subscribers for the channel.
func (f *ChatFanout) SubscriberCount(channelID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[channelID])
}

// Clear drops the channel's history and closes its subscriptions, used on
// channel deletion.
func (f *ChatFanout) Clear(channelID string) {
	f.mu.Lock()
	set := f.subs[channelID]
	delete(f.subs, channelID)
	delete(f.history, channelID)
	f.mu.Unlock()
	for sub := range set {
		sub.once.Do(func() { close(sub.ch) })
	}
}
