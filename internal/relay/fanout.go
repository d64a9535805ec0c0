package relay

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"agentcast/internal/models"
)

const defaultSubscriberBuffer = 32

// EventFanout delivers stream events to every subscriber of a channel.
// Events are ephemeral: nothing is retained once delivery completes.
type EventFanout struct {
	mu     sync.RWMutex
	subs   map[string]map[*EventSubscription]struct{}
	buffer int
	logger *slog.Logger
}

// NewEventFanout initialises a fan-out with the given per-subscriber buffer.
func NewEventFanout(buffer int, logger *slog.Logger) *EventFanout {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &EventFanout{
		subs:   make(map[string]map[*EventSubscription]struct{}),
		buffer: buffer,
		logger: logger,
	}
}

// EventSubscription is one viewer's live event stream for a single channel.
type EventSubscription struct {
	once      sync.Once
	fanout    *EventFanout
	channelID string
	ch        chan models.StreamEvent
}

// Events exposes the delivery channel. It is closed by Close.
func (s *EventSubscription) Events() <-chan models.StreamEvent {
	return s.ch
}

// Close removes the subscription and deletes the channel's subscriber set
// once it is empty.
func (s *EventSubscription) Close() {
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
func (f *EventFanout) Subscribe(channelID string) *EventSubscription {
	sub := &EventSubscription{
		fanout:    f,
		channelID: channelID,
		ch:        make(chan models.StreamEvent, f.buffer),
	}
	f.mu.Lock()
	if f.subs[channelID] == nil {
		f.subs[channelID] = make(map[*EventSubscription]struct{})
	}
	f.subs[channelID][sub] = struct{}{}
	f.mu.Unlock()
	return sub
}

// Emit stamps an id and timestamp onto the payload and delivers it to every
// current subscriber of the channel. Emitting with zero subscribers is a
// silent no-op. A full subscriber buffer drops the event for that subscriber
// only; the remaining subscribers still receive it.
func (f *EventFanout) Emit(channelID, eventType, content string, metadata map[string]string) models.StreamEvent {
	event := models.StreamEvent{
		ID:        stampID(time.Now().UTC()),
		ChannelID: channelID,
		Type:      eventType,
		Content:   content,
		Metadata:  cloneMetadata(metadata),
		CreatedAt: time.Now().UTC(),
	}
	f.Inject(event)
	return event
}

// Inject delivers an already-stamped event, used by the pub/sub bridge to
// re-emit traffic received from other instances without re-publishing it.
func (f *EventFanout) Inject(event models.StreamEvent) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for sub := range f.subs[event.ChannelID] {
		select {
		case sub.ch <- event:
		default:
			f.logger.Warn("event subscriber buffer full, dropping event",
				"channel_id", event.ChannelID, "event_id", event.ID)
		}
	}
}

// SubscriberCount reports the number of live subscribers for the channel.
func (f *EventFanout) SubscriberCount(channelID string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[channelID])
}

// Clear closes every subscription for the channel, used on channel deletion.
func (f *EventFanout) Clear(channelID string) {
	f.mu.Lock()
	set := f.subs[channelID]
	delete(f.subs, channelID)
	f.mu.Unlock()
	for sub := range set {
		sub.once.Do(func() { close(sub.ch) })
	}
}

// stampID builds a monotonic-ish event id from the timestamp plus random
// suffix, so ids sort roughly by emission time while staying unique.
func stampID(now time.Time) string {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%d", now.UnixNano())
	}
	return fmt.Sprintf("%d-%s", now.UnixMilli(), hex.EncodeToString(buf))
}
