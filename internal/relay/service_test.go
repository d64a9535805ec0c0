package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"agentcast/internal/models"
	"agentcast/internal/observability/metrics"
)

type recordingBridge struct {
	mu     sync.Mutex
	events []models.StreamEvent
	chats  []models.ChatMessage
}

func (b *recordingBridge) PublishEvent(_ context.Context, event models.StreamEvent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, event)
	return nil
}

func (b *recordingBridge) PublishChat(_ context.Context, message models.ChatMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chats = append(b.chats, message)
	return nil
}

func (b *recordingBridge) Enabled() bool { return true }

func (b *recordingBridge) Close() error { return nil }

func (b *recordingBridge) eventCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func (b *recordingBridge) chatCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chats)
}

func newServiceUnderTest(clock *fakeClock, br *recordingBridge) *Service {
	logger := discardLogger()
	cfg := ServiceConfig{
		Registry: newTestRegistry(clock, nil),
		Presence: NewPresence(),
		Events:   NewEventFanout(8, logger),
		Chat:     NewChatFanout(20, 8, logger),
		Logger:   logger,
		Metrics:  metrics.New(),
	}
	if br != nil {
		cfg.Bridge = br
	}
	return NewService(cfg)
}

func TestPushEventRequiresKnownChannel(t *testing.T) {
	service := newServiceUnderTest(newFakeClock(), nil)
	if _, err := service.PushEvent(context.Background(), "missing", EventInput{Type: "status"}); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("err = %v, want ErrChannelNotFound", err)
	}
	if _, err := service.PushEvents(context.Background(), "missing", []EventInput{{Type: "status"}}); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("batch err = %v, want ErrChannelNotFound", err)
	}
}

func TestPushEventFansOutAndMirrors(t *testing.T) {
	br := &recordingBridge{}
	service := newServiceUnderTest(newFakeClock(), br)
	channel, _, _ := service.Registry().Register(RegisterParams{Name: "alpha"})
	sub := service.Events().Subscribe(channel.ID)
	defer sub.Close()

	event, err := service.PushEvent(context.Background(), channel.ID, EventInput{Type: "command", Content: "go vet ./..."})
	if err != nil {
		t.Fatalf("PushEvent: %v", err)
	}
	got := receiveEvent(t, sub.Events())
	if got.ID != event.ID || got.Type != "command" {
		t.Fatalf("subscriber got %+v", got)
	}
	if br.eventCount() != 1 {
		t.Fatalf("bridge publishes = %d, want 1", br.eventCount())
	}
}

func TestPushEventsPreservesOrder(t *testing.T) {
	service := newServiceUnderTest(newFakeClock(), nil)
	channel, _, _ := service.Registry().Register(RegisterParams{Name: "alpha"})
	sub := service.Events().Subscribe(channel.ID)
	defer sub.Close()

	inputs := []EventInput{
		{Type: "command", Content: "make build"},
		{Type: "output", Content: "ok"},
		{Type: "result", Content: "exit 0"},
	}
	pushed, err := service.PushEvents(context.Background(), channel.ID, inputs)
	if err != nil {
		t.Fatalf("PushEvents: %v", err)
	}
	if pushed != len(inputs) {
		t.Fatalf("pushed = %d, want %d", pushed, len(inputs))
	}
	for _, input := range inputs {
		got := receiveEvent(t, sub.Events())
		if got.Type != input.Type || got.Content != input.Content {
			t.Fatalf("got %+v, want %+v", got, input)
		}
	}
}

func TestSendChatForcesAgentAuthor(t *testing.T) {
	br := &recordingBridge{}
	service := newServiceUnderTest(newFakeClock(), br)
	channel, _, _ := service.Registry().Register(RegisterParams{Name: "Build Agent"})

	message, err := service.SendChat(context.Background(), channel.ID, "impostor", "done", true)
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if message.Author != "Build Agent" || !message.IsAgent {
		t.Fatalf("agent message = %+v", message)
	}

	viewer, err := service.SendChat(context.Background(), channel.ID, "viewer-9", "nice", false)
	if err != nil {
		t.Fatalf("SendChat: %v", err)
	}
	if viewer.Author != "viewer-9" || viewer.IsAgent {
		t.Fatalf("viewer message = %+v", viewer)
	}
	if br.chatCount() != 2 {
		t.Fatalf("bridge publishes = %d, want 2", br.chatCount())
	}

	if _, err := service.SendChat(context.Background(), "missing", "viewer", "hi", false); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("err = %v, want ErrChannelNotFound", err)
	}
}

func TestDeregisterReclaimsDependentState(t *testing.T) {
	service := newServiceUnderTest(newFakeClock(), nil)
	channel, secret, _ := service.Registry().Register(RegisterParams{Name: "alpha"})

	eventSub := service.Events().Subscribe(channel.ID)
	chatSub := service.Chat().Subscribe(channel.ID)
	service.Presence().Increment(channel.ID)
	service.SendChat(context.Background(), channel.ID, "viewer", "hello", false)
	receiveChat(t, chatSub.Messages())

	removed, err := service.Deregister(channel.ID, secret)
	if err != nil || !removed {
		t.Fatalf("Deregister = (%v, %v)", removed, err)
	}
	if _, open := <-eventSub.Events(); open {
		t.Fatal("event subscription survived deregistration")
	}
	if _, open := <-chatSub.Messages(); open {
		t.Fatal("chat subscription survived deregistration")
	}
	if service.Presence().Count(channel.ID) != 0 {
		t.Fatal("presence survived deregistration")
	}
	if history := service.RecentChat(channel.ID, 0, time.Time{}); len(history) != 0 {
		t.Fatalf("history survived deregistration: %+v", history)
	}
}

func TestPruneRunsChannelCleanup(t *testing.T) {
	clock := newFakeClock()
	service := newServiceUnderTest(clock, nil)
	channel, _, _ := service.Registry().Register(RegisterParams{Name: "alpha"})
	service.SendChat(context.Background(), channel.ID, "viewer", "hello", false)

	clock.Advance(61 * time.Second)
	service.Registry().Sweep()
	clock.Advance(24*time.Hour + time.Second)
	_, pruned := service.Registry().Sweep()
	if len(pruned) != 1 {
		t.Fatalf("pruned = %v", pruned)
	}
	if history := service.RecentChat(channel.ID, 0, time.Time{}); len(history) != 0 {
		t.Fatalf("history survived prune: %+v", history)
	}
}

func TestInjectBypassesBridgePublish(t *testing.T) {
	br := &recordingBridge{}
	service := newServiceUnderTest(newFakeClock(), br)
	channel, _, _ := service.Registry().Register(RegisterParams{Name: "alpha"})
	eventSub := service.Events().Subscribe(channel.ID)
	defer eventSub.Close()

	service.InjectEvent(models.StreamEvent{ID: "evt-remote", ChannelID: channel.ID, Type: "status"})
	if got := receiveEvent(t, eventSub.Events()); got.ID != "evt-remote" {
		t.Fatalf("subscriber got %+v", got)
	}
	service.InjectChat(models.ChatMessage{ID: "msg-remote", ChannelID: channel.ID, Author: "viewer", Content: "hi"})
	if history := service.RecentChat(channel.ID, 0, time.Time{}); len(history) != 1 {
		t.Fatalf("history = %+v", history)
	}
	if br.eventCount() != 0 || br.chatCount() != 0 {
		t.Fatal("inject must not re-publish through the bridge")
	}
}
