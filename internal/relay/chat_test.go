package relay

import (
	"testing"
	"time"

	"agentcast/internal/models"
)

func receiveChat(t *testing.T, ch <-chan models.ChatMessage) models.ChatMessage {
	t.Helper()
	select {
	case message := <-ch:
		return message
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for chat message")
		return models.ChatMessage{}
	}
}

func TestSendRecordsHistoryAndDelivers(t *testing.T) {
	fanout := NewChatFanout(10, 8, discardLogger())
	sub := fanout.Subscribe("chan-1")
	defer sub.Close()

	sent := fanout.Send("chan-1", "  viewer-3  ", "hello", false)
	if sent.ID == "" || sent.CreatedAt.IsZero() {
		t.Fatalf("send did not stamp the message: %+v", sent)
	}
	if sent.Author != "viewer-3" {
		t.Fatalf("author = %q, want trimmed", sent.Author)
	}

	got := receiveChat(t, sub.Messages())
	if got.ID != sent.ID || got.Content != "hello" {
		t.Fatalf("subscriber got %+v", got)
	}

	history := fanout.Recent("chan-1", 0, time.Time{})
	if len(history) != 1 || history[0].ID != sent.ID {
		t.Fatalf("history = %+v", history)
	}
}

func TestHistoryRetainedWithoutSubscribers(t *testing.T) {
	fanout := NewChatFanout(10, 8, discardLogger())
	fanout.Send("chan-1", "viewer", "early message", false)
	history := fanout.Recent("chan-1", 0, time.Time{})
	if len(history) != 1 {
		t.Fatalf("history length = %d, want 1", len(history))
	}
}

func TestHistoryCapacityEvictsOldest(t *testing.T) {
	fanout := NewChatFanout(3, 8, discardLogger())
	for _, content := range []string{"one", "two", "three", "four", "five"} {
		fanout.Send("chan-1", "viewer", content, false)
	}

	history := fanout.Recent("chan-1", 0, time.Time{})
	if len(history) != 3 {
		t.Fatalf("history length = %d, want capacity 3", len(history))
	}
	// Newest-first with the oldest two evicted.
	want := []string{"five", "four", "three"}
	for i, content := range want {
		if history[i].Content != content {
			t.Fatalf("history[%d] = %q, want %q", i, history[i].Content, content)
		}
	}
}

func TestRecentLimitAndSince(t *testing.T) {
	fanout := NewChatFanout(10, 8, discardLogger())
	fanout.Send("chan-1", "viewer", "before", false)
	time.Sleep(5 * time.Millisecond)
	cutoff := time.Now().UTC()
	time.Sleep(5 * time.Millisecond)
	fanout.Send("chan-1", "viewer", "after-one", false)
	fanout.Send("chan-1", "viewer", "after-two", false)

	limited := fanout.Recent("chan-1", 2, time.Time{})
	if len(limited) != 2 || limited[0].Content != "after-two" {
		t.Fatalf("limited = %+v", limited)
	}

	recent := fanout.Recent("chan-1", 0, cutoff)
	if len(recent) != 2 {
		t.Fatalf("since filter returned %d messages, want 2", len(recent))
	}
	for _, message := range recent {
		if message.Content == "before" {
			t.Fatal("message older than cutoff returned")
		}
	}
}

func TestChatClearDropsHistoryAndSubscriptions(t *testing.T) {
	fanout := NewChatFanout(10, 8, discardLogger())
	sub := fanout.Subscribe("chan-1")
	fanout.Send("chan-1", "viewer", "hello", false)
	receiveChat(t, sub.Messages())

	fanout.Clear("chan-1")
	if _, open := <-sub.Messages(); open {
		t.Fatal("cleared subscription still open")
	}
	if history := fanout.Recent("chan-1", 0, time.Time{}); len(history) != 0 {
		t.Fatalf("history after Clear = %+v", history)
	}
	if got := fanout.SubscriberCount("chan-1"); got != 0 {
		t.Fatalf("SubscriberCount = %d, want 0", got)
	}
}
