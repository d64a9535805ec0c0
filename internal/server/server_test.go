package server

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agentcast/internal/api"
	"agentcast/internal/models"
	"agentcast/internal/observability/metrics"
	"agentcast/internal/relay"
)

func newTestHandler(t *testing.T) *api.Handler {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := relay.NewRegistry(relay.RegistryConfig{Logger: logger})
	service := relay.NewService(relay.ServiceConfig{
		Registry: registry,
		Logger:   logger,
		Metrics:  metrics.New(),
	})
	return api.NewHandler(service, nil, logger, metrics.New())
}

func newTestServer(t *testing.T) (*httptest.Server, *api.Handler) {
	t.Helper()
	handler := newTestHandler(t)
	srv, err := New(handler, Config{Addr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("New error: %v", err)
	}
	ts := httptest.NewServer(srv.httpServer.Handler)
	t.Cleanup(ts.Close)
	return ts, handler
}

func registerChannel(t *testing.T, ts *httptest.Server, name string) (id, apiKey string) {
	t.Helper()
	body := bytes.NewBufferString(fmt.Sprintf(`{"name":%q,"category":"coding"}`, name))
	resp, err := http.Post(ts.URL+"/api/channels", "application/json", body)
	if err != nil {
		t.Fatalf("register request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		payload, _ := io.ReadAll(resp.Body)
		t.Fatalf("register status = %d, body %s", resp.StatusCode, payload)
	}
	var reply struct {
		ID     string `json:"id"`
		APIKey string `json:"apiKey"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil {
		t.Fatalf("decode register response: %v", err)
	}
	if reply.ID == "" || reply.APIKey == "" {
		t.Fatalf("register response incomplete: %+v", reply)
	}
	if reply.Status != models.StatusLive {
		t.Fatalf("new channel status = %q, want live", reply.Status)
	}
	return reply.ID, reply.APIKey
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}
	var payload map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("health payload = %v", payload)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	// Touch a route first so the recorder has something to report.
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics request: %v", err)
	}
	defer resp.Body.Close()
	payload, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(payload), "agentcast_http_requests_total") {
		t.Fatalf("metrics output missing request counter:\n%s", payload)
	}
}

func TestChannelLifecycleOverHTTP(t *testing.T) {
	ts, handler := newTestServer(t)
	id, apiKey := registerChannel(t, ts, "Demo")

	// Directory listing.
	resp, err := http.Get(ts.URL + "/api/channels?status=live&category=coding")
	if err != nil {
		t.Fatalf("list request: %v", err)
	}
	var listed []models.Channel
	if err := json.NewDecoder(resp.Body).Decode(&listed); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	resp.Body.Close()
	if len(listed) != 1 || listed[0].ID != id {
		t.Fatalf("list = %+v, want the registered channel", listed)
	}

	// Heartbeat with the right secret.
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/channels/"+id+"/heartbeat", nil)
	req.Header.Set("x-api-key", apiKey)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("heartbeat request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status = %d", resp.StatusCode)
	}

	// Heartbeat without any credential.
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/api/channels/"+id+"/heartbeat", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("heartbeat request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("missing-secret heartbeat status = %d, want 401", resp.StatusCode)
	}

	// Heartbeat with a wrong secret.
	req, _ = http.NewRequest(http.MethodPost, ts.URL+"/api/channels/"+id+"/heartbeat", nil)
	req.Header.Set("Authorization", "Bearer wrong-secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("heartbeat request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("wrong-secret heartbeat status = %d, want 403", resp.StatusCode)
	}

	// Detail view.
	resp, err = http.Get(ts.URL + "/api/channels/" + id)
	if err != nil {
		t.Fatalf("detail request: %v", err)
	}
	var detail struct {
		models.Channel
		Viewers int `json:"viewers"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	resp.Body.Close()
	if detail.ID != id || detail.Viewers != 0 {
		t.Fatalf("detail = %+v", detail)
	}

	// Deregister.
	req, _ = http.NewRequest(http.MethodDelete, ts.URL+"/api/channels/"+id, nil)
	req.Header.Set("x-api-key", apiKey)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d", resp.StatusCode)
	}
	if handler.Service.Registry().Len() != 0 {
		t.Fatalf("registry not empty after deregister")
	}

	resp, err = http.Get(ts.URL + "/api/channels/" + id)
	if err != nil {
		t.Fatalf("detail request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("deleted channel detail status = %d, want 404", resp.StatusCode)
	}
}

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	Event string
	Data  string
}

func readSSE(t *testing.T, reader *bufio.Reader) sseFrame {
	t.Helper()
	frame := sseFrame{}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE line: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		if line == "" {
			if frame.Event != "" || frame.Data != "" {
				return frame
			}
			continue
		}
		if strings.HasPrefix(line, "event: ") {
			frame.Event = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			frame.Data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestEventStreamDeliversPushedEventsInOrder(t *testing.T) {
	ts, _ := newTestServer(t)
	id, apiKey := registerChannel(t, ts, "Demo")

	streamResp, err := http.Get(ts.URL + "/api/channels/" + id + "/stream")
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	defer streamResp.Body.Close()
	if got := streamResp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("stream Content-Type = %q", got)
	}

	reader := bufio.NewReader(streamResp.Body)
	first := readSSE(t, reader)
	if first.Event != "connected" {
		t.Fatalf("first frame = %q, want connected", first.Event)
	}
	var connected struct {
		ChannelID string `json:"channelId"`
		Viewers   int    `json:"viewers"`
	}
	if err := json.Unmarshal([]byte(first.Data), &connected); err != nil {
		t.Fatalf("decode connected frame: %v", err)
	}
	if connected.ChannelID != id || connected.Viewers != 1 {
		t.Fatalf("connected frame = %+v", connected)
	}

	body := bytes.NewBufferString(`{"events":[{"type":"command","content":"make test"},{"type":"success","content":"ok"}]}`)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/channels/"+id+"/events", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	pushResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("push request: %v", err)
	}
	var pushed map[string]int
	if err := json.NewDecoder(pushResp.Body).Decode(&pushed); err != nil {
		t.Fatalf("decode push response: %v", err)
	}
	pushResp.Body.Close()
	if pushed["pushed"] != 2 {
		t.Fatalf("pushed = %d, want 2", pushed["pushed"])
	}

	for _, wantType := range []string{"command", "success"} {
		frame := readSSE(t, reader)
		if frame.Event != "event" {
			t.Fatalf("frame event = %q, want event", frame.Event)
		}
		var event models.StreamEvent
		if err := json.Unmarshal([]byte(frame.Data), &event); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		if event.Type != wantType {
			t.Fatalf("event type = %q, want %q", event.Type, wantType)
		}
		if event.ChannelID != id || event.ID == "" {
			t.Fatalf("event incomplete: %+v", event)
		}
	}
}

func TestChatEndpointDerivesIsAgentFromSecret(t *testing.T) {
	ts, _ := newTestServer(t)
	id, apiKey := registerChannel(t, ts, "Demo")

	// A viewer asserting isAgent is overridden to false.
	body := bytes.NewBufferString(`{"author":"mallory","content":"hi","isAgent":true}`)
	resp, err := http.Post(ts.URL+"/api/channels/"+id+"/chat", "application/json", body)
	if err != nil {
		t.Fatalf("chat request: %v", err)
	}
	var viewerMsg models.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&viewerMsg); err != nil {
		t.Fatalf("decode chat response: %v", err)
	}
	resp.Body.Close()
	if viewerMsg.IsAgent {
		t.Fatalf("client-asserted isAgent was honored: %+v", viewerMsg)
	}
	if viewerMsg.Author != "mallory" {
		t.Fatalf("viewer author = %q", viewerMsg.Author)
	}

	// A secret-bearing sender is the agent; author is forced to the
	// channel name.
	body = bytes.NewBufferString(`{"author":"ignored","content":"hello"}`)
	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/channels/"+id+"/chat", body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", apiKey)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("agent chat request: %v", err)
	}
	var agentMsg models.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&agentMsg); err != nil {
		t.Fatalf("decode agent chat: %v", err)
	}
	resp.Body.Close()
	if !agentMsg.IsAgent {
		t.Fatalf("secret-bearing chat should be agent-authored: %+v", agentMsg)
	}
	if agentMsg.Author != "Demo" {
		t.Fatalf("agent author = %q, want channel name", agentMsg.Author)
	}

	// History is newest-first.
	resp, err = http.Get(ts.URL + "/api/channels/" + id + "/chat?limit=10")
	if err != nil {
		t.Fatalf("history request: %v", err)
	}
	var history []models.ChatMessage
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	resp.Body.Close()
	if len(history) != 2 {
		t.Fatalf("history length = %d", len(history))
	}
	if history[0].ID != agentMsg.ID {
		t.Fatalf("history not newest-first: %+v", history)
	}
}

func TestChatStreamDeliversMessages(t *testing.T) {
	ts, _ := newTestServer(t)
	id, _ := registerChannel(t, ts, "Demo")

	streamResp, err := http.Get(ts.URL + "/api/channels/" + id + "/chat/stream")
	if err != nil {
		t.Fatalf("chat stream request: %v", err)
	}
	defer streamResp.Body.Close()
	reader := bufio.NewReader(streamResp.Body)
	if frame := readSSE(t, reader); frame.Event != "connected" {
		t.Fatalf("first frame = %q, want connected", frame.Event)
	}

	body := bytes.NewBufferString(`{"author":"alice","content":"hello"}`)
	resp, err := http.Post(ts.URL+"/api/channels/"+id+"/chat", "application/json", body)
	if err != nil {
		t.Fatalf("chat request: %v", err)
	}
	resp.Body.Close()

	frame := readSSE(t, reader)
	if frame.Event != "chat" {
		t.Fatalf("frame event = %q, want chat", frame.Event)
	}
	var message models.ChatMessage
	if err := json.Unmarshal([]byte(frame.Data), &message); err != nil {
		t.Fatalf("decode chat frame: %v", err)
	}
	if message.Author != "alice" || message.Content != "hello" {
		t.Fatalf("unexpected chat frame: %+v", message)
	}
}

func TestStreamDisconnectReleasesPresence(t *testing.T) {
	ts, handler := newTestServer(t)
	id, _ := registerChannel(t, ts, "Demo")

	streamResp, err := http.Get(ts.URL + "/api/channels/" + id + "/stream")
	if err != nil {
		t.Fatalf("stream request: %v", err)
	}
	reader := bufio.NewReader(streamResp.Body)
	readSSE(t, reader)
	if got := handler.Service.Presence().Count(id); got != 1 {
		t.Fatalf("presence = %d, want 1", got)
	}

	streamResp.Body.Close()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if handler.Service.Presence().Count(id) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("presence still %d after disconnect", handler.Service.Presence().Count(id))
}

func TestUnknownChannelRoutes(t *testing.T) {
	ts, _ := newTestServer(t)

	for _, path := range []string{
		"/api/channels/nope",
		"/api/channels/nope/stream",
		"/api/channels/nope/chat",
	} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNotFound {
			t.Fatalf("GET %s status = %d, want 404", path, resp.StatusCode)
		}
	}
}
