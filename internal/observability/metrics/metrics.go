// Package metrics aggregates in-memory counters and gauges for the relay:
// HTTP requests, fan-out activity, chat, viewer presence, and agent
// connection lifecycle. Values are exposed in Prometheus text format.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// Recorder aggregates relay metrics. It coordinates concurrent writers via
// a RWMutex while exposing atomic gauges for viewer and agent tracking.
type Recorder struct {
	mu              sync.RWMutex
	requestCount    map[requestLabel]uint64
	requestDuration map[requestLabel]time.Duration
	eventCount      map[string]uint64
	chatCount       map[string]uint64
	agentEvents     map[string]uint64
	activeViewers   atomic.Int64
	activeAgents    atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers
// can immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:    make(map[requestLabel]uint64),
		requestDuration: make(map[requestLabel]time.Duration),
		eventCount:      make(map[string]uint64),
		chatCount:       make(map[string]uint64),
		agentEvents:     make(map[string]uint64),
	}
}

// Default returns the singleton Recorder shared across packages that do not
// require a custom instrumentation pipeline.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest accumulates request count and cumulative duration by HTTP
// method, normalized path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   normalizePath(path),
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// ObserveEvent records one fanned-out stream event by type.
func (r *Recorder) ObserveEvent(eventType string) {
	r.mu.Lock()
	r.eventCount[normalizeName(eventType)]++
	r.mu.Unlock()
}

// ObserveChat records one chat message, split by agent vs viewer origin.
func (r *Recorder) ObserveChat(isAgent bool) {
	origin := "viewer"
	if isAgent {
		origin = "agent"
	}
	r.mu.Lock()
	r.chatCount[origin]++
	r.mu.Unlock()
}

// ViewerConnected increments the active viewer gauge.
func (r *Recorder) ViewerConnected() {
	r.activeViewers.Add(1)
}

// ViewerDisconnected decrements the active viewer gauge, guarding against
// negative counts when concurrent updates race.
func (r *Recorder) ViewerDisconnected() {
	r.decrementGauge(&r.activeViewers)
}

// AgentConnected records an agent connection event and bumps the gauge.
func (r *Recorder) AgentConnected() {
	r.recordAgentEvent("connect")
	r.activeAgents.Add(1)
}

// AgentDisconnected records an agent disconnect and lowers the gauge.
func (r *Recorder) AgentDisconnected() {
	r.recordAgentEvent("disconnect")
	r.decrementGauge(&r.activeAgents)
}

// AgentSuperseded records a connection being replaced by a newer one for
// the same channel.
func (r *Recorder) AgentSuperseded() {
	r.recordAgentEvent("supersede")
	r.decrementGauge(&r.activeAgents)
}

func (r *Recorder) recordAgentEvent(event string) {
	r.mu.Lock()
	r.agentEvents[event]++
	r.mu.Unlock()
}

// ActiveViewers reports the current viewer gauge value.
func (r *Recorder) ActiveViewers() int64 {
	return r.activeViewers.Load()
}

// ActiveAgents reports the current agent connection gauge value.
func (r *Recorder) ActiveAgents() int64 {
	return r.activeAgents.Load()
}

// Reset clears all recorded values. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.eventCount = make(map[string]uint64)
	r.chatCount = make(map[string]uint64)
	r.agentEvents = make(map[string]uint64)
	r.mu.Unlock()
	r.activeViewers.Store(0)
	r.activeAgents.Store(0)
}

// Handler serves the metrics in Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics, sorting label sets to provide
// stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	eventTypes := sortedKeys(r.eventCount)
	chatOrigins := sortedKeys(r.chatCount)
	agentEvents := sortedKeys(r.agentEvents)

	fmt.Fprintln(w, "# HELP agentcast_http_requests_total Total number of HTTP requests processed by the relay")
	fmt.Fprintln(w, "# TYPE agentcast_http_requests_total counter")
	for _, label := range requestLabels {
		count := r.requestCount[label]
		fmt.Fprintf(w, "agentcast_http_requests_total{method=\"%s\",path=\"%s\",status=\"%s\"} %d\n", label.method, label.path, label.status, count)
	}

	fmt.Fprintln(w, "# HELP agentcast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE agentcast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		duration := r.requestDuration[label].Seconds()
		fmt.Fprintf(w, "agentcast_http_request_duration_seconds_sum{method=\"%s\",path=\"%s\",status=\"%s\"} %f\n", label.method, label.path, label.status, duration)
	}

	fmt.Fprintln(w, "# HELP agentcast_stream_events_total Fanned-out stream events by type")
	fmt.Fprintln(w, "# TYPE agentcast_stream_events_total counter")
	for _, eventType := range eventTypes {
		fmt.Fprintf(w, "agentcast_stream_events_total{type=\"%s\"} %d\n", eventType, r.eventCount[eventType])
	}

	fmt.Fprintln(w, "# HELP agentcast_chat_messages_total Chat messages by origin")
	fmt.Fprintln(w, "# TYPE agentcast_chat_messages_total counter")
	for _, origin := range chatOrigins {
		fmt.Fprintf(w, "agentcast_chat_messages_total{origin=\"%s\"} %d\n", origin, r.chatCount[origin])
	}

	fmt.Fprintln(w, "# HELP agentcast_agent_connection_events_total Agent connection lifecycle events")
	fmt.Fprintln(w, "# TYPE agentcast_agent_connection_events_total counter")
	for _, event := range agentEvents {
		fmt.Fprintf(w, "agentcast_agent_connection_events_total{event=\"%s\"} %d\n", event, r.agentEvents[event])
	}

	fmt.Fprintln(w, "# HELP agentcast_active_viewers Current number of open viewer streams")
	fmt.Fprintln(w, "# TYPE agentcast_active_viewers gauge")
	fmt.Fprintf(w, "agentcast_active_viewers %d\n", r.activeViewers.Load())

	fmt.Fprintln(w, "# HELP agentcast_active_agents Current number of connected agents")
	fmt.Fprintln(w, "# TYPE agentcast_active_agents gauge")
	fmt.Fprintf(w, "agentcast_active_agents %d\n", r.activeAgents.Load())
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func sortedKeys(values map[string]uint64) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "" {
			continue
		}
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	normalized := strings.Join(parts, "/")
	if !strings.HasPrefix(normalized, "/") {
		normalized = "/" + normalized
	}
	if strings.HasSuffix(normalized, "/") && len(normalized) > 1 {
		normalized = strings.TrimSuffix(normalized, "/")
	}
	return normalized
}

func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 16 {
		return true
	}
	digitCount := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digitCount++
		}
	}
	return digitCount >= 3
}

func (r *Recorder) decrementGauge(gauge *atomic.Int64) {
	for {
		current := gauge.Load()
		if current <= 0 {
			return
		}
		if gauge.CompareAndSwap(current, current-1) {
			return
		}
	}
}

func normalizeName(name string) string {
	normalized := strings.ToLower(strings.TrimSpace(name))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}

// ObserveRequest is a helper on the default recorder.
func ObserveRequest(method, path string, status int, duration time.Duration) {
	defaultRecorder.ObserveRequest(method, path, status, duration)
}

// Handler serves the default recorder.
func Handler() http.Handler {
	return defaultRecorder.Handler()
}
