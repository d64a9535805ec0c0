package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"agentcast/internal/models"
)

const (
	// DefaultHeartbeatTTL is how long a live channel may go without a
	// heartbeat before the sweep marks it offline.
	DefaultHeartbeatTTL = 60 * time.Second
	// DefaultSweepInterval is how often the background sweep runs.
	DefaultSweepInterval = 15 * time.Second
	// DefaultPruneAfter is how long an offline channel is retained before
	// the sweep deletes it.
	DefaultPruneAfter = 24 * time.Hour
)

// RegistryConfig configures a channel Registry.
type RegistryConfig struct {
	HeartbeatTTL  time.Duration
	SweepInterval time.Duration
	PruneAfter    time.Duration
	Logger        *slog.Logger
	// Clock overrides the time source, used by tests to drive the sweep
	// across TTL and prune boundaries.
	Clock func() time.Time
	// OnPrune is invoked (outside the registry lock) for every channel the
	// sweep deletes, so dependent state can be reclaimed.
	OnPrune func(channelID string)
}

// Registry owns channel identity, authentication, and liveness state.
type Registry struct {
	mu       sync.RWMutex
	channels map[string]models.Channel

	ttl        time.Duration
	sweepEvery time.Duration
	pruneAfter time.Duration
	logger     *slog.Logger
	now        func() time.Time
	onPrune    func(string)
}

// RegisterParams carries the caller-supplied channel attributes.
type RegisterParams struct {
	Name     string
	Category string
	AgentID  string
	Metadata map[string]string
}

// ListFilter narrows List results. Empty fields match everything.
type ListFilter struct {
	Status   string
	Category string
}

// NewRegistry initialises a registry using the provided configuration.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	ttl := cfg.HeartbeatTTL
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL
	}
	sweepEvery := cfg.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}
	pruneAfter := cfg.PruneAfter
	if pruneAfter <= 0 {
		pruneAfter = DefaultPruneAfter
	}
	if ttl < sweepEvery {
		logger.Warn("heartbeat TTL is shorter than the sweep interval, channels may flap",
			"ttl", ttl, "sweep_interval", sweepEvery)
	}
	return &Registry{
		channels:   make(map[string]models.Channel),
		ttl:        ttl,
		sweepEvery: sweepEvery,
		pruneAfter: pruneAfter,
		logger:     logger,
		now:        now,
		onPrune:    cfg.OnPrune,
	}
}

// Register creates a channel with a fresh id and secret and marks it live.
// The plaintext secret is returned once and never stored.
func (r *Registry) Register(params RegisterParams) (models.Channel, string, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return models.Channel{}, "", fmt.Errorf("channel name is required")
	}
	secret, err := newSecret()
	if err != nil {
		return models.Channel{}, "", err
	}
	hashed, err := hashSecret(secret)
	if err != nil {
		return models.Channel{}, "", fmt.Errorf("hash secret: %w", err)
	}
	now := r.now()
	channel := models.Channel{
		ID:            uuid.NewString(),
		Name:          name,
		Category:      strings.TrimSpace(params.Category),
		AgentID:       strings.TrimSpace(params.AgentID),
		SecretHash:    hashed,
		Status:        models.StatusLive,
		RegisteredAt:  now,
		LastHeartbeat: now,
		Metadata:      cloneMetadata(params.Metadata),
	}

	r.mu.Lock()
	r.channels[channel.ID] = channel
	r.mu.Unlock()

	r.logger.Info("channel registered", "channel_id", channel.ID, "name", channel.Name, "agent_id", channel.AgentID)
	return channel, secret, nil
}

// Get returns the channel with the given id.
func (r *Registry) Get(id string) (models.Channel, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	channel, ok := r.channels[id]
	return channel, ok
}

// List returns channels matching the filter, newest-registered first.
func (r *Registry) List(filter ListFilter) []models.Channel {
	r.mu.RLock()
	out := make([]models.Channel, 0, len(r.channels))
	for _, channel := range r.channels {
		if filter.Status != "" && channel.Status != filter.Status {
			continue
		}
		if filter.Category != "" && !strings.EqualFold(channel.Category, filter.Category) {
			continue
		}
		out = append(out, channel)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].RegisteredAt.After(out[j].RegisteredAt)
	})
	return out
}

// Heartbeat refreshes the channel's liveness clock after verifying the secret.
func (r *Registry) Heartbeat(id, secret string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	channel, ok := r.channels[id]
	if !ok {
		return ErrChannelNotFound
	}
	if err := verifySecret(channel.SecretHash, secret); err != nil {
		return err
	}
	channel.LastHeartbeat = r.now()
	channel.Status = models.StatusLive
	r.channels[id] = channel
	return nil
}

// RefreshHeartbeat refreshes liveness without a secret check. It is used by
// the agent connection manager for frames arriving on an already
// authenticated connection.
func (r *Registry) RefreshHeartbeat(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channel, ok := r.channels[id]
	if !ok {
		return
	}
	channel.LastHeartbeat = r.now()
	channel.Status = models.StatusLive
	r.channels[id] = channel
}

// Deregister removes the channel after verifying the secret. It returns
// false when the channel does not exist; callers are responsible for
// reclaiming dependent state (presence, fan-out, history) on success.
func (r *Registry) Deregister(id, secret string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channel, ok := r.channels[id]
	if !ok {
		return false, nil
	}
	if err := verifySecret(channel.SecretHash, secret); err != nil {
		return false, err
	}
	delete(r.channels, id)
	r.logger.Info("channel deregistered", "channel_id", id, "name", channel.Name)
	return true, nil
}

// MarkOffline flips the channel to offline. Missing channels are ignored.
func (r *Registry) MarkOffline(id string) {
	r.setStatus(id, models.StatusOffline)
}

// MarkLive flips the channel to live. Missing channels are ignored.
func (r *Registry) MarkLive(id string) {
	r.setStatus(id, models.StatusLive)
}

func (r *Registry) setStatus(id, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	channel, ok := r.channels[id]
	if !ok {
		return
	}
	channel.Status = status
	r.channels[id] = channel
}

// ValidateSecret reports whether the secret matches the channel. It never
// returns an error; unknown channels simply fail validation.
func (r *Registry) ValidateSecret(id, secret string) bool {
	r.mu.RLock()
	channel, ok := r.channels[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return verifySecret(channel.SecretHash, secret) == nil
}

// Len reports the number of registered channels.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}

// Run drives the background sweep until the context is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Sweep applies the two-stage expiry policy once: live channels whose last
// heartbeat is older than the TTL go offline, and offline channels idle for
// longer than the prune threshold are deleted. It returns the ids affected
// by each stage.
func (r *Registry) Sweep() (offlined, pruned []string) {
	now := r.now()

	r.mu.Lock()
	for id, channel := range r.channels {
		idle := now.Sub(channel.LastHeartbeat)
		switch channel.Status {
		case models.StatusLive:
			if idle > r.ttl {
				channel.Status = models.StatusOffline
				r.channels[id] = channel
				offlined = append(offlined, id)
			}
		case models.StatusOffline:
			if idle > r.pruneAfter {
				delete(r.channels, id)
				pruned = append(pruned, id)
			}
		}
	}
	r.mu.Unlock()

	for _, id := range offlined {
		r.logger.Info("channel heartbeat expired", "channel_id", id, "ttl", r.ttl)
	}
	for _, id := range pruned {
		r.logger.Info("channel pruned", "channel_id", id, "idle_threshold", r.pruneAfter)
		if r.onPrune != nil {
			r.onPrune(id)
		}
	}
	return offlined, pruned
}

func cloneMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for key, value := range metadata {
		out[key] = value
	}
	return out
}
