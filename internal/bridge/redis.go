package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"agentcast/internal/models"
)

// DefaultNamespace prefixes the backend channel names.
const DefaultNamespace = "agentcast"

// RedisConfig configures the Redis-backed bridge.
type RedisConfig struct {
	// URL is a redis:// or rediss:// connection string.
	URL       string
	Namespace string
	Local     Local
	Logger    *slog.Logger
	// DialTimeout bounds the initial connectivity check.
	DialTimeout time.Duration
}

// NewRedis connects to the backend, starts the inbound subscriber, and
// returns an enabled bridge. The caller is expected to fall back to the
// no-op bridge when this fails.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	if cfg.Local == nil {
		return nil, fmt.Errorf("local injector is required")
	}
	opts, err := redis.ParseURL(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	namespace := strings.TrimSpace(cfg.Namespace)
	if namespace == "" {
		namespace = DefaultNamespace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	b := &Redis{
		client:    client,
		namespace: namespace,
		instance:  uuid.NewString(),
		local:     cfg.Local,
		logger:    logger,
		stop:      stop,
		done:      make(chan struct{}),
	}
	pubsub := client.PSubscribe(ctx, b.eventPattern(), b.chatPattern())
	go b.run(ctx, pubsub)
	return b, nil
}

// Redis mirrors fan-out traffic through Redis pub/sub. Outbound messages
// carry this instance's id; inbound messages carrying the same id are
// dropped so local emissions never loop back.
type Redis struct {
	client    *redis.Client
	namespace string
	instance  string
	local     Local
	logger    *slog.Logger
	stop      context.CancelFunc
	done      chan struct{}
}

type envelope struct {
	Source string              `json:"source"`
	Event  *models.StreamEvent `json:"event,omitempty"`
	Chat   *models.ChatMessage `json:"chat,omitempty"`
}

// PublishEvent mirrors a locally emitted stream event to other instances.
func (b *Redis) PublishEvent(ctx context.Context, event models.StreamEvent) error {
	payload, err := json.Marshal(envelope{Source: b.instance, Event: &event})
	if err != nil {
		return fmt.Errorf("marshal event envelope: %w", err)
	}
	key := fmt.Sprintf("%s:events:%s", b.namespace, event.ChannelID)
	return b.client.Publish(ctx, key, payload).Err()
}

// PublishChat mirrors a locally sent chat message to other instances.
func (b *Redis) PublishChat(ctx context.Context, message models.ChatMessage) error {
	payload, err := json.Marshal(envelope{Source: b.instance, Chat: &message})
	if err != nil {
		return fmt.Errorf("marshal chat envelope: %w", err)
	}
	key := fmt.Sprintf("%s:chat:%s", b.namespace, message.ChannelID)
	return b.client.Publish(ctx, key, payload).Err()
}

// Enabled reports that the bridge has a live backend.
func (b *Redis) Enabled() bool { return true }

// InstanceID exposes the source tag attached to outbound messages.
func (b *Redis) InstanceID() string { return b.instance }

// Close stops the subscriber loop and releases the client.
func (b *Redis) Close() error {
	b.stop()
	<-b.done
	return b.client.Close()
}

func (b *Redis) run(ctx context.Context, pubsub *redis.PubSub) {
	defer close(b.done)
	defer pubsub.Close()
	messages := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			b.dispatch(msg)
		}
	}
}

func (b *Redis) dispatch(msg *redis.Message) {
	var env envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Warn("bridge decode failed", "channel", msg.Channel, "error", err)
		return
	}
	if env.Source == b.instance {
		return
	}
	switch {
	case env.Event != nil:
		b.local.InjectEvent(*env.Event)
	case env.Chat != nil:
		b.local.InjectChat(*env.Chat)
	default:
		b.logger.Warn("bridge envelope carried no payload", "channel", msg.Channel)
	}
}

func (b *Redis) eventPattern() string {
	return b.namespace + ":events:*"
}

func (b *Redis) chatPattern() string {
	return b.namespace + ":chat:*"
}

// IsUnavailable reports whether the error looks like a backend
// connectivity failure rather than a configuration mistake.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") || strings.Contains(msg, "ping redis")
}
