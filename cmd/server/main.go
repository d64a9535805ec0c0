// Command server starts the Agentcast relay HTTP service.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"agentcast/internal/agent"
	"agentcast/internal/api"
	"agentcast/internal/bridge"
	"agentcast/internal/observability/logging"
	"agentcast/internal/observability/metrics"
	"agentcast/internal/relay"
	"agentcast/internal/server"
	"agentcast/internal/serverutil"
)

func main() {
	// A missing .env file is not an error.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	corsOrigins := flag.String("cors-origins", "", "comma separated allowed CORS origins")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	heartbeatTTL := flag.Duration("heartbeat-ttl", 0, "how long a channel stays live without a heartbeat")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between liveness sweeps")
	pruneAfter := flag.Duration("prune-after", 0, "how long offline channels are retained before deletion")
	pingInterval := flag.Duration("agent-ping-interval", 0, "interval between pings on agent sockets")
	reconnectGrace := flag.Duration("reconnect-grace", 0, "window after an agent disconnect before the channel goes offline")
	chatHistory := flag.Int("chat-history", 0, "per-channel chat history capacity")
	eventBuffer := flag.Int("event-buffer", 0, "per-subscriber event delivery buffer")
	redisURL := flag.String("redis-url", "", "redis:// or rediss:// URL for the cross-instance bridge")
	redisNamespace := flag.String("redis-namespace", "", "key namespace for bridge pub/sub channels")
	shutdownTimeout := flag.Duration("shutdown-timeout", 0, "graceful shutdown timeout")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("AGENTCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("AGENTCAST_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	registry := relay.NewRegistry(relay.RegistryConfig{
		HeartbeatTTL:  resolveDuration(*heartbeatTTL, "AGENTCAST_HEARTBEAT_TTL", relay.DefaultHeartbeatTTL),
		SweepInterval: resolveDuration(*sweepInterval, "AGENTCAST_SWEEP_INTERVAL", relay.DefaultSweepInterval),
		PruneAfter:    resolveDuration(*pruneAfter, "AGENTCAST_PRUNE_AFTER", relay.DefaultPruneAfter),
		Logger:        logging.WithComponent(logger, "registry"),
	})
	service := relay.NewService(relay.ServiceConfig{
		Registry: registry,
		Presence: relay.NewPresence(),
		Events:   relay.NewEventFanout(resolveInt(*eventBuffer, "AGENTCAST_EVENT_BUFFER"), logging.WithComponent(logger, "events")),
		Chat:     relay.NewChatFanout(resolveInt(*chatHistory, "AGENTCAST_CHAT_HISTORY"), 0, logging.WithComponent(logger, "chat")),
		Logger:   logger,
		Metrics:  recorder,
	})
	service.SetBridge(configureBridge(service, firstNonEmpty(*redisURL, os.Getenv("AGENTCAST_REDIS_URL")),
		firstNonEmpty(*redisNamespace, os.Getenv("AGENTCAST_REDIS_NAMESPACE")), logger))
	defer func() {
		if err := service.Bridge().Close(); err != nil {
			logger.Warn("failed to close bridge", "error", err)
		}
	}()

	agents := agent.NewManager(agent.ManagerConfig{
		Service:        service,
		PingInterval:   resolveDuration(*pingInterval, "AGENTCAST_AGENT_PING_INTERVAL", agent.DefaultPingInterval),
		ReconnectGrace: resolveDuration(*reconnectGrace, "AGENTCAST_RECONNECT_GRACE", agent.DefaultReconnectGrace),
		Logger:         logging.WithComponent(logger, "agent"),
		Metrics:        recorder,
	})
	defer agents.Shutdown()

	handler := api.NewHandler(service, agents, logger, recorder)

	listenAddr := firstNonEmpty(*addr, os.Getenv("AGENTCAST_ADDR"), ":8080")
	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: serverutil.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("AGENTCAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("AGENTCAST_TLS_KEY")),
		},
		CORS: server.CORSConfig{
			Origins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("AGENTCAST_CORS_ORIGINS"))),
		},
		Logger:          logger,
		Metrics:         recorder,
		ShutdownTimeout: resolveDuration(*shutdownTimeout, "AGENTCAST_SHUTDOWN_TIMEOUT", serverutil.DefaultShutdownTimeout),
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		registry.Run(groupCtx)
		return nil
	})
	ready := make(chan struct{})
	group.Go(func() error {
		return srv.Run(groupCtx, ready)
	})

	select {
	case <-ready:
		logger.Info("agentcast relay listening", "addr", listenAddr)
		logger.Info("metrics endpoint available", "path", "/metrics")
	case <-groupCtx.Done():
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

// configureBridge returns the Redis bridge when a URL is configured and
// reachable, otherwise the no-op bridge. Backend connectivity failures
// degrade to single-instance operation rather than refusing to start.
func configureBridge(service *relay.Service, redisURL, namespace string, logger *slog.Logger) bridge.Bridge {
	if redisURL == "" {
		return bridge.NewNoop()
	}
	b, err := bridge.NewRedis(bridge.RedisConfig{
		URL:       redisURL,
		Namespace: namespace,
		Local:     service,
		Logger:    logging.WithComponent(logger, "bridge"),
	})
	if err != nil {
		if bridge.IsUnavailable(err) {
			logger.Warn("redis bridge unavailable, continuing without cross-instance fan-out", "error", err)
			return bridge.NewNoop()
		}
		logger.Error("failed to configure redis bridge", "error", err)
		os.Exit(1)
	}
	logger.Info("redis bridge connected", "namespace", firstNonEmpty(namespace, bridge.DefaultNamespace), "instance", b.InstanceID())
	return b
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := strconv.Atoi(env); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := strings.TrimSpace(os.Getenv(envKey)); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
