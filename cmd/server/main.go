package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/realcast/chatcore/internal/chat"
	"github.com/realcast/chatcore/internal/config"
	"github.com/realcast/chatcore/internal/controlplane"
	"github.com/realcast/chatcore/internal/domain"
	"github.com/realcast/chatcore/internal/identity"
	"github.com/realcast/chatcore/internal/moderation"
	"github.com/realcast/chatcore/internal/platform/logging"
	"github.com/realcast/chatcore/internal/postgres"
	"github.com/realcast/chatcore/internal/presence"
	"github.com/realcast/chatcore/internal/registry"
	"github.com/realcast/chatcore/internal/server"
	"github.com/realcast/chatcore/internal/webhook"
)

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupModerationStore prefers Redis; without REDIS_URL the process falls
// back to the in-memory store (single-box mode).
func setupModerationStore(cfg *config.Config, clock clockwork.Clock, checks *[]server.HealthCheck) moderation.Store {
	if cfg.RedisURL == "" {
		slog.Info("REDIS_URL not set, using in-memory moderation store")
		return moderation.NewInMemoryStore(clock)
	}

	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("Failed to parse Redis URL", "error", err)
		os.Exit(1)
	}
	client := goredis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	*checks = append(*checks, server.HealthCheck{
		Name:  "redis",
		Check: func(ctx context.Context) error { return client.Ping(ctx).Err() },
	})
	slog.Info("Redis connected")
	return moderation.NewRedisStore(client, clock)
}

// setupMessageLog prefers Postgres; without DATABASE_URL messages live in
// process memory only.
func setupMessageLog(cfg *config.Config, checks *[]server.HealthCheck) chat.MessageLog {
	if cfg.DatabaseURL == "" {
		slog.Info("DATABASE_URL not set, using in-memory message log")
		return chat.NewInMemoryLog()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}

	*checks = append(*checks, server.HealthCheck{
		Name:  "postgres",
		Check: func(ctx context.Context) error { return pool.Ping(ctx) },
	})
	return postgres.NewMessageLog(pool)
}

// setupControlPlane wires role lookups and subscription reads. Without a
// control plane everyone is a plain member and no webhooks fire.
func setupControlPlane(cfg *config.Config) (domain.RoleLookup, domain.SubscriptionSource) {
	if cfg.ControlPlaneURL == "" {
		slog.Warn("CONTROL_PLANE_URL not set, moderation roles and webhook subscriptions are disabled")
		return &controlplane.StaticRoles{}, &controlplane.StaticSubscriptions{}
	}
	client := controlplane.NewClient(cfg.ControlPlaneURL)
	return client, client
}

func main() {
	clock := clockwork.NewRealClock()
	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port)

	var healthChecks []server.HealthCheck
	store := setupModerationStore(cfg, clock, &healthChecks)
	messageLog := setupMessageLog(cfg, &healthChecks)
	roles, subscriptions := setupControlPlane(cfg)

	deliveryLog := webhook.NewInMemoryDeliveryLog()
	dispatcher := webhook.NewDispatcher(subscriptions, deliveryLog, clock, cfg.WebhookWorkers, cfg.WebhookTimeout)

	rooms := registry.New()
	engine := moderation.NewEngine(store, roles, rooms, messageLog, dispatcher, clock)
	pipeline := chat.NewPipeline(messageLog, engine, rooms, clock, cfg.MessageMaxLength)
	verifier := identity.NewJWTVerifier(cfg.TokenSigningKey, clock)
	session := server.NewSessionHandler(verifier, rooms, pipeline, engine, clock, cfg)

	presenceCtx, stopPresence := context.WithCancel(context.Background())
	aggregator := presence.New(rooms, clock, cfg.PresenceInterval)
	go aggregator.Run(presenceCtx)

	srv := server.NewServer(cfg, session, healthChecks)

	done := runGracefulShutdown(srv, dispatcher, stopPresence)

	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
	slog.Info("Shutdown complete")
}

func runGracefulShutdown(srv *server.Server, dispatcher *webhook.Dispatcher, stopPresence context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		stopPresence()
		dispatcher.Stop()

		close(done)
	}()

	return done
}
