package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv string `env:"APP_ENV" default:"development"`
	Port   string `env:"PORT" default:"8080"`

	// Collaborator endpoints. Redis and Postgres are optional: when unset the
	// in-memory moderation store and message log are used (single-box mode).
	DatabaseURL     string `env:"DATABASE_URL"`
	RedisURL        string `env:"REDIS_URL"`
	ControlPlaneURL string `env:"CONTROL_PLANE_URL"`

	// Shared HS256 key the control-plane auth service signs credentials with.
	TokenSigningKey string `env:"TOKEN_SIGNING_KEY"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	MaxConnections   int           `env:"MAX_CONNECTIONS" default:"10000"`
	SendBufferSize   int           `env:"SEND_BUFFER_SIZE" default:"16"`
	MessageMaxLength int           `env:"MESSAGE_MAX_LENGTH" default:"2000"`
	PresenceInterval time.Duration `env:"PRESENCE_INTERVAL" default:"5s"`
	WebhookWorkers   int           `env:"WEBHOOK_WORKERS" default:"8"`
	WebhookTimeout   time.Duration `env:"WEBHOOK_TIMEOUT" default:"5s"`

	// Boundary rate ceilings, tokens per second with a burst allowance.
	MessageRate     float64 `env:"MESSAGE_RATE" default:"5"`
	MessageBurst    int     `env:"MESSAGE_BURST" default:"10"`
	ReactionRate    float64 `env:"REACTION_RATE" default:"10"`
	ReactionBurst   int     `env:"REACTION_BURST" default:"20"`
	ModerationRate  float64 `env:"MODERATION_RATE" default:"2"`
	ModerationBurst int     `env:"MODERATION_BURST" default:"5"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.TokenSigningKey == "" {
		return errors.New("TOKEN_SIGNING_KEY is required")
	}
	if len(cfg.TokenSigningKey) < 16 {
		return errors.New("TOKEN_SIGNING_KEY must be at least 16 characters")
	}
	if cfg.WebhookWorkers < 1 {
		return errors.New("WEBHOOK_WORKERS must be at least 1")
	}
	if cfg.SendBufferSize < 1 {
		return errors.New("SEND_BUFFER_SIZE must be at least 1")
	}
	if cfg.PresenceInterval < time.Second {
		return fmt.Errorf("PRESENCE_INTERVAL must be at least 1s, got %s", cfg.PresenceInterval)
	}
	return nil
}
