// Package config loads runtime settings from the environment (and an optional .env file).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Pub/sub backends understood by storage.Open.
const (
	PubSubRedis    = "redis"
	PubSubPostgres = "postgres"
)

type Config struct {
	HTTPAddr string `envconfig:"HTTP_ADDR" default:":8080"`

	// DatabaseDSN selects the Postgres store. When empty the in-memory store is used.
	DatabaseDSN   string `envconfig:"DATABASE_DSN"`
	PubSubBackend string `envconfig:"PUBSUB_BACKEND" default:"redis"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0"`

	JWTSecret string        `envconfig:"JWT_SECRET" required:"true"`
	TokenTTL  time.Duration `envconfig:"TOKEN_TTL" default:"72h"`

	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN"`

	GeminiAPIKey string `envconfig:"GEMINI_API_KEY"`
	GeminiModel  string `envconfig:"GEMINI_MODEL" default:"gemini-2.5-flash"`

	// WaitingRoomTTL bounds how long an abandoned waiting room survives. Zero disables the sweep.
	WaitingRoomTTL time.Duration `envconfig:"WAITING_ROOM_TTL" default:"1h"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`

	LogLevel      string `envconfig:"LOG_LEVEL" default:"INFO"`
	DefaultLocale string `envconfig:"DEFAULT_LOCALE" default:"pt"`
}

// Load reads .env (if present) and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values envconfig cannot express.
func (c Config) Validate() error {
	switch strings.ToLower(c.PubSubBackend) {
	case PubSubRedis, PubSubPostgres:
	default:
		return fmt.Errorf("PUBSUB_BACKEND must be %q or %q, got %q", PubSubRedis, PubSubPostgres, c.PubSubBackend)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive, got %s", c.SweepInterval)
	}
	return nil
}
