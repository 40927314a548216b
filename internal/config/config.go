package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port            string
	PostgresDSN     string
	RedisAddr       string
	KafkaBrokers    []string
	GatewayBaseURL  string
	GatewaySecret   string
	WebhookSecret   string
	GatewayTimeout  time.Duration
	SweepInterval   time.Duration
	SweepBatchSize  int
	SweepPendingAge time.Duration
	SweepRunTimeout time.Duration
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using env vars only", "error", err)
	}

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		PostgresDSN:     getEnv("POSTGRES_DSN", "host=localhost user=postgres password=postgres dbname=tickethub sslmode=disable"),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		KafkaBrokers:    []string{getEnv("KAFKA_BROKER", "localhost:9092")},
		GatewayBaseURL:  getEnv("GATEWAY_BASE_URL", "https://api.paygate.example.com"),
		GatewaySecret:   os.Getenv("GATEWAY_SECRET_KEY"),
		WebhookSecret:   os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		GatewayTimeout:  getDuration("GATEWAY_TIMEOUT", 15*time.Second),
		SweepInterval:   getDuration("SWEEP_INTERVAL", 10*time.Minute),
		SweepBatchSize:  getInt("SWEEP_BATCH_SIZE", 100),
		SweepPendingAge: getDuration("SWEEP_PENDING_AGE", 30*time.Minute),
		SweepRunTimeout: getDuration("SWEEP_RUN_TIMEOUT", 5*time.Minute),
	}

	// Most gateways sign webhooks with the same secret key used for API
	// calls; a dedicated webhook secret overrides when set.
	if cfg.WebhookSecret == "" {
		cfg.WebhookSecret = cfg.GatewaySecret
	}

	slog.Info("config loaded",
		"port", cfg.Port,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"gateway_base_url", cfg.GatewayBaseURL,
		"sweep_interval", cfg.SweepInterval,
		"sweep_batch_size", cfg.SweepBatchSize)
	return cfg
}

// Validate checks the credentials the service cannot run without. Missing
// secrets are fatal at startup rather than discovered on the first webhook.
func (c *Config) Validate() error {
	if c.GatewaySecret == "" {
		return fmt.Errorf("missing required env var GATEWAY_SECRET_KEY")
	}
	if c.WebhookSecret == "" {
		return fmt.Errorf("missing required env var GATEWAY_WEBHOOK_SECRET")
	}
	if c.PostgresDSN == "" {
		return fmt.Errorf("missing required env var POSTGRES_DSN")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("invalid int env var, using default", "key", key, "value", v)
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration env var, using default", "key", key, "value", v)
		return fallback
	}
	return d
}
