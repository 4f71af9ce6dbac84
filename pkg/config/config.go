// Package config loads the engine's configuration from SUBLEDGER_*
// environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/subledger/subledger/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Postgres      PostgresConfig
	Redis         RedisConfig
	Stripe        StripeConfig
	Retention     RetentionConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// PostgresConfig holds database connection configuration
type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig holds the shared counter backend configuration. Redis is
// optional; without it burst checks fall back to ledger sums.
type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// StripeConfig holds payment processor configuration. Prices maps
// "planID:cycle" to the processor's price reference.
type StripeConfig struct {
	APIKey        string
	WebhookSecret string
	Timeout       time.Duration
	Prices        map[string]string
}

// RetentionConfig holds the sweeper's retention windows
type RetentionConfig struct {
	UsageRecords  time.Duration
	BillingEvents time.Duration
	Schedule      string
}

// ObservabilityConfig holds logging and metrics settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("SUBLEDGER_HOST", "0.0.0.0"),
			Port:            getEnv("SUBLEDGER_PORT", "8080"),
			ReadTimeout:     getEnvDuration("SUBLEDGER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("SUBLEDGER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("SUBLEDGER_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("SUBLEDGER_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Postgres: PostgresConfig{
			URL:             getEnv("SUBLEDGER_POSTGRES_URL", ""),
			MaxOpenConns:    getEnvInt("SUBLEDGER_POSTGRES_MAX_CONNS", 25),
			MaxIdleConns:    getEnvInt("SUBLEDGER_POSTGRES_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("SUBLEDGER_POSTGRES_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			Enabled:  getEnvBool("SUBLEDGER_REDIS_ENABLED", true),
			Addr:     getEnv("SUBLEDGER_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("SUBLEDGER_REDIS_PASSWORD", ""),
			DB:       getEnvInt("SUBLEDGER_REDIS_DB", 0),
		},
		Stripe: StripeConfig{
			APIKey:        getEnv("SUBLEDGER_STRIPE_API_KEY", ""),
			WebhookSecret: getEnv("SUBLEDGER_STRIPE_WEBHOOK_SECRET", ""),
			Timeout:       getEnvDuration("SUBLEDGER_STRIPE_TIMEOUT", 10*time.Second),
			Prices:        parsePriceRefs(getEnv("SUBLEDGER_STRIPE_PRICES", "")),
		},
		Retention: RetentionConfig{
			UsageRecords:  getEnvDuration("SUBLEDGER_USAGE_RETENTION", 24*365*time.Hour),
			BillingEvents: getEnvDuration("SUBLEDGER_EVENT_RETENTION", 24*180*time.Hour),
			Schedule:      getEnv("SUBLEDGER_SWEEP_SCHEDULE", "0 3 * * *"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       parseLogLevel(getEnv("SUBLEDGER_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("SUBLEDGER_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Postgres.URL == "" {
		return fmt.Errorf("postgres URL is required")
	}
	if c.Stripe.APIKey == "" {
		return fmt.Errorf("stripe API key is required")
	}
	if c.Stripe.WebhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is required")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis addr is required when redis is enabled")
	}
	return nil
}

// parsePriceRefs parses "pro-v1:monthly=price_abc,pro-v1:yearly=price_def"
func parsePriceRefs(raw string) map[string]string {
	prices := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found || key == "" || value == "" {
			continue
		}
		prices[key] = value
	}
	return prices
}

// parseLogLevel parses a log level string
func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
