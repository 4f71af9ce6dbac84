package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subledger/subledger/pkg/observability"
)

func setRequiredEnv(t *testing.T) {
	t.Setenv("SUBLEDGER_POSTGRES_URL", "postgres://localhost/subledger")
	t.Setenv("SUBLEDGER_STRIPE_API_KEY", "sk_test_123")
	t.Setenv("SUBLEDGER_STRIPE_WEBHOOK_SECRET", "whsec_123")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 25, cfg.Postgres.MaxOpenConns)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, observability.InfoLevel, cfg.Observability.LogLevel)
	assert.Equal(t, "0 3 * * *", cfg.Retention.Schedule)
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SUBLEDGER_PORT", "9999")
	t.Setenv("SUBLEDGER_LOG_LEVEL", "debug")
	t.Setenv("SUBLEDGER_REDIS_ENABLED", "false")
	t.Setenv("SUBLEDGER_STRIPE_TIMEOUT", "3s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Server.Port)
	assert.Equal(t, observability.DebugLevel, cfg.Observability.LogLevel)
	assert.False(t, cfg.Redis.Enabled)
	assert.Equal(t, 3*time.Second, cfg.Stripe.Timeout)
}

func TestLoadConfigRequiresProcessorCredentials(t *testing.T) {
	t.Setenv("SUBLEDGER_POSTGRES_URL", "postgres://localhost/subledger")
	t.Setenv("SUBLEDGER_STRIPE_API_KEY", "")
	t.Setenv("SUBLEDGER_STRIPE_WEBHOOK_SECRET", "")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestParsePriceRefs(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("SUBLEDGER_STRIPE_PRICES", "pro-v1:monthly=price_abc, pro-v1:yearly=price_def,malformed")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "price_abc", cfg.Stripe.Prices["pro-v1:monthly"])
	assert.Equal(t, "price_def", cfg.Stripe.Prices["pro-v1:yearly"])
	assert.Len(t, cfg.Stripe.Prices, 2)
}
