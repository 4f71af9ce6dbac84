// Package storage opens the engine's backing connections and owns the
// database schema.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/subledger/subledger/pkg/config"
)

// NewDB opens the PostgreSQL pool and verifies connectivity
func NewDB(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// schema is the engine's full DDL. The partial unique index on
// subscriptions enforces one live subscription per account; the unique
// external ids on billing_events and invoices make webhook processing and
// invoice mirroring idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id BIGSERIAL PRIMARY KEY,
	account_id BIGINT NOT NULL,
	plan_id TEXT NOT NULL,
	cycle TEXT NOT NULL,
	status TEXT NOT NULL,
	current_period_start TIMESTAMPTZ NOT NULL,
	current_period_end TIMESTAMPTZ NOT NULL,
	cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
	processor_subscription_id TEXT,
	processor_customer_id TEXT,
	canceled_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS ux_subscriptions_live_account
	ON subscriptions(account_id) WHERE status != 'canceled';

CREATE INDEX IF NOT EXISTS ix_subscriptions_processor_id
	ON subscriptions(processor_subscription_id);

CREATE TABLE IF NOT EXISTS usage_records (
	id BIGSERIAL PRIMARY KEY,
	account_id BIGINT NOT NULL,
	subscription_id BIGINT NOT NULL,
	resource TEXT NOT NULL,
	quantity BIGINT NOT NULL,
	metadata JSONB,
	period_start TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_usage_records_period
	ON usage_records(account_id, resource, period_start);

CREATE INDEX IF NOT EXISTS ix_usage_records_created
	ON usage_records(account_id, resource, created_at);

CREATE TABLE IF NOT EXISTS invoices (
	id BIGSERIAL PRIMARY KEY,
	account_id BIGINT NOT NULL,
	subscription_id BIGINT NOT NULL,
	external_invoice_id TEXT NOT NULL UNIQUE,
	amount_cents BIGINT NOT NULL,
	currency TEXT NOT NULL,
	status TEXT NOT NULL,
	line_items TEXT,
	paid_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_invoices_account
	ON invoices(account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS billing_events (
	id BIGSERIAL PRIMARY KEY,
	external_event_id TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	payload BYTEA,
	processed BOOLEAN NOT NULL DEFAULT FALSE,
	processed_at TIMESTAMPTZ,
	received_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS notifications (
	id TEXT PRIMARY KEY,
	account_id BIGINT NOT NULL,
	kind TEXT NOT NULL,
	external_event_id TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS ix_notifications_account
	ON notifications(account_id, created_at DESC);
`

// EnsureSchema applies the engine's DDL. Statements are idempotent.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
