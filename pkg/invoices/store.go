// Package invoices mirrors processor-side invoices locally. Rows are
// upserted keyed by the processor's invoice id because webhook delivery
// repeats; creation must be idempotent.
package invoices

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Status represents the status of an invoice
type Status string

const (
	StatusDraft         Status = "draft"
	StatusOpen          Status = "open"
	StatusPaid          Status = "paid"
	StatusVoid          Status = "void"
	StatusUncollectible Status = "uncollectible"
)

// Invoice is a local mirror of one processor-side invoice
type Invoice struct {
	ID                int64      `json:"id"`
	AccountID         int64      `json:"account_id"`
	SubscriptionID    int64      `json:"subscription_id"`
	ExternalInvoiceID string     `json:"external_invoice_id"`
	AmountCents       int64      `json:"amount_cents"`
	Currency          string     `json:"currency"`
	Status            Status     `json:"status"`
	LineItems         string     `json:"line_items,omitempty"`
	PaidAt            *time.Time `json:"paid_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Store defines the interface for the invoice mirror
type Store interface {
	// Upsert inserts or refreshes the mirror row for an external invoice
	Upsert(ctx context.Context, invoice *Invoice) error

	// ListByAccount returns the account's invoices, newest first
	ListByAccount(ctx context.Context, accountID int64, limit int) ([]*Invoice, error)
}

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// WithClock overrides the store's clock, for tests
func (s *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	s.now = now
	return s
}

// Upsert inserts or refreshes the mirror row, keyed by the unique external
// invoice id
func (s *PostgresStore) Upsert(ctx context.Context, invoice *Invoice) error {
	now := s.now().UTC()
	query := `
		INSERT INTO invoices (account_id, subscription_id, external_invoice_id,
			amount_cents, currency, status, line_items, paid_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (external_invoice_id) DO UPDATE
		SET amount_cents = excluded.amount_cents,
		    currency = excluded.currency,
		    status = excluded.status,
		    line_items = excluded.line_items,
		    paid_at = excluded.paid_at,
		    updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query,
		invoice.AccountID, invoice.SubscriptionID, invoice.ExternalInvoiceID,
		invoice.AmountCents, invoice.Currency, invoice.Status, invoice.LineItems,
		invoice.PaidAt, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert invoice: %w", err)
	}
	return nil
}

// ListByAccount returns the account's invoices, newest first
func (s *PostgresStore) ListByAccount(ctx context.Context, accountID int64, limit int) ([]*Invoice, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, account_id, subscription_id, external_invoice_id,
		       amount_cents, currency, status, line_items, paid_at,
		       created_at, updated_at
		FROM invoices
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var out []*Invoice
	for rows.Next() {
		invoice := &Invoice{}
		var lineItems sql.NullString
		var paidAt sql.NullTime
		if err := rows.Scan(
			&invoice.ID, &invoice.AccountID, &invoice.SubscriptionID,
			&invoice.ExternalInvoiceID, &invoice.AmountCents, &invoice.Currency,
			&invoice.Status, &lineItems, &paidAt,
			&invoice.CreatedAt, &invoice.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		if lineItems.Valid {
			invoice.LineItems = lineItems.String
		}
		if paidAt.Valid {
			t := paidAt.Time
			invoice.PaidAt = &t
		}
		out = append(out, invoice)
	}
	return out, rows.Err()
}
