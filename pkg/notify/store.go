// Package notify persists user-facing notification records produced by the
// billing engine, e.g. on payment failure. Downstream surfaces (email,
// in-app) consume these rows; the engine only writes them.
package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a notification
type Kind string

const (
	KindPaymentFailed Kind = "payment_failed"
)

// Notification is one user-facing notification record
type Notification struct {
	ID        string    `json:"id"`
	AccountID int64     `json:"account_id"`
	Kind      Kind      `json:"kind"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`

	// ExternalEventID is the processor event that produced this
	// notification; the table's uniqueness constraint on it makes writes
	// idempotent under webhook redelivery
	ExternalEventID string `json:"-"`
}

// Store defines the interface for notification persistence
type Store interface {
	// Create inserts one notification keyed by the effecting processor
	// event. It returns nil without error when that event already produced
	// a notification.
	Create(ctx context.Context, accountID int64, kind Kind, externalEventID, title, body string) (*Notification, error)
	ListByAccount(ctx context.Context, accountID int64, limit int) ([]*Notification, error)
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

// Create inserts one notification record. Re-running the same processor
// event is a no-op resolved by the uniqueness constraint, so at-least-once
// webhook delivery still yields exactly one row per event.
func (s *PostgresStore) Create(ctx context.Context, accountID int64, kind Kind, externalEventID, title, body string) (*Notification, error) {
	n := &Notification{
		ID:              uuid.NewString(),
		AccountID:       accountID,
		Kind:            kind,
		Title:           title,
		Body:            body,
		CreatedAt:       s.now().UTC(),
		ExternalEventID: externalEventID,
	}
	query := `
		INSERT INTO notifications (id, account_id, kind, external_event_id, title, body, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (external_event_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query, n.ID, n.AccountID, n.Kind, n.ExternalEventID, n.Title, n.Body, n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}
	if inserted == 0 {
		return nil, nil
	}
	return n, nil
}

// ListByAccount returns the account's notifications, newest first
func (s *PostgresStore) ListByAccount(ctx context.Context, accountID int64, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, account_id, kind, external_event_id, title, body, created_at
		FROM notifications
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := s.db.QueryContext(ctx, query, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n := &Notification{}
		if err := rows.Scan(&n.ID, &n.AccountID, &n.Kind, &n.ExternalEventID, &n.Title, &n.Body, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}
