package reconcile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
)

// ErrDuplicateEvent is returned when an event's external id already has an
// audit row. The uniqueness constraint in storage, not this check, is the
// serialization point: two concurrent deliveries race to insert and exactly
// one wins.
var ErrDuplicateEvent = errors.New("duplicate billing event")

// BillingEvent is the raw audit copy of one accepted processor event
type BillingEvent struct {
	ID              int64      `json:"id"`
	ExternalEventID string     `json:"external_event_id"`
	Kind            string     `json:"kind"`
	Payload         []byte     `json:"payload"`
	Processed       bool       `json:"processed"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	ReceivedAt      time.Time  `json:"received_at"`
}

// AuditStore defines the interface for the billing event audit table
type AuditStore interface {
	// Insert persists the audit row, returning ErrDuplicateEvent if the
	// external event id already exists
	Insert(ctx context.Context, ev *BillingEvent) error

	// Get returns the audit row for an external event id
	Get(ctx context.Context, externalEventID string) (*BillingEvent, error)

	// MarkProcessed flags the audit row after its effect was applied
	MarkProcessed(ctx context.Context, externalEventID string) error

	// PruneBefore deletes processed audit rows received before the cutoff
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresAuditStore implements AuditStore using PostgreSQL
type PostgresAuditStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresAuditStore creates a new PostgresAuditStore
func NewPostgresAuditStore(db *sql.DB) *PostgresAuditStore {
	return &PostgresAuditStore{db: db, now: time.Now}
}

// WithClock overrides the store's clock, for tests
func (s *PostgresAuditStore) WithClock(now func() time.Time) *PostgresAuditStore {
	s.now = now
	return s
}

// Insert persists the audit row. The UNIQUE constraint on
// external_event_id makes the insert itself the dedup point.
func (s *PostgresAuditStore) Insert(ctx context.Context, ev *BillingEvent) error {
	ev.ReceivedAt = s.now().UTC()
	query := `
		INSERT INTO billing_events (external_event_id, kind, payload, processed, received_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		ev.ExternalEventID, ev.Kind, ev.Payload, false, ev.ReceivedAt,
	).Scan(&ev.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateEvent
		}
		return fmt.Errorf("failed to insert billing event: %w", err)
	}
	return nil
}

// Get returns the audit row for an external event id
func (s *PostgresAuditStore) Get(ctx context.Context, externalEventID string) (*BillingEvent, error) {
	query := `
		SELECT id, external_event_id, kind, payload, processed, processed_at, received_at
		FROM billing_events
		WHERE external_event_id = $1
	`
	ev := &BillingEvent{}
	var processedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, externalEventID).Scan(
		&ev.ID, &ev.ExternalEventID, &ev.Kind, &ev.Payload,
		&ev.Processed, &processedAt, &ev.ReceivedAt,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("billing event %s not found", externalEventID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing event: %w", err)
	}
	if processedAt.Valid {
		t := processedAt.Time
		ev.ProcessedAt = &t
	}
	return ev, nil
}

// MarkProcessed flags the audit row after its effect was applied
func (s *PostgresAuditStore) MarkProcessed(ctx context.Context, externalEventID string) error {
	query := `
		UPDATE billing_events
		SET processed = $1, processed_at = $2
		WHERE external_event_id = $3
	`
	result, err := s.db.ExecContext(ctx, query, true, s.now().UTC(), externalEventID)
	if err != nil {
		return fmt.Errorf("failed to mark billing event processed: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("billing event %s not found", externalEventID)
	}
	return nil
}

// PruneBefore deletes processed audit rows received before the cutoff.
// Unprocessed rows are kept regardless of age for investigation.
func (s *PostgresAuditStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM billing_events WHERE processed = $1 AND received_at < $2`
	result, err := s.db.ExecContext(ctx, query, true, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune billing events: %w", err)
	}
	return result.RowsAffected()
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
