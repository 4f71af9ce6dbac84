package subscription

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/subledger/subledger/pkg/catalog"
)

// Store defines the interface for subscription persistence
type Store interface {
	// Get returns the account's current subscription row (any status).
	// Returns NoActiveSubscriptionError when the account never subscribed.
	Get(ctx context.Context, accountID int64) (*Subscription, error)

	// GetByProcessorID returns the subscription owning the given external
	// processor subscription id
	GetByProcessorID(ctx context.Context, processorSubID string) (*Subscription, error)

	// Create materializes a subscription row. Called only by webhook
	// reconciliation after the processor confirmed payment, never by
	// direct account action.
	Create(ctx context.Context, sub *Subscription) error

	// UpdatePlan commits a plan/cycle change for the account's live
	// subscription. The caller must have already pushed the change to the
	// external processor; the local row is the second write.
	UpdatePlan(ctx context.Context, accountID int64, planID string, cycle catalog.BillingCycle) (*Subscription, error)

	// SetCancelAtPeriodEnd flips the orthogonal cancellation flag. Status
	// does not change until the processor sends the terminal event.
	SetCancelAtPeriodEnd(ctx context.Context, accountID int64, cancel bool) (*Subscription, error)

	// ApplyProcessorStatus overwrites status, period bounds and cancel flag
	// from a processor event payload
	ApplyProcessorStatus(ctx context.Context, processorSubID string, status Status, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) error

	// MarkCanceled transitions the subscription to canceled
	MarkCanceled(ctx context.Context, processorSubID string) error

	// MarkPastDue transitions the subscription to past_due
	MarkPastDue(ctx context.Context, processorSubID string) error
}

// PostgresStore implements Store using PostgreSQL
type PostgresStore struct {
	db      *sql.DB
	catalog *catalog.Catalog
	now     func() time.Time
}

// NewPostgresStore creates a new PostgresStore
func NewPostgresStore(db *sql.DB, cat *catalog.Catalog) *PostgresStore {
	return &PostgresStore{db: db, catalog: cat, now: time.Now}
}

// WithClock overrides the store's clock, for tests
func (s *PostgresStore) WithClock(now func() time.Time) *PostgresStore {
	s.now = now
	return s
}

const subscriptionColumns = `id, account_id, plan_id, cycle, status,
	current_period_start, current_period_end, cancel_at_period_end,
	processor_subscription_id, processor_customer_id, canceled_at,
	created_at, updated_at`

func (s *PostgresStore) scanRow(row *sql.Row) (*Subscription, error) {
	sub := &Subscription{}
	var processorSub, processorCustomer sql.NullString
	var canceledAt sql.NullTime
	err := row.Scan(
		&sub.ID, &sub.AccountID, &sub.PlanID, &sub.Cycle, &sub.Status,
		&sub.CurrentPeriodStart, &sub.CurrentPeriodEnd, &sub.CancelAtPeriodEnd,
		&processorSub, &processorCustomer, &canceledAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if processorSub.Valid {
		sub.ProcessorSubID = processorSub.String
	}
	if processorCustomer.Valid {
		sub.ProcessorCustomer = processorCustomer.String
	}
	if canceledAt.Valid {
		t := canceledAt.Time
		sub.CanceledAt = &t
	}
	return sub, nil
}

// Get returns the latest subscription row for an account
func (s *PostgresStore) Get(ctx context.Context, accountID int64) (*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE account_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`
	sub, err := s.scanRow(s.db.QueryRowContext(ctx, query, accountID))
	if err == sql.ErrNoRows {
		return nil, &NoActiveSubscriptionError{AccountID: accountID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// GetByProcessorID returns the subscription with the given external id
func (s *PostgresStore) GetByProcessorID(ctx context.Context, processorSubID string) (*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE processor_subscription_id = $1
	`
	sub, err := s.scanRow(s.db.QueryRowContext(ctx, query, processorSubID))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("subscription not found for processor id %s", processorSubID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// Create inserts a new subscription row. The partial unique index on
// (account_id) over non-canceled rows enforces the one-live-subscription
// invariant at the storage layer.
func (s *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	if _, err := s.catalog.Get(sub.PlanID); err != nil {
		return err
	}
	now := s.now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now
	query := `
		INSERT INTO subscriptions (account_id, plan_id, cycle, status,
			current_period_start, current_period_end, cancel_at_period_end,
			processor_subscription_id, processor_customer_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING id
	`
	err := s.db.QueryRowContext(ctx, query,
		sub.AccountID, sub.PlanID, sub.Cycle, sub.Status,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd,
		sub.ProcessorSubID, sub.ProcessorCustomer, sub.CreatedAt, sub.UpdatedAt,
	).Scan(&sub.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return &AlreadySubscribedError{AccountID: sub.AccountID}
		}
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// UpdatePlan commits a plan/cycle change for the account's live subscription
func (s *PostgresStore) UpdatePlan(ctx context.Context, accountID int64, planID string, cycle catalog.BillingCycle) (*Subscription, error) {
	if _, err := s.catalog.Get(planID); err != nil {
		return nil, err
	}
	query := `
		UPDATE subscriptions
		SET plan_id = $1, cycle = $2, updated_at = $3
		WHERE account_id = $4 AND status IN ('active', 'trialing', 'past_due')
	`
	result, err := s.db.ExecContext(ctx, query, planID, cycle, s.now().UTC(), accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to update plan: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, &NoActiveSubscriptionError{AccountID: accountID}
	}
	return s.Get(ctx, accountID)
}

// SetCancelAtPeriodEnd flips the cancel-at-period-end flag
func (s *PostgresStore) SetCancelAtPeriodEnd(ctx context.Context, accountID int64, cancel bool) (*Subscription, error) {
	query := `
		UPDATE subscriptions
		SET cancel_at_period_end = $1, updated_at = $2
		WHERE account_id = $3 AND status IN ('active', 'trialing', 'past_due')
	`
	result, err := s.db.ExecContext(ctx, query, cancel, s.now().UTC(), accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to set cancel flag: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return nil, &NoActiveSubscriptionError{AccountID: accountID}
	}
	return s.Get(ctx, accountID)
}

// ApplyProcessorStatus overwrites subscription state from an event payload
func (s *PostgresStore) ApplyProcessorStatus(ctx context.Context, processorSubID string, status Status, periodStart, periodEnd time.Time, cancelAtPeriodEnd bool) error {
	query := `
		UPDATE subscriptions
		SET status = $1, current_period_start = $2, current_period_end = $3,
		    cancel_at_period_end = $4, updated_at = $5
		WHERE processor_subscription_id = $6
	`
	result, err := s.db.ExecContext(ctx, query,
		status, periodStart, periodEnd, cancelAtPeriodEnd, s.now().UTC(), processorSubID)
	if err != nil {
		return fmt.Errorf("failed to apply processor status: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("subscription not found for processor id %s", processorSubID)
	}
	return nil
}

// MarkCanceled transitions the subscription to canceled
func (s *PostgresStore) MarkCanceled(ctx context.Context, processorSubID string) error {
	now := s.now().UTC()
	query := `
		UPDATE subscriptions
		SET status = $1, canceled_at = $2, updated_at = $3
		WHERE processor_subscription_id = $4
	`
	result, err := s.db.ExecContext(ctx, query, StatusCanceled, now, now, processorSubID)
	if err != nil {
		return fmt.Errorf("failed to cancel subscription: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("subscription not found for processor id %s", processorSubID)
	}
	return nil
}

// MarkPastDue transitions the subscription to past_due
func (s *PostgresStore) MarkPastDue(ctx context.Context, processorSubID string) error {
	query := `
		UPDATE subscriptions
		SET status = $1, updated_at = $2
		WHERE processor_subscription_id = $3
	`
	result, err := s.db.ExecContext(ctx, query, StatusPastDue, s.now().UTC(), processorSubID)
	if err != nil {
		return fmt.Errorf("failed to mark past due: %w", err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("subscription not found for processor id %s", processorSubID)
	}
	return nil
}

// isUniqueViolation reports whether err is a unique constraint violation
// from PostgreSQL or SQLite (the latter backs in-memory store tests)
func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
