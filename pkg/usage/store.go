package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/subledger/subledger/pkg/catalog"
)

// Ledger defines the interface for the append-only usage record store
type Ledger interface {
	// Append inserts one usage record. Records are never mutated afterwards.
	Append(ctx context.Context, rec *Record) error

	// SumForPeriod sums quantities of a resource attributed to the given
	// billing period start
	SumForPeriod(ctx context.Context, accountID int64, resource catalog.Resource, periodStart time.Time) (int64, error)

	// SumSince sums quantities of a resource recorded after the given
	// instant, for trailing burst windows
	SumSince(ctx context.Context, accountID int64, resource catalog.Resource, since time.Time) (int64, error)

	// SumAllForPeriod sums every resource attributed to the given period
	SumAllForPeriod(ctx context.Context, accountID int64, periodStart time.Time) (map[catalog.Resource]int64, error)

	// PruneBefore deletes records created before the cutoff, returning the
	// number of rows removed. Retention pruning is the only deletion path.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// PostgresLedger implements Ledger using PostgreSQL
type PostgresLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresLedger creates a new PostgresLedger
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db, now: time.Now}
}

// WithClock overrides the ledger's clock, for tests
func (l *PostgresLedger) WithClock(now func() time.Time) *PostgresLedger {
	l.now = now
	return l
}

// Append inserts one usage record
func (l *PostgresLedger) Append(ctx context.Context, rec *Record) error {
	rec.CreatedAt = l.now().UTC()

	var metadataJSON []byte
	if len(rec.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(rec.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO usage_records (account_id, subscription_id, resource,
			quantity, metadata, period_start, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`
	err := l.db.QueryRowContext(ctx, query,
		rec.AccountID, rec.SubscriptionID, rec.Resource, rec.Quantity,
		metadataJSON, rec.PeriodStart, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

// SumForPeriod sums a resource's quantities for one billing period
func (l *PostgresLedger) SumForPeriod(ctx context.Context, accountID int64, resource catalog.Resource, periodStart time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(quantity), 0)
		FROM usage_records
		WHERE account_id = $1 AND resource = $2 AND period_start = $3
	`
	var sum int64
	if err := l.db.QueryRowContext(ctx, query, accountID, resource, periodStart).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum period usage: %w", err)
	}
	return sum, nil
}

// SumSince sums a resource's quantities recorded after the given instant
func (l *PostgresLedger) SumSince(ctx context.Context, accountID int64, resource catalog.Resource, since time.Time) (int64, error) {
	query := `
		SELECT COALESCE(SUM(quantity), 0)
		FROM usage_records
		WHERE account_id = $1 AND resource = $2 AND created_at > $3
	`
	var sum int64
	if err := l.db.QueryRowContext(ctx, query, accountID, resource, since).Scan(&sum); err != nil {
		return 0, fmt.Errorf("failed to sum trailing usage: %w", err)
	}
	return sum, nil
}

// SumAllForPeriod sums every resource for one billing period
func (l *PostgresLedger) SumAllForPeriod(ctx context.Context, accountID int64, periodStart time.Time) (map[catalog.Resource]int64, error) {
	query := `
		SELECT resource, COALESCE(SUM(quantity), 0)
		FROM usage_records
		WHERE account_id = $1 AND period_start = $2
		GROUP BY resource
	`
	rows, err := l.db.QueryContext(ctx, query, accountID, periodStart)
	if err != nil {
		return nil, fmt.Errorf("failed to sum period usage: %w", err)
	}
	defer rows.Close()

	sums := make(map[catalog.Resource]int64)
	for rows.Next() {
		var resource catalog.Resource
		var sum int64
		if err := rows.Scan(&resource, &sum); err != nil {
			return nil, fmt.Errorf("failed to scan usage sum: %w", err)
		}
		sums[resource] = sum
	}
	return sums, rows.Err()
}

// PruneBefore deletes records created before the cutoff
func (l *PostgresLedger) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := l.db.ExecContext(ctx, "DELETE FROM usage_records WHERE created_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage records: %w", err)
	}
	return result.RowsAffected()
}
