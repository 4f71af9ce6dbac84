package notify

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE notifications (
			id TEXT PRIMARY KEY,
			account_id INTEGER NOT NULL,
			kind TEXT NOT NULL,
			external_event_id TEXT NOT NULL UNIQUE,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		);
	`)
	require.NoError(t, err)
	return db
}

func TestCreateAndList(t *testing.T) {
	store := NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	clock := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	store.WithClock(func() time.Time { return clock })

	first, err := store.Create(ctx, 42, KindPaymentFailed, "evt_1", "Payment failed", "Update your payment method.")
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)

	clock = clock.Add(time.Hour)
	second, err := store.Create(ctx, 42, KindPaymentFailed, "evt_2", "Payment failed", "Second attempt failed.")
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	list, err := store.ListByAccount(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)

	list, err = store.ListByAccount(ctx, 42, 1)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = store.ListByAccount(ctx, 99, 10)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateDedupesByEventID(t *testing.T) {
	store := NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	first, err := store.Create(ctx, 42, KindPaymentFailed, "evt_1", "Payment failed", "Update your payment method.")
	require.NoError(t, err)
	require.NotNil(t, first)

	// Re-running the same processor event is a silent no-op
	dup, err := store.Create(ctx, 42, KindPaymentFailed, "evt_1", "Payment failed", "Update your payment method.")
	require.NoError(t, err)
	assert.Nil(t, dup)

	list, err := store.ListByAccount(ctx, 42, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "evt_1", list[0].ExternalEventID)
}
