package database

import (
	"testing"
	"time"

	"github.com/ksred/supply-api/internal/ordering"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDatabase_MigratesSchema(t *testing.T) {
	db, err := NewDatabase(":memory:")
	require.NoError(t, err)

	for _, table := range []string{"orders", "order_items", "status_logs", "cancellation_requests", "outbox_events", "rules", "payments", "endpoints", "deliveries"} {
		assert.True(t, db.Migrator().HasTable(table), table)
	}
	assert.True(t, db.Migrator().HasIndex("deliveries", "idx_deliveries_due"))

	// running the migrations twice is harmless
	require.NoError(t, Migrate(db))
}

func TestMigrate_OnePendingCancellationPerOrder(t *testing.T) {
	db, err := NewDatabase(":memory:")
	require.NoError(t, err)

	now := time.Now().UTC()
	first := ordering.CancellationRequest{RequestID: "CR-1", RequesterID: "buyer-1", OrderID: 1, Status: ordering.CancellationPending, CreatedAt: now}
	require.NoError(t, db.Create(&first).Error)

	second := ordering.CancellationRequest{RequestID: "CR-2", RequesterID: "buyer-1", OrderID: 1, Status: ordering.CancellationPending, CreatedAt: now}
	assert.Error(t, db.Create(&second).Error)

	closed := ordering.CancellationRequest{RequestID: "CR-3", RequesterID: "buyer-1", OrderID: 1, Status: ordering.CancellationRejected, CreatedAt: now}
	assert.NoError(t, db.Create(&closed).Error)
}
