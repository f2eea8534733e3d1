package migrations

import (
	"gorm.io/gorm"
)

// AddLedgerIndexes adds the delivery ledger scan index and limits an order to
// one pending cancellation request
func AddLedgerIndexes(db *gorm.DB) error {
	statements := []string{
		`CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries(status, next_retry_at)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_cancellation_pending ON cancellation_requests(order_id) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS idx_status_logs_order ON status_logs(order_id, id)`,
	}
	for _, stmt := range statements {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
