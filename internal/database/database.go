package database

import (
	"fmt"

	"github.com/ksred/supply-api/internal/database/migrations"
	"github.com/ksred/supply-api/internal/markup"
	"github.com/ksred/supply-api/internal/ordering"
	"github.com/ksred/supply-api/internal/payment"
	"github.com/ksred/supply-api/internal/webhook"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the sqlite database at path and brings the schema up to date
func NewDatabase(path string) (*gorm.DB, error) {
	dsn := path + "?_busy_timeout=5000&_journal_mode=WAL"
	if path == ":memory:" {
		dsn = path
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}

	// sqlite allows a single writer; serialising through one connection
	// avoids SQLITE_BUSY under concurrent transitions
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// Migrate creates every table and the raw indexes gorm tags cannot express
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&ordering.Order{},
		&ordering.OrderItem{},
		&ordering.StatusLog{},
		&ordering.CancellationRequest{},
		&ordering.IdempotencyRecord{},
		&ordering.OutboxEvent{},
		&markup.Rule{},
		&payment.Payment{},
		&webhook.Endpoint{},
		&webhook.Delivery{},
	)
	if err != nil {
		return err
	}

	// Run migrations
	if err := migrations.AddMarkupIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if err := migrations.AddLedgerIndexes(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
