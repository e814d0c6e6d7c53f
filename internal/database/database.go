package database

import (
	"fmt"

	"github.com/ksred/blineit-api/internal/database/migrations"
	"github.com/ksred/blineit-api/internal/documents"
	"github.com/ksred/blineit-api/internal/drip"
	"github.com/ksred/blineit-api/internal/governance"
	"github.com/ksred/blineit-api/internal/market"
	"github.com/ksred/blineit-api/internal/notifications"
	"github.com/ksred/blineit-api/internal/tax"
	"github.com/ksred/blineit-api/internal/types"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// NewDatabase opens the sqlite database at dsn and brings the schema up to date
func NewDatabase(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}

	// sqlite serializes writers; a single connection turns lock contention into queueing
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	// Auto-migrate schemas
	err = db.AutoMigrate(
		&types.Asset{},
		&types.Holding{},
		&types.Listing{},
		&types.BuyOrder{},
		&types.Trade{},
		&types.TaxableEvent{},
		&market.IdempotencyRecord{},
		&tax.TaxDocument{},
		&drip.Setting{},
		&drip.Transaction{},
		&drip.DividendPayout{},
		&governance.Proposal{},
		&governance.Vote{},
		&governance.Delegation{},
		&notifications.Notification{},
		&documents.Envelope{},
	)
	if err != nil {
		return nil, err
	}

	// Run migrations
	if err := migrations.AddMarketIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if err := migrations.AddPayoutIndexes(db); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return db, nil
}
