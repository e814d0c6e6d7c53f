// Package dbtest provides isolated in-memory databases and fixtures for tests.
package dbtest

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/blineit-api/internal/database"
	"github.com/ksred/blineit-api/internal/types"
	"gorm.io/gorm"
)

// New returns a migrated in-memory database private to the test
func New(t testing.TB) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := database.NewDatabase(dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

// SeedAsset inserts an asset with the given price and supply
func SeedAsset(t testing.TB, db *gorm.DB, itemType, itemID string, price, supply float64) *types.Asset {
	t.Helper()
	a := &types.Asset{
		ItemType:        itemType,
		ItemID:          itemID,
		Name:            "Asset " + itemID,
		Category:        "real_estate",
		TokenPrice:      price,
		TotalTokens:     supply,
		AvailableTokens: supply,
		AnnualYield:     0.07,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if itemType == types.ItemTypeLoan {
		a.Category = "debt"
	}
	if err := db.Create(a).Error; err != nil {
		t.Fatalf("seed asset: %v", err)
	}
	return a
}

// SeedHolding inserts a position for a user
func SeedHolding(t testing.TB, db *gorm.DB, userID, itemType, itemID string, qty, avgCost float64) *types.Holding {
	t.Helper()
	h := &types.Holding{
		UserID:        userID,
		ItemType:      itemType,
		ItemID:        itemID,
		TokenQuantity: qty,
		AverageCost:   avgCost,
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}
	if err := db.Create(h).Error; err != nil {
		t.Fatalf("seed holding: %v", err)
	}
	return h
}
