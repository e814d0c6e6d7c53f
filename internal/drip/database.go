package drip

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetSettings(ctx context.Context, userID string) ([]Setting, error) {
	var settings []Setting
	if err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("item_type, item_id").
		Find(&settings).Error; err != nil {
		return nil, err
	}
	return settings, nil
}

func (d *Database) GetTransactions(ctx context.Context, userID string) ([]Transaction, error) {
	var txs []Transaction
	if err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&txs).Error; err != nil {
		return nil, err
	}
	return txs, nil
}

func (d *Database) GetPendingPayouts(ctx context.Context, limit int) ([]DividendPayout, error) {
	var payouts []DividendPayout
	if err := d.db.WithContext(ctx).
		Where("status = ?", PayoutPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&payouts).Error; err != nil {
		return nil, err
	}
	return payouts, nil
}

func (d *Database) GetPayouts(ctx context.Context, userID string) ([]DividendPayout, error) {
	var payouts []DividendPayout
	if err := d.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&payouts).Error; err != nil {
		return nil, err
	}
	return payouts, nil
}

// findSetting returns nil, nil when the user has no plan for the asset
func findSetting(tx *gorm.DB, userID, itemType, itemID string) (*Setting, error) {
	var s Setting
	if err := tx.Where("user_id = ? AND item_type = ? AND item_id = ?", userID, itemType, itemID).
		First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &s, nil
}
