package market

import (
	"context"
	"errors"
	"time"

	"github.com/ksred/blineit-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func openScope(q *gorm.DB, now time.Time) *gorm.DB {
	return q.Where("status IN ?", types.OpenStatuses).
		Where("(expires_at IS NULL OR expires_at > ?)", now)
}

func (d *Database) ListOpenListings(ctx context.Context, f ListingFilter) ([]types.Listing, error) {
	q := openScope(d.db.WithContext(ctx), time.Now())
	if f.ItemType != "" {
		q = q.Where("item_type = ?", f.ItemType)
	}
	if f.ItemID != "" {
		q = q.Where("item_id = ?", f.ItemID)
	}

	var listings []types.Listing
	if err := q.Order("price_per_token ASC, created_at ASC").Find(&listings).Error; err != nil {
		return nil, err
	}
	return listings, nil
}

func (d *Database) ListOpenBuyOrders(ctx context.Context, itemType, itemID string) ([]types.BuyOrder, error) {
	var orders []types.BuyOrder
	if err := openScope(d.db.WithContext(ctx), time.Now()).
		Where("item_type = ? AND item_id = ?", itemType, itemID).
		Order("max_price_per_token DESC, created_at ASC").
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) GetListing(ctx context.Context, listingID string) (*types.Listing, error) {
	return findListing(d.db.WithContext(ctx), listingID)
}

func (d *Database) GetBuyOrder(ctx context.Context, buyOrderID string) (*types.BuyOrder, error) {
	return findBuyOrder(d.db.WithContext(ctx), buyOrderID)
}

func (d *Database) UserListings(ctx context.Context, userID string) ([]types.Listing, error) {
	var listings []types.Listing
	if err := d.db.WithContext(ctx).
		Where("seller_id = ?", userID).
		Order("created_at DESC").
		Find(&listings).Error; err != nil {
		return nil, err
	}
	return listings, nil
}

func (d *Database) UserBuyOrders(ctx context.Context, userID string) ([]types.BuyOrder, error) {
	var orders []types.BuyOrder
	if err := d.db.WithContext(ctx).
		Where("buyer_id = ?", userID).
		Order("created_at DESC").
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (d *Database) TradeHistory(ctx context.Context, userID string, limit int) ([]types.Trade, error) {
	var trades []types.Trade
	if err := d.db.WithContext(ctx).
		Where("(buyer_id = ? OR seller_id = ?)", userID, userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&trades).Error; err != nil {
		return nil, err
	}
	return trades, nil
}

func (d *Database) GetTrade(ctx context.Context, tradeID string) (*types.Trade, error) {
	var trade types.Trade
	if err := d.db.WithContext(ctx).Where("trade_id = ?", tradeID).First(&trade).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return &trade, nil
}

// GetIdempotencyRecord returns nil, nil when the key has not been used
func (d *Database) GetIdempotencyRecord(ctx context.Context, key string) (*IdempotencyRecord, error) {
	var record IdempotencyRecord
	if err := d.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (d *Database) DeleteIdempotencyRecord(ctx context.Context, record *IdempotencyRecord) error {
	return d.db.WithContext(ctx).Unscoped().Delete(record).Error
}

// StaleListings returns open listings whose expiry has passed
func (d *Database) StaleListings(ctx context.Context, now time.Time) ([]types.Listing, error) {
	var listings []types.Listing
	if err := d.db.WithContext(ctx).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at <= ?", types.OpenStatuses, now).
		Find(&listings).Error; err != nil {
		return nil, err
	}
	return listings, nil
}

// StaleBuyOrders returns open buy orders whose expiry has passed
func (d *Database) StaleBuyOrders(ctx context.Context, now time.Time) ([]types.BuyOrder, error) {
	var orders []types.BuyOrder
	if err := d.db.WithContext(ctx).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at <= ?", types.OpenStatuses, now).
		Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// DeleteExpiredIdempotencyRecords removes keys past their retention window
func (d *Database) DeleteExpiredIdempotencyRecords(ctx context.Context, now time.Time) (int64, error) {
	res := d.db.WithContext(ctx).Unscoped().Where("expires_at <= ?", now).Delete(&IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

func findListing(tx *gorm.DB, listingID string) (*types.Listing, error) {
	var listing types.Listing
	if err := tx.Where("listing_id = ?", listingID).First(&listing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrListingNotFound
		}
		return nil, err
	}
	return &listing, nil
}

func findBuyOrder(tx *gorm.DB, buyOrderID string) (*types.BuyOrder, error) {
	var order types.BuyOrder
	if err := tx.Where("buy_order_id = ?", buyOrderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBuyOrderNotFound
		}
		return nil, err
	}
	return &order, nil
}

// fillListing applies q to the listing only if that much is still unfilled
func fillListing(tx *gorm.DB, listingID string, q float64, now time.Time) (bool, error) {
	res := tx.Model(&types.Listing{}).
		Where("listing_id = ? AND status IN ?", listingID, types.OpenStatuses).
		Where("token_quantity - filled_quantity >= ?", q-qtyEpsilon).
		Updates(map[string]interface{}{
			"filled_quantity": gorm.Expr("filled_quantity + ?", q),
			"status": gorm.Expr("CASE WHEN token_quantity - filled_quantity - ? <= ? THEN ? ELSE ? END",
				q, qtyEpsilon, types.StatusFilled, types.StatusPartiallyFilled),
			"updated_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

// fillBuyOrder is the buy-side counterpart of fillListing
func fillBuyOrder(tx *gorm.DB, buyOrderID string, q float64, now time.Time) (bool, error) {
	res := tx.Model(&types.BuyOrder{}).
		Where("buy_order_id = ? AND status IN ?", buyOrderID, types.OpenStatuses).
		Where("token_quantity - filled_quantity >= ?", q-qtyEpsilon).
		Updates(map[string]interface{}{
			"filled_quantity": gorm.Expr("filled_quantity + ?", q),
			"status": gorm.Expr("CASE WHEN token_quantity - filled_quantity - ? <= ? THEN ? ELSE ? END",
				q, qtyEpsilon, types.StatusFilled, types.StatusPartiallyFilled),
			"updated_at": now,
		})
	return res.RowsAffected == 1, res.Error
}

// closeListing moves an open listing to a terminal status
func closeListing(tx *gorm.DB, listingID, status string, now time.Time) (bool, error) {
	res := tx.Model(&types.Listing{}).
		Where("listing_id = ? AND status IN ?", listingID, types.OpenStatuses).
		Updates(map[string]interface{}{"status": status, "updated_at": now})
	return res.RowsAffected == 1, res.Error
}

func closeBuyOrder(tx *gorm.DB, buyOrderID, status string, now time.Time) (bool, error) {
	res := tx.Model(&types.BuyOrder{}).
		Where("buy_order_id = ? AND status IN ?", buyOrderID, types.OpenStatuses).
		Updates(map[string]interface{}{"status": status, "updated_at": now})
	return res.RowsAffected == 1, res.Error
}
