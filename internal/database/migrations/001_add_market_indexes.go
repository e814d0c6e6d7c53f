package migrations

import "gorm.io/gorm"

// AddMarketIndexes creates the composite indexes the order book and history queries rely on
func AddMarketIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over index columns and order
	indexes := []string{
		// Order book asks: open listings of one asset, cheapest first
		`CREATE INDEX IF NOT EXISTS idx_listings_book
		 ON listings(item_type, item_id, status, price_per_token)`,

		// Order book bids: open buy orders of one asset, highest first
		`CREATE INDEX IF NOT EXISTS idx_buy_orders_book
		 ON buy_orders(item_type, item_id, status, max_price_per_token DESC)`,

		// Expiry sweep
		`CREATE INDEX IF NOT EXISTS idx_listings_expiry
		 ON listings(status, expires_at)`,
		`CREATE INDEX IF NOT EXISTS idx_buy_orders_expiry
		 ON buy_orders(status, expires_at)`,

		// Trade history per asset, newest first
		`CREATE INDEX IF NOT EXISTS idx_trades_item_created
		 ON trades(item_type, item_id, created_at DESC)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
