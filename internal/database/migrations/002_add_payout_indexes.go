package migrations

import "gorm.io/gorm"

// AddPayoutIndexes indexes the tables scanned by the DRIP processor and the notification feed
func AddPayoutIndexes(db *gorm.DB) error {
	indexes := []string{
		// Pending payouts in creation order
		`CREATE INDEX IF NOT EXISTS idx_dividend_payouts_pending
		 ON dividend_payouts(status, created_at)`,

		// Unread notifications per user
		`CREATE INDEX IF NOT EXISTS idx_notifications_user_unread
		 ON notifications(user_id, read, created_at DESC)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
