package notifications

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Create(ctx context.Context, n *Notification) error {
	return d.db.WithContext(ctx).Create(n).Error
}

func (d *Database) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	q := d.db.WithContext(ctx).Where("user_id = ?", userID)
	if unreadOnly {
		q = q.Where("read = ?", false)
	}
	var out []Notification
	if err := q.Order("created_at DESC").Limit(limit).Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead flags one notification owned by userID; it reports whether a row matched
func (d *Database) MarkRead(ctx context.Context, userID, notificationID string) (bool, error) {
	res := d.db.WithContext(ctx).Model(&Notification{}).
		Where("notification_id = ? AND user_id = ?", notificationID, userID).
		Updates(map[string]interface{}{"read": true, "updated_at": time.Now()})
	return res.RowsAffected > 0, res.Error
}

func (d *Database) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	res := d.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Updates(map[string]interface{}{"read": true, "updated_at": time.Now()})
	return res.RowsAffected, res.Error
}

func (d *Database) UnreadCount(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&Notification{}).
		Where("user_id = ? AND read = ?", userID, false).
		Count(&n).Error
	return n, err
}
