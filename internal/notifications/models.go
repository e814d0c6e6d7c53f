package notifications

import (
	"time"

	"gorm.io/gorm"
)

// Notification kinds
const (
	KindTradeExecuted = "trade_executed"
	KindSystem        = "system"
)

// Notification is an in-app message for one user
type Notification struct {
	gorm.Model     `json:"-"`
	NotificationID string    `gorm:"uniqueIndex" json:"id"`
	UserID         string    `json:"user_id"`
	Kind           string    `json:"kind"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
	ReferenceID    string    `json:"reference_id,omitempty"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type CreateRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	Kind        string `json:"kind"`
	Title       string `json:"title" binding:"required"`
	Body        string `json:"body"`
	ReferenceID string `json:"reference_id"`
}
