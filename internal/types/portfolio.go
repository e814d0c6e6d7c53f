package types

import (
	"time"

	"gorm.io/gorm"
)

// Asset is a tokenized investment offered on the platform
type Asset struct {
	gorm.Model      `json:"-"`
	ItemType        string    `gorm:"uniqueIndex:idx_assets_item" json:"item_type"`
	ItemID          string    `gorm:"uniqueIndex:idx_assets_item" json:"item_id"`
	Name            string    `json:"name"`
	Category        string    `json:"category"` // real_estate, debt, prediction, business, startup, private_equity
	Location        string    `json:"location,omitempty"`
	TokenPrice      float64   `json:"token_price"`
	TotalTokens     float64   `json:"total_tokens"`
	AvailableTokens float64   `json:"available_tokens"`
	AnnualYield     float64   `json:"annual_yield"`
	RiskRating      string    `json:"risk_rating,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Holding is a user's position in one asset. LockedQuantity is reserved by
// open secondary-market listings and cannot be sold or listed again.
type Holding struct {
	gorm.Model     `json:"-"`
	UserID         string    `gorm:"uniqueIndex:idx_holdings_owner" json:"user_id"`
	ItemType       string    `gorm:"uniqueIndex:idx_holdings_owner" json:"item_type"`
	ItemID         string    `gorm:"uniqueIndex:idx_holdings_owner" json:"item_id"`
	TokenQuantity  float64   `json:"token_quantity"`
	LockedQuantity float64   `json:"locked_quantity"`
	AverageCost    float64   `json:"average_cost"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Available is the quantity that can still be listed or sold
func (h *Holding) Available() float64 {
	if a := h.TokenQuantity - h.LockedQuantity; a > 0 {
		return a
	}
	return 0
}
