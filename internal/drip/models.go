package drip

import (
	"time"

	"gorm.io/gorm"
)

// Payout statuses
const (
	PayoutPending    = "pending"
	PayoutReinvested = "reinvested"
	PayoutPaid       = "paid"
)

// ProjectionMultiplier is the simulated appreciation applied to reinvested tokens
const ProjectionMultiplier = 1.02

// Setting is a user's reinvestment plan for one asset
type Setting struct {
	gorm.Model         `json:"-"`
	SettingID          string    `gorm:"uniqueIndex" json:"id"`
	UserID             string    `gorm:"uniqueIndex:idx_drip_settings_owner" json:"user_id"`
	ItemType           string    `gorm:"uniqueIndex:idx_drip_settings_owner" json:"item_type"`
	ItemID             string    `gorm:"uniqueIndex:idx_drip_settings_owner" json:"item_id"`
	Enabled            bool      `json:"enabled"`
	ReinvestPercentage float64   `json:"reinvest_percentage"` // 0-100
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (Setting) TableName() string { return "drip_settings" }

// Transaction records one payout being reinvested
type Transaction struct {
	gorm.Model       `json:"-"`
	TransactionID    string    `gorm:"uniqueIndex" json:"id"`
	UserID           string    `gorm:"index" json:"user_id"`
	PayoutID         string    `gorm:"index" json:"payout_id"`
	ItemType         string    `json:"item_type"`
	ItemID           string    `json:"item_id"`
	DividendAmount   float64   `json:"dividend_amount"`
	ReinvestedAmount float64   `json:"reinvested_amount"`
	CashAmount       float64   `json:"cash_amount"`
	TokensPurchased  float64   `json:"tokens_purchased"`
	PricePerToken    float64   `json:"price_per_token"`
	CreatedAt        time.Time `json:"created_at"`
}

func (Transaction) TableName() string { return "drip_transactions" }

// DividendPayout is one holder's share of a distribution, waiting to be processed
type DividendPayout struct {
	gorm.Model  `json:"-"`
	PayoutID    string     `gorm:"uniqueIndex" json:"id"`
	UserID      string     `gorm:"index" json:"user_id"`
	ItemType    string     `json:"item_type"`
	ItemID      string     `json:"item_id"`
	Amount      float64    `json:"amount"`
	Status      string     `json:"status"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

type UpsertSettingRequest struct {
	ItemType           string   `json:"item_type" binding:"required"`
	ItemID             string   `json:"item_id" binding:"required"`
	Enabled            bool     `json:"enabled"`
	ReinvestPercentage *float64 `json:"reinvest_percentage,omitempty"`
}

// DistributionRequest splits TotalAmount across every holder of an asset
type DistributionRequest struct {
	ItemType    string  `json:"item_type" binding:"required"`
	ItemID      string  `json:"item_id" binding:"required"`
	TotalAmount float64 `json:"total_amount"`
}

// Summary aggregates a user's DRIP history
type Summary struct {
	TotalDividends   float64 `json:"total_dividends"`
	TotalReinvested  float64 `json:"total_reinvested"`
	TotalCash        float64 `json:"total_cash"`
	TokensAcquired   float64 `json:"tokens_acquired"`
	CurrentValue     float64 `json:"current_value"`
	ProjectedValue   float64 `json:"projected_value"`
	TransactionCount int     `json:"transaction_count"`
	ActivePlans      int     `json:"active_plans"`
}
