package types

import (
	"time"

	"gorm.io/gorm"
)

// Item types that can be traded on the secondary market
const (
	ItemTypeProperty = "property"
	ItemTypeLoan     = "loan"
)

// Lifecycle shared by listings and buy orders
const (
	StatusActive          = "active"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCancelled       = "cancelled"
	StatusExpired         = "expired"
)

// TradeStatusCompleted is terminal; trades are never updated after insert
const TradeStatusCompleted = "completed"

// OpenStatuses are the statuses a listing or buy order can still be filled from
var OpenStatuses = []string{StatusActive, StatusPartiallyFilled}

// ValidItemType reports whether t can be listed on the secondary market
func ValidItemType(t string) bool {
	return t == ItemTypeProperty || t == ItemTypeLoan
}

// Listing is a sell offer for tokens of a property or loan
type Listing struct {
	gorm.Model     `json:"-"`
	ListingID      string     `gorm:"uniqueIndex" json:"id"`
	SellerID       string     `gorm:"index" json:"seller_id"`
	ItemType       string     `gorm:"index:idx_listings_item" json:"item_type"`
	ItemID         string     `gorm:"index:idx_listings_item" json:"item_id"`
	TokenQuantity  float64    `json:"token_quantity"`
	PricePerToken  float64    `gorm:"index" json:"price_per_token"`
	FilledQuantity float64    `json:"filled_quantity"`
	Status         string     `gorm:"index" json:"status"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Remaining is the unfilled token quantity, never negative
func (l *Listing) Remaining() float64 {
	if r := l.TokenQuantity - l.FilledQuantity; r > 0 {
		return r
	}
	return 0
}

// IsOpen reports whether the listing can still be filled
func (l *Listing) IsOpen() bool {
	return l.Status == StatusActive || l.Status == StatusPartiallyFilled
}

// BuyOrder is a standing offer to buy up to a quantity at or below a max price
type BuyOrder struct {
	gorm.Model       `json:"-"`
	BuyOrderID       string     `gorm:"uniqueIndex" json:"id"`
	BuyerID          string     `gorm:"index" json:"buyer_id"`
	ItemType         string     `gorm:"index:idx_buy_orders_item" json:"item_type"`
	ItemID           string     `gorm:"index:idx_buy_orders_item" json:"item_id"`
	TokenQuantity    float64    `json:"token_quantity"`
	MaxPricePerToken float64    `gorm:"index" json:"max_price_per_token"`
	FilledQuantity   float64    `json:"filled_quantity"`
	Status           string     `gorm:"index" json:"status"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Remaining is the unfilled token quantity, never negative
func (o *BuyOrder) Remaining() float64 {
	if r := o.TokenQuantity - o.FilledQuantity; r > 0 {
		return r
	}
	return 0
}

// IsOpen reports whether the order can still be filled
func (o *BuyOrder) IsOpen() bool {
	return o.Status == StatusActive || o.Status == StatusPartiallyFilled
}

// Trade is an executed match; an append-only ledger row
type Trade struct {
	gorm.Model    `json:"-"`
	TradeID       string    `gorm:"uniqueIndex" json:"id"`
	ListingID     string    `gorm:"index" json:"listing_id,omitempty"`
	BuyOrderID    string    `gorm:"index" json:"buy_order_id,omitempty"`
	BuyerID       string    `gorm:"index" json:"buyer_id"`
	SellerID      string    `gorm:"index" json:"seller_id"`
	ItemType      string    `json:"item_type"`
	ItemID        string    `json:"item_id"`
	Quantity      float64   `json:"quantity"`
	PricePerToken float64   `json:"price_per_token"`
	TotalAmount   float64   `json:"total_amount"`
	PlatformFee   float64   `json:"platform_fee"`
	NetProceeds   float64   `json:"net_proceeds"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
}
