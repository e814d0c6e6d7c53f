package market

import (
	"time"

	"github.com/ksred/blineit-api/internal/types"
	"gorm.io/gorm"
)

// IdempotencyRecord maps a client supplied key to the trade it produced
type IdempotencyRecord struct {
	gorm.Model
	IdempotencyKey string    `gorm:"uniqueIndex" json:"idempotency_key"`
	UserID         string    `json:"user_id"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// ListingFilter narrows ListListings; empty fields match everything
type ListingFilter struct {
	ItemType string `form:"item_type"`
	ItemID   string `form:"item_id"`
}

type CreateListingRequest struct {
	ItemType      string     `json:"item_type" binding:"required"`
	ItemID        string     `json:"item_id" binding:"required"`
	TokenQuantity float64    `json:"token_quantity"`
	PricePerToken float64    `json:"price_per_token"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

type CreateBuyOrderRequest struct {
	ItemType         string     `json:"item_type" binding:"required"`
	ItemID           string     `json:"item_id" binding:"required"`
	TokenQuantity    float64    `json:"token_quantity"`
	MaxPricePerToken float64    `json:"max_price_per_token"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
}

// ExecuteTradeRequest fills a listing (caller buys) or a buy order (caller sells)
type ExecuteTradeRequest struct {
	ListingID  string  `json:"listing_id,omitempty"`
	BuyOrderID string  `json:"buy_order_id,omitempty"`
	Quantity   float64 `json:"quantity"`
}

// BookEntry is one price level reference in the order book
type BookEntry struct {
	Price      float64 `json:"price"`
	Remaining  float64 `json:"remaining"`
	ListingID  string  `json:"listing_id,omitempty"`
	BuyOrderID string  `json:"buy_order_id,omitempty"`
}

// OrderBook is the open interest for one asset. Asks ascend by price, bids descend.
type OrderBook struct {
	ItemType string      `json:"item_type"`
	ItemID   string      `json:"item_id"`
	Asks     []BookEntry `json:"asks"`
	Bids     []BookEntry `json:"bids"`
	BestAsk  *float64    `json:"best_ask"`
	BestBid  *float64    `json:"best_bid"`
	Spread   *float64    `json:"spread"`
}

// TradeResult is returned by ExecuteTrade. Replayed is set when the
// idempotency key had already produced this trade.
type TradeResult struct {
	Trade    *types.Trade `json:"trade"`
	Replayed bool         `json:"replayed"`
}
