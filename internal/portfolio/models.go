package portfolio

import "github.com/ksred/blineit-api/internal/types"

// PurchaseRequest is the body of the primary buy/sell endpoints
type PurchaseRequest struct {
	ItemType string  `json:"item_type" binding:"required"`
	ItemID   string  `json:"item_id" binding:"required"`
	Quantity float64 `json:"quantity" binding:"required"`
}

// PriceUpdate is the body of the internal price endpoint
type PriceUpdate struct {
	TokenPrice float64 `json:"token_price" binding:"required"`
}

// Position is a holding joined with its asset's current price
type Position struct {
	types.Holding
	Name           string  `json:"name"`
	Category       string  `json:"category"`
	CurrentPrice   float64 `json:"current_price"`
	MarketValue    float64 `json:"market_value"`
	CostBasis      float64 `json:"cost_basis"`
	UnrealizedGain float64 `json:"unrealized_gain"`
	AnnualYield    float64 `json:"annual_yield"`
}

// Overview totals a user's positions
type Overview struct {
	Positions      []Position         `json:"positions"`
	TotalValue     float64            `json:"total_value"`
	TotalCostBasis float64            `json:"total_cost_basis"`
	UnrealizedGain float64            `json:"unrealized_gain"`
	Allocation     map[string]float64 `json:"allocation"` // category -> share of total value
}
