package portfolio

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ksred/blineit-api/internal/auth"
	"github.com/ksred/blineit-api/internal/realtime"
	"github.com/ksred/blineit-api/internal/tax"
	"github.com/ksred/blineit-api/internal/types"
	"github.com/ksred/blineit-api/pkg/apperr"
	"github.com/ksred/blineit-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var (
	ErrAssetNotFound      = apperr.New(apperr.KindNotFound, "asset not found")
	ErrInvalidQuantity    = apperr.New(apperr.KindValidation, "quantity must be greater than zero")
	ErrInvalidPrice       = apperr.New(apperr.KindValidation, "price must be greater than zero")
	ErrInsufficientTokens = apperr.New(apperr.KindConflict, "insufficient tokens available")
	ErrSoldOut            = apperr.New(apperr.KindConflict, "not enough tokens left for sale")
)

// PurchaseResult is returned by the primary buy and sell operations
type PurchaseResult struct {
	Holding       *types.Holding `json:"holding"`
	Quantity      float64        `json:"quantity"`
	PricePerToken float64        `json:"price_per_token"`
	TotalAmount   float64        `json:"total_amount"`
}

// Service manages assets and the positions users hold in them
type Service struct {
	gorm   *gorm.DB
	db     *Database
	broker *realtime.Broker
}

// NewService creates a new portfolio service
func NewService(gormDB *gorm.DB, broker *realtime.Broker) *Service {
	return &Service{
		gorm:   gormDB,
		db:     NewDatabase(gormDB),
		broker: broker,
	}
}

// ListAssets returns the catalogue, optionally narrowed to one category
func (s *Service) ListAssets(ctx context.Context, category string) ([]types.Asset, error) {
	return s.db.ListAssets(ctx, category)
}

// GetAsset returns one asset
func (s *Service) GetAsset(ctx context.Context, itemType, itemID string) (*types.Asset, error) {
	return s.db.GetAsset(ctx, itemType, itemID)
}

// Holdings returns the user's non-empty positions
func (s *Service) Holdings(ctx context.Context, userID string) ([]types.Holding, error) {
	return s.db.ListHoldings(ctx, userID)
}

// Overview values every position at the asset's current token price
func (s *Service) Overview(ctx context.Context, userID string) (*Overview, error) {
	holdings, err := s.db.ListHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}
	assets, err := s.db.AssetsByKey(ctx, holdings)
	if err != nil {
		return nil, err
	}

	ov := &Overview{Positions: make([]Position, 0, len(holdings)), Allocation: map[string]float64{}}
	totalValue := decimal.Zero
	totalCost := decimal.Zero
	byCategory := map[string]decimal.Decimal{}

	for _, h := range holdings {
		a := assets[key(h.ItemType, h.ItemID)]
		qty := decimal.NewFromFloat(h.TokenQuantity)
		value := qty.Mul(decimal.NewFromFloat(a.TokenPrice))
		cost := qty.Mul(decimal.NewFromFloat(h.AverageCost))

		ov.Positions = append(ov.Positions, Position{
			Holding:        h,
			Name:           a.Name,
			Category:       a.Category,
			CurrentPrice:   a.TokenPrice,
			MarketValue:    value.Round(2).InexactFloat64(),
			CostBasis:      cost.Round(2).InexactFloat64(),
			UnrealizedGain: value.Sub(cost).Round(2).InexactFloat64(),
			AnnualYield:    a.AnnualYield,
		})
		totalValue = totalValue.Add(value)
		totalCost = totalCost.Add(cost)
		byCategory[a.Category] = byCategory[a.Category].Add(value)
	}

	ov.TotalValue = totalValue.Round(2).InexactFloat64()
	ov.TotalCostBasis = totalCost.Round(2).InexactFloat64()
	ov.UnrealizedGain = totalValue.Sub(totalCost).Round(2).InexactFloat64()
	if totalValue.IsPositive() {
		for cat, v := range byCategory {
			ov.Allocation[cat] = v.Div(totalValue).Round(4).InexactFloat64()
		}
	}
	return ov, nil
}

// BuyTokens purchases tokens from the primary offering at the current token price
func (s *Service) BuyTokens(ctx context.Context, userID string, req PurchaseRequest) (*PurchaseResult, error) {
	logger := log.With().
		Str("user_id", userID).
		Str("item_type", req.ItemType).
		Str("item_id", req.ItemID).
		Float64("quantity", req.Quantity).
		Str("service", "portfolio").
		Logger()

	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	var (
		result *PurchaseResult
		asset  *types.Asset
	)
	err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		asset, err = FindAsset(tx, req.ItemType, req.ItemID)
		if err != nil {
			return err
		}

		res := tx.Model(&types.Asset{}).
			Where("id = ? AND available_tokens >= ?", asset.ID, req.Quantity-qtyEpsilon).
			Updates(map[string]interface{}{
				"available_tokens": gorm.Expr("available_tokens - ?", req.Quantity),
				"updated_at":       time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrSoldOut
		}
		asset.AvailableTokens -= req.Quantity

		holding, err := Credit(tx, userID, req.ItemType, req.ItemID, req.Quantity, asset.TokenPrice)
		if err != nil {
			return err
		}

		result = &PurchaseResult{
			Holding:       holding,
			Quantity:      req.Quantity,
			PricePerToken: asset.TokenPrice,
			TotalAmount:   amount(req.Quantity, asset.TokenPrice),
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("primary purchase failed")
		return nil, err
	}

	s.broker.PublishChange("assets", realtime.EventUpdate, nil, asset)
	s.broker.PublishChange("holdings", realtime.EventUpdate, nil, result.Holding)

	logger.Info().
		Float64("price_per_token", result.PricePerToken).
		Float64("total_amount", result.TotalAmount).
		Msg("tokens purchased")
	return result, nil
}

// SellTokens redeems unlocked tokens back to the offering at the current token price
func (s *Service) SellTokens(ctx context.Context, userID string, req PurchaseRequest) (*PurchaseResult, error) {
	logger := log.With().
		Str("user_id", userID).
		Str("item_type", req.ItemType).
		Str("item_id", req.ItemID).
		Float64("quantity", req.Quantity).
		Str("service", "portfolio").
		Logger()

	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	var (
		result *PurchaseResult
		asset  *types.Asset
	)
	err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		asset, err = FindAsset(tx, req.ItemType, req.ItemID)
		if err != nil {
			return err
		}

		before, err := FindHolding(tx, userID, req.ItemType, req.ItemID)
		if err != nil {
			return err
		}
		if before == nil {
			return ErrInsufficientTokens
		}

		holding, err := Debit(tx, userID, req.ItemType, req.ItemID, req.Quantity, false)
		if err != nil {
			return err
		}

		if err := tx.Model(&types.Asset{}).Where("id = ?", asset.ID).
			Updates(map[string]interface{}{
				"available_tokens": gorm.Expr("available_tokens + ?", req.Quantity),
				"updated_at":       time.Now(),
			}).Error; err != nil {
			return err
		}
		asset.AvailableTokens += req.Quantity

		proceeds := amount(req.Quantity, asset.TokenPrice)
		if err := tax.RecordRealized(tx, userID, req.ItemType, req.ItemID, "",
			proceeds, amount(req.Quantity, before.AverageCost)); err != nil {
			return err
		}

		result = &PurchaseResult{
			Holding:       holding,
			Quantity:      req.Quantity,
			PricePerToken: asset.TokenPrice,
			TotalAmount:   proceeds,
		}
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("primary sale failed")
		return nil, err
	}

	s.broker.PublishChange("assets", realtime.EventUpdate, nil, asset)
	s.broker.PublishChange("holdings", realtime.EventUpdate, nil, result.Holding)

	logger.Info().Float64("total_amount", result.TotalAmount).Msg("tokens sold")
	return result, nil
}

// UpdateAssetPrice sets a new token price and publishes the before/after rows
func (s *Service) UpdateAssetPrice(ctx context.Context, itemType, itemID string, price float64) (*types.Asset, error) {
	if price <= 0 {
		return nil, ErrInvalidPrice
	}

	asset, err := s.db.GetAsset(ctx, itemType, itemID)
	if err != nil {
		return nil, err
	}
	before := *asset

	asset.TokenPrice = price
	asset.UpdatedAt = time.Now()
	if err := s.db.UpdateAssetPrice(ctx, asset); err != nil {
		return nil, err
	}

	s.broker.PublishChange("assets", realtime.EventUpdate, &before, asset)
	log.Info().
		Str("item_type", itemType).
		Str("item_id", itemID).
		Float64("old_price", before.TokenPrice).
		Float64("new_price", price).
		Msg("asset price updated")
	return asset, nil
}

func amount(qty, price float64) float64 {
	return decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price)).Round(2).InexactFloat64()
}

// GinHandlers contains HTTP handlers for portfolio endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for portfolio endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListAssetsHandler handles GET /assets?category=
func (h *GinHandlers) ListAssetsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		assets, err := h.service.ListAssets(c.Request.Context(), c.Query("category"))
		response.Handle(c, assets, err)
	}
}

// GetAssetHandler handles GET /assets/:item_type/:item_id
func (h *GinHandlers) GetAssetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		asset, err := h.service.GetAsset(c.Request.Context(), c.Param("item_type"), c.Param("item_id"))
		response.Handle(c, asset, err)
	}
}

// OverviewHandler handles GET /portfolio
func (h *GinHandlers) OverviewHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ov, err := h.service.Overview(c.Request.Context(), auth.UserID(c))
		response.Handle(c, ov, err)
	}
}

// BuyTokensHandler handles POST /portfolio/buy
func (h *GinHandlers) BuyTokensHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PurchaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		result, err := h.service.BuyTokens(c.Request.Context(), auth.UserID(c), req)
		response.Handle(c, result, err)
	}
}

// SellTokensHandler handles POST /portfolio/sell
func (h *GinHandlers) SellTokensHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PurchaseRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		result, err := h.service.SellTokens(c.Request.Context(), auth.UserID(c), req)
		response.Handle(c, result, err)
	}
}

// UpdatePriceHandler handles POST /internal/assets/:item_type/:item_id/price
func (h *GinHandlers) UpdatePriceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req PriceUpdate
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		asset, err := h.service.UpdateAssetPrice(c.Request.Context(), c.Param("item_type"), c.Param("item_id"), req.TokenPrice)
		response.Handle(c, asset, err)
	}
}
