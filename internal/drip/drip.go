package drip

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/blineit-api/internal/auth"
	"github.com/ksred/blineit-api/internal/portfolio"
	"github.com/ksred/blineit-api/internal/realtime"
	"github.com/ksred/blineit-api/internal/tax"
	"github.com/ksred/blineit-api/internal/types"
	"github.com/ksred/blineit-api/pkg/apperr"
	"github.com/ksred/blineit-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const defaultBatchSize = 100

var (
	ErrInvalidPercentage = apperr.New(apperr.KindValidation, "reinvest_percentage must be between 0 and 100")
	ErrInvalidAmount     = apperr.New(apperr.KindValidation, "total_amount must be greater than zero")
	ErrNoHolders         = apperr.New(apperr.KindConflict, "asset has no holders to pay")
)

// Summarize totals DRIP transactions. prices maps item_type/item_id to the
// current token price; projected value applies ProjectionMultiplier.
func Summarize(txs []Transaction, settings []Setting, prices map[string]float64) Summary {
	var (
		dividends  = decimal.Zero
		reinvested = decimal.Zero
		cash       = decimal.Zero
		tokens     = decimal.Zero
		value      = decimal.Zero
	)
	for _, t := range txs {
		dividends = dividends.Add(decimal.NewFromFloat(t.DividendAmount))
		reinvested = reinvested.Add(decimal.NewFromFloat(t.ReinvestedAmount))
		cash = cash.Add(decimal.NewFromFloat(t.CashAmount))
		qty := decimal.NewFromFloat(t.TokensPurchased)
		tokens = tokens.Add(qty)
		value = value.Add(qty.Mul(decimal.NewFromFloat(prices[key(t.ItemType, t.ItemID)])))
	}

	active := 0
	for _, s := range settings {
		if s.Enabled {
			active++
		}
	}

	return Summary{
		TotalDividends:   dividends.Round(2).InexactFloat64(),
		TotalReinvested:  reinvested.Round(2).InexactFloat64(),
		TotalCash:        cash.Round(2).InexactFloat64(),
		TokensAcquired:   tokens.Round(6).InexactFloat64(),
		CurrentValue:     value.Round(2).InexactFloat64(),
		ProjectedValue:   value.Mul(decimal.NewFromFloat(ProjectionMultiplier)).Round(2).InexactFloat64(),
		TransactionCount: len(txs),
		ActivePlans:      active,
	}
}

func key(itemType, itemID string) string {
	return itemType + "/" + itemID
}

// Service manages reinvestment plans and processes dividend payouts
type Service struct {
	gorm   *gorm.DB
	db     *Database
	broker *realtime.Broker
}

// NewService creates a new DRIP service
func NewService(gormDB *gorm.DB, broker *realtime.Broker) *Service {
	return &Service{
		gorm:   gormDB,
		db:     NewDatabase(gormDB),
		broker: broker,
	}
}

func (s *Service) Settings(ctx context.Context, userID string) ([]Setting, error) {
	return s.db.GetSettings(ctx, userID)
}

func (s *Service) Transactions(ctx context.Context, userID string) ([]Transaction, error) {
	return s.db.GetTransactions(ctx, userID)
}

func (s *Service) Payouts(ctx context.Context, userID string) ([]DividendPayout, error) {
	return s.db.GetPayouts(ctx, userID)
}

// UpsertSetting creates or updates the user's plan for one asset.
// A missing percentage defaults to full reinvestment.
func (s *Service) UpsertSetting(ctx context.Context, userID string, req UpsertSettingRequest) (*Setting, error) {
	pct := 100.0
	if req.ReinvestPercentage != nil {
		pct = *req.ReinvestPercentage
	}
	if pct < 0 || pct > 100 {
		return nil, ErrInvalidPercentage
	}

	var setting *Setting
	err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := portfolio.FindAsset(tx, req.ItemType, req.ItemID); err != nil {
			return err
		}
		existing, err := findSetting(tx, userID, req.ItemType, req.ItemID)
		if err != nil {
			return err
		}

		now := time.Now()
		if existing == nil {
			setting = &Setting{
				SettingID:          uuid.New().String(),
				UserID:             userID,
				ItemType:           req.ItemType,
				ItemID:             req.ItemID,
				Enabled:            req.Enabled,
				ReinvestPercentage: pct,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			return tx.Create(setting).Error
		}

		existing.Enabled = req.Enabled
		existing.ReinvestPercentage = pct
		existing.UpdatedAt = now
		setting = existing
		return tx.Model(existing).Updates(map[string]interface{}{
			"enabled":             req.Enabled,
			"reinvest_percentage": pct,
			"updated_at":          now,
		}).Error
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("user_id", userID).
		Str("item_id", req.ItemID).
		Bool("enabled", setting.Enabled).
		Float64("reinvest_percentage", setting.ReinvestPercentage).
		Msg("drip setting saved")
	return setting, nil
}

// Summary aggregates the user's DRIP history at current token prices
func (s *Service) Summary(ctx context.Context, userID string) (*Summary, error) {
	txs, err := s.db.GetTransactions(ctx, userID)
	if err != nil {
		return nil, err
	}
	settings, err := s.db.GetSettings(ctx, userID)
	if err != nil {
		return nil, err
	}

	prices := make(map[string]float64)
	for _, t := range txs {
		k := key(t.ItemType, t.ItemID)
		if _, ok := prices[k]; ok {
			continue
		}
		asset, err := portfolio.FindAsset(s.gorm.WithContext(ctx), t.ItemType, t.ItemID)
		if err != nil {
			return nil, err
		}
		prices[k] = asset.TokenPrice
	}

	summary := Summarize(txs, settings, prices)
	return &summary, nil
}

// Distribute splits a distribution across the asset's holders pro rata and
// queues one pending payout per holder
func (s *Service) Distribute(ctx context.Context, req DistributionRequest) ([]DividendPayout, error) {
	logger := log.With().
		Str("item_type", req.ItemType).
		Str("item_id", req.ItemID).
		Float64("total_amount", req.TotalAmount).
		Str("service", "drip").
		Logger()

	if req.TotalAmount <= 0 {
		return nil, ErrInvalidAmount
	}

	var payouts []DividendPayout
	err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := portfolio.FindAsset(tx, req.ItemType, req.ItemID); err != nil {
			return err
		}

		var holders []types.Holding
		if err := tx.Where("item_type = ? AND item_id = ? AND token_quantity > 0", req.ItemType, req.ItemID).
			Order("user_id").
			Find(&holders).Error; err != nil {
			return err
		}
		if len(holders) == 0 {
			return ErrNoHolders
		}

		held := decimal.Zero
		for _, h := range holders {
			held = held.Add(decimal.NewFromFloat(h.TokenQuantity))
		}

		total := decimal.NewFromFloat(req.TotalAmount)
		now := time.Now()
		for _, h := range holders {
			share := total.Mul(decimal.NewFromFloat(h.TokenQuantity)).Div(held).Round(2)
			if !share.IsPositive() {
				continue
			}
			payouts = append(payouts, DividendPayout{
				PayoutID:  uuid.New().String(),
				UserID:    h.UserID,
				ItemType:  req.ItemType,
				ItemID:    req.ItemID,
				Amount:    share.InexactFloat64(),
				Status:    PayoutPending,
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
		if len(payouts) == 0 {
			return ErrNoHolders
		}
		return tx.Create(&payouts).Error
	})
	if err != nil {
		logger.Warn().Err(err).Msg("distribution failed")
		return nil, err
	}

	logger.Info().Int("payouts", len(payouts)).Msg("distribution queued")
	return payouts, nil
}

// ProcessPending settles up to limit pending payouts. Each payout is settled
// in its own transaction; failures are logged and left pending.
func (s *Service) ProcessPending(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = defaultBatchSize
	}
	logger := log.With().Str("component", "drip_processor").Logger()

	payouts, err := s.db.GetPendingPayouts(ctx, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for i := range payouts {
		p := payouts[i]
		txn, holding, err := s.settle(ctx, &p)
		if err != nil {
			logger.Error().Err(err).Str("payout_id", p.PayoutID).Msg("failed to process payout")
			continue
		}
		processed++

		if txn != nil {
			s.broker.PublishChange("drip_transactions", realtime.EventInsert, nil, txn)
		}
		if holding != nil {
			s.broker.PublishChange("holdings", realtime.EventUpdate, nil, holding)
		}
		logger.Debug().
			Str("payout_id", p.PayoutID).
			Str("user_id", p.UserID).
			Str("status", p.Status).
			Msg("payout processed")
	}
	return processed, nil
}

// settle claims one pending payout and reinvests or pays it
func (s *Service) settle(ctx context.Context, p *DividendPayout) (*Transaction, *types.Holding, error) {
	var (
		txn     *Transaction
		holding *types.Holding
	)
	err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now()
		res := tx.Model(&DividendPayout{}).
			Where("payout_id = ? AND status = ?", p.PayoutID, PayoutPending).
			Updates(map[string]interface{}{"status": PayoutPaid, "processed_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// claimed by another run
			return nil
		}
		p.Status = PayoutPaid
		p.ProcessedAt = &now

		eventType := types.TaxEventDividend
		if p.ItemType == types.ItemTypeLoan {
			eventType = types.TaxEventInterest
		}
		if err := tax.Record(tx, &types.TaxableEvent{
			UserID:      p.UserID,
			EventType:   eventType,
			Amount:      p.Amount,
			ItemType:    p.ItemType,
			ItemID:      p.ItemID,
			ReferenceID: p.PayoutID,
			OccurredAt:  now,
		}); err != nil {
			return err
		}

		setting, err := findSetting(tx, p.UserID, p.ItemType, p.ItemID)
		if err != nil {
			return err
		}
		if setting == nil || !setting.Enabled || setting.ReinvestPercentage <= 0 {
			return nil
		}

		asset, err := portfolio.FindAsset(tx, p.ItemType, p.ItemID)
		if err != nil {
			return err
		}
		amount := decimal.NewFromFloat(p.Amount)
		reinvest := amount.Mul(decimal.NewFromFloat(setting.ReinvestPercentage)).Div(decimal.NewFromInt(100)).Round(2)
		tokens := reinvest.Div(decimal.NewFromFloat(asset.TokenPrice)).Round(6)
		if !tokens.IsPositive() {
			return nil
		}

		qty := tokens.InexactFloat64()
		supply := tx.Model(&types.Asset{}).
			Where("id = ? AND available_tokens >= ?", asset.ID, qty).
			Updates(map[string]interface{}{
				"available_tokens": gorm.Expr("available_tokens - ?", qty),
				"updated_at":       now,
			})
		if supply.Error != nil {
			return supply.Error
		}
		if supply.RowsAffected == 0 {
			// sold out; the whole payout stays cash
			return nil
		}

		if holding, err = portfolio.Credit(tx, p.UserID, p.ItemType, p.ItemID, qty, asset.TokenPrice); err != nil {
			return err
		}

		txn = &Transaction{
			TransactionID:    uuid.New().String(),
			UserID:           p.UserID,
			PayoutID:         p.PayoutID,
			ItemType:         p.ItemType,
			ItemID:           p.ItemID,
			DividendAmount:   p.Amount,
			ReinvestedAmount: reinvest.InexactFloat64(),
			CashAmount:       amount.Sub(reinvest).Round(2).InexactFloat64(),
			TokensPurchased:  qty,
			PricePerToken:    asset.TokenPrice,
			CreatedAt:        now,
		}
		if err := tx.Create(txn).Error; err != nil {
			return err
		}

		p.Status = PayoutReinvested
		return tx.Model(&DividendPayout{}).
			Where("payout_id = ?", p.PayoutID).
			Update("status", PayoutReinvested).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return txn, holding, nil
}

// GinHandlers contains HTTP handlers for DRIP endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for DRIP endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// SettingsHandler handles GET /drip/settings
func (h *GinHandlers) SettingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		settings, err := h.service.Settings(c.Request.Context(), auth.UserID(c))
		response.Handle(c, settings, err)
	}
}

// UpsertSettingHandler handles PUT /drip/settings
func (h *GinHandlers) UpsertSettingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req UpsertSettingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		setting, err := h.service.UpsertSetting(c.Request.Context(), auth.UserID(c), req)
		response.Handle(c, setting, err)
	}
}

// TransactionsHandler handles GET /drip/transactions
func (h *GinHandlers) TransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		txs, err := h.service.Transactions(c.Request.Context(), auth.UserID(c))
		response.Handle(c, txs, err)
	}
}

// PayoutsHandler handles GET /drip/payouts
func (h *GinHandlers) PayoutsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		payouts, err := h.service.Payouts(c.Request.Context(), auth.UserID(c))
		response.Handle(c, payouts, err)
	}
}

// SummaryHandler handles GET /drip/summary
func (h *GinHandlers) SummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		summary, err := h.service.Summary(c.Request.Context(), auth.UserID(c))
		response.Handle(c, summary, err)
	}
}

// DistributeHandler handles POST /internal/distributions
func (h *GinHandlers) DistributeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req DistributionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		payouts, err := h.service.Distribute(c.Request.Context(), req)
		response.Handle(c, payouts, err)
	}
}
