package market

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/blineit-api/internal/portfolio"
	"github.com/ksred/blineit-api/internal/realtime"
	"github.com/ksred/blineit-api/internal/tax"
	"github.com/ksred/blineit-api/internal/types"
	"github.com/ksred/blineit-api/pkg/apperr"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	qtyEpsilon        = 1e-9
	idempotencyTTL    = 24 * time.Hour
	defaultTradeLimit = 50
	maxTradeLimit     = 500
)

var (
	ErrListingNotFound        = apperr.New(apperr.KindNotFound, "listing not found")
	ErrBuyOrderNotFound       = apperr.New(apperr.KindNotFound, "buy order not found")
	ErrTradeNotFound          = apperr.New(apperr.KindNotFound, "trade not found")
	ErrInvalidItemType        = apperr.New(apperr.KindValidation, "item_type must be property or loan")
	ErrInvalidQuantity        = apperr.New(apperr.KindValidation, "quantity must be greater than zero")
	ErrInvalidPrice           = apperr.New(apperr.KindValidation, "price must be greater than zero")
	ErrInvalidExpiry          = apperr.New(apperr.KindValidation, "expires_at must be in the future")
	ErrInvalidTradeTarget     = apperr.New(apperr.KindValidation, "exactly one of listing_id or buy_order_id is required")
	ErrIdempotencyKeyRequired = apperr.New(apperr.KindValidation, "Idempotency-Key header is required")
	ErrIdempotencyKeyReused   = apperr.New(apperr.KindConflict, "idempotency key already used by another request")
	ErrSelfTrade              = apperr.New(apperr.KindValidation, "cannot trade against your own order")
	ErrNotOwner               = apperr.New(apperr.KindForbidden, "only the owner can cancel this order")
	ErrNotOpen                = apperr.New(apperr.KindConflict, "order is no longer open")
	ErrInsufficientRemaining  = apperr.New(apperr.KindConflict, "requested quantity exceeds what remains")
)

// Service runs the secondary market: listings, buy orders and the trades between them
type Service struct {
	gorm    *gorm.DB
	db      *Database
	broker  *realtime.Broker
	feeRate float64
}

// NewService creates a new market service. feeRate is the platform's share of each trade total.
func NewService(gormDB *gorm.DB, broker *realtime.Broker, feeRate float64) *Service {
	return &Service{
		gorm:    gormDB,
		db:      NewDatabase(gormDB),
		broker:  broker,
		feeRate: feeRate,
	}
}

// Fees splits a trade total into the platform fee, rounded to cents, and the seller's net proceeds
func Fees(total, rate float64) (fee, net float64) {
	t := decimal.NewFromFloat(total)
	f := t.Mul(decimal.NewFromFloat(rate)).Round(2)
	return f.InexactFloat64(), t.Sub(f).Round(2).InexactFloat64()
}

// BuildOrderBook aggregates open listings and buy orders into asks and bids.
// Entries with nothing left to fill are dropped.
func BuildOrderBook(itemType, itemID string, listings []types.Listing, orders []types.BuyOrder) *OrderBook {
	book := &OrderBook{
		ItemType: itemType,
		ItemID:   itemID,
		Asks:     make([]BookEntry, 0, len(listings)),
		Bids:     make([]BookEntry, 0, len(orders)),
	}
	for i := range listings {
		l := &listings[i]
		if r := l.Remaining(); r > qtyEpsilon {
			book.Asks = append(book.Asks, BookEntry{Price: l.PricePerToken, Remaining: r, ListingID: l.ListingID})
		}
	}
	for i := range orders {
		o := &orders[i]
		if r := o.Remaining(); r > qtyEpsilon {
			book.Bids = append(book.Bids, BookEntry{Price: o.MaxPricePerToken, Remaining: r, BuyOrderID: o.BuyOrderID})
		}
	}
	sortEntries(book.Asks, true)
	sortEntries(book.Bids, false)

	if len(book.Asks) > 0 {
		p := book.Asks[0].Price
		book.BestAsk = &p
	}
	if len(book.Bids) > 0 {
		p := book.Bids[0].Price
		book.BestBid = &p
	}
	if book.BestAsk != nil && book.BestBid != nil {
		s := decimal.NewFromFloat(*book.BestAsk).Sub(decimal.NewFromFloat(*book.BestBid)).Round(6).InexactFloat64()
		book.Spread = &s
	}
	return book
}

func sortEntries(entries []BookEntry, ascending bool) {
	sort.SliceStable(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Price < entries[j].Price
		}
		return entries[i].Price > entries[j].Price
	})
}

// ListListings returns open listings ascending by price
func (s *Service) ListListings(ctx context.Context, f ListingFilter) ([]types.Listing, error) {
	if f.ItemType != "" && !types.ValidItemType(f.ItemType) {
		return nil, ErrInvalidItemType
	}
	return s.db.ListOpenListings(ctx, f)
}

// OrderBook returns the asks and bids for one asset
func (s *Service) OrderBook(ctx context.Context, itemType, itemID string) (*OrderBook, error) {
	if !types.ValidItemType(itemType) {
		return nil, ErrInvalidItemType
	}
	listings, err := s.db.ListOpenListings(ctx, ListingFilter{ItemType: itemType, ItemID: itemID})
	if err != nil {
		return nil, err
	}
	orders, err := s.db.ListOpenBuyOrders(ctx, itemType, itemID)
	if err != nil {
		return nil, err
	}
	return BuildOrderBook(itemType, itemID, listings, orders), nil
}

// GetListing returns one listing
func (s *Service) GetListing(ctx context.Context, listingID string) (*types.Listing, error) {
	return s.db.GetListing(ctx, listingID)
}

// UserListings returns every listing the user created, newest first
func (s *Service) UserListings(ctx context.Context, userID string) ([]types.Listing, error) {
	return s.db.UserListings(ctx, userID)
}

// UserBuyOrders returns every buy order the user created, newest first
func (s *Service) UserBuyOrders(ctx context.Context, userID string) ([]types.BuyOrder, error) {
	return s.db.UserBuyOrders(ctx, userID)
}

// TradeHistory returns trades where the user was buyer or seller
func (s *Service) TradeHistory(ctx context.Context, userID string, limit int) ([]types.Trade, error) {
	if limit <= 0 {
		limit = defaultTradeLimit
	}
	if limit > maxTradeLimit {
		limit = maxTradeLimit
	}
	return s.db.TradeHistory(ctx, userID, limit)
}

func validateOrder(itemType string, qty, price float64, expiresAt *time.Time) error {
	switch {
	case !types.ValidItemType(itemType):
		return ErrInvalidItemType
	case qty <= 0:
		return ErrInvalidQuantity
	case price <= 0:
		return ErrInvalidPrice
	case expiresAt != nil && !expiresAt.After(time.Now()):
		return ErrInvalidExpiry
	}
	return nil
}

// CreateListing offers tokens for sale and locks them on the seller's holding
func (s *Service) CreateListing(ctx context.Context, sellerID string, req CreateListingRequest) (*types.Listing, error) {
	logger := log.With().
		Str("seller_id", sellerID).
		Str("item_type", req.ItemType).
		Str("item_id", req.ItemID).
		Str("service", "market").
		Logger()

	if err := validateOrder(req.ItemType, req.TokenQuantity, req.PricePerToken, req.ExpiresAt); err != nil {
		return nil, err
	}

	now := time.Now()
	listing := &types.Listing{
		ListingID:     uuid.New().String(),
		SellerID:      sellerID,
		ItemType:      req.ItemType,
		ItemID:        req.ItemID,
		TokenQuantity: req.TokenQuantity,
		PricePerToken: req.PricePerToken,
		Status:        types.StatusActive,
		ExpiresAt:     req.ExpiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	var holding *types.Holding
	err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := portfolio.FindAsset(tx, req.ItemType, req.ItemID); err != nil {
			return err
		}
		var err error
		if holding, err = portfolio.Lock(tx, sellerID, req.ItemType, req.ItemID, req.TokenQuantity); err != nil {
			return err
		}
		return tx.Create(listing).Error
	})
	if err != nil {
		logger.Warn().Err(err).Msg("create listing failed")
		return nil, err
	}

	s.broker.PublishChange("listings", realtime.EventInsert, nil, listing)
	s.broker.PublishChange("holdings", realtime.EventUpdate, nil, holding)

	logger.Info().
		Str("listing_id", listing.ListingID).
		Float64("token_quantity", listing.TokenQuantity).
		Float64("price_per_token", listing.PricePerToken).
		Msg("listing created")
	return listing, nil
}

// CancelListing withdraws an open listing and releases its unfilled tokens
func (s *Service) CancelListing(ctx context.Context, userID, listingID string) (*types.Listing, error) {
	logger := log.With().
		Str("listing_id", listingID).
		Str("user_id", userID).
		Str("service", "market").
		Logger()

	var before, after *types.Listing
	var holding *types.Holding
	err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if before, err = findListing(tx, listingID); err != nil {
			return err
		}
		if before.SellerID != userID {
			return ErrNotOwner
		}

		ok, err := closeListing(tx, listingID, types.StatusCancelled, time.Now())
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotOpen
		}
		if holding, err = portfolio.Unlock(tx, before.SellerID, before.ItemType, before.ItemID, before.Remaining()); err != nil {
			return err
		}
		after, err = findListing(tx, listingID)
		return err
	})
	if err != nil {
		logger.Warn().Err(err).Msg("cancel listing failed")
		return nil, err
	}

	s.broker.PublishChange("listings", realtime.EventUpdate, before, after)
	s.broker.PublishChange("holdings", realtime.EventUpdate, nil, holding)
	logger.Info().Float64("released", before.Remaining()).Msg("listing cancelled")
	return after, nil
}

// CreateBuyOrder posts a standing bid for tokens at or below a maximum price
func (s *Service) CreateBuyOrder(ctx context.Context, buyerID string, req CreateBuyOrderRequest) (*types.BuyOrder, error) {
	logger := log.With().
		Str("buyer_id", buyerID).
		Str("item_type", req.ItemType).
		Str("item_id", req.ItemID).
		Str("service", "market").
		Logger()

	if err := validateOrder(req.ItemType, req.TokenQuantity, req.MaxPricePerToken, req.ExpiresAt); err != nil {
		return nil, err
	}

	now := time.Now()
	order := &types.BuyOrder{
		BuyOrderID:       uuid.New().String(),
		BuyerID:          buyerID,
		ItemType:         req.ItemType,
		ItemID:           req.ItemID,
		TokenQuantity:    req.TokenQuantity,
		MaxPricePerToken: req.MaxPricePerToken,
		Status:           types.StatusActive,
		ExpiresAt:        req.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := portfolio.FindAsset(tx, req.ItemType, req.ItemID); err != nil {
			return err
		}
		return tx.Create(order).Error
	})
	if err != nil {
		logger.Warn().Err(err).Msg("create buy order failed")
		return nil, err
	}

	s.broker.PublishChange("buy_orders", realtime.EventInsert, nil, order)
	logger.Info().
		Str("buy_order_id", order.BuyOrderID).
		Float64("token_quantity", order.TokenQuantity).
		Float64("max_price_per_token", order.MaxPricePerToken).
		Msg("buy order created")
	return order, nil
}

// CancelBuyOrder withdraws an open buy order
func (s *Service) CancelBuyOrder(ctx context.Context, userID, buyOrderID string) (*types.BuyOrder, error) {
	logger := log.With().
		Str("buy_order_id", buyOrderID).
		Str("user_id", userID).
		Str("service", "market").
		Logger()

	var before, after *types.BuyOrder
	err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		if before, err = findBuyOrder(tx, buyOrderID); err != nil {
			return err
		}
		if before.BuyerID != userID {
			return ErrNotOwner
		}
		ok, err := closeBuyOrder(tx, buyOrderID, types.StatusCancelled, time.Now())
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotOpen
		}
		after, err = findBuyOrder(tx, buyOrderID)
		return err
	})
	if err != nil {
		logger.Warn().Err(err).Msg("cancel buy order failed")
		return nil, err
	}

	s.broker.PublishChange("buy_orders", realtime.EventUpdate, before, after)
	logger.Info().Msg("buy order cancelled")
	return after, nil
}

// ExecuteTrade fills part or all of a listing or buy order for the caller.
// A repeated idempotency key returns the trade it first produced.
func (s *Service) ExecuteTrade(ctx context.Context, userID string, req ExecuteTradeRequest, idempotencyKey string) (*TradeResult, error) {
	logger := log.With().
		Str("user_id", userID).
		Str("listing_id", req.ListingID).
		Str("buy_order_id", req.BuyOrderID).
		Str("idempotency_key", idempotencyKey).
		Str("service", "market").
		Logger()

	if idempotencyKey == "" {
		return nil, ErrIdempotencyKeyRequired
	}
	if (req.ListingID == "") == (req.BuyOrderID == "") {
		return nil, ErrInvalidTradeTarget
	}
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	if res, err := s.replay(ctx, userID, idempotencyKey); res != nil || err != nil {
		return res, err
	}

	var ex *execution
	var err error
	if req.ListingID != "" {
		ex, err = s.fillFromListing(ctx, userID, req, idempotencyKey)
	} else {
		ex, err = s.fillFromBuyOrder(ctx, userID, req, idempotencyKey)
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// a concurrent request with the same key won the race
		if res, rerr := s.replay(ctx, userID, idempotencyKey); res != nil || rerr != nil {
			return res, rerr
		}
	}
	if err != nil {
		logger.Warn().Err(err).Msg("trade execution failed")
		return nil, err
	}

	s.publishExecution(ex)

	logger.Info().
		Str("trade_id", ex.trade.TradeID).
		Float64("quantity", ex.trade.Quantity).
		Float64("price_per_token", ex.trade.PricePerToken).
		Float64("platform_fee", ex.trade.PlatformFee).
		Msg("trade executed")
	return &TradeResult{Trade: ex.trade}, nil
}

func (s *Service) replay(ctx context.Context, userID, key string) (*TradeResult, error) {
	record, err := s.db.GetIdempotencyRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	if !record.ExpiresAt.After(time.Now()) {
		return nil, s.db.DeleteIdempotencyRecord(ctx, record)
	}
	if record.UserID != userID {
		return nil, ErrIdempotencyKeyReused
	}
	trade, err := s.db.GetTrade(ctx, record.ResourceID)
	if err != nil {
		return nil, err
	}
	return &TradeResult{Trade: trade, Replayed: true}, nil
}

// execution carries everything a committed trade changed, for publishing
type execution struct {
	trade         *types.Trade
	listingBefore *types.Listing
	listingAfter  *types.Listing
	orderBefore   *types.BuyOrder
	orderAfter    *types.BuyOrder
	buyerHolding  *types.Holding
	sellerHolding *types.Holding
}

func (s *Service) fillFromListing(ctx context.Context, buyerID string, req ExecuteTradeRequest, key string) (*execution, error) {
	ex := &execution{}
	err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		listing, err := findListing(tx, req.ListingID)
		if err != nil {
			return err
		}
		if listing.SellerID == buyerID {
			return ErrSelfTrade
		}
		if !listing.IsOpen() || expired(listing.ExpiresAt) {
			return ErrNotOpen
		}
		ex.listingBefore = listing

		now := time.Now()
		ok, err := fillListing(tx, listing.ListingID, req.Quantity, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInsufficientRemaining
		}

		ex.trade, ex.sellerHolding, ex.buyerHolding, err = s.settle(tx, settlement{
			listingID: listing.ListingID,
			buyerID:   buyerID,
			sellerID:  listing.SellerID,
			itemType:  listing.ItemType,
			itemID:    listing.ItemID,
			quantity:  req.Quantity,
			price:     listing.PricePerToken,
			fromLock:  true,
			key:       key,
			now:       now,
		})
		if err != nil {
			return err
		}
		ex.listingAfter, err = findListing(tx, listing.ListingID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ex, nil
}

func (s *Service) fillFromBuyOrder(ctx context.Context, sellerID string, req ExecuteTradeRequest, key string) (*execution, error) {
	ex := &execution{}
	err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := findBuyOrder(tx, req.BuyOrderID)
		if err != nil {
			return err
		}
		if order.BuyerID == sellerID {
			return ErrSelfTrade
		}
		if !order.IsOpen() || expired(order.ExpiresAt) {
			return ErrNotOpen
		}
		ex.orderBefore = order

		now := time.Now()
		ok, err := fillBuyOrder(tx, order.BuyOrderID, req.Quantity, now)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInsufficientRemaining
		}

		ex.trade, ex.sellerHolding, ex.buyerHolding, err = s.settle(tx, settlement{
			buyOrderID: order.BuyOrderID,
			buyerID:    order.BuyerID,
			sellerID:   sellerID,
			itemType:   order.ItemType,
			itemID:     order.ItemID,
			quantity:   req.Quantity,
			price:      order.MaxPricePerToken,
			key:        key,
			now:        now,
		})
		if err != nil {
			return err
		}
		ex.orderAfter, err = findBuyOrder(tx, order.BuyOrderID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ex, nil
}

type settlement struct {
	listingID  string
	buyOrderID string
	buyerID    string
	sellerID   string
	itemType   string
	itemID     string
	quantity   float64
	price      float64
	fromLock   bool
	key        string
	now        time.Time
}

// settle moves tokens, writes the trade row, the seller's realized gain or
// loss and the idempotency record. Runs inside the fill transaction.
func (s *Service) settle(tx *gorm.DB, st settlement) (*types.Trade, *types.Holding, *types.Holding, error) {
	sellerBefore, err := portfolio.FindHolding(tx, st.sellerID, st.itemType, st.itemID)
	if err != nil {
		return nil, nil, nil, err
	}
	if sellerBefore == nil {
		return nil, nil, nil, portfolio.ErrInsufficientTokens
	}

	seller, err := portfolio.Debit(tx, st.sellerID, st.itemType, st.itemID, st.quantity, st.fromLock)
	if err != nil {
		return nil, nil, nil, err
	}
	buyer, err := portfolio.Credit(tx, st.buyerID, st.itemType, st.itemID, st.quantity, st.price)
	if err != nil {
		return nil, nil, nil, err
	}

	total := decimal.NewFromFloat(st.quantity).Mul(decimal.NewFromFloat(st.price)).Round(2).InexactFloat64()
	fee, net := Fees(total, s.feeRate)

	trade := &types.Trade{
		TradeID:       uuid.New().String(),
		ListingID:     st.listingID,
		BuyOrderID:    st.buyOrderID,
		BuyerID:       st.buyerID,
		SellerID:      st.sellerID,
		ItemType:      st.itemType,
		ItemID:        st.itemID,
		Quantity:      st.quantity,
		PricePerToken: st.price,
		TotalAmount:   total,
		PlatformFee:   fee,
		NetProceeds:   net,
		Status:        types.TradeStatusCompleted,
		CreatedAt:     st.now,
	}
	if err := tx.Create(trade).Error; err != nil {
		return nil, nil, nil, err
	}

	costBasis := decimal.NewFromFloat(st.quantity).Mul(decimal.NewFromFloat(sellerBefore.AverageCost)).Round(2).InexactFloat64()
	if err := tax.RecordRealized(tx, st.sellerID, st.itemType, st.itemID, trade.TradeID, net, costBasis); err != nil {
		return nil, nil, nil, err
	}

	record := IdempotencyRecord{
		IdempotencyKey: st.key,
		UserID:         userOf(st),
		ResourceID:     trade.TradeID,
		ResourceType:   "trade",
		ExpiresAt:      st.now.Add(idempotencyTTL),
	}
	if err := tx.Create(&record).Error; err != nil {
		return nil, nil, nil, err
	}
	return trade, seller, buyer, nil
}

// userOf returns the caller: the buyer when filling a listing, the seller when filling a buy order
func userOf(st settlement) string {
	if st.listingID != "" {
		return st.buyerID
	}
	return st.sellerID
}

func expired(at *time.Time) bool {
	return at != nil && !at.After(time.Now())
}

func (s *Service) publishExecution(ex *execution) {
	s.broker.PublishChange("trades", realtime.EventInsert, nil, ex.trade)
	if ex.listingAfter != nil {
		s.broker.PublishChange("listings", realtime.EventUpdate, ex.listingBefore, ex.listingAfter)
	}
	if ex.orderAfter != nil {
		s.broker.PublishChange("buy_orders", realtime.EventUpdate, ex.orderBefore, ex.orderAfter)
	}
	s.broker.PublishChange("holdings", realtime.EventUpdate, nil, ex.sellerHolding)
	s.broker.PublishChange("holdings", realtime.EventUpdate, nil, ex.buyerHolding)
}

// ExpireStale closes listings and buy orders past their expiry and releases
// locked tokens. It returns how many orders were expired.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	logger := log.With().Str("service", "market").Str("component", "expiry").Logger()

	listings, err := s.db.StaleListings(ctx, now)
	if err != nil {
		return 0, err
	}
	orders, err := s.db.StaleBuyOrders(ctx, now)
	if err != nil {
		return 0, err
	}

	expiredCount := 0
	for i := range listings {
		before := listings[i]
		var after *types.Listing
		var holding *types.Holding
		err := s.gorm.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			ok, err := closeListing(tx, before.ListingID, types.StatusExpired, now)
			if err != nil || !ok {
				return err
			}
			if holding, err = portfolio.Unlock(tx, before.SellerID, before.ItemType, before.ItemID, before.Remaining()); err != nil {
				return err
			}
			after, err = findListing(tx, before.ListingID)
			return err
		})
		if err != nil {
			logger.Error().Err(err).Str("listing_id", before.ListingID).Msg("failed to expire listing")
			continue
		}
		if after == nil {
			continue
		}
		expiredCount++
		s.broker.PublishChange("listings", realtime.EventUpdate, &before, after)
		s.broker.PublishChange("holdings", realtime.EventUpdate, nil, holding)
	}

	for i := range orders {
		before := orders[i]
		ok, err := closeBuyOrder(s.gorm.WithContext(ctx), before.BuyOrderID, types.StatusExpired, now)
		if err != nil {
			logger.Error().Err(err).Str("buy_order_id", before.BuyOrderID).Msg("failed to expire buy order")
			continue
		}
		if !ok {
			continue
		}
		expiredCount++
		after := before
		after.Status = types.StatusExpired
		after.UpdatedAt = now
		s.broker.PublishChange("buy_orders", realtime.EventUpdate, &before, &after)
	}

	if removed, err := s.db.DeleteExpiredIdempotencyRecords(ctx, now); err != nil {
		logger.Error().Err(err).Msg("failed to purge idempotency records")
	} else if removed > 0 {
		logger.Debug().Int64("removed", removed).Msg("purged idempotency records")
	}

	return expiredCount, nil
}
