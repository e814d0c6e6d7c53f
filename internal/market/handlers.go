package market

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/blineit-api/internal/auth"
	"github.com/ksred/blineit-api/pkg/response"
)

// GinHandlers contains HTTP handlers for market endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for market endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListListingsHandler handles GET /market/listings?item_type=&item_id=
func (h *GinHandlers) ListListingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var f ListingFilter
		if err := c.ShouldBindQuery(&f); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		listings, err := h.service.ListListings(c.Request.Context(), f)
		response.Handle(c, listings, err)
	}
}

// GetListingHandler handles GET /market/listings/:listing_id
func (h *GinHandlers) GetListingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		listing, err := h.service.GetListing(c.Request.Context(), c.Param("listing_id"))
		response.Handle(c, listing, err)
	}
}

// OrderBookHandler handles GET /market/orderbook/:item_type/:item_id
func (h *GinHandlers) OrderBookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		book, err := h.service.OrderBook(c.Request.Context(), c.Param("item_type"), c.Param("item_id"))
		response.Handle(c, book, err)
	}
}

// CreateListingHandler handles POST /market/listings
func (h *GinHandlers) CreateListingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateListingRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		listing, err := h.service.CreateListing(c.Request.Context(), auth.UserID(c), req)
		response.Handle(c, listing, err)
	}
}

// CancelListingHandler handles POST /market/listings/:listing_id/cancel
func (h *GinHandlers) CancelListingHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		listing, err := h.service.CancelListing(c.Request.Context(), auth.UserID(c), c.Param("listing_id"))
		response.Handle(c, listing, err)
	}
}

// CreateBuyOrderHandler handles POST /market/buy-orders
func (h *GinHandlers) CreateBuyOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateBuyOrderRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		order, err := h.service.CreateBuyOrder(c.Request.Context(), auth.UserID(c), req)
		response.Handle(c, order, err)
	}
}

// CancelBuyOrderHandler handles POST /market/buy-orders/:buy_order_id/cancel
func (h *GinHandlers) CancelBuyOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := h.service.CancelBuyOrder(c.Request.Context(), auth.UserID(c), c.Param("buy_order_id"))
		response.Handle(c, order, err)
	}
}

// ExecuteTradeHandler handles POST /market/trades
// Requires an Idempotency-Key header; a replay returns the original trade
func (h *GinHandlers) ExecuteTradeHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		idempotencyKey := c.GetHeader("Idempotency-Key")
		if idempotencyKey == "" {
			response.BadRequest(c, "Idempotency-Key header is required")
			return
		}

		var req ExecuteTradeRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.ExecuteTrade(c.Request.Context(), auth.UserID(c), req, idempotencyKey)
		response.Handle(c, result, err)
	}
}

// MyListingsHandler handles GET /market/my/listings
func (h *GinHandlers) MyListingsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		listings, err := h.service.UserListings(c.Request.Context(), auth.UserID(c))
		response.Handle(c, listings, err)
	}
}

// MyBuyOrdersHandler handles GET /market/my/buy-orders
func (h *GinHandlers) MyBuyOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orders, err := h.service.UserBuyOrders(c.Request.Context(), auth.UserID(c))
		response.Handle(c, orders, err)
	}
}

// TradeHistoryHandler handles GET /market/my/trades?limit=
func (h *GinHandlers) TradeHistoryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				response.BadRequest(c, "limit must be an integer")
				return
			}
			limit = n
		}
		trades, err := h.service.TradeHistory(c.Request.Context(), auth.UserID(c), limit)
		response.Handle(c, trades, err)
	}
}
