package notifications

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/blineit-api/internal/auth"
	"github.com/ksred/blineit-api/internal/realtime"
	"github.com/ksred/blineit-api/pkg/apperr"
	"github.com/ksred/blineit-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

var ErrNotificationNotFound = apperr.New(apperr.KindNotFound, "notification not found")

// Service stores notifications and pushes them to the realtime broker
type Service struct {
	db     *Database
	broker *realtime.Broker
}

// NewService creates a new notification service
func NewService(gormDB *gorm.DB, broker *realtime.Broker) *Service {
	return &Service{
		db:     NewDatabase(gormDB),
		broker: broker,
	}
}

// Create stores a notification and publishes it on the notifications channel
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Notification, error) {
	if req.Kind == "" {
		req.Kind = KindSystem
	}
	now := time.Now()
	n := &Notification{
		NotificationID: uuid.New().String(),
		UserID:         req.UserID,
		Kind:           req.Kind,
		Title:          req.Title,
		Body:           req.Body,
		ReferenceID:    req.ReferenceID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.db.Create(ctx, n); err != nil {
		return nil, err
	}
	s.broker.PublishChange("notifications", realtime.EventInsert, nil, n)
	return n, nil
}

func (s *Service) List(ctx context.Context, userID string, unreadOnly bool, limit int) ([]Notification, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return s.db.List(ctx, userID, unreadOnly, limit)
}

func (s *Service) UnreadCount(ctx context.Context, userID string) (int64, error) {
	return s.db.UnreadCount(ctx, userID)
}

// MarkRead flags one of the user's notifications as read
func (s *Service) MarkRead(ctx context.Context, userID, notificationID string) error {
	ok, err := s.db.MarkRead(ctx, userID, notificationID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotificationNotFound
	}
	return nil
}

// MarkAllRead flags every unread notification of the user and returns how many changed
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	return s.db.MarkAllRead(ctx, userID)
}

// Listener turns trade inserts into notifications for both counterparties
type Listener struct {
	service *Service
	broker  *realtime.Broker
}

func NewListener(service *Service, broker *realtime.Broker) *Listener {
	return &Listener{service: service, broker: broker}
}

// Run blocks until ctx ends
func (l *Listener) Run(ctx context.Context) {
	logger := log.With().Str("component", "notification_listener").Logger()
	logger.Info().Msg("starting notification listener")

	realtime.ListenQueued(ctx, l.broker, realtime.Filter{Table: "trades"}, func(e realtime.Event) {
		if e.Type != realtime.EventInsert {
			return
		}
		for _, req := range tradeNotifications(e) {
			if _, err := l.service.Create(ctx, req); err != nil {
				logger.Error().Err(err).Str("user_id", req.UserID).Msg("failed to create trade notification")
			}
		}
	})

	logger.Info().Msg("notification listener stopped")
}

func tradeNotifications(e realtime.Event) []CreateRequest {
	str := func(k string) string {
		v, _ := e.New[k].(string)
		return v
	}
	num := func(k string) string {
		v, _ := e.New[k].(float64)
		return strconv.FormatFloat(v, 'f', -1, 64)
	}

	tradeID := str("id")
	item := str("item_id")
	var out []CreateRequest
	if buyer := str("buyer_id"); buyer != "" {
		out = append(out, CreateRequest{
			UserID:      buyer,
			Kind:        KindTradeExecuted,
			Title:       "Purchase completed",
			Body:        fmt.Sprintf("You bought %s tokens of %s at %s per token.", num("quantity"), item, num("price_per_token")),
			ReferenceID: tradeID,
		})
	}
	if seller := str("seller_id"); seller != "" {
		out = append(out, CreateRequest{
			UserID:      seller,
			Kind:        KindTradeExecuted,
			Title:       "Sale completed",
			Body:        fmt.Sprintf("You sold %s tokens of %s. Net proceeds %s after fees.", num("quantity"), item, num("net_proceeds")),
			ReferenceID: tradeID,
		})
	}
	return out
}

// GinHandlers contains HTTP handlers for notification endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for notification endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// ListHandler handles GET /notifications?unread=true&limit=
func (h *GinHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.Query("limit"))
		list, err := h.service.List(c.Request.Context(), auth.UserID(c), c.Query("unread") == "true", limit)
		response.Handle(c, list, err)
	}
}

// UnreadCountHandler handles GET /notifications/unread-count
func (h *GinHandlers) UnreadCountHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := h.service.UnreadCount(c.Request.Context(), auth.UserID(c))
		response.Handle(c, gin.H{"unread": n}, err)
	}
}

// MarkReadHandler handles POST /notifications/:notification_id/read
func (h *GinHandlers) MarkReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		err := h.service.MarkRead(c.Request.Context(), auth.UserID(c), c.Param("notification_id"))
		response.Handle(c, gin.H{"read": true}, err)
	}
}

// MarkAllReadHandler handles POST /notifications/read-all
func (h *GinHandlers) MarkAllReadHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		n, err := h.service.MarkAllRead(c.Request.Context(), auth.UserID(c))
		response.Handle(c, gin.H{"updated": n}, err)
	}
}

// CreateHandler handles POST /internal/notifications
func (h *GinHandlers) CreateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
		n, err := h.service.Create(c.Request.Context(), req)
		response.Handle(c, n, err)
	}
}
