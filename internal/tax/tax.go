package tax

import (
	"context"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/ksred/blineit-api/internal/auth"
	"github.com/ksred/blineit-api/internal/types"
	"github.com/ksred/blineit-api/pkg/apperr"
	"github.com/ksred/blineit-api/pkg/response"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var ErrInvalidYear = apperr.New(apperr.KindValidation, "year must be between 2000 and 2100")

// Summarize reduces taxable events into yearly totals. Amounts are summed in
// decimal and rounded to cents; unknown event types only show up in ByCategory.
func Summarize(year int, events []types.TaxableEvent) Summary {
	totals := make(map[string]decimal.Decimal)
	for _, e := range events {
		totals[e.EventType] = totals[e.EventType].Add(decimal.NewFromFloat(e.Amount))
	}

	get := func(k string) decimal.Decimal { return totals[k] }

	dividends := get(types.TaxEventDividend)
	interest := get(types.TaxEventInterest)
	gains := get(types.TaxEventCapitalGain)
	losses := get(types.TaxEventCapitalLoss)
	winnings := get(types.TaxEventPredictionWinnings)
	net := gains.Sub(losses)
	total := dividends.Add(interest).Add(winnings).Add(net)

	byCategory := make(map[string]float64, len(totals))
	for k, v := range totals {
		byCategory[k] = v.Round(2).InexactFloat64()
	}

	return Summary{
		TaxYear:                     year,
		Dividends:                   dividends.Round(2).InexactFloat64(),
		Interest:                    interest.Round(2).InexactFloat64(),
		CapitalGains:                gains.Round(2).InexactFloat64(),
		CapitalLosses:               losses.Round(2).InexactFloat64(),
		PredictionWinnings:          winnings.Round(2).InexactFloat64(),
		NetCapitalGainLoss:          net.Round(2).InexactFloat64(),
		TotalIncome:                 total.Round(2).InexactFloat64(),
		EstimatedQualifiedDividends: dividends.Mul(decimal.NewFromFloat(QualifiedDividendRatio)).Round(2).InexactFloat64(),
		EventCount:                  len(events),
		ByCategory:                  byCategory,
	}
}

// Record writes a taxable event inside the caller's transaction. Zero amounts are skipped.
func Record(tx *gorm.DB, e *types.TaxableEvent) error {
	if e.Amount == 0 {
		return nil
	}
	if e.EventID == "" {
		e.EventID = uuid.New().String()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	if e.TaxYear == 0 {
		e.TaxYear = e.OccurredAt.Year()
	}
	e.CreatedAt = time.Now()
	return tx.Create(e).Error
}

// RecordRealized records a capital gain or loss for proceeds against a cost basis
func RecordRealized(tx *gorm.DB, userID, itemType, itemID, referenceID string, proceeds, costBasis float64) error {
	pnl := decimal.NewFromFloat(proceeds).Sub(decimal.NewFromFloat(costBasis)).Round(2)
	if pnl.IsZero() {
		return nil
	}

	eventType := types.TaxEventCapitalGain
	if pnl.IsNegative() {
		eventType = types.TaxEventCapitalLoss
	}
	return Record(tx, &types.TaxableEvent{
		UserID:      userID,
		EventType:   eventType,
		Amount:      pnl.Abs().InexactFloat64(),
		ItemType:    itemType,
		ItemID:      itemID,
		ReferenceID: referenceID,
	})
}

// Service serves the tax center
type Service struct {
	db *Database
}

// NewService creates a new tax service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

// Summary aggregates the user's events for a tax year
func (s *Service) Summary(ctx context.Context, userID string, year int) (*Summary, error) {
	if year < 2000 || year > 2100 {
		return nil, ErrInvalidYear
	}
	events, err := s.db.GetEvents(ctx, userID, year)
	if err != nil {
		return nil, err
	}

	summary := Summarize(year, events)
	log.Debug().
		Str("user_id", userID).
		Int("tax_year", year).
		Int("events", summary.EventCount).
		Float64("total_income", summary.TotalIncome).
		Msg("computed tax summary")
	return &summary, nil
}

// Events lists the user's taxable events for a year, newest first
func (s *Service) Events(ctx context.Context, userID string, year int) ([]types.TaxableEvent, error) {
	if year < 2000 || year > 2100 {
		return nil, ErrInvalidYear
	}
	return s.db.GetEvents(ctx, userID, year)
}

// Documents lists the user's tax documents for a year
func (s *Service) Documents(ctx context.Context, userID string, year int) ([]TaxDocument, error) {
	if year < 2000 || year > 2100 {
		return nil, ErrInvalidYear
	}
	return s.db.GetDocuments(ctx, userID, year)
}

// FormsFor lists the year-end forms a summary calls for
func FormsFor(s Summary) []string {
	var forms []string
	if s.CapitalGains > 0 || s.CapitalLosses > 0 {
		forms = append(forms, Form1099B)
	}
	if s.Dividends > 0 {
		forms = append(forms, Form1099DIV)
	}
	if s.Interest > 0 {
		forms = append(forms, Form1099INT)
	}
	if s.PredictionWinnings > 0 {
		forms = append(forms, Form1099MISC)
	}
	return forms
}

// GenerateDocuments issues the year-end forms for every user with taxable
// events in year. Forms a user already has are skipped, so reruns only fill
// gaps. Returns how many documents were created.
func (s *Service) GenerateDocuments(ctx context.Context, year int) (int, error) {
	if year < 2000 || year > 2100 {
		return 0, ErrInvalidYear
	}
	logger := log.With().Str("service", "tax").Int("tax_year", year).Logger()

	users, err := s.db.UsersWithEvents(ctx, year)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, userID := range users {
		summary, err := s.Summary(ctx, userID, year)
		if err != nil {
			return created, err
		}
		existing, err := s.db.GetDocuments(ctx, userID, year)
		if err != nil {
			return created, err
		}
		have := make(map[string]bool, len(existing))
		for _, d := range existing {
			have[d.DocumentType] = true
		}

		for _, form := range FormsFor(*summary) {
			if have[form] {
				continue
			}
			now := time.Now()
			doc := &TaxDocument{
				DocumentID:   uuid.New().String(),
				UserID:       userID,
				TaxYear:      year,
				DocumentType: form,
				Status:       DocumentAvailable,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := s.db.CreateDocument(ctx, doc); err != nil {
				return created, err
			}
			created++
		}
	}

	logger.Info().Int("users", len(users)).Int("documents", created).Msg("generated tax documents")
	return created, nil
}

// GinHandlers contains HTTP handlers for tax endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for tax endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

func yearParam(c *gin.Context) (int, bool) {
	raw := c.Query("year")
	if raw == "" {
		return time.Now().Year(), true
	}
	year, err := strconv.Atoi(raw)
	if err != nil {
		response.BadRequest(c, "year must be a number")
		return 0, false
	}
	return year, true
}

// SummaryHandler handles GET /tax/summary?year=
func (h *GinHandlers) SummaryHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		year, ok := yearParam(c)
		if !ok {
			return
		}
		summary, err := h.service.Summary(c.Request.Context(), auth.UserID(c), year)
		response.Handle(c, summary, err)
	}
}

// EventsHandler handles GET /tax/events?year=
func (h *GinHandlers) EventsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		year, ok := yearParam(c)
		if !ok {
			return
		}
		events, err := h.service.Events(c.Request.Context(), auth.UserID(c), year)
		response.Handle(c, events, err)
	}
}

// DocumentsHandler handles GET /tax/documents?year=
func (h *GinHandlers) DocumentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		year, ok := yearParam(c)
		if !ok {
			return
		}
		docs, err := h.service.Documents(c.Request.Context(), auth.UserID(c), year)
		response.Handle(c, docs, err)
	}
}

// GenerateDocumentsHandler handles POST /internal/tax/documents?year=
func (h *GinHandlers) GenerateDocumentsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		year, ok := yearParam(c)
		if !ok {
			return
		}
		n, err := h.service.GenerateDocuments(c.Request.Context(), year)
		response.Handle(c, gin.H{"tax_year": year, "generated": n}, err)
	}
}
