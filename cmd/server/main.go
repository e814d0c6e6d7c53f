package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/blineit-api/internal/advisor"
	"github.com/ksred/blineit-api/internal/auth"
	"github.com/ksred/blineit-api/internal/config"
	"github.com/ksred/blineit-api/internal/database"
	"github.com/ksred/blineit-api/internal/documents"
	"github.com/ksred/blineit-api/internal/drip"
	"github.com/ksred/blineit-api/internal/governance"
	"github.com/ksred/blineit-api/internal/market"
	"github.com/ksred/blineit-api/internal/notifications"
	"github.com/ksred/blineit-api/internal/portfolio"
	"github.com/ksred/blineit-api/internal/realtime"
	"github.com/ksred/blineit-api/internal/tax"
	"github.com/ksred/blineit-api/internal/valuation"
	"github.com/ksred/blineit-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// handlers groups every package's HTTP handlers for route registration
type handlers struct {
	auth          *auth.GinHandlers
	portfolio     *portfolio.GinHandlers
	market        *market.GinHandlers
	notifications *notifications.GinHandlers
	tax           *tax.GinHandlers
	drip          *drip.GinHandlers
	governance    *governance.GinHandlers
	documents     *documents.GinHandlers
	advisor       *advisor.GinHandlers
	realtime      *realtime.Server
}

// main initializes and runs the API server with graceful shutdown support.
// It sets up all services, background processors and API routes.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	prompts, err := config.LoadPrompts(cfg.PromptsFile)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load prompts")
	}

	db, err := database.NewDatabase(cfg.DatabaseDSN)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	broker := realtime.NewBroker()
	defer broker.Shutdown()

	authService := auth.NewService(cfg.JWTSecret, cfg.JWTIssuer)
	if !cfg.IsProduction() {
		// Local development and the simulation authenticate with these
		authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret, auth.TestUserID)
		authService.RegisterAPICredentials(auth.TestBuyerAPIKey, auth.TestBuyerAPISecret, auth.TestBuyerUserID)
	}

	portfolioService := portfolio.NewService(db, broker)
	marketService := market.NewService(db, broker, cfg.PlatformFeeRate)
	notificationService := notifications.NewService(db, broker)
	taxService := tax.NewService(db)
	dripService := drip.NewService(db, broker)
	governanceService := governance.NewService(db, broker)
	documentService := documents.NewService(db)

	advisorService, err := advisor.NewService(
		advisor.NewClient(cfg.AIGatewayURL, cfg.AIGatewayAPIKey, cfg.AIModel),
		portfolioService,
		prompts,
	)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize advisor")
	}
	if cfg.AIGatewayAPIKey == "" {
		zlog.Warn().Msg("AI_GATEWAY_API_KEY not set, AI functions will fail upstream")
	}

	// Background work stops with processorCtx
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	go drip.NewProcessor(dripService, cfg.DRIPInterval).Start(processorCtx)
	go market.NewProcessor(marketService, cfg.ExpiryInterval).Start(processorCtx)
	go notifications.NewListener(notificationService, broker).Run(processorCtx)
	if cfg.ValuationInterval > 0 {
		go valuation.NewFeed(portfolioService, cfg.ValuationInterval, time.Now().UnixNano()).Start(processorCtx)
	}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	setupRoutes(router, cfg, authService, handlers{
		auth:          auth.NewGinHandlers(authService),
		portfolio:     portfolio.NewGinHandlers(portfolioService),
		market:        market.NewGinHandlers(marketService),
		notifications: notifications.NewGinHandlers(notificationService),
		tax:           tax.NewGinHandlers(taxService),
		drip:          drip.NewGinHandlers(dripService),
		governance:    governance.NewGinHandlers(governanceService),
		documents:     documents.NewGinHandlers(documentService),
		advisor:       advisor.NewGinHandlers(advisorService),
		realtime:      realtime.NewServer(broker, authService, cfg.AllowedOrigins),
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Idempotency-Key", "X-Client-Info", "apikey"},
		AllowCredentials: true,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           corsHandler.Handler(router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		zlog.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	processorCancel()

	// Give outstanding requests 5 seconds to complete. Open event streams and
	// websockets are cut when the deadline passes.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// requestLogger logs one line per request through zerolog
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		evt := zlog.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			evt = zlog.Error()
		}
		evt.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Msg("request")
	}
}

// setupRoutes configures all API endpoints and their handlers:
// - Auth routes: public token endpoint
// - API routes: protected by JWT authentication
// - Functions: the AI endpoints, JWT protected
// - Internal routes: operator and scheduler endpoints behind the internal key
func setupRoutes(router *gin.Engine, cfg *config.Config, authService *auth.Service, h handlers) {
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	v1 := router.Group("/api/v1")
	{
		// Unauthenticated routes are limited per client IP, the rest per user
		authRoutes := v1.Group("/auth")
		authRoutes.Use(middleware.RateLimit())
		{
			authRoutes.POST("/token", h.auth.GenerateTokenHandler())
		}

		// The websocket authenticates from the query string, browsers cannot set headers
		v1.GET("/realtime", h.realtime.Handler())

		api := v1.Group("")
		api.Use(middleware.JWTAuth(authService), middleware.RateLimit())
		{
			api.GET("/assets", h.portfolio.ListAssetsHandler())
			api.GET("/assets/:item_type/:item_id", h.portfolio.GetAssetHandler())

			api.GET("/portfolio", h.portfolio.OverviewHandler())
			api.POST("/portfolio/buy", h.portfolio.BuyTokensHandler())
			api.POST("/portfolio/sell", h.portfolio.SellTokensHandler())

			mkt := api.Group("/market")
			{
				mkt.GET("/listings", h.market.ListListingsHandler())
				mkt.POST("/listings", h.market.CreateListingHandler())
				mkt.GET("/listings/:listing_id", h.market.GetListingHandler())
				mkt.POST("/listings/:listing_id/cancel", h.market.CancelListingHandler())
				mkt.POST("/buy-orders", h.market.CreateBuyOrderHandler())
				mkt.POST("/buy-orders/:buy_order_id/cancel", h.market.CancelBuyOrderHandler())
				mkt.GET("/orderbook/:item_type/:item_id", h.market.OrderBookHandler())
				mkt.POST("/trades", h.market.ExecuteTradeHandler())
				mkt.GET("/my/listings", h.market.MyListingsHandler())
				mkt.GET("/my/buy-orders", h.market.MyBuyOrdersHandler())
				mkt.GET("/my/trades", h.market.TradeHistoryHandler())
			}

			notes := api.Group("/notifications")
			{
				notes.GET("", h.notifications.ListHandler())
				notes.GET("/unread-count", h.notifications.UnreadCountHandler())
				notes.POST("/read-all", h.notifications.MarkAllReadHandler())
				notes.POST("/:notification_id/read", h.notifications.MarkReadHandler())
			}

			taxRoutes := api.Group("/tax")
			{
				taxRoutes.GET("/summary", h.tax.SummaryHandler())
				taxRoutes.GET("/events", h.tax.EventsHandler())
				taxRoutes.GET("/documents", h.tax.DocumentsHandler())
			}

			dripRoutes := api.Group("/drip")
			{
				dripRoutes.GET("/settings", h.drip.SettingsHandler())
				dripRoutes.PUT("/settings", h.drip.UpsertSettingHandler())
				dripRoutes.GET("/transactions", h.drip.TransactionsHandler())
				dripRoutes.GET("/payouts", h.drip.PayoutsHandler())
				dripRoutes.GET("/summary", h.drip.SummaryHandler())
			}

			gov := api.Group("/governance")
			{
				gov.GET("/proposals", h.governance.ListProposalsHandler())
				gov.POST("/proposals/:proposal_id/votes", h.governance.CastVoteHandler())
				gov.GET("/proposals/:proposal_id/results", h.governance.ResultsHandler())
				gov.GET("/delegations", h.governance.DelegationsHandler())
				gov.PUT("/delegations", h.governance.DelegateHandler())
			}

			docs := api.Group("/documents")
			{
				docs.POST("/envelopes", h.documents.CreateEnvelopeHandler())
				docs.GET("/envelopes", h.documents.ListHandler())
				docs.GET("/envelopes/:envelope_id", h.documents.GetHandler())
				docs.POST("/envelopes/:envelope_id/sign", h.documents.SignHandler())
				docs.POST("/envelopes/:envelope_id/void", h.documents.VoidHandler())
			}
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(cfg.InternalAPIKey))
		{
			internal.POST("/assets/:item_type/:item_id/price", h.portfolio.UpdatePriceHandler())
			internal.POST("/notifications", h.notifications.CreateHandler())
			internal.POST("/distributions", h.drip.DistributeHandler())
			internal.POST("/governance/proposals", h.governance.CreateProposalHandler())
			internal.POST("/tax/documents", h.tax.GenerateDocumentsHandler())
		}
	}

	functions := router.Group("/functions/v1")
	functions.Use(middleware.JWTAuth(authService), middleware.RateLimit())
	{
		functions.POST("/investment-advisor", h.advisor.InvestmentAdvisorHandler())
		functions.POST("/smart-recommendations", h.advisor.SmartRecommendationsHandler())
		functions.POST("/risk-assessment", h.advisor.RiskAssessmentHandler())
	}
}
