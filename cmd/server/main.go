package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/supply-api/internal/auth"
	"github.com/ksred/supply-api/internal/config"
	"github.com/ksred/supply-api/internal/database"
	"github.com/ksred/supply-api/internal/markup"
	"github.com/ksred/supply-api/internal/ordering"
	"github.com/ksred/supply-api/internal/payment"
	"github.com/ksred/supply-api/internal/types"
	"github.com/ksred/supply-api/internal/webhook"
	"github.com/ksred/supply-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// demoAccounts are registered outside production so the API can be exercised
// locally and by cmd/simulation
var demoAccounts = []struct {
	key, secret string
	actor       types.Actor
}{
	{"buyer_key", "buyer_secret", types.Actor{Type: types.ActorBuyer, ID: "buyer-001"}},
	{"seller_key", "seller_secret", types.Actor{Type: types.ActorSeller, ID: "seller-001"}},
	{"admin_key", "admin_secret", types.Actor{Type: types.ActorAdmin, ID: "admin-001"}},
	{"gateway_key", "gateway_secret", types.SystemActor("payment_gateway")},
}

// setupLogging configures the global logger. Outside production it enables
// pretty printing with timestamps.
func setupLogging(cfg *config.Config) {
	if !cfg.Production() {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

// main initializes and runs the ordering API server with graceful shutdown support
func main() {
	cfg, err := config.New()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg)
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	if !cfg.Production() {
		for _, acc := range demoAccounts {
			authService.RegisterAPICredentials(acc.key, acc.secret, acc.actor)
		}
	}

	markupService := markup.NewService(db, markup.WithEnabled(cfg.MarkupEnabled))
	markupHandlers := markup.NewGinHandlers(markupService)

	dispatcher := webhook.NewDispatcher(db, webhook.Config{
		MaxRetries:     cfg.WebhookMaxRetries,
		BaseInterval:   cfg.WebhookBaseInterval,
		AttemptTimeout: cfg.WebhookAttemptTimeout,
		LeaseTimeout:   cfg.WebhookLeaseTimeout,
	})
	webhookService := webhook.NewService(dispatcher)
	webhookHandlers := webhook.NewGinHandlers(webhookService)

	orderingService := ordering.NewService(db, markupService.Resolver(), dispatcher, ordering.Config{
		ServiceFeeRate:  cfg.ServiceFeeRate,
		CancelWindow:    cfg.CancelWindow,
		PaymentRequired: cfg.PaymentRequired,
	})
	orderingHandlers := ordering.NewGinHandlers(orderingService)

	paymentService := payment.NewService(db, orderingService, payment.NewMockGateway(cfg.PaymentBaseURL), cfg.PaymentExpiry)
	paymentHandlers := payment.NewGinHandlers(paymentService)

	// Create and start background processors
	processorCtx, processorCancel := context.WithCancel(context.Background())
	defer processorCancel()

	webhookProcessor := webhook.NewProcessor(dispatcher, cfg.WebhookWorkers, cfg.WebhookPollInterval)
	go func() {
		if err := webhookProcessor.Start(processorCtx); err != nil {
			zlog.Error().Err(err).Msg("webhook processor stopped")
		}
	}()

	autoCompleter := ordering.NewAutoCompleter(orderingService, cfg.AutoCompleteAfter, cfg.AutoCompleteEvery)
	go autoCompleter.Start(processorCtx)

	outboxRelay := ordering.NewOutboxRelay(orderingService, cfg.WebhookPollInterval)
	go outboxRelay.Start(processorCtx)

	// Setup middleware
	limiter := middleware.NewRateLimiter(20)
	go limiter.Cleanup(processorCtx.Done())
	router.Use(limiter.Handler())

	// Setup API routes
	setupRoutes(router, authService, authHandlers, orderingHandlers, paymentHandlers, markupHandlers, webhookHandlers)

	// Create server
	srv := &http.Server{
		Addr:    cfg.Address,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		zlog.Info().Str("address", cfg.Address).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Give outstanding operations 5 seconds to complete
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	processorCancel()

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers.
// Everything but token issuance requires a JWT; role checks that depend on
// the order's parties happen in the services, fixed roles are gated here.
func setupRoutes(
	router *gin.Engine,
	authService *auth.Service,
	authHandlers *auth.GinHandlers,
	orderingHandlers *ordering.GinHandlers,
	paymentHandlers *payment.GinHandlers,
	markupHandlers *markup.GinHandlers,
	webhookHandlers *webhook.GinHandlers,
) {
	admin := middleware.RequireRole(types.ActorAdmin)
	internal := middleware.RequireRole(types.ActorSystem, types.ActorAdmin)

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Order routes
		orders := v1.Group("/orders")
		orders.Use(middleware.JWTAuth(authService))
		{
			orders.POST("", middleware.RequireRole(types.ActorBuyer), orderingHandlers.CreateOrderHandler())
			orders.GET("", orderingHandlers.ListOrdersHandler())
			orders.GET("/:order_number", orderingHandlers.GetOrderHandler())
			orders.GET("/:order_number/history", orderingHandlers.HistoryHandler())

			orders.POST("/:order_number/confirm", orderingHandlers.TransitionHandler(ordering.ActionConfirm))
			orders.POST("/:order_number/deliver", orderingHandlers.TransitionHandler(ordering.ActionStartDelivery))
			orders.POST("/:order_number/complete", orderingHandlers.TransitionHandler(ordering.ActionComplete))
			orders.POST("/:order_number/paid", internal, orderingHandlers.TransitionHandler(ordering.ActionMarkPaid))
			orders.POST("/:order_number/cancel", orderingHandlers.CancelHandler())

			orders.GET("/:order_number/cancellation-requests", orderingHandlers.ListCancellationsHandler())
			orders.POST("/:order_number/cancellation-requests", orderingHandlers.RequestCancellationHandler())
			orders.POST("/:order_number/cancellation-requests/adjudicate", admin, orderingHandlers.AdjudicateHandler())

			orders.POST("/:order_number/payment", paymentHandlers.InitiateHandler())
			orders.GET("/:order_number/payments", paymentHandlers.ListHandler())
		}

		cancellations := v1.Group("/cancellation-requests")
		cancellations.Use(middleware.JWTAuth(authService), admin)
		{
			cancellations.GET("/pending", orderingHandlers.PendingCancellationsHandler())
		}

		// Payment gateway routes
		payments := v1.Group("/payments")
		payments.Use(middleware.JWTAuth(authService))
		{
			payments.POST("/callback", internal, paymentHandlers.CallbackHandler())
			payments.POST("/:payment_id/simulate", paymentHandlers.SimulateHandler())
		}

		// Markup routes
		markupGroup := v1.Group("/markup")
		markupGroup.Use(middleware.JWTAuth(authService))
		{
			markupGroup.POST("/rules", admin, markupHandlers.CreateRuleHandler())
			markupGroup.GET("/rules", admin, markupHandlers.ListRulesHandler())
			markupGroup.DELETE("/rules/:rule_id", admin, markupHandlers.DeactivateRuleHandler())
			markupGroup.POST("/quote", markupHandlers.QuoteHandler())
		}

		// Webhook routes
		webhooks := v1.Group("/webhooks")
		webhooks.Use(middleware.JWTAuth(authService))
		{
			webhooks.POST("/endpoints", webhookHandlers.RegisterEndpointHandler())
			webhooks.GET("/endpoints", webhookHandlers.ListEndpointsHandler())
			webhooks.DELETE("/endpoints/:endpoint_id", webhookHandlers.DeactivateEndpointHandler())

			webhooks.GET("/deliveries", admin, webhookHandlers.ListDeliveriesHandler())
			webhooks.GET("/deliveries/:delivery_id", admin, webhookHandlers.GetDeliveryHandler())
			webhooks.POST("/deliveries/:delivery_id/redrive", admin, webhookHandlers.RedriveHandler())
		}
	}
}
