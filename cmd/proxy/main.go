package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/satriahrh/crmvoice/adapters"
	"github.com/satriahrh/crmvoice/adapters/mongo"
	"github.com/satriahrh/crmvoice/domain/repositories"
	"github.com/satriahrh/crmvoice/internal/api"
	"github.com/satriahrh/crmvoice/internal/auth"
	"github.com/satriahrh/crmvoice/internal/config"
	"github.com/satriahrh/crmvoice/internal/crm"
	"github.com/satriahrh/crmvoice/internal/metrics"
	"github.com/satriahrh/crmvoice/internal/websocket"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_FILE"), "path to a YAML config file")
	flag.Parse()

	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	collector := metrics.NewCollector("crmvoice", logger)

	issuer, err := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	if err != nil {
		logger.Fatal("Failed to create token issuer", zap.Error(err))
	}

	crmClient, err := crm.NewClient(crm.Config{
		OrgURL:       cfg.CRM.OrgURL,
		APIVersion:   cfg.CRM.APIVersion,
		TenantID:     cfg.CRM.TenantID,
		ClientID:     cfg.CRM.ClientID,
		ClientSecret: cfg.CRM.ClientSecret,
		RateLimit:    cfg.CRM.RateLimit,
		RateBurst:    cfg.CRM.RateBurst,
	}, nil, logger, collector)
	if err != nil {
		logger.Fatal("Failed to create CRM client", zap.Error(err))
	}

	// Conversation archives live in MongoDB when configured
	var archives repositories.ConversationArchiveRepository = adapters.NewMemoryArchiveRepository()
	if cfg.Mongo.URI != "" {
		mongoClient, err := mongo.NewClient(ctx, mongo.Options{
			URI:      cfg.Mongo.URI,
			Database: cfg.Mongo.Database,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to connect to MongoDB", zap.Error(err))
		}
		defer mongoClient.Close(context.Background())

		repo := mongo.NewArchiveRepository(mongoClient.Database, logger)
		if err := repo.EnsureIndexes(ctx); err != nil {
			logger.Warn("Continuing without archive indexes", zap.Error(err))
		}
		archives = repo
	}

	cleanup := websocket.NewArchiveCleanupService(archives, cfg.Archive.Retention, logger)
	cleanup.Start()
	defer cleanup.Stop()

	gateway := websocket.NewGateway(websocket.GatewayConfig{
		UpstreamURL: cfg.Voice.UpstreamURL,
	}, archives, logger, collector)
	gatewayDone := make(chan struct{})
	go func() {
		gateway.Run(ctx)
		close(gatewayDone)
	}()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	api.InitRoutes(e, api.Dependencies{
		Issuer:          issuer,
		Clients:         auth.ClientStore(cfg.Auth.Clients),
		CRM:             crmClient,
		DefaultPageSize: cfg.CRM.PageSize,
		Gateway:         gateway,
		Archives:        archives,
		Metrics:         collector,
		Logger:          logger,
	})

	// Graceful shutdown
	go func() {
		if err := e.Start(":" + cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("shutting down the server", zap.Error(err))
		}
	}()

	logger.Info("Proxy started",
		zap.String("port", cfg.Server.Port),
		zap.String("crm", cfg.CRM.OrgURL),
		zap.Bool("voice_gateway", cfg.Voice.UpstreamURL != ""))

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Server is shutting down...")

	// stop the gateway first so relayed sessions save their archives
	cancel()
	<-gatewayDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
