package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	vault "github.com/hashicorp/vault/api"
	"go.uber.org/zap"

	"github.com/agileware/com.drastikbydesign.stripe/internal/api"
	"github.com/agileware/com.drastikbydesign.stripe/internal/config"
	"github.com/agileware/com.drastikbydesign.stripe/internal/database"
	"github.com/agileware/com.drastikbydesign.stripe/internal/processor"
	"github.com/agileware/com.drastikbydesign.stripe/internal/reconcile"
	"github.com/agileware/com.drastikbydesign.stripe/internal/stripeclient"
)

func main() {
	if err := config.Load(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg, err := config.Get()
	if err != nil {
		log.Fatalf("Failed to parse configuration: %v", err)
	}

	logger, err := initLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting payment lifecycle orchestrator")

	if err := loadSecretsFromVault(cfg, logger); err != nil {
		logger.Warn("Vault secret loading failed, using config-based secrets", zap.Error(err))
	}
	if cfg.Stripe.SecretKey == "" {
		logger.Fatal("No processor secret key configured")
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal("Failed to run database migrations", zap.Error(err))
	}
	logger.Info("Database connection established")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	client := stripeclient.New(stripeclient.Config{
		SecretKey:      cfg.Stripe.SecretKey,
		Timeout:        time.Duration(cfg.Stripe.TimeoutSeconds) * time.Second,
		RequestsPerSec: cfg.Stripe.RequestsPerSec,
	}, logger)

	customers := processor.NewCustomerResolver(db, client, logger)
	plans := processor.NewPlanResolver(client, logger)
	intents := processor.NewIntentOrchestrator(db, client, cfg.Payments.SendOneoffReceipt, logger)
	recurring := processor.NewRecurringManager(db, client, plans, intents, cfg.Stripe.Livemode, logger)
	refunds := processor.NewRefundManager(db, client, logger)
	reconciler := reconcile.NewReconciler(db, client, reconcile.NewRedisDedup(redisClient), logger)

	handlers := api.NewHandlers(customers, intents, recurring, refunds, reconciler, cfg, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	router.Use(corsMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"service":   "payment-orchestrator",
			"timestamp": time.Now().UTC(),
		})
	})

	api.Register(router.Group("/api/v1"), handlers)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

func initLogger(level string) (*zap.Logger, error) {
	var logLevel zap.AtomicLevel
	switch level {
	case "debug":
		logLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		logLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		logLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = logLevel
	zapConfig.OutputPaths = []string{"stdout"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}
	return zapConfig.Build()
}

// loadSecretsFromVault overrides the processor secret key from Vault when a
// Vault address is configured.
func loadSecretsFromVault(cfg *config.Config, logger *zap.Logger) error {
	if cfg.Vault.URL == "" || cfg.Vault.Token == "" {
		logger.Info("Using config-based secrets (Vault not configured)")
		return nil
	}

	vaultConfig := vault.DefaultConfig()
	vaultConfig.Address = cfg.Vault.URL
	client, err := vault.NewClient(vaultConfig)
	if err != nil {
		return fmt.Errorf("failed to create Vault client: %w", err)
	}
	client.SetToken(cfg.Vault.Token)

	secret, err := client.Logical().Read("secret/data/payment-orchestrator")
	if err != nil {
		return fmt.Errorf("failed to read Vault secret: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return fmt.Errorf("no secret found at secret/data/payment-orchestrator")
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected Vault secret shape")
	}
	if key, ok := data["stripe_secret_key"].(string); ok && key != "" {
		cfg.Stripe.SecretKey = key
	}
	if secretVal, ok := data["stripe_webhook_secret"].(string); ok && secretVal != "" {
		cfg.Stripe.WebhookSecret = secretVal
	}
	logger.Info("Secrets loaded from Vault")
	return nil
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
