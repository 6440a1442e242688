// Package main runs the call-monitoring HTTP server with WebSocket fan-out and graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/relayvoice/backend/config"
	"github.com/relayvoice/backend/internal/admin"
	"github.com/relayvoice/backend/internal/auth"
	"github.com/relayvoice/backend/internal/grants"
	"github.com/relayvoice/backend/internal/ingest"
	"github.com/relayvoice/backend/internal/middleware"
	"github.com/relayvoice/backend/internal/monitor"
	"github.com/relayvoice/backend/internal/realtime"
	"github.com/relayvoice/backend/internal/recordings"
	"github.com/relayvoice/backend/internal/worker"
	"github.com/relayvoice/backend/pkg/database"
	"github.com/relayvoice/backend/pkg/queue"
	"github.com/relayvoice/backend/pkg/redis"
	"github.com/relayvoice/backend/pkg/response"
	"github.com/relayvoice/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	var s3Client *storage.S3
	if cfg.AWS.Region != "" {
		s3Cfg := storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			RecordingsBucket:     cfg.AWS.RecordingsBucket,
			PresignExpireMinutes: cfg.AWS.PresignExpireMinutes,
		}
		s3Client, err = storage.NewS3(ctx, s3Cfg, logger)
		if err != nil {
			logger.Warn("s3 disabled", zap.Error(err))
		}
	}

	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Monitoring core: bus, registry, health sweeps.
	bus := monitor.NewBus(monitor.BusConfig{
		QueueSize:                     cfg.Monitor.EventQueueSize,
		MaxSubscribersPerConversation: cfg.Monitor.MaxSubscribersPerConversation,
	}, logger)
	registry := monitor.NewRegistry(bus, monitor.RegistryConfig{
		EmptyGrace:      time.Duration(cfg.Monitor.EmptyGraceSec) * time.Second,
		DisconnectGrace: time.Duration(cfg.Monitor.DisconnectGraceSec) * time.Second,
	}, logger)
	go registry.Run(appCtx)

	health := monitor.NewHealthMonitor(registry, bus, monitor.HealthConfig{
		SweepInterval:    time.Duration(cfg.Monitor.SweepIntervalSec) * time.Second,
		SilenceThreshold: time.Duration(cfg.Monitor.SilenceThresholdSec) * time.Second,
	}, logger)
	go health.Run(appCtx)

	// Cross-instance mirror: remote events run through the same local path as
	// webhook events, minus the re-mirror.
	var dispatcher *ingest.Dispatcher
	bridge := realtime.NewRedisBridge(rdb.Client, func(ev monitor.Event) { dispatcher.Local(ev) }, logger)
	defer bridge.Close()
	dispatcher = ingest.NewDispatcher(registry, bus, bridge, logger)
	bridge.Start()

	manager := realtime.NewManager(registry, bus, bridge, logger)

	// Auth
	jwtService := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	accounts := make([]auth.AdminAccount, 0, len(cfg.Admin.Emails))
	for i, email := range cfg.Admin.Emails {
		if i < len(cfg.Admin.PasswordHashes) {
			accounts = append(accounts, auth.AdminAccount{Email: email, PasswordHash: cfg.Admin.PasswordHashes[i]})
		}
	}
	if len(accounts) == 0 {
		logger.Warn("no admin accounts configured (ADMIN_EMAILS, ADMIN_PASSWORD_HASHES)")
	}
	authHandler := auth.NewHandler(accounts, jwtService, logger)

	// Conversation views, monitor tokens
	adminHandler := admin.NewHandler(registry, logger)
	issuer := grants.NewIssuer(cfg.Platform.APIKey, cfg.Platform.APISecret, cfg.Platform.GrantTTL())
	grantsHandler := grants.NewHandler(issuer, registry, cfg.Platform.URL, logger)

	// Recordings
	recordingRepo := recordings.NewRepository(pool)
	recordingHandler := recordings.NewHandler(recordingRepo, s3Client, logger)
	jobQueue := queue.NewQueue(rdb.Client, logger)
	recordingWebhook := recordings.NewWebhookHandler(recordingRepo, jobQueue, dispatcher, logger)
	recordingProcessor := worker.NewRecordingProcessor(recordingRepo, s3Client, jobQueue, logger)

	// Platform ingestion
	platformWebhook := ingest.NewWebhookHandler(dispatcher, registry, logger)

	wsValidate := func(token string) (string, error) {
		claims, err := jwtService.Validate(token)
		if err != nil {
			return "", err
		}
		return claims.AdminID, nil
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	// Health
	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	// Auth (public)
	router.POST("/auth/login", authHandler.Login)

	// Admin API (JWT required)
	api := router.Group("/admin")
	api.Use(middleware.JWT(jwtService), middleware.RequireRole("admin"))
	{
		api.GET("/conversations", adminHandler.ListConversations)
		api.GET("/conversations/:id", adminHandler.GetConversation)
		api.POST("/conversations/:id/monitor-token", grantsHandler.MonitorToken)
		api.GET("/conversations/:id/recordings", recordingHandler.ListByConversation)
		api.GET("/recordings/:id/download-url", recordingHandler.GenerateDownloadURL)
	}

	// Webhooks (no JWT; reachable only from the platform network)
	router.POST("/webhooks/platform-events", platformWebhook.PlatformEvents)
	router.POST("/webhooks/recording-ready", recordingWebhook.RecordingReady)

	// WebSocket (token in query; no Authorization header required)
	router.GET("/ws", realtime.ServeWs(manager, logger, wsValidate))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Background worker (recording transfer to S3)
	if s3Client != nil {
		go recordingProcessor.Run(appCtx)
		logger.Info("recording worker started")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	appCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
