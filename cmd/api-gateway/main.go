package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/escolalink/escola-api/api/swagger"
	"github.com/escolalink/escola-api/internal/handler"
	"github.com/escolalink/escola-api/internal/middleware"
	"github.com/escolalink/escola-api/internal/models"
	"github.com/escolalink/escola-api/internal/repository"
	"github.com/escolalink/escola-api/internal/service"
	"github.com/escolalink/escola-api/pkg/cache"
	"github.com/escolalink/escola-api/pkg/config"
	"github.com/escolalink/escola-api/pkg/database"
	"github.com/escolalink/escola-api/pkg/jobs"
	"github.com/escolalink/escola-api/pkg/logger"
	corsmiddleware "github.com/escolalink/escola-api/pkg/middleware/cors"
	reqidmiddleware "github.com/escolalink/escola-api/pkg/middleware/requestid"
	"github.com/escolalink/escola-api/pkg/storage"
)

// @title EscolaLink API
// @version 1.0.0
// @description Multi-tenant school management API: student registrations and Kiwify payment ingestion
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to postgres", "error", err)
	}
	defer db.Close()

	redisClient, err := cache.NewRedis(cfg.Redis)
	if err != nil {
		logr.Sugar().Fatalw("failed to connect to redis", "error", err)
	}
	defer redisClient.Close()

	validate := validator.New()

	userRepo := repository.NewUserRepository(db)
	studentRepo := repository.NewStudentRepository(db)
	purchaseRepo := repository.NewPurchaseRepository(db)
	mappingRepo := repository.NewMappingRepository(db)
	accessRepo := repository.NewAccessRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, logr)

	metricsSvc := service.NewMetricsService()
	authSvc := service.NewAuthService(userRepo, validate, logr, service.AuthConfig{
		AccessTokenSecret:  cfg.JWT.Secret,
		AccessTokenExpiry:  cfg.JWT.Expiration,
		RefreshTokenExpiry: cfg.JWT.RefreshExpiration,
		Issuer:             "escola-api",
	})
	registrationSvc := service.NewRegistrationService(studentRepo, validate, logr, metricsSvc,
		cfg.Registration.MaxAttempts, cfg.Registration.RetryBackoff)
	webhookSvc := service.NewWebhookService(purchaseRepo, mappingRepo, accessRepo, userRepo, studentRepo,
		cacheRepo, cfg.Kiwify.WebhookSecret, cfg.Kiwify.MappingCacheTTL, logr, metricsSvc)
	mappingSvc := service.NewMappingService(mappingRepo, cacheRepo, validate, logr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var backupSvc *service.BackupService
	var backupQueue *jobs.Queue
	if cfg.Backups.Enabled {
		store, err := storage.NewLocalStorage(cfg.Backups.StorageDir)
		if err != nil {
			logr.Sugar().Fatalw("failed to init backup storage", "error", err)
		}
		signer := storage.NewSignedURLSigner(cfg.Backups.SignedURLSecret, cfg.Backups.SignedURLTTL)
		backupRepo := repository.NewBackupRepository(db)
		backupSvc = service.NewBackupService(backupRepo, nil, studentRepo, purchaseRepo, store, signer, logr)
		backupQueue = jobs.NewQueue("backups", backupSvc.ProcessJob, jobs.QueueConfig{
			Workers:    cfg.Backups.WorkerConcurrency,
			MaxRetries: cfg.Backups.WorkerRetries,
			Logger:     logr,
		})
		backupSvc.SetDispatcher(backupQueue)
		backupQueue.Start(ctx)
		defer backupQueue.Stop()
	}

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(middleware.Metrics(metricsSvc))

	authHandler := handler.NewAuthHandler(authSvc)
	registrationHandler := handler.NewRegistrationHandler(registrationSvc)
	webhookHandler := handler.NewWebhookHandler(webhookSvc, logr)
	mappingHandler := handler.NewMappingHandler(mappingSvc)
	metricsHandler := handler.NewMetricsHandler(metricsSvc)

	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", func(c *gin.Context) {
		if err := db.PingContext(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", metricsHandler.Prometheus)

	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)

	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)

	// Provider-facing: authenticated via HMAC signature, not JWT.
	api.POST("/webhooks/kiwify", webhookHandler.Kiwify)

	registrations := api.Group("/registrations", middleware.JWT(authSvc))
	registrations.POST("",
		middleware.RequireRoles(models.RoleAdmin, models.RoleSecretary),
		middleware.Audit(userRepo, models.AuditActionRegistrationCreate, "student"),
		registrationHandler.Register)

	mappings := api.Group("/kiwify/mappings", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleSuperAdmin))
	mappings.GET("", mappingHandler.List)
	mappings.PUT("/:id",
		middleware.Audit(userRepo, models.AuditActionMappingUpsert, "product_mapping"),
		mappingHandler.Upsert)
	mappings.DELETE("/:id",
		middleware.Audit(userRepo, models.AuditActionMappingDelete, "product_mapping"),
		mappingHandler.Delete)

	if backupSvc != nil {
		backupHandler := handler.NewBackupHandler(backupSvc)
		backups := api.Group("/backups")
		backups.GET("/:id/download", backupHandler.Download)
		authed := backups.Group("", middleware.JWT(authSvc), middleware.RequireRoles(models.RoleSuperAdmin, models.RoleAdmin))
		authed.POST("",
			middleware.Audit(userRepo, models.AuditActionBackupCreate, "backup_job"),
			backupHandler.Create)
		authed.GET("/:id", backupHandler.Status)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		logr.Sugar().Infow("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}
