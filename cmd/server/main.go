package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appidempotency "github.com/prompter/backend/internal/application/idempotency"
	appmetering "github.com/prompter/backend/internal/application/metering"
	"github.com/prompter/backend/internal/domain/jobs"
	"github.com/prompter/backend/internal/domain/metering"
	"github.com/prompter/backend/internal/infrastructure/cache"
	"github.com/prompter/backend/internal/infrastructure/config"
	"github.com/prompter/backend/internal/infrastructure/dispatch"
	"github.com/prompter/backend/internal/infrastructure/logger"
	"github.com/prompter/backend/internal/infrastructure/persistence"
	"github.com/prompter/backend/internal/infrastructure/telemetry"
	"github.com/prompter/backend/internal/interfaces/http/handler"
	"github.com/prompter/backend/internal/interfaces/http/middleware"
	"github.com/prompter/backend/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	log.Info("Starting metering API",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	// Initialize tracing
	tracerProvider, err := telemetry.NewTracerProvider(context.Background(), telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracer provider", zap.Error(err))
	}
	defer func() {
		if err := tracerProvider.Shutdown(context.Background()); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	// Create GORM logger backed by zap
	gormLogLevel := logger.MapGormLogLevel(cfg.Log.Level)
	gormLog := logger.NewGormLogger(log, gormLogLevel)

	// Initialize database connection with custom logger
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	if err := telemetry.RegisterDBTracing(db.DB, telemetry.DBTracingConfig{
		Enabled:         cfg.Telemetry.DBTraceEnabled,
		LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
		SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
		DBName:          cfg.Database.DBName,
	}, log); err != nil {
		log.Fatal("Failed to register database tracing", zap.Error(err))
	}

	// Redis backs the fast-path dedup markers and the idempotency gate. An
	// unreachable Redis degrades both to the durable stores instead of
	// failing startup.
	var dispatchMarker *cache.RedisMarkerStore
	var idempotencyGate appidempotency.Gate
	redisMarker, err := cache.NewRedisMarkerStore(cache.RedisConfig{
		Host:     cfg.Redis.Host,
		Port:     cfg.Redis.Port,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		log.Warn("Redis unavailable, fast-path dedup disabled", zap.Error(err))
	} else {
		defer func() {
			if err := redisMarker.Close(); err != nil {
				log.Error("Error closing redis marker store", zap.Error(err))
			}
		}()
		dispatchMarker = redisMarker
		idempotencyGate = cache.NewRedisMarkerStoreWithClient(redisMarker.GetClient(), "idempotency:gate:")
		log.Info("Redis connected successfully")
	}

	// Initialize repositories
	orgRepo := persistence.NewGormOrgRepository(db.DB)
	usageLedger := persistence.NewGormUsageLedger(db.DB)
	idempotencyRepo := persistence.NewGormIdempotencyRepository(db.DB)
	jobRepo := persistence.NewGormJobRepository(db.DB)

	// Initialize application services
	policy := metering.NewQuotaPolicy(metering.DefaultQuotaTable(), cfg.Quota.CreditWeights, cfg.Quota.WarnThreshold)
	usageService := appmetering.NewUsageService(orgRepo, usageLedger, policy)
	idempotencyService := appidempotency.NewService(idempotencyRepo, idempotencyGate, cfg.Idempotency.TTL, log)

	var dedupMarker jobs.MarkerStore
	if dispatchMarker != nil {
		dedupMarker = dispatchMarker
	}
	dispatcher := dispatch.NewDispatcher(jobRepo, dedupMarker, cfg.Idempotency.MarkerTTL, cfg.Dispatcher.MaxRetries, log)

	// Expired idempotency records are swept in the API process; the worker
	// process owns job execution.
	sweeper := appidempotency.NewSweeper(idempotencyRepo, cfg.Idempotency.SweepInterval, cfg.Idempotency.SweepBatchSize, log)
	sweeper.Start()
	defer sweeper.Stop()

	// Initialize HTTP handlers
	usageHandler := handler.NewUsageHandler(usageService)
	jobsHandler := handler.NewJobsHandler(dispatcher, idempotencyService)
	systemHandler := handler.NewSystemHandler(db)

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	// Middleware stack, outermost first: request ID, panic recovery, request
	// logging, tracing, security headers, CORS, body limit.
	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.TracingWithConfig(middleware.TracingConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.Enabled,
	}))
	engine.Use(middleware.SpanErrorMarker())
	engine.Use(middleware.Secure())

	corsConfig := middleware.DefaultCORSConfig()
	if len(cfg.HTTP.CORSAllowOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	}
	if len(cfg.HTTP.CORSAllowMethods) > 0 {
		corsConfig.AllowMethods = cfg.HTTP.CORSAllowMethods
	}
	if len(cfg.HTTP.CORSAllowHeaders) > 0 {
		corsConfig.AllowHeaders = cfg.HTTP.CORSAllowHeaders
	}
	engine.Use(middleware.CORSWithConfig(corsConfig))
	engine.Use(middleware.BodyLimit(cfg.HTTP.MaxBodySize))

	// Setup API routes
	router.NewRouter(engine, router.WithAPIVersion("v1")).
		Register(usageHandler).
		Register(jobsHandler).
		Register(systemHandler).
		Setup()

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}
