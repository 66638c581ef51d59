package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	appidempotency "github.com/prompter/backend/internal/application/idempotency"
	appmetering "github.com/prompter/backend/internal/application/metering"
	"github.com/prompter/backend/internal/domain/jobs"
	"github.com/prompter/backend/internal/domain/metering"
	"github.com/prompter/backend/internal/infrastructure/config"
	"github.com/prompter/backend/internal/infrastructure/dispatch"
	"github.com/prompter/backend/internal/infrastructure/logger"
	"github.com/prompter/backend/internal/infrastructure/persistence"
	"github.com/prompter/backend/internal/infrastructure/telemetry"
	"go.uber.org/zap"
)

// queueResources maps each queue to the resource its jobs consume when the
// payload does not name one.
var queueResources = map[string]string{
	"scans":   "scans",
	"pages":   "ai_pages",
	"default": "prompts",
}

// jobPayload is the unit of metered work carried by a job.
type jobPayload struct {
	Resource string `json:"resource,omitempty"`
	Amount   int64  `json:"amount,omitempty"`
	Model    string `json:"model,omitempty"`
	Input    string `json:"input,omitempty"`
}

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

	log.Info("Starting metering worker",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.Strings("queues", cfg.Dispatcher.Queues),
	)

	// Initialize tracing
	tracerProvider, err := telemetry.NewTracerProvider(context.Background(), telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName + "-worker",
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

	// Initialize database connection
	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level))
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

	// Initialize repositories and services
	orgRepo := persistence.NewGormOrgRepository(db.DB)
	usageLedger := persistence.NewGormUsageLedger(db.DB)
	idempotencyRepo := persistence.NewGormIdempotencyRepository(db.DB)
	jobRepo := persistence.NewGormJobRepository(db.DB)

	policy := metering.NewQuotaPolicy(metering.DefaultQuotaTable(), cfg.Quota.CreditWeights, cfg.Quota.WarnThreshold)
	usageService := appmetering.NewUsageService(orgRepo, usageLedger, policy)

	// Initialize worker
	worker := dispatch.NewWorker(jobRepo, dispatch.WorkerConfig{
		PollInterval:      cfg.Dispatcher.PollInterval,
		BatchSize:         cfg.Dispatcher.BatchSize,
		Concurrency:       cfg.Dispatcher.Concurrency,
		DefaultJobTimeout: cfg.Dispatcher.DefaultJobTimeout,
		QueueTimeouts:     cfg.Dispatcher.QueueTimeouts,
		VisibilityTimeout: cfg.Dispatcher.VisibilityTimeout,
		RequeueInterval:   cfg.Dispatcher.RequeueInterval,
	}, log)

	for _, queue := range cfg.Dispatcher.Queues {
		worker.Register(jobs.HandlerFunc{
			QueueName: queue,
			Fn:        meteredJobHandler(queue, usageService, log),
		})
	}

	// Dead-lettered jobs are surfaced once through the log; an alerting hook
	// can be attached here later.
	dlq := dispatch.NewDLQConsumer(jobRepo, cfg.Dispatcher.DLQPollInterval, cfg.Dispatcher.BatchSize, nil, log)

	// The worker process also sweeps expired idempotency records so a
	// worker-only deployment still enforces the retention window.
	sweeper := appidempotency.NewSweeper(idempotencyRepo, cfg.Idempotency.SweepInterval, cfg.Idempotency.SweepBatchSize, log)

	ctx := context.Background()
	if err := worker.Start(ctx); err != nil {
		log.Fatal("Failed to start worker", zap.Error(err))
	}
	if err := dlq.Start(ctx); err != nil {
		log.Fatal("Failed to start dead letter consumer", zap.Error(err))
	}
	sweeper.Start()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down worker...")

	stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Dispatcher.ShutdownGrace)
	defer cancel()

	if err := worker.Stop(stopCtx); err != nil {
		log.Error("Worker did not stop cleanly", zap.Error(err))
	}
	if err := dlq.Stop(stopCtx); err != nil {
		log.Error("Dead letter consumer did not stop cleanly", zap.Error(err))
	}
	sweeper.Stop()

	log.Info("Worker exited gracefully")
}

// meteredJobHandler executes one unit of metered work: it charges the owning
// org's quota for the queue's resource, then reports the reservation outcome
// as the job result. Jobs without an owning org are processed unmetered.
func meteredJobHandler(queue string, meter *appmetering.UsageService, log *zap.Logger) func(ctx context.Context, job *jobs.Job) ([]byte, error) {
	return func(ctx context.Context, job *jobs.Job) ([]byte, error) {
		var payload jobPayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &payload); err != nil {
				return nil, fmt.Errorf("malformed payload: %w", err)
			}
		}

		if job.Metadata.OrgID == nil {
			log.Warn("job has no owning org, skipping quota charge",
				zap.String("job_id", job.ID),
				zap.String("queue", queue),
			)
			return json.Marshal(map[string]string{"status": "completed"})
		}

		resource := payload.Resource
		if resource == "" {
			resource = queueResources[queue]
		}
		if resource == "" {
			resource = "prompts"
		}
		amount := payload.Amount
		if amount <= 0 {
			amount = 1
		}

		result, err := meter.Reserve(ctx, appmetering.ReserveRequest{
			OrgID:    *job.Metadata.OrgID,
			Resource: resource,
			Amount:   amount,
			Model:    payload.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("quota charge for %s: %w", resource, err)
		}

		return json.Marshal(map[string]any{
			"status":    "completed",
			"resource":  result.Resource,
			"charged":   result.Amount,
			"remaining": result.Remaining,
		})
	}
}
