package dispatch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prompter/backend/internal/domain/jobs"
	"go.uber.org/zap"
)

// WorkerConfig holds configuration for the worker pool
type WorkerConfig struct {
	PollInterval      time.Duration
	BatchSize         int
	Concurrency       int
	DefaultJobTimeout time.Duration
	QueueTimeouts     map[string]time.Duration
	VisibilityTimeout time.Duration
	RequeueInterval   time.Duration
	BackoffSchedule   []time.Duration
}

// DefaultWorkerConfig returns default configuration
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		PollInterval:      time.Second,
		BatchSize:         10,
		Concurrency:       4,
		DefaultJobTimeout: 5 * time.Minute,
		QueueTimeouts: map[string]time.Duration{
			"scans": 30 * time.Minute,
			"pages": 10 * time.Minute,
		},
		VisibilityTimeout: time.Hour,
		RequeueInterval:   time.Minute,
		BackoffSchedule:   jobs.DefaultBackoffSchedule,
	}
}

// Worker claims due jobs and runs their handlers under per-queue deadlines.
// A handler error or timeout counts as a failed attempt and feeds the retry
// state machine; exhausted jobs land in the dead-letter state.
type Worker struct {
	repo     jobs.Repository
	handlers map[string]jobs.Handler
	config   WorkerConfig
	logger   *zap.Logger

	sem    chan struct{}
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWorker creates a new worker pool
func NewWorker(repo jobs.Repository, config WorkerConfig, logger *zap.Logger) *Worker {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 10
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.DefaultJobTimeout <= 0 {
		config.DefaultJobTimeout = 5 * time.Minute
	}
	if len(config.BackoffSchedule) == 0 {
		config.BackoffSchedule = jobs.DefaultBackoffSchedule
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		repo:     repo,
		handlers: make(map[string]jobs.Handler),
		config:   config,
		logger:   logger,
		sem:      make(chan struct{}, config.Concurrency),
	}
}

// Register adds a handler for its queue. Jobs on queues without a handler
// are never claimed by this worker.
func (w *Worker) Register(h jobs.Handler) {
	w.handlers[h.Queue()] = h
}

// Queues lists the queues this worker consumes
func (w *Worker) Queues() []string {
	queues := make([]string, 0, len(w.handlers))
	for q := range w.handlers {
		queues = append(queues, q)
	}
	return queues
}

// Start launches the polling and requeue loops
func (w *Worker) Start(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.wg.Add(1)
	go w.pollLoop(ctx)

	if w.config.VisibilityTimeout > 0 && w.config.RequeueInterval > 0 {
		w.wg.Add(1)
		go w.requeueLoop(ctx)
	}

	w.logger.Info("worker started",
		zap.Strings("queues", w.Queues()),
		zap.Int("concurrency", w.config.Concurrency),
		zap.Duration("poll_interval", w.config.PollInterval),
	)
	return nil
}

// Stop stops claiming new jobs and waits for in-flight jobs to finish. The
// passed context bounds the wait; jobs still running when it expires stay
// RUNNING and are reclaimed later via the visibility timeout.
func (w *Worker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("worker stopped")
		return nil
	case <-ctx.Done():
		w.logger.Warn("worker shutdown grace expired with jobs still running")
		return ctx.Err()
	}
}

// pollLoop is the main claim loop
func (w *Worker) pollLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.claimBatch(ctx)
		}
	}
}

// claimBatch claims due jobs and hands each to a handler goroutine
func (w *Worker) claimBatch(ctx context.Context) {
	claimed, err := w.repo.ClaimDue(ctx, w.Queues(), time.Now(), w.config.BatchSize)
	if err != nil {
		if ctx.Err() == nil {
			w.logger.Error("failed to claim due jobs", zap.Error(err))
		}
		return
	}

	for _, job := range claimed {
		select {
		case w.sem <- struct{}{}:
		case <-ctx.Done():
			// Shutting down: leave the rest RUNNING for the
			// visibility-timeout reclaim.
			return
		}

		w.wg.Add(1)
		go func(job *jobs.Job) {
			defer w.wg.Done()
			defer func() { <-w.sem }()
			w.execute(ctx, job)
		}(job)
	}
}

// execute runs one claimed job under its queue deadline and persists the
// resulting state transition
func (w *Worker) execute(ctx context.Context, job *jobs.Job) {
	handler, ok := w.handlers[job.Queue]
	if !ok {
		w.fail(ctx, job, fmt.Sprintf("no handler registered for queue %q", job.Queue))
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, w.jobTimeout(job.Queue))
	defer cancel()

	result, err := handler.Handle(jobCtx, job)
	if err != nil {
		w.fail(ctx, job, err.Error())
		return
	}

	job.MarkSucceeded(result)
	if err := w.update(ctx, job); err != nil {
		w.logger.Error("failed to persist job success",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
		return
	}

	w.logger.Debug("job succeeded",
		zap.String("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.Int("attempt", job.AttemptsMade()),
	)
}

// fail records a failed attempt and persists the retry or dead-letter
// transition
func (w *Worker) fail(ctx context.Context, job *jobs.Job, errMsg string) {
	job.MarkFailed(errMsg, w.config.BackoffSchedule)

	if job.IsDead() {
		w.logger.Warn("job moved to dead letter queue",
			zap.String("job_id", job.ID),
			zap.String("queue", job.Queue),
			zap.Int("attempts", job.AttemptsMade()),
			zap.String("last_error", job.LastError),
		)
	} else {
		w.logger.Info("job attempt failed, retrying",
			zap.String("job_id", job.ID),
			zap.String("queue", job.Queue),
			zap.Int("retry_count", job.RetryCount),
			zap.Time("next_run_at", job.NextRunAt),
			zap.String("error", errMsg),
		)
	}

	if err := w.update(ctx, job); err != nil {
		w.logger.Error("failed to persist job failure",
			zap.String("job_id", job.ID),
			zap.Error(err),
		)
	}
}

// update persists a job transition. The write is detached from the claim
// context so a shutdown mid-handler does not lose the outcome.
func (w *Worker) update(ctx context.Context, job *jobs.Job) error {
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return w.repo.Update(updateCtx, job)
}

// jobTimeout returns the deadline for jobs on the given queue
func (w *Worker) jobTimeout(queue string) time.Duration {
	if t, ok := w.config.QueueTimeouts[queue]; ok && t > 0 {
		return t
	}
	return w.config.DefaultJobTimeout
}

// requeueLoop periodically reclaims RUNNING jobs whose worker went invisible
func (w *Worker) requeueLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.RequeueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-w.config.VisibilityTimeout)
			requeued, err := w.repo.RequeueStale(ctx, cutoff, w.config.BackoffSchedule)
			if err != nil {
				if ctx.Err() == nil {
					w.logger.Error("failed to requeue stale jobs", zap.Error(err))
				}
				continue
			}
			if requeued > 0 {
				w.logger.Warn("requeued jobs from crashed workers",
					zap.Int64("count", requeued),
					zap.Duration("visibility_timeout", w.config.VisibilityTimeout),
				)
			}
		}
	}
}
