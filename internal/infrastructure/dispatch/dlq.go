package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/prompter/backend/internal/domain/jobs"
	"go.uber.org/zap"
)

// DeadLetterHook is invoked once per dead job before it is acknowledged.
// Typical uses are alerting and forwarding to an external incident channel.
type DeadLetterHook func(ctx context.Context, job *jobs.Job)

// DLQConsumer drains dead-lettered jobs: each is surfaced exactly once
// through the hook and the log, then acknowledged so it stops reappearing.
type DLQConsumer struct {
	repo      jobs.Repository
	interval  time.Duration
	batchSize int
	hook      DeadLetterHook
	logger    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDLQConsumer creates a new dead-letter consumer
func NewDLQConsumer(repo jobs.Repository, interval time.Duration, batchSize int, hook DeadLetterHook, logger *zap.Logger) *DLQConsumer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DLQConsumer{
		repo:      repo,
		interval:  interval,
		batchSize: batchSize,
		hook:      hook,
		logger:    logger,
	}
}

// Start launches the background drain loop
func (c *DLQConsumer) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("dead letter consumer started", zap.Duration("interval", c.interval))
	return nil
}

// Stop halts the drain loop and waits for an in-flight pass to finish
func (c *DLQConsumer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("dead letter consumer stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *DLQConsumer) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.DrainOnce(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("dead letter drain failed", zap.Error(err))
			}
		}
	}
}

// DrainOnce processes one batch of unacknowledged dead jobs and reports how
// many were acknowledged
func (c *DLQConsumer) DrainOnce(ctx context.Context) (int, error) {
	dead, err := c.repo.FindDeadUnacked(ctx, c.batchSize)
	if err != nil {
		return 0, err
	}

	acked := 0
	for _, job := range dead {
		c.logger.Error("job exhausted all retry attempts",
			zap.String("job_id", job.ID),
			zap.String("queue", job.Queue),
			zap.Int("attempts", job.AttemptsMade()),
			zap.String("last_error", job.LastError),
			zap.String("idempotency_key", job.Metadata.IdempotencyKey),
		)

		if c.hook != nil {
			c.hook(ctx, job)
		}

		if err := job.AckDeadLetter(); err != nil {
			c.logger.Error("failed to acknowledge dead job",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			continue
		}
		if err := c.repo.Update(ctx, job); err != nil {
			c.logger.Error("failed to persist dead job acknowledgement",
				zap.String("job_id", job.ID),
				zap.Error(err),
			)
			continue
		}
		acked++
	}
	return acked, nil
}
