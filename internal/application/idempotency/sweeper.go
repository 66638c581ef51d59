package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/prompter/backend/internal/domain/idempotency"
	"go.uber.org/zap"
)

// Sweeper periodically purges expired idempotency records in capped batches
// so the purge never holds a long transaction.
type Sweeper struct {
	repo      idempotency.Repository
	interval  time.Duration
	batchSize int
	logger    *zap.Logger

	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSweeper creates a new sweeper
func NewSweeper(repo idempotency.Repository, interval time.Duration, batchSize int, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if batchSize <= 0 {
		batchSize = idempotency.DefaultSweepBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		repo:      repo,
		interval:  interval,
		batchSize: batchSize,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Start launches the background sweep loop
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
	s.logger.Info("idempotency sweeper started",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batchSize),
	)
}

// Stop halts the sweep loop and waits for an in-flight pass to finish.
// Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.wg.Wait()
		s.logger.Info("idempotency sweeper stopped")
	})
}

func (s *Sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(context.Background()); err != nil {
				s.logger.Error("idempotency sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce deletes expired records in batches until a batch comes back
// short, then reports the total removed
func (s *Sweeper) SweepOnce(ctx context.Context) (int64, error) {
	var total int64
	now := time.Now()

	for {
		deleted, err := s.repo.DeleteExpired(ctx, now, s.batchSize)
		if err != nil {
			return total, err
		}
		total += deleted
		if deleted < int64(s.batchSize) {
			break
		}

		select {
		case <-s.stopChan:
			return total, nil
		case <-ctx.Done():
			return total, ctx.Err()
		default:
		}
	}

	if total > 0 {
		s.logger.Info("purged expired idempotency records", zap.Int64("deleted", total))
	}
	return total, nil
}
