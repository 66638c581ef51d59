package integration

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prompter/backend/internal/domain/idempotency"
	"github.com/prompter/backend/internal/domain/metering"
	"github.com/prompter/backend/internal/infrastructure/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestUsageLedger_ConcurrentReserve hammers a single counter row from many
// goroutines and verifies the limit is never overshot. The row lock taken
// inside Reserve is what makes this hold on PostgreSQL.
func TestUsageLedger_ConcurrentReserve(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}

	tdb := NewTestDB(t)
	ledger := persistence.NewGormUsageLedger(tdb.DB)

	orgID := uuid.New()
	period := metering.PeriodFor(1, time.Now())

	const (
		workers   = 8
		perWorker = 25
		limit     = 100
	)

	var (
		granted  atomic.Int64
		rejected atomic.Int64
		wg       sync.WaitGroup
	)
	unexpected := make(chan error, workers*perWorker)

	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := ledger.Reserve(context.Background(), orgID, period, metering.ResourceScans, 1, limit)
				if err == nil {
					granted.Add(1)
					continue
				}
				var limitErr *metering.LimitExceededError
				if !errors.As(err, &limitErr) {
					unexpected <- err
					continue
				}
				rejected.Add(1)
			}
		}()
	}
	wg.Wait()
	close(unexpected)

	for err := range unexpected {
		t.Errorf("unexpected reservation error: %v", err)
	}

	assert.Equal(t, int64(limit), granted.Load(), "exactly the limit must be granted")
	assert.Equal(t, int64(workers*perWorker-limit), rejected.Load())

	row, err := ledger.Find(context.Background(), orgID, period)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, int64(limit), row.ScansUsed, "the persisted counter must match the grants")
}

// TestIdempotencyRepository_ConcurrentSave races many writers on the same
// key scope. Exactly one insert may win.
func TestIdempotencyRepository_ConcurrentSave(t *testing.T) {
	if testing.Short() {
		t.Skip("requires Docker")
	}

	tdb := NewTestDB(t)
	repo := persistence.NewGormIdempotencyRepository(tdb.DB)

	orgID := uuid.New()
	const writers = 16

	var (
		wins atomic.Int64
		wg   sync.WaitGroup
	)
	errs := make(chan error, writers)

	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := idempotency.NewRecord("race-key-0123456789abcdef", orgID, "job", "job-1", []byte(`{"ok":true}`), 202, time.Hour)
			if err != nil {
				errs <- err
				return
			}
			created, err := repo.Save(context.Background(), rec)
			if err != nil {
				errs <- err
				return
			}
			if created {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("unexpected save error: %v", err)
	}
	assert.Equal(t, int64(1), wins.Load(), "only one writer may create the record")
}
