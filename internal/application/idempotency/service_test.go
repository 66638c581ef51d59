package idempotency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prompter/backend/internal/domain/idempotency"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockRepository is a mock implementation of idempotency.Repository
type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Find(ctx context.Context, key string, orgID uuid.UUID, resourceType string) (*idempotency.Record, error) {
	args := m.Called(ctx, key, orgID, resourceType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*idempotency.Record), args.Error(1)
}

func (m *MockRepository) Save(ctx context.Context, record *idempotency.Record) (bool, error) {
	args := m.Called(ctx, record)
	return args.Bool(0), args.Error(1)
}

func (m *MockRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	args := m.Called(ctx, before, limit)
	return args.Get(0).(int64), args.Error(1)
}

// MockGate is a mock implementation of Gate
type MockGate struct {
	mock.Mock
}

func (m *MockGate) Mark(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockGate) Unmark(ctx context.Context, key string) error {
	args := m.Called(ctx, key)
	return args.Error(0)
}

const validKey = "client-key-0123456789abcdef"

func TestService_Check(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	t.Run("rejects keys shorter than 16 characters", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, nil, 0, nil)

		_, err := svc.Check(ctx, "short", orgID, "job")
		require.Error(t, err)

		var keyErr *idempotency.InvalidKeyError
		require.ErrorAs(t, err, &keyErr)
		assert.Equal(t, 5, keyErr.Length)

		repo.AssertNotCalled(t, "Find")
	})

	t.Run("rejects keys longer than 255 characters", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, nil, 0, nil)

		long := make([]byte, 256)
		for i := range long {
			long[i] = 'a'
		}

		_, err := svc.Check(ctx, string(long), orgID, "job")
		require.Error(t, err)
	})

	t.Run("returns nil for a first attempt", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, nil, 0, nil)

		repo.On("Find", ctx, validKey, orgID, "job").Return(nil, nil)

		replay, err := svc.Check(ctx, validKey, orgID, "job")
		require.NoError(t, err)
		assert.Nil(t, replay)
	})

	t.Run("returns the stored response for a retry", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, nil, 0, nil)

		record, err := idempotency.NewRecord(validKey, orgID, "job", "abc123", []byte(`{"id":"abc123"}`), 201, time.Hour)
		require.NoError(t, err)

		repo.On("Find", ctx, validKey, orgID, "job").Return(record, nil)

		replay, err := svc.Check(ctx, validKey, orgID, "job")
		require.NoError(t, err)
		require.NotNil(t, replay)
		assert.Equal(t, "abc123", replay.ResourceID)
		assert.Equal(t, 201, replay.StatusCode)
		assert.Equal(t, []byte(`{"id":"abc123"}`), replay.Body)
	})
}

func TestService_Acquire(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	t.Run("first caller acquires the claim", func(t *testing.T) {
		repo := new(MockRepository)
		gate := new(MockGate)
		svc := NewService(repo, gate, time.Hour, nil)

		gate.On("Mark", ctx, mock.AnythingOfType("string"), time.Hour).Return(true, nil)

		acquired, err := svc.Acquire(ctx, validKey, orgID, "job")
		require.NoError(t, err)
		assert.True(t, acquired)
	})

	t.Run("second caller is refused while the claim is held", func(t *testing.T) {
		repo := new(MockRepository)
		gate := new(MockGate)
		svc := NewService(repo, gate, time.Hour, nil)

		gate.On("Mark", ctx, mock.AnythingOfType("string"), time.Hour).Return(false, nil)

		acquired, err := svc.Acquire(ctx, validKey, orgID, "job")
		require.NoError(t, err)
		assert.False(t, acquired)
	})

	t.Run("gate failure degrades open", func(t *testing.T) {
		repo := new(MockRepository)
		gate := new(MockGate)
		svc := NewService(repo, gate, time.Hour, nil)

		gate.On("Mark", ctx, mock.AnythingOfType("string"), time.Hour).Return(false, errors.New("connection refused"))

		acquired, err := svc.Acquire(ctx, validKey, orgID, "job")
		require.NoError(t, err)
		assert.True(t, acquired, "gate outage must not block execution")
	})

	t.Run("nil gate always allows execution", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, nil, time.Hour, nil)

		acquired, err := svc.Acquire(ctx, validKey, orgID, "job")
		require.NoError(t, err)
		assert.True(t, acquired)
	})

	t.Run("validates the key before touching the gate", func(t *testing.T) {
		repo := new(MockRepository)
		gate := new(MockGate)
		svc := NewService(repo, gate, time.Hour, nil)

		_, err := svc.Acquire(ctx, "short", orgID, "job")
		require.Error(t, err)
		gate.AssertNotCalled(t, "Mark")
	})

	t.Run("scopes the gate key by org and resource type", func(t *testing.T) {
		repo := new(MockRepository)
		gate := new(MockGate)
		svc := NewService(repo, gate, time.Hour, nil)

		expected := orgID.String() + ":job:" + validKey
		gate.On("Mark", ctx, expected, time.Hour).Return(true, nil)

		_, err := svc.Acquire(ctx, validKey, orgID, "job")
		require.NoError(t, err)
		gate.AssertExpectations(t)
	})
}

func TestService_Release(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	t.Run("releasing hands the claim back to the next caller", func(t *testing.T) {
		repo := new(MockRepository)
		gate := new(MockGate)
		svc := NewService(repo, gate, time.Hour, nil)

		expected := orgID.String() + ":job:" + validKey
		gate.On("Unmark", ctx, expected).Return(nil)

		svc.Release(ctx, validKey, orgID, "job")
		gate.AssertExpectations(t)
	})

	t.Run("a release failure is swallowed, the marker expires on its own", func(t *testing.T) {
		repo := new(MockRepository)
		gate := new(MockGate)
		svc := NewService(repo, gate, time.Hour, nil)

		gate.On("Unmark", ctx, mock.AnythingOfType("string")).Return(errors.New("connection refused"))

		svc.Release(ctx, validKey, orgID, "job")
	})

	t.Run("nil gate is a no-op", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, nil, time.Hour, nil)

		svc.Release(ctx, validKey, orgID, "job")
	})
}

func TestService_Store(t *testing.T) {
	ctx := context.Background()
	orgID := uuid.New()

	t.Run("persists the first response", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, nil, time.Hour, nil)

		repo.On("Save", ctx, mock.MatchedBy(func(r *idempotency.Record) bool {
			return r.Key == validKey && r.OrgID == orgID && r.ResourceType == "job" && r.StatusCode == 201
		})).Return(true, nil)

		created, err := svc.Store(ctx, validKey, orgID, "job", "abc123", []byte(`{}`), 201)
		require.NoError(t, err)
		assert.True(t, created)
	})

	t.Run("reports a lost write-once race", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, nil, time.Hour, nil)

		repo.On("Save", ctx, mock.AnythingOfType("*idempotency.Record")).Return(false, nil)

		created, err := svc.Store(ctx, validKey, orgID, "job", "abc123", []byte(`{}`), 201)
		require.NoError(t, err)
		assert.False(t, created)
	})

	t.Run("rejects malformed keys", func(t *testing.T) {
		repo := new(MockRepository)
		svc := NewService(repo, nil, time.Hour, nil)

		_, err := svc.Store(ctx, "short", orgID, "job", "abc123", nil, 201)
		require.Error(t, err)
		repo.AssertNotCalled(t, "Save")
	})
}

func TestSweeper_SweepOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("deletes until a batch comes back short", func(t *testing.T) {
		repo := new(MockRepository)
		sweeper := NewSweeper(repo, time.Hour, 100, nil)

		repo.On("DeleteExpired", ctx, mock.AnythingOfType("time.Time"), 100).Return(int64(100), nil).Twice()
		repo.On("DeleteExpired", ctx, mock.AnythingOfType("time.Time"), 100).Return(int64(40), nil).Once()

		total, err := sweeper.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(240), total)
		repo.AssertExpectations(t)
	})

	t.Run("returns partial count on repository error", func(t *testing.T) {
		repo := new(MockRepository)
		sweeper := NewSweeper(repo, time.Hour, 100, nil)

		repo.On("DeleteExpired", ctx, mock.AnythingOfType("time.Time"), 100).Return(int64(100), nil).Once()
		repo.On("DeleteExpired", ctx, mock.AnythingOfType("time.Time"), 100).Return(int64(0), errors.New("deadlock")).Once()

		total, err := sweeper.SweepOnce(ctx)
		require.Error(t, err)
		assert.Equal(t, int64(100), total)
	})

	t.Run("no-op when nothing is expired", func(t *testing.T) {
		repo := new(MockRepository)
		sweeper := NewSweeper(repo, time.Hour, 100, nil)

		repo.On("DeleteExpired", ctx, mock.AnythingOfType("time.Time"), 100).Return(int64(0), nil).Once()

		total, err := sweeper.SweepOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), total)
	})
}

func TestSweeper_StartStop(t *testing.T) {
	repo := new(MockRepository)
	repo.On("DeleteExpired", mock.Anything, mock.AnythingOfType("time.Time"), 100).Return(int64(0), nil).Maybe()

	sweeper := NewSweeper(repo, 10*time.Millisecond, 100, nil)
	sweeper.Start()

	time.Sleep(30 * time.Millisecond)

	// Stop must be idempotent and not hang
	sweeper.Stop()
	sweeper.Stop()
}
