package metering

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prompter/backend/internal/domain/metering"
	"github.com/prompter/backend/internal/domain/shared"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockOrgRepository is a mock implementation of metering.OrgRepository
type MockOrgRepository struct {
	mock.Mock
}

func (m *MockOrgRepository) FindByID(ctx context.Context, id uuid.UUID) (*metering.Org, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*metering.Org), args.Error(1)
}

func (m *MockOrgRepository) Save(ctx context.Context, org *metering.Org) error {
	args := m.Called(ctx, org)
	return args.Error(0)
}

// MockUsageLedger is a mock implementation of metering.UsageLedger
type MockUsageLedger struct {
	mock.Mock
}

func (m *MockUsageLedger) Reserve(ctx context.Context, orgID uuid.UUID, period metering.Period, resource metering.Resource, amount, limit int64) (*metering.ReservationResult, error) {
	args := m.Called(ctx, orgID, period, resource, amount, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*metering.ReservationResult), args.Error(1)
}

func (m *MockUsageLedger) Find(ctx context.Context, orgID uuid.UUID, period metering.Period) (*metering.UsagePeriod, error) {
	args := m.Called(ctx, orgID, period)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*metering.UsagePeriod), args.Error(1)
}

func newTestOrg(t *testing.T, tier metering.PlanTier, anchorDay int) *metering.Org {
	t.Helper()
	org, err := metering.NewOrg("Acme Inc", "acme", tier, anchorDay)
	require.NoError(t, err)
	return org
}

func newTestService(orgRepo *MockOrgRepository, ledger *MockUsageLedger, ref time.Time) *UsageService {
	policy := metering.NewQuotaPolicy(nil, map[string]int64{"gpt-4o": 5, "o1": 15}, 0.80)
	svc := NewUsageService(orgRepo, ledger, policy)
	svc.now = func() time.Time { return ref }
	return svc
}

func TestUsageService_Reserve(t *testing.T) {
	ctx := context.Background()
	ref := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("reserves against the current period limit", func(t *testing.T) {
		orgRepo := new(MockOrgRepository)
		ledger := new(MockUsageLedger)
		svc := newTestService(orgRepo, ledger, ref)

		org := newTestOrg(t, metering.PlanStarter, 1)
		period := org.CurrentPeriod(ref)

		orgRepo.On("FindByID", ctx, org.ID).Return(org, nil)
		ledger.On("Reserve", ctx, org.ID, period, metering.ResourceScans, int64(1), int64(1000)).
			Return(&metering.ReservationResult{Resource: metering.ResourceScans, Used: 1, Limit: 1000}, nil)

		resp, err := svc.Reserve(ctx, ReserveRequest{OrgID: org.ID, Resource: "scans", Amount: 1})
		require.NoError(t, err)

		assert.Equal(t, "SCANS", resp.Resource)
		assert.Equal(t, int64(1), resp.Used)
		assert.Equal(t, int64(1000), resp.Limit)
		assert.Equal(t, int64(999), resp.Remaining)
		assert.False(t, resp.Warn)
		assert.Equal(t, period.Start, resp.PeriodStart)
		assert.Equal(t, period.End, resp.PeriodEnd)

		ledger.AssertExpectations(t)
	})

	t.Run("weights prompt reservations by model credit cost", func(t *testing.T) {
		orgRepo := new(MockOrgRepository)
		ledger := new(MockUsageLedger)
		svc := newTestService(orgRepo, ledger, ref)

		org := newTestOrg(t, metering.PlanPro, 1)
		period := org.CurrentPeriod(ref)

		orgRepo.On("FindByID", ctx, org.ID).Return(org, nil)
		// 2 invocations at 5 credits each
		ledger.On("Reserve", ctx, org.ID, period, metering.ResourcePrompts, int64(10), int64(150)).
			Return(&metering.ReservationResult{Resource: metering.ResourcePrompts, Used: 10, Limit: 150}, nil)

		resp, err := svc.Reserve(ctx, ReserveRequest{OrgID: org.ID, Resource: "prompts", Amount: 2, Model: "gpt-4o"})
		require.NoError(t, err)

		assert.Equal(t, int64(10), resp.Amount)
		ledger.AssertExpectations(t)
	})

	t.Run("does not weight non-prompt reservations", func(t *testing.T) {
		orgRepo := new(MockOrgRepository)
		ledger := new(MockUsageLedger)
		svc := newTestService(orgRepo, ledger, ref)

		org := newTestOrg(t, metering.PlanPro, 1)
		period := org.CurrentPeriod(ref)

		orgRepo.On("FindByID", ctx, org.ID).Return(org, nil)
		ledger.On("Reserve", ctx, org.ID, period, metering.ResourceScans, int64(2), int64(5000)).
			Return(&metering.ReservationResult{Resource: metering.ResourceScans, Used: 2, Limit: 5000}, nil)

		resp, err := svc.Reserve(ctx, ReserveRequest{OrgID: org.ID, Resource: "scans", Amount: 2, Model: "gpt-4o"})
		require.NoError(t, err)
		assert.Equal(t, int64(2), resp.Amount)
	})

	t.Run("rejects unknown resource before touching any repository", func(t *testing.T) {
		orgRepo := new(MockOrgRepository)
		ledger := new(MockUsageLedger)
		svc := newTestService(orgRepo, ledger, ref)

		_, err := svc.Reserve(ctx, ReserveRequest{OrgID: uuid.New(), Resource: "widgets", Amount: 1})
		require.Error(t, err)

		var domainErr *shared.DomainError
		require.ErrorAs(t, err, &domainErr)
		assert.Equal(t, "INVALID_RESOURCE", domainErr.Code)

		orgRepo.AssertNotCalled(t, "FindByID")
		ledger.AssertNotCalled(t, "Reserve")
	})

	t.Run("propagates limit exceeded from the ledger", func(t *testing.T) {
		orgRepo := new(MockOrgRepository)
		ledger := new(MockUsageLedger)
		svc := newTestService(orgRepo, ledger, ref)

		org := newTestOrg(t, metering.PlanStarter, 1)
		period := org.CurrentPeriod(ref)

		orgRepo.On("FindByID", ctx, org.ID).Return(org, nil)
		ledger.On("Reserve", ctx, org.ID, period, metering.ResourcePages, int64(1), int64(3)).
			Return(nil, metering.NewLimitExceededError(metering.ResourcePages, 3, 3))

		_, err := svc.Reserve(ctx, ReserveRequest{OrgID: org.ID, Resource: "ai_pages", Amount: 1})
		require.Error(t, err)

		var limitErr *metering.LimitExceededError
		require.ErrorAs(t, err, &limitErr)
		assert.Equal(t, int64(3), limitErr.Current)
	})

	t.Run("returns not found for unknown org", func(t *testing.T) {
		orgRepo := new(MockOrgRepository)
		ledger := new(MockUsageLedger)
		svc := newTestService(orgRepo, ledger, ref)

		orgID := uuid.New()
		orgRepo.On("FindByID", ctx, orgID).Return(nil, shared.ErrOrgNotFound)

		_, err := svc.Reserve(ctx, ReserveRequest{OrgID: orgID, Resource: "scans", Amount: 1})
		assert.ErrorIs(t, err, shared.ErrOrgNotFound)
	})

	t.Run("flags warn once usage reaches the threshold", func(t *testing.T) {
		orgRepo := new(MockOrgRepository)
		ledger := new(MockUsageLedger)
		svc := newTestService(orgRepo, ledger, ref)

		org := newTestOrg(t, metering.PlanStarter, 1)
		period := org.CurrentPeriod(ref)

		orgRepo.On("FindByID", ctx, org.ID).Return(org, nil)
		ledger.On("Reserve", ctx, org.ID, period, metering.ResourceScans, int64(1), int64(1000)).
			Return(&metering.ReservationResult{Resource: metering.ResourceScans, Used: 800, Limit: 1000}, nil)

		resp, err := svc.Reserve(ctx, ReserveRequest{OrgID: org.ID, Resource: "scans", Amount: 1})
		require.NoError(t, err)
		assert.True(t, resp.Warn)
	})

	t.Run("unlimited plans never warn", func(t *testing.T) {
		orgRepo := new(MockOrgRepository)
		ledger := new(MockUsageLedger)
		svc := newTestService(orgRepo, ledger, ref)

		org := newTestOrg(t, metering.PlanEnterprise, 1)
		period := org.CurrentPeriod(ref)

		orgRepo.On("FindByID", ctx, org.ID).Return(org, nil)
		ledger.On("Reserve", ctx, org.ID, period, metering.ResourceScans, int64(1), metering.UnlimitedLimit).
			Return(&metering.ReservationResult{Resource: metering.ResourceScans, Used: 999999, Limit: metering.UnlimitedLimit}, nil)

		resp, err := svc.Reserve(ctx, ReserveRequest{OrgID: org.ID, Resource: "scans", Amount: 1})
		require.NoError(t, err)
		assert.False(t, resp.Warn)
		assert.Equal(t, metering.UnlimitedLimit, resp.Remaining)
	})
}

func TestUsageService_GetUsage(t *testing.T) {
	ctx := context.Background()
	ref := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

	t.Run("reports zero usage when no row exists yet", func(t *testing.T) {
		orgRepo := new(MockOrgRepository)
		ledger := new(MockUsageLedger)
		svc := newTestService(orgRepo, ledger, ref)

		org := newTestOrg(t, metering.PlanStarter, 1)
		period := org.CurrentPeriod(ref)

		orgRepo.On("FindByID", ctx, org.ID).Return(org, nil)
		ledger.On("Find", ctx, org.ID, period).Return(nil, nil)

		resp, err := svc.GetUsage(ctx, org.ID)
		require.NoError(t, err)

		assert.Equal(t, org.ID, resp.OrgID)
		assert.Equal(t, "starter", resp.PlanTier)
		require.Len(t, resp.Resources, 3)
		for _, r := range resp.Resources {
			assert.Equal(t, int64(0), r.Used)
			assert.False(t, r.Warn)
		}
		assert.Equal(t, int64(1000), resp.Resources[0].Limit)
		assert.Equal(t, int64(30), resp.Resources[1].Limit)
		assert.Equal(t, int64(3), resp.Resources[2].Limit)
	})

	t.Run("reports live counters and warnings", func(t *testing.T) {
		orgRepo := new(MockOrgRepository)
		ledger := new(MockUsageLedger)
		svc := newTestService(orgRepo, ledger, ref)

		org := newTestOrg(t, metering.PlanStarter, 1)
		period := org.CurrentPeriod(ref)

		row := metering.NewUsagePeriod(org.ID, period)
		row.ScansUsed = 900
		row.PromptsUsed = 10

		orgRepo.On("FindByID", ctx, org.ID).Return(org, nil)
		ledger.On("Find", ctx, org.ID, period).Return(row, nil)

		resp, err := svc.GetUsage(ctx, org.ID)
		require.NoError(t, err)

		scans := resp.Resources[0]
		assert.Equal(t, int64(900), scans.Used)
		assert.Equal(t, int64(100), scans.Remaining)
		assert.True(t, scans.Warn)

		prompts := resp.Resources[1]
		assert.Equal(t, int64(10), prompts.Used)
		assert.False(t, prompts.Warn)
	})

	t.Run("reports unlimited limits for enterprise", func(t *testing.T) {
		orgRepo := new(MockOrgRepository)
		ledger := new(MockUsageLedger)
		svc := newTestService(orgRepo, ledger, ref)

		org := newTestOrg(t, metering.PlanEnterprise, 15)
		period := org.CurrentPeriod(ref)

		orgRepo.On("FindByID", ctx, org.ID).Return(org, nil)
		ledger.On("Find", ctx, org.ID, period).Return(nil, nil)

		resp, err := svc.GetUsage(ctx, org.ID)
		require.NoError(t, err)

		for _, r := range resp.Resources {
			assert.Equal(t, metering.UnlimitedLimit, r.Limit)
			assert.Equal(t, metering.UnlimitedLimit, r.Remaining)
		}
	})

	t.Run("propagates ledger errors", func(t *testing.T) {
		orgRepo := new(MockOrgRepository)
		ledger := new(MockUsageLedger)
		svc := newTestService(orgRepo, ledger, ref)

		org := newTestOrg(t, metering.PlanPro, 1)
		period := org.CurrentPeriod(ref)

		orgRepo.On("FindByID", ctx, org.ID).Return(org, nil)
		ledger.On("Find", ctx, org.ID, period).Return(nil, errors.New("connection reset"))

		_, err := svc.GetUsage(ctx, org.ID)
		assert.Error(t, err)
	})
}
