package metering

import (
	"context"
	"time"

	"github.com/prompter/backend/internal/domain/metering"
	"github.com/prompter/backend/internal/domain/shared"
	"github.com/prompter/backend/internal/infrastructure/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// UsageService handles quota reservations and usage reads. All period math is
// recomputed from the org's billing anchor on every call; the cached period
// columns on the org are never consulted.
type UsageService struct {
	orgRepo metering.OrgRepository
	ledger  metering.UsageLedger
	policy  *metering.QuotaPolicy
	now     func() time.Time
}

// NewUsageService creates a new UsageService
func NewUsageService(orgRepo metering.OrgRepository, ledger metering.UsageLedger, policy *metering.QuotaPolicy) *UsageService {
	return &UsageService{
		orgRepo: orgRepo,
		ledger:  ledger,
		policy:  policy,
		now:     time.Now,
	}
}

// Reserve applies a check-and-increment for the current billing period.
// Prompt reservations against a known model are weighted by its credit cost
// before the check, so a single request may consume several credits.
func (s *UsageService) Reserve(ctx context.Context, req ReserveRequest) (*ReserveResponse, error) {
	resource, ok := metering.ParseResource(req.Resource)
	if !ok {
		return nil, shared.NewDomainError("INVALID_RESOURCE", "Invalid resource kind")
	}

	org, err := s.orgRepo.FindByID(ctx, req.OrgID)
	if err != nil {
		return nil, err
	}

	amount := req.Amount
	if resource == metering.ResourcePrompts && req.Model != "" {
		amount *= s.policy.Weight(req.Model)
	}

	period := org.CurrentPeriod(s.now())
	limit := s.policy.Limit(org.PlanTier, resource)

	result, err := s.ledger.Reserve(ctx, org.ID, period, resource, amount, limit)
	if err != nil {
		return nil, err
	}

	warn := s.policy.ShouldWarn(result.Used, result.Limit)
	if warn {
		logger.FromContext(ctx).Warn("organization approaching quota limit",
			zap.String("org_id", org.ID.String()),
			zap.String("resource", string(resource)),
			zap.Int64("used", result.Used),
			zap.Int64("limit", result.Limit),
		)
	}

	return &ReserveResponse{
		Resource:    string(result.Resource),
		Amount:      amount,
		Used:        result.Used,
		Limit:       result.Limit,
		Remaining:   remaining(result.Used, result.Limit),
		Warn:        warn,
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
	}, nil
}

// GetUsage returns current-period usage for every metered resource. Periods
// with no reservations yet report zero usage without creating a row.
func (s *UsageService) GetUsage(ctx context.Context, orgID uuid.UUID) (*UsageSummaryResponse, error) {
	org, err := s.orgRepo.FindByID(ctx, orgID)
	if err != nil {
		return nil, err
	}

	period := org.CurrentPeriod(s.now())

	row, err := s.ledger.Find(ctx, org.ID, period)
	if err != nil {
		return nil, err
	}

	resources := make([]ResourceUsage, 0, len(metering.AllResources))
	for _, resource := range metering.AllResources {
		var used int64
		if row != nil {
			used = row.Used(resource)
		}
		limit := s.policy.Limit(org.PlanTier, resource)
		resources = append(resources, ResourceUsage{
			Resource:  string(resource),
			Used:      used,
			Limit:     limit,
			Remaining: remaining(used, limit),
			Warn:      s.policy.ShouldWarn(used, limit),
		})
	}

	return &UsageSummaryResponse{
		OrgID:       org.ID,
		PlanTier:    org.PlanTier.String(),
		PeriodStart: period.Start,
		PeriodEnd:   period.End,
		Resources:   resources,
	}, nil
}

// remaining computes the headroom left under a limit, -1 when unlimited
func remaining(used, limit int64) int64 {
	if limit == metering.UnlimitedLimit {
		return metering.UnlimitedLimit
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
