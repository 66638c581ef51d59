package metering

import (
	"context"
	"time"

	"github.com/prompter/backend/internal/domain/shared"
	"github.com/google/uuid"
)

// Org is the organization view the metering core needs: the plan tier and
// the billing cycle anchor. The cached period columns are a derived hint for
// dashboards only; the ledger always recomputes periods with PeriodFor.
type Org struct {
	shared.BaseEntity
	Name               string
	Slug               string
	PlanTier           PlanTier
	BillingCycleAnchor int // day of month (1-31) when the billing cycle starts
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
}

// NewOrg creates an organization anchored to the given day of month
func NewOrg(name, slug string, tier PlanTier, anchorDay int) (*Org, error) {
	if name == "" {
		return nil, shared.NewDomainError("INVALID_ORG", "Organization name cannot be empty")
	}
	if !tier.IsValid() {
		return nil, shared.NewDomainError("INVALID_PLAN", "Invalid plan tier")
	}
	if anchorDay < 1 || anchorDay > 31 {
		return nil, shared.NewDomainError("INVALID_ANCHOR", "Billing cycle anchor must be a day of month (1-31)")
	}
	return &Org{
		BaseEntity:         shared.NewBaseEntity(),
		Name:               name,
		Slug:               slug,
		PlanTier:           tier,
		BillingCycleAnchor: anchorDay,
	}, nil
}

// CurrentPeriod recomputes the billing period containing ref
func (o *Org) CurrentPeriod(ref time.Time) Period {
	return PeriodFor(o.BillingCycleAnchor, ref)
}

// RefreshPeriodHint updates the cached period columns from the calculator.
// The hint is advisory; readers must not treat it as authoritative.
func (o *Org) RefreshPeriodHint(ref time.Time) {
	p := o.CurrentPeriod(ref)
	o.CurrentPeriodStart = &p.Start
	o.CurrentPeriodEnd = &p.End
	o.UpdatedAt = time.Now()
}

// OrgRepository provides access to organizations
type OrgRepository interface {
	FindByID(ctx context.Context, id uuid.UUID) (*Org, error)
	Save(ctx context.Context, org *Org) error
}
