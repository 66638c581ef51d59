package metering

// PlanTier represents a subscription plan tier
type PlanTier string

const (
	PlanStarter    PlanTier = "starter"
	PlanPro        PlanTier = "pro"
	PlanBusiness   PlanTier = "business"
	PlanEnterprise PlanTier = "enterprise"
)

// UnlimitedLimit is the sentinel for resources without a cap
const UnlimitedLimit int64 = -1

// DefaultWarnThreshold is the usage ratio at which a warning is raised
const DefaultWarnThreshold = 0.80

// String returns the string representation of PlanTier
func (p PlanTier) String() string {
	return string(p)
}

// IsValid returns true if the plan tier is valid
func (p PlanTier) IsValid() bool {
	switch p {
	case PlanStarter, PlanPro, PlanBusiness, PlanEnterprise:
		return true
	}
	return false
}

// QuotaTable maps plan tiers to per-resource limits. It is immutable after
// process start; limits use UnlimitedLimit for uncapped resources.
type QuotaTable map[PlanTier]map[Resource]int64

// DefaultQuotaTable returns the built-in plan limits. Config may override
// individual entries but the shipped defaults mirror the pricing page.
func DefaultQuotaTable() QuotaTable {
	return QuotaTable{
		PlanStarter: {
			ResourceScans:   1000,
			ResourcePrompts: 30,
			ResourcePages:   3,
		},
		PlanPro: {
			ResourceScans:   5000,
			ResourcePrompts: 150,
			ResourcePages:   10,
		},
		PlanBusiness: {
			ResourceScans:   15000,
			ResourcePrompts: 500,
			ResourcePages:   25,
		},
		PlanEnterprise: {
			ResourceScans:   UnlimitedLimit,
			ResourcePrompts: UnlimitedLimit,
			ResourcePages:   UnlimitedLimit,
		},
	}
}

// QuotaPolicy resolves plan limits and credit weights. The ledger itself is
// weight-agnostic; callers ask the policy for a weighted amount first.
type QuotaPolicy struct {
	table         QuotaTable
	weights       map[string]int64 // model identifier -> credits per invocation
	warnThreshold float64
}

// NewQuotaPolicy creates a quota policy from a limit table and optional
// per-model credit weights
func NewQuotaPolicy(table QuotaTable, weights map[string]int64, warnThreshold float64) *QuotaPolicy {
	if table == nil {
		table = DefaultQuotaTable()
	}
	if warnThreshold <= 0 || warnThreshold > 1 {
		warnThreshold = DefaultWarnThreshold
	}
	return &QuotaPolicy{
		table:         table,
		weights:       weights,
		warnThreshold: warnThreshold,
	}
}

// Limit returns the limit for a plan/resource pair. Unknown pairs are treated
// as unlimited, matching the behavior of a missing quota row.
func (p *QuotaPolicy) Limit(tier PlanTier, resource Resource) int64 {
	limits, ok := p.table[tier]
	if !ok {
		return UnlimitedLimit
	}
	limit, ok := limits[resource]
	if !ok {
		return UnlimitedLimit
	}
	return limit
}

// Weight returns the credit cost of one invocation against the given model
// identifier. Unknown models cost a single credit.
func (p *QuotaPolicy) Weight(model string) int64 {
	if w, ok := p.weights[model]; ok && w > 0 {
		return w
	}
	return 1
}

// WarnThreshold returns the usage ratio at which warnings fire
func (p *QuotaPolicy) WarnThreshold() float64 {
	return p.warnThreshold
}

// ShouldWarn returns true if used/limit has reached the warning threshold.
// Unlimited resources never warn.
func (p *QuotaPolicy) ShouldWarn(used, limit int64) bool {
	if limit == UnlimitedLimit || limit == 0 {
		return false
	}
	return float64(used)/float64(limit) >= p.warnThreshold
}
