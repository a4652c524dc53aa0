package darkroom

// Plan is a user's billing tier.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// PlanLimits are the fixed resource limits attached to a plan.
type PlanLimits struct {
	// MaxConcurrency is the number of jobs a user may have in flight.
	MaxConcurrency int `json:"max_concurrency"`
	// MaxRuleSlots is the number of user-authored rules a user may keep.
	MaxRuleSlots int `json:"max_rule_slots"`
	// MaxItems is the largest batch size accepted for a single job.
	MaxItems int `json:"max_items"`
	// InitialCredits is the balance granted when the account is created.
	InitialCredits int `json:"initial_credits"`
}

var planLimits = map[Plan]PlanLimits{
	PlanFree: {MaxConcurrency: 1, MaxRuleSlots: 2, MaxItems: 10, InitialCredits: 10},
	PlanPro:  {MaxConcurrency: 3, MaxRuleSlots: 20, MaxItems: 200, InitialCredits: 200},
}

// LimitsFor returns the limit table entry for a plan. Unknown plans get
// the free tier, the most restrictive choice.
func LimitsFor(p Plan) PlanLimits {
	if l, ok := planLimits[p]; ok {
		return l
	}
	return planLimits[PlanFree]
}

// Valid reports whether p names a known plan.
func (p Plan) Valid() bool {
	_, ok := planLimits[p]
	return ok
}
