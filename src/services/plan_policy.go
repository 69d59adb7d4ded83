package services

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agentrouter/backend/src/models"
)

// planLimits holds the ceilings for one plan.
type planLimits struct {
	UsageLimit int `yaml:"usage_limit"` // -1 means unlimited
	MaxKeys    int `yaml:"max_keys"`
}

// PlanPolicy is the static plan table: per-plan usage ceiling, key-count
// ceiling and ordinal rank. It is deployed configuration, never persisted.
type PlanPolicy struct {
	limits map[models.Plan]planLimits
	ranks  map[models.Plan]int
}

// DefaultPlanPolicy returns the built-in plan table.
func DefaultPlanPolicy() *PlanPolicy {
	return &PlanPolicy{
		limits: map[models.Plan]planLimits{
			models.PlanBase:       {UsageLimit: 100, MaxKeys: 1},
			models.PlanStarter:    {UsageLimit: 1000, MaxKeys: 3},
			models.PlanPro:        {UsageLimit: 5000, MaxKeys: 10},
			models.PlanEnterprise: {UsageLimit: models.UnlimitedUsage, MaxKeys: 25},
		},
		ranks: map[models.Plan]int{
			models.PlanBase:       0,
			models.PlanStarter:    1,
			models.PlanPro:        2,
			models.PlanEnterprise: 3,
		},
	}
}

// LoadPlanPolicy reads per-plan ceiling overrides from a YAML file and
// merges them over the defaults. Plans absent from the file keep their
// built-in limits; unknown plan names in the file are rejected.
func LoadPlanPolicy(path string) (*PlanPolicy, error) {
	policy := DefaultPlanPolicy()
	if path == "" {
		return policy, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan policy file: %w", err)
	}

	var overrides map[models.Plan]planLimits
	if err := yaml.Unmarshal(content, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse plan policy file: %w", err)
	}

	for plan, limits := range overrides {
		if !plan.Valid() {
			return nil, fmt.Errorf("unknown plan %q in policy file", plan)
		}
		policy.limits[plan] = limits
	}
	return policy, nil
}

// UsageLimitFor returns the account-wide request ceiling for a plan, or
// models.UnlimitedUsage. Panics on an unknown plan: the plan set is closed
// and an unknown value is a programming error, not user input.
func (p *PlanPolicy) UsageLimitFor(plan models.Plan) int {
	limits, ok := p.limits[plan]
	if !ok {
		panic(fmt.Sprintf("unknown plan: %q", plan))
	}
	return limits.UsageLimit
}

// MaxKeysFor returns how many active keys a plan may hold at once.
func (p *PlanPolicy) MaxKeysFor(plan models.Plan) int {
	limits, ok := p.limits[plan]
	if !ok {
		panic(fmt.Sprintf("unknown plan: %q", plan))
	}
	return limits.MaxKeys
}

// RankOf returns a plan's position in the nested-access hierarchy. Higher
// rank plans may do everything lower rank plans can.
func (p *PlanPolicy) RankOf(plan models.Plan) int {
	rank, ok := p.ranks[plan]
	if !ok {
		panic(fmt.Sprintf("unknown plan: %q", plan))
	}
	return rank
}

// Allows reports whether a subscription on plan have can request features
// or keys gated on plan want.
func (p *PlanPolicy) Allows(have, want models.Plan) bool {
	return p.RankOf(have) >= p.RankOf(want)
}
