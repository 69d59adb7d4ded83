package models

// Plan represents a subscription plan tier
type Plan string

const (
	// PlanBase is the entry tier assigned to fresh signups
	PlanBase Plan = "base"
	// PlanStarter is the first paid tier
	PlanStarter Plan = "starter"
	// PlanPro is the mid paid tier
	PlanPro Plan = "pro"
	// PlanEnterprise has no usage ceiling
	PlanEnterprise Plan = "enterprise"
)

// UnlimitedUsage is the sentinel usage limit meaning "no ceiling". It must
// be compared explicitly, never fed into numeric ceiling arithmetic.
const UnlimitedUsage = -1

// Valid reports whether p is one of the known plans.
func (p Plan) Valid() bool {
	switch p {
	case PlanBase, PlanStarter, PlanPro, PlanEnterprise:
		return true
	}
	return false
}

func (p Plan) String() string {
	return string(p)
}
