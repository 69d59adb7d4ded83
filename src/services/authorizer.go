package services

import (
	"context"
	"time"

	"github.com/agentrouter/backend/src/models"
	"github.com/agentrouter/backend/src/repositories"
)

// AuthorizedKey is the resolved identity handed to the protected operation.
// Usage and Limit reflect the account-wide position at check time.
type AuthorizedKey struct {
	Key   *models.APIKey
	Usage int
	Limit int // models.UnlimitedUsage when no ceiling applies
}

// Remaining returns how many requests are left under the ceiling, or -1
// when unlimited.
func (a *AuthorizedKey) Remaining() int {
	if a.Limit == models.UnlimitedUsage {
		return models.UnlimitedUsage
	}
	left := a.Limit - a.Usage
	if left < 0 {
		return 0
	}
	return left
}

// Authorizer is the single gate the dispatch layer runs before a protected
// operation: credential resolution, then the account-wide usage ceiling.
// It never meters — consumption is recorded after the operation completes,
// by the operation itself.
type Authorizer struct {
	keys         *KeyService
	store        repositories.KeyStore
	policy       *PlanPolicy
	storeTimeout time.Duration
}

// NewAuthorizer creates a new authorization gate.
func NewAuthorizer(keys *KeyService, store repositories.KeyStore, policy *PlanPolicy) *Authorizer {
	return &Authorizer{
		keys:         keys,
		store:        store,
		policy:       policy,
		storeTimeout: defaultStoreTimeout,
	}
}

// Authorize resolves the presented secret and checks the usage ceiling.
// The ceiling is evaluated over the aggregate usage of all the account's
// active keys, not just the presented one: plan ceilings are account-wide.
// Keys without an owner fall back to their own counter.
//
// The check and the later increment are deliberately not atomic; concurrent
// requests can overshoot the ceiling transiently. That is an accepted soft
// limit for a human-facing quota, not billing-grade metering.
func (a *Authorizer) Authorize(ctx context.Context, rawKey string) (*AuthorizedKey, error) {
	key, err := a.keys.ValidateKey(ctx, rawKey)
	if err != nil {
		return nil, err
	}

	// The stored ceiling defaults to the plan table value and may carry a
	// per-key override from issuance.
	limit := key.UsageLimit
	if limit == models.UnlimitedUsage {
		return &AuthorizedKey{Key: key, Usage: key.UsageCount, Limit: limit}, nil
	}

	usage := key.UsageCount
	if key.UserID != nil {
		usage, err = a.sumUsage(ctx, key)
		if err != nil {
			return nil, err
		}
	}

	if usage >= limit {
		return nil, &UsageLimitError{Plan: key.Plan, Current: usage, Limit: limit}
	}
	return &AuthorizedKey{Key: key, Usage: usage, Limit: limit}, nil
}

// RequirePlan enforces a minimum plan rank for a capability, independent of
// the usage ceiling.
func (a *Authorizer) RequirePlan(key *models.APIKey, required models.Plan) error {
	if !a.policy.Allows(key.Plan, required) {
		return &PlanRequiredError{Required: required, Current: key.Plan}
	}
	return nil
}

func (a *Authorizer) sumUsage(ctx context.Context, key *models.APIKey) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, a.storeTimeout)
	defer cancel()

	sum, err := a.store.SumUsage(ctx, *key.UserID)
	if err != nil {
		return 0, &InfraError{Op: "usage aggregation", Err: err}
	}
	return sum, nil
}
