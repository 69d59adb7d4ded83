package services

import (
	"errors"
	"fmt"

	"github.com/agentrouter/backend/src/models"
)

// Sentinel errors for explicit error handling
// These errors allow callers to distinguish between different failure modes
// using errors.Is() instead of string matching

var (
	// ErrMalformedKey indicates the presented secret does not match the
	// ar_ token format; raised before any store access
	ErrMalformedKey = errors.New("malformed API key")

	// ErrKeyNotFound indicates no record matches the presented secret's digest
	ErrKeyNotFound = errors.New("API key not found")

	// ErrKeyInactive indicates the key exists but has been deactivated
	ErrKeyInactive = errors.New("API key is inactive")

	// ErrKeyExpired indicates the key's expires_at is in the past
	ErrKeyExpired = errors.New("API key has expired")

	// ErrKeyQuotaExceeded indicates the owner already holds the maximum
	// number of active keys their plan allows (provisioning ceiling,
	// distinct from the runtime usage ceiling)
	ErrKeyQuotaExceeded = errors.New("active key limit reached for plan")

	// ErrPlanNotAllowed indicates a key was requested on a plan above the
	// owner's subscription
	ErrPlanNotAllowed = errors.New("plan not available to this account")

	// ErrUsageLimitExceeded is the base error wrapped by UsageLimitError
	ErrUsageLimitExceeded = errors.New("usage limit exceeded")

	// ErrPlanRequired is the base error wrapped by PlanRequiredError
	ErrPlanRequired = errors.New("plan upgrade required")
)

// UsageLimitError rejects a request whose account-wide usage has reached the
// plan ceiling. Current and Limit are included so callers can render an
// upgrade prompt.
type UsageLimitError struct {
	Plan    models.Plan
	Current int
	Limit   int
}

func (e *UsageLimitError) Error() string {
	return fmt.Sprintf("usage limit exceeded: %d of %d requests used on %s plan", e.Current, e.Limit, e.Plan)
}

func (e *UsageLimitError) Is(target error) bool {
	return target == ErrUsageLimitExceeded
}

// PlanRequiredError rejects a request to a capability gated on a higher plan
// rank than the key's plan.
type PlanRequiredError struct {
	Required models.Plan
	Current  models.Plan
}

func (e *PlanRequiredError) Error() string {
	return fmt.Sprintf("requires %s plan or higher, current plan is %s", e.Required, e.Current)
}

func (e *PlanRequiredError) Is(target error) bool {
	return target == ErrPlanRequired
}

// InfraError wraps a transient store failure (timeout, connection loss).
// Unlike the definitive rejections above, callers may retry with backoff.
type InfraError struct {
	Op  string
	Err error
}

func (e *InfraError) Error() string {
	return fmt.Sprintf("infrastructure failure during %s: %v", e.Op, e.Err)
}

func (e *InfraError) Unwrap() error {
	return e.Err
}

// MeterError indicates the usage counter increment failed. It is always
// raised to the caller: an unrecorded increment would let usage run
// unmetered.
type MeterError struct {
	APIKeyID string
	Err      error
}

func (e *MeterError) Error() string {
	return fmt.Sprintf("failed to meter usage for key %s: %v", e.APIKeyID, e.Err)
}

func (e *MeterError) Unwrap() error {
	return e.Err
}
