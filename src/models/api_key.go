package models

import (
	"time"

	"github.com/google/uuid"
)

// APIKey represents a persisted API key record. The raw secret is never
// stored; only its SHA-256 digest and a short display prefix survive
// issuance.
type APIKey struct {
	ID         uuid.UUID  `json:"id"`
	UserID     *uuid.UUID `json:"user_id,omitempty"` // nil: key not attached to an account
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	Name       string     `json:"name"`
	Plan       Plan       `json:"plan"`
	UsageLimit int        `json:"usage_limit"` // UnlimitedUsage means no ceiling
	UsageCount int        `json:"usage_count"`
	IsActive   bool       `json:"is_active"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the key carries an expiry in the past.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// Remaining returns the requests left under the key's own limit, or -1 when
// the limit is the unlimited sentinel.
func (k *APIKey) Remaining() int {
	if k.UsageLimit == UnlimitedUsage {
		return UnlimitedUsage
	}
	left := k.UsageLimit - k.UsageCount
	if left < 0 {
		return 0
	}
	return left
}
