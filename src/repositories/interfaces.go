package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agentrouter/backend/src/models"
)

// ErrNotFound is returned by lookups that match no record.
var ErrNotFound = errors.New("record not found")

// KeyStore defines the data access surface for API keys and their usage
// records. The services never issue raw queries; everything goes through
// this interface so tests can swap in the mock implementation.
type KeyStore interface {
	// FindByHash resolves a key record by the SHA-256 digest of its secret.
	// Returns ErrNotFound when no record matches.
	FindByHash(ctx context.Context, keyHash string) (*models.APIKey, error)

	// Insert persists a freshly issued key.
	Insert(ctx context.Context, key *models.APIKey) error

	// UpdateActive flips a key's is_active flag, scoped to its owner.
	// Returns ErrNotFound when no matching key exists.
	UpdateActive(ctx context.Context, id uuid.UUID, userID *uuid.UUID, active bool) error

	// CountActiveKeys returns how many active keys the owner currently holds.
	CountActiveKeys(ctx context.Context, userID uuid.UUID) (int, error)

	// SumUsage returns the aggregate usage_count across all the owner's
	// active keys. Plan ceilings are account-wide, not per-key.
	SumUsage(ctx context.Context, userID uuid.UUID) (int, error)

	// IncrementUsage adds units to a key's usage_count and stamps
	// last_used_at. The add must be atomic at the store layer; the counter
	// never decreases.
	IncrementUsage(ctx context.Context, id uuid.UUID, units int, usedAt time.Time) error

	// AppendUsageRecord writes one immutable audit line.
	AppendUsageRecord(ctx context.Context, rec *models.UsageRecord) error

	// ListByUser returns the owner's keys, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)

	// RecentUsage returns up to limit audit records for a key, newest first.
	RecentUsage(ctx context.Context, keyID uuid.UUID, limit int) ([]*models.UsageRecord, error)
}
