package services

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentrouter/backend/src/models"
	"github.com/agentrouter/backend/src/repositories"
)

const (
	// KeyPrefix tags every secret this service issues. Tokens without it
	// are rejected before any store access.
	KeyPrefix = "ar_"

	// keySecretBytes is the entropy of the random tail (256 bits).
	keySecretBytes = 32

	// keyDisplayLen is how much of the secret is kept as a display prefix.
	keyDisplayLen = 12

	// defaultStoreTimeout bounds every store call issued by this service.
	defaultStoreTimeout = 5 * time.Second
)

// KeyService issues, validates and manages API keys.
type KeyService struct {
	store        repositories.KeyStore
	policy       *PlanPolicy
	storeTimeout time.Duration
}

// NewKeyService creates a new key service.
func NewKeyService(store repositories.KeyStore, policy *PlanPolicy) *KeyService {
	return &KeyService{
		store:        store,
		policy:       policy,
		storeTimeout: defaultStoreTimeout,
	}
}

// IssueParams describes a key issuance request.
type IssueParams struct {
	UserID       *uuid.UUID  // nil issues an unattached key
	Subscription models.Plan // the owner's current subscription plan
	Name         string
	Plan         models.Plan // requested plan for the key
	UsageLimit   *int        // overrides the plan's default ceiling when set
	ExpiresAt    *time.Time
}

// IssueKey generates a new secret, persists its digest and returns the
// record together with the raw secret. The raw secret is returned exactly
// once; no read path can ever reconstruct it from the stored digest.
func (ks *KeyService) IssueKey(ctx context.Context, p IssueParams) (*models.APIKey, string, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, "", fmt.Errorf("key name must not be empty")
	}
	if !p.Plan.Valid() {
		return nil, "", fmt.Errorf("invalid plan: %q", p.Plan)
	}

	// Plans nest: a subscription on plan T may issue keys on any plan <= T.
	if !p.Subscription.Valid() || !ks.policy.Allows(p.Subscription, p.Plan) {
		return nil, "", ErrPlanNotAllowed
	}

	// Provisioning ceiling, distinct from the runtime usage ceiling.
	if p.UserID != nil {
		count, err := ks.countActive(ctx, *p.UserID)
		if err != nil {
			return nil, "", err
		}
		if count >= ks.policy.MaxKeysFor(p.Subscription) {
			return nil, "", ErrKeyQuotaExceeded
		}
	}

	rawKey, err := generateRawKey()
	if err != nil {
		return nil, "", fmt.Errorf("failed to generate key: %w", err)
	}

	usageLimit := ks.policy.UsageLimitFor(p.Plan)
	if p.UsageLimit != nil {
		usageLimit = *p.UsageLimit
	}

	key := &models.APIKey{
		ID:         uuid.New(),
		UserID:     p.UserID,
		KeyHash:    hashKey(rawKey),
		KeyPrefix:  rawKey[:keyDisplayLen],
		Name:       p.Name,
		Plan:       p.Plan,
		UsageLimit: usageLimit,
		UsageCount: 0,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  p.ExpiresAt,
	}

	if err := ks.insert(ctx, key); err != nil {
		return nil, "", err
	}
	return key, rawKey, nil
}

// ValidateKey resolves a presented secret to its key record. It is
// read-only: no counter moves and no audit line is written here. Usage
// ceilings are not checked either — they are account-wide and belong to
// the Authorizer.
func (ks *KeyService) ValidateKey(ctx context.Context, rawKey string) (*models.APIKey, error) {
	if !strings.HasPrefix(rawKey, KeyPrefix) {
		return nil, ErrMalformedKey
	}

	key, err := ks.findByHash(ctx, hashKey(rawKey))
	if err != nil {
		return nil, err
	}
	if !key.IsActive {
		return nil, ErrKeyInactive
	}
	if key.Expired(time.Now().UTC()) {
		return nil, ErrKeyExpired
	}
	return key, nil
}

// ValidateKeyOptional is the best-effort variant used by instrumentation
// paths: any authorization failure yields (nil, nil) instead of an error,
// so the caller proceeds unidentified. Infrastructure failures are also
// swallowed here; an instrumentation path must never fail a request.
func (ks *KeyService) ValidateKeyOptional(ctx context.Context, rawKey string) (*models.APIKey, error) {
	key, err := ks.ValidateKey(ctx, rawKey)
	if err != nil {
		return nil, nil
	}
	return key, nil
}

// DeactivateKey flips a key inactive, scoped to the owning user.
func (ks *KeyService) DeactivateKey(ctx context.Context, keyID uuid.UUID, userID *uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, ks.storeTimeout)
	defer cancel()

	err := ks.store.UpdateActive(ctx, keyID, userID, false)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrKeyNotFound
		}
		return &InfraError{Op: "key deactivation", Err: err}
	}
	return nil
}

// ListUserKeys returns all of a user's keys, newest first.
func (ks *KeyService) ListUserKeys(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	ctx, cancel := context.WithTimeout(ctx, ks.storeTimeout)
	defer cancel()

	keys, err := ks.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, &InfraError{Op: "key listing", Err: err}
	}
	return keys, nil
}

// UsageStats aggregates a key's recent audit records.
type UsageStats struct {
	TotalCost     decimal.Decimal       `json:"total_cost"`
	TotalUnits    int                   `json:"total_units"`
	TotalRequests int                   `json:"total_requests"`
	RecentUsage   []*models.UsageRecord `json:"recent_usage"`
}

// GetUsageStats summarises the most recent audit records for a key.
func (ks *KeyService) GetUsageStats(ctx context.Context, keyID uuid.UUID) (*UsageStats, error) {
	ctx, cancel := context.WithTimeout(ctx, ks.storeTimeout)
	defer cancel()

	recs, err := ks.store.RecentUsage(ctx, keyID, 100)
	if err != nil {
		return nil, &InfraError{Op: "usage stats", Err: err}
	}

	stats := &UsageStats{TotalCost: decimal.Zero}
	for _, r := range recs {
		stats.TotalCost = stats.TotalCost.Add(r.Cost)
		stats.TotalUnits += r.UnitsConsumed
		stats.TotalRequests++
	}
	if len(recs) > 10 {
		recs = recs[:10]
	}
	stats.RecentUsage = recs
	return stats, nil
}

func (ks *KeyService) findByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	ctx, cancel := context.WithTimeout(ctx, ks.storeTimeout)
	defer cancel()

	key, err := ks.store.FindByHash(ctx, keyHash)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, &InfraError{Op: "key lookup", Err: err}
	}
	return key, nil
}

func (ks *KeyService) countActive(ctx context.Context, userID uuid.UUID) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, ks.storeTimeout)
	defer cancel()

	count, err := ks.store.CountActiveKeys(ctx, userID)
	if err != nil {
		return 0, &InfraError{Op: "active key count", Err: err}
	}
	return count, nil
}

func (ks *KeyService) insert(ctx context.Context, key *models.APIKey) error {
	ctx, cancel := context.WithTimeout(ctx, ks.storeTimeout)
	defer cancel()

	if err := ks.store.Insert(ctx, key); err != nil {
		return &InfraError{Op: "key insert", Err: err}
	}
	return nil
}

// generateRawKey produces a new secret: the fixed prefix followed by a
// 256-bit random tail in hex.
func generateRawKey() (string, error) {
	buf := make([]byte, keySecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return KeyPrefix + hex.EncodeToString(buf), nil
}

// hashKey computes the one-way digest stored in place of the secret.
func hashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}
