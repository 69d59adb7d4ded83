package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentrouter/backend/src/models"
	"github.com/agentrouter/backend/src/repositories"
)

// KeyStore is the pgx-backed implementation of repositories.KeyStore.
type KeyStore struct {
	pool *pgxpool.Pool
}

// NewKeyStore creates a key store backed by the given connection pool.
func NewKeyStore(pool *pgxpool.Pool) *KeyStore {
	return &KeyStore{pool: pool}
}

const keyColumns = `id, user_id, key_hash, key_prefix, name, plan, usage_limit, usage_count, is_active, created_at, last_used_at, expires_at`

func scanKey(row pgx.Row) (*models.APIKey, error) {
	var k models.APIKey
	err := row.Scan(
		&k.ID, &k.UserID, &k.KeyHash, &k.KeyPrefix, &k.Name, &k.Plan,
		&k.UsageLimit, &k.UsageCount, &k.IsActive, &k.CreatedAt,
		&k.LastUsedAt, &k.ExpiresAt,
	)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

// FindByHash resolves a key record by the digest of its secret.
func (s *KeyStore) FindByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	key, err := scanKey(s.pool.QueryRow(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = $1`,
		keyHash,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to query key by hash: %w", err)
	}
	return key, nil
}

// Insert persists a freshly issued key.
func (s *KeyStore) Insert(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_keys (id, user_id, key_hash, key_prefix, name, plan, usage_limit, usage_count, is_active, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, key.ID, key.UserID, key.KeyHash, key.KeyPrefix, key.Name, key.Plan,
		key.UsageLimit, key.UsageCount, key.IsActive, key.CreatedAt, key.ExpiresAt)
	if err != nil {
		return fmt.Errorf("failed to insert API key: %w", err)
	}
	return nil
}

// UpdateActive flips a key's is_active flag, scoped to its owner so one
// account cannot deactivate another account's keys.
func (s *KeyStore) UpdateActive(ctx context.Context, id uuid.UUID, userID *uuid.UUID, active bool) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET is_active = $1
		WHERE id = $2 AND ($3::uuid IS NULL OR user_id = $3)
	`, active, id, userID)
	if err != nil {
		return fmt.Errorf("failed to update key status: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repositories.ErrNotFound
	}
	return nil
}

// CountActiveKeys returns how many active keys the owner currently holds.
func (s *KeyStore) CountActiveKeys(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE user_id = $1 AND is_active = true`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count active keys: %w", err)
	}
	return count, nil
}

// SumUsage returns the aggregate usage_count across the owner's active keys.
func (s *KeyStore) SumUsage(ctx context.Context, userID uuid.UUID) (int, error) {
	var sum int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(usage_count), 0) FROM api_keys WHERE user_id = $1 AND is_active = true`,
		userID,
	).Scan(&sum)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return sum, nil
}

// IncrementUsage adds units to a key's counter as a single atomic update.
// Read-then-write here would lose updates under concurrent requests.
func (s *KeyStore) IncrementUsage(ctx context.Context, id uuid.UUID, units int, usedAt time.Time) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET usage_count = usage_count + $1, last_used_at = $2 WHERE id = $3
	`, units, usedAt, id)
	if err != nil {
		return fmt.Errorf("failed to increment usage: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repositories.ErrNotFound
	}
	return nil
}

// AppendUsageRecord writes one immutable audit line.
func (s *KeyStore) AppendUsageRecord(ctx context.Context, rec *models.UsageRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO api_key_usage (id, api_key_id, endpoint, cost, units_consumed, resource_used, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, rec.ID, rec.APIKeyID, rec.Endpoint, rec.Cost, rec.UnitsConsumed, rec.ResourceUsed, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append usage record: %w", err)
	}
	return nil
}

// ListByUser returns the owner's keys, newest first.
func (s *KeyStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE user_id = $1 ORDER BY created_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RecentUsage returns up to limit audit records for a key, newest first.
func (s *KeyStore) RecentUsage(ctx context.Context, keyID uuid.UUID, limit int) ([]*models.UsageRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, api_key_id, endpoint, cost, units_consumed, resource_used, created_at
		FROM api_key_usage
		WHERE api_key_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, keyID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	var recs []*models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		if err := rows.Scan(&r.ID, &r.APIKeyID, &r.Endpoint, &r.Cost, &r.UnitsConsumed, &r.ResourceUsed, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		recs = append(recs, &r)
	}
	return recs, rows.Err()
}

// Ensure KeyStore implements the interface
var _ repositories.KeyStore = (*KeyStore)(nil)
