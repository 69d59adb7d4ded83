package mock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentrouter/backend/src/models"
	"github.com/agentrouter/backend/src/repositories"
)

// KeyStore is a mock implementation of repositories.KeyStore. Each method
// records its invocation in Calls and delegates to the matching Func stub
// when one is set; otherwise it falls back to a thread-safe in-memory store,
// which is enough for most service tests.
type KeyStore struct {
	FindByHashFunc        func(ctx context.Context, keyHash string) (*models.APIKey, error)
	InsertFunc            func(ctx context.Context, key *models.APIKey) error
	UpdateActiveFunc      func(ctx context.Context, id uuid.UUID, userID *uuid.UUID, active bool) error
	CountActiveKeysFunc   func(ctx context.Context, userID uuid.UUID) (int, error)
	SumUsageFunc          func(ctx context.Context, userID uuid.UUID) (int, error)
	IncrementUsageFunc    func(ctx context.Context, id uuid.UUID, units int, usedAt time.Time) error
	AppendUsageRecordFunc func(ctx context.Context, rec *models.UsageRecord) error
	ListByUserFunc        func(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error)
	RecentUsageFunc       func(ctx context.Context, keyID uuid.UUID, limit int) ([]*models.UsageRecord, error)

	// Call tracking, guarded by mu
	Calls map[string][]interface{}

	mu      sync.Mutex
	keys    map[uuid.UUID]*models.APIKey
	records []*models.UsageRecord
}

// NewKeyStore creates an empty mock key store.
func NewKeyStore() *KeyStore {
	return &KeyStore{
		Calls: make(map[string][]interface{}),
		keys:  make(map[uuid.UUID]*models.APIKey),
	}
}

// CallCount returns how many times the named method was invoked.
func (m *KeyStore) CallCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls[method])
}

// Seed places a key directly into the in-memory store.
func (m *KeyStore) Seed(key *models.APIKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.keys[key.ID] = &cp
}

// Key returns a copy of a seeded key's current state.
func (m *KeyStore) Key(id uuid.UUID) *models.APIKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	if k, ok := m.keys[id]; ok {
		cp := *k
		return &cp
	}
	return nil
}

// Records returns the audit lines appended so far.
func (m *KeyStore) Records() []*models.UsageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.UsageRecord, len(m.records))
	copy(out, m.records)
	return out
}

func (m *KeyStore) track(method string, args interface{}) {
	m.mu.Lock()
	m.Calls[method] = append(m.Calls[method], args)
	m.mu.Unlock()
}

func (m *KeyStore) FindByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	m.track("FindByHash", keyHash)
	if m.FindByHashFunc != nil {
		return m.FindByHashFunc(ctx, keyHash)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.KeyHash == keyHash {
			cp := *k
			return &cp, nil
		}
	}
	return nil, repositories.ErrNotFound
}

func (m *KeyStore) Insert(ctx context.Context, key *models.APIKey) error {
	m.track("Insert", key)
	if m.InsertFunc != nil {
		return m.InsertFunc(ctx, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.keys[key.ID] = &cp
	return nil
}

func (m *KeyStore) UpdateActive(ctx context.Context, id uuid.UUID, userID *uuid.UUID, active bool) error {
	m.track("UpdateActive", []interface{}{id, userID, active})
	if m.UpdateActiveFunc != nil {
		return m.UpdateActiveFunc(ctx, id, userID, active)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return repositories.ErrNotFound
	}
	if userID != nil && (k.UserID == nil || *k.UserID != *userID) {
		return repositories.ErrNotFound
	}
	k.IsActive = active
	return nil
}

func (m *KeyStore) CountActiveKeys(ctx context.Context, userID uuid.UUID) (int, error) {
	m.track("CountActiveKeys", userID)
	if m.CountActiveKeysFunc != nil {
		return m.CountActiveKeysFunc(ctx, userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, k := range m.keys {
		if k.IsActive && k.UserID != nil && *k.UserID == userID {
			count++
		}
	}
	return count, nil
}

func (m *KeyStore) SumUsage(ctx context.Context, userID uuid.UUID) (int, error) {
	m.track("SumUsage", userID)
	if m.SumUsageFunc != nil {
		return m.SumUsageFunc(ctx, userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sum := 0
	for _, k := range m.keys {
		if k.IsActive && k.UserID != nil && *k.UserID == userID {
			sum += k.UsageCount
		}
	}
	return sum, nil
}

func (m *KeyStore) IncrementUsage(ctx context.Context, id uuid.UUID, units int, usedAt time.Time) error {
	m.track("IncrementUsage", []interface{}{id, units, usedAt})
	if m.IncrementUsageFunc != nil {
		return m.IncrementUsageFunc(ctx, id, units, usedAt)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return repositories.ErrNotFound
	}
	k.UsageCount += units
	t := usedAt
	k.LastUsedAt = &t
	return nil
}

func (m *KeyStore) AppendUsageRecord(ctx context.Context, rec *models.UsageRecord) error {
	m.track("AppendUsageRecord", rec)
	if m.AppendUsageRecordFunc != nil {
		return m.AppendUsageRecordFunc(ctx, rec)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	m.records = append(m.records, &cp)
	return nil
}

func (m *KeyStore) ListByUser(ctx context.Context, userID uuid.UUID) ([]*models.APIKey, error) {
	m.track("ListByUser", userID)
	if m.ListByUserFunc != nil {
		return m.ListByUserFunc(ctx, userID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []*models.APIKey
	for _, k := range m.keys {
		if k.UserID != nil && *k.UserID == userID {
			cp := *k
			keys = append(keys, &cp)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (m *KeyStore) RecentUsage(ctx context.Context, keyID uuid.UUID, limit int) ([]*models.UsageRecord, error) {
	m.track("RecentUsage", []interface{}{keyID, limit})
	if m.RecentUsageFunc != nil {
		return m.RecentUsageFunc(ctx, keyID, limit)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []*models.UsageRecord
	for i := len(m.records) - 1; i >= 0 && len(recs) < limit; i-- {
		if m.records[i].APIKeyID == keyID {
			cp := *m.records[i]
			recs = append(recs, &cp)
		}
	}
	return recs, nil
}

// Ensure KeyStore implements the interface
var _ repositories.KeyStore = (*KeyStore)(nil)
