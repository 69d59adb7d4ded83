package services

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentrouter/backend/src/models"
	"github.com/agentrouter/backend/src/repositories/mock"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func seedKey(store *mock.KeyStore, userID *uuid.UUID, plan models.Plan, limit, used int) *models.APIKey {
	key := &models.APIKey{
		ID:         uuid.New(),
		UserID:     userID,
		KeyHash:    "hash-" + uuid.New().String(),
		KeyPrefix:  "ar_000000000",
		Name:       "seeded",
		Plan:       plan,
		UsageLimit: limit,
		UsageCount: used,
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}
	store.Seed(key)
	return key
}

func TestMeterRecord_IncrementsAndAppends(t *testing.T) {
	store := mock.NewKeyStore()
	meter := NewUsageMeter(store, testLogger())
	key := seedKey(store, nil, models.PlanStarter, 1000, 0)

	err := meter.Record(context.Background(), key.ID, dec("0.002"), 1, "swift-mini", "/api/v1/route")
	require.NoError(t, err)

	stored := store.Key(key.ID)
	assert.Equal(t, 1, stored.UsageCount)
	assert.NotNil(t, stored.LastUsedAt)

	recs := store.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, key.ID, recs[0].APIKeyID)
	assert.Equal(t, 1, recs[0].UnitsConsumed)
	assert.Equal(t, "swift-mini", recs[0].ResourceUsed)
	assert.Equal(t, "/api/v1/route", recs[0].Endpoint)
	assert.True(t, recs[0].Cost.Equal(dec("0.002")))
}

func TestMeterRecord_NegativeInputsRejected(t *testing.T) {
	store := mock.NewKeyStore()
	meter := NewUsageMeter(store, testLogger())
	key := seedKey(store, nil, models.PlanStarter, 1000, 0)

	assert.Error(t, meter.Record(context.Background(), key.ID, dec("0.01"), -1, "m", "/e"))
	assert.Error(t, meter.Record(context.Background(), key.ID, dec("-0.01"), 1, "m", "/e"))
	assert.Equal(t, 0, store.CallCount("IncrementUsage"))
}

func TestMeterRecord_ConcurrentIncrementsAreNotLost(t *testing.T) {
	store := mock.NewKeyStore()
	meter := NewUsageMeter(store, testLogger())
	key := seedKey(store, nil, models.PlanPro, 5000, 0)

	const n = 50
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_ = meter.Record(context.Background(), key.ID, dec("0.001"), 1, "swift-mini", "/api/v1/route")
		}()
	}
	wg.Wait()

	assert.Equal(t, n, store.Key(key.ID).UsageCount)
	assert.Len(t, store.Records(), n)
}

func TestMeterRecord_AuditFailureDoesNotFailTheCall(t *testing.T) {
	store := mock.NewKeyStore()
	meter := NewUsageMeter(store, testLogger())
	key := seedKey(store, nil, models.PlanStarter, 1000, 0)

	store.AppendUsageRecordFunc = func(ctx context.Context, rec *models.UsageRecord) error {
		return errors.New("audit table unavailable")
	}

	err := meter.Record(context.Background(), key.ID, dec("0.002"), 1, "swift-mini", "/api/v1/route")
	assert.NoError(t, err)
	// The counter still moved
	assert.Equal(t, 1, store.Key(key.ID).UsageCount)
}

func TestMeterRecord_ConcurrentIncrementsSurvivePartialAuditFailures(t *testing.T) {
	store := mock.NewKeyStore()
	meter := NewUsageMeter(store, testLogger())
	key := seedKey(store, nil, models.PlanPro, 5000, 0)

	var calls int64
	var mu sync.Mutex
	store.AppendUsageRecordFunc = func(ctx context.Context, rec *models.UsageRecord) error {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n%2 == 0 {
			return errors.New("audit write lost")
		}
		return nil
	}

	const n = 40
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			assert.NoError(t, meter.Record(context.Background(), key.ID, dec("0.001"), 1, "swift-mini", "/api/v1/route"))
		}()
	}
	wg.Wait()

	assert.Equal(t, n, store.Key(key.ID).UsageCount)
}

func TestMeterRecord_IncrementFailureIsRaised(t *testing.T) {
	store := mock.NewKeyStore()
	meter := NewUsageMeter(store, testLogger())
	key := seedKey(store, nil, models.PlanStarter, 1000, 0)

	store.IncrementUsageFunc = func(ctx context.Context, id uuid.UUID, units int, usedAt time.Time) error {
		return errors.New("connection reset")
	}

	err := meter.Record(context.Background(), key.ID, dec("0.002"), 1, "swift-mini", "/api/v1/route")

	var meterErr *MeterError
	require.True(t, errors.As(err, &meterErr))
	assert.Equal(t, key.ID.String(), meterErr.APIKeyID)

	// The audit append is still attempted independently
	assert.Equal(t, 1, store.CallCount("AppendUsageRecord"))
}
