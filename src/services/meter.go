package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/agentrouter/backend/src/models"
	"github.com/agentrouter/backend/src/repositories"
)

// UsageMeter records consumption after a protected operation completes: it
// moves the key's usage counter and appends an audit line. It is the only
// component that mutates usage_count.
type UsageMeter struct {
	store        repositories.KeyStore
	logger       zerolog.Logger
	storeTimeout time.Duration
}

// NewUsageMeter creates a new usage meter.
func NewUsageMeter(store repositories.KeyStore, logger zerolog.Logger) *UsageMeter {
	return &UsageMeter{
		store:        store,
		logger:       logger,
		storeTimeout: defaultStoreTimeout,
	}
}

// Record adds units to the key's usage counter and appends an audit record.
// The two writes have different criticality: a failed increment is raised as
// MeterError because quota enforcement depends on the counter, while a
// failed audit append is logged and swallowed — losing one audit line never
// blocks a request that otherwise succeeded. The append is attempted
// regardless of the increment's outcome.
//
// The meter does no deduplication; callers invoke it exactly once per unit
// of work.
func (m *UsageMeter) Record(ctx context.Context, keyID uuid.UUID, cost decimal.Decimal, units int, resource, endpoint string) error {
	if units < 0 {
		return fmt.Errorf("units must not be negative: %d", units)
	}
	if cost.IsNegative() {
		return fmt.Errorf("cost must not be negative: %s", cost)
	}

	now := time.Now().UTC()

	incErr := m.increment(ctx, keyID, units, now)

	rec := &models.UsageRecord{
		ID:            uuid.New(),
		APIKeyID:      keyID,
		Endpoint:      endpoint,
		Cost:          cost,
		UnitsConsumed: units,
		ResourceUsed:  resource,
		CreatedAt:     now,
	}
	if err := m.append(ctx, rec); err != nil {
		m.logger.Error().
			Err(err).
			Str("api_key_id", keyID.String()).
			Str("endpoint", endpoint).
			Str("resource", resource).
			Msg("failed to append usage record")
	}

	if incErr != nil {
		return &MeterError{APIKeyID: keyID.String(), Err: incErr}
	}
	return nil
}

func (m *UsageMeter) increment(ctx context.Context, keyID uuid.UUID, units int, now time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	return m.store.IncrementUsage(ctx, keyID, units, now)
}

func (m *UsageMeter) append(ctx context.Context, rec *models.UsageRecord) error {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	return m.store.AppendUsageRecord(ctx, rec)
}
