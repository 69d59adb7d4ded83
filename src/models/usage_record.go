package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// UsageRecord is one immutable audit line describing a metered unit of work.
// Records are append-only; nothing in the service updates or deletes them.
type UsageRecord struct {
	ID            uuid.UUID       `json:"id"`
	APIKeyID      uuid.UUID       `json:"api_key_id"`
	Endpoint      string          `json:"endpoint"`
	Cost          decimal.Decimal `json:"cost"`
	UnitsConsumed int             `json:"units_consumed"`
	ResourceUsed  string          `json:"resource_used"`
	CreatedAt     time.Time       `json:"created_at"`
}
