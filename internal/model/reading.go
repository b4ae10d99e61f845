// internal/model/reading.go
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Reading is one completed polling cycle
type Reading struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	Port       string          `json:"port" db:"port"`
	Identity   string          `json:"identity" db:"identity"`
	VoltageSet decimal.Decimal `json:"voltage_set" db:"voltage_set"`
	CurrentSet decimal.Decimal `json:"current_set" db:"current_set"`
	VoltageOut decimal.Decimal `json:"voltage_out" db:"voltage_out"`
	CurrentOut decimal.Decimal `json:"current_out" db:"current_out"`
	Status     *int16          `json:"status,omitempty" db:"status"`
	RecordedAt time.Time       `json:"recorded_at" db:"recorded_at"`
}

// Power returns the delivered power in watts
func (r *Reading) Power() decimal.Decimal {
	return r.VoltageOut.Mul(r.CurrentOut).Round(3)
}

// ReadingFilter represents reading history filters
type ReadingFilter struct {
	Port  *string    `json:"port,omitempty"`
	Since *time.Time `json:"since,omitempty"`
	Until *time.Time `json:"until,omitempty"`
	Limit int        `json:"limit"`
}
