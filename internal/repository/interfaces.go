// internal/repository/interfaces.go
package repository

import (
	"context"
	"time"

	"psu-service/internal/model"
)

// ReadingRepository stores completed polling cycles
type ReadingRepository interface {
	Create(ctx context.Context, reading *model.Reading) error
	List(ctx context.Context, filter *model.ReadingFilter) ([]*model.Reading, error)
	DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error)
}

// Listing limits
const (
	DefaultListLimit = 100
	MaxListLimit     = 1000
)
