// internal/repository/reading_repository.go
package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"psu-service/internal/database"
	"psu-service/internal/model"
	"psu-service/internal/utils"
)

// readingRepository implements ReadingRepository on postgres
type readingRepository struct {
	db     *database.DB
	logger *utils.ServiceLogger
}

// NewReadingRepository creates a new reading repository
func NewReadingRepository(db *database.DB, logger *zap.Logger) ReadingRepository {
	return &readingRepository{
		db:     db,
		logger: utils.NewServiceLogger(logger, "reading-repository"),
	}
}

// Create inserts a reading, assigning an ID and timestamp when missing
func (r *readingRepository) Create(ctx context.Context, reading *model.Reading) error {
	if reading.ID == uuid.Nil {
		reading.ID = uuid.New()
	}
	if reading.RecordedAt.IsZero() {
		reading.RecordedAt = time.Now()
	}

	query := `
		INSERT INTO readings (
			id, port, identity, voltage_set, current_set,
			voltage_out, current_out, status, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	start := time.Now()
	_, err := r.db.ExecContext(ctx, query,
		reading.ID, reading.Port, reading.Identity, reading.VoltageSet, reading.CurrentSet,
		reading.VoltageOut, reading.CurrentOut, reading.Status, reading.RecordedAt,
	)
	r.logger.LogDatabaseQuery("insert reading", time.Since(start), err)
	if err != nil {
		return fmt.Errorf("failed to create reading: %w", err)
	}
	return nil
}

// List returns readings newest first
func (r *readingRepository) List(ctx context.Context, filter *model.ReadingFilter) ([]*model.Reading, error) {
	query, args := buildListQuery(filter)

	start := time.Now()
	rows, err := r.db.QueryContext(ctx, query, args...)
	r.logger.LogDatabaseQuery("list readings", time.Since(start), err)
	if err != nil {
		return nil, fmt.Errorf("failed to list readings: %w", err)
	}
	defer rows.Close()

	var readings []*model.Reading
	for rows.Next() {
		reading := &model.Reading{}
		if err := rows.Scan(
			&reading.ID, &reading.Port, &reading.Identity, &reading.VoltageSet, &reading.CurrentSet,
			&reading.VoltageOut, &reading.CurrentOut, &reading.Status, &reading.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan reading: %w", err)
		}
		readings = append(readings, reading)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate readings: %w", err)
	}
	return readings, nil
}

// DeleteOlderThan removes readings recorded before olderThan
func (r *readingRepository) DeleteOlderThan(ctx context.Context, olderThan time.Time) (int64, error) {
	start := time.Now()
	result, err := r.db.ExecContext(ctx, `DELETE FROM readings WHERE recorded_at < $1`, olderThan)
	r.logger.LogDatabaseQuery("delete old readings", time.Since(start), err)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old readings: %w", err)
	}
	return result.RowsAffected()
}

func buildListQuery(filter *model.ReadingFilter) (string, []interface{}) {
	if filter == nil {
		filter = &model.ReadingFilter{}
	}

	whereConditions := []string{}
	args := []interface{}{}
	argIndex := 1

	if filter.Port != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("port = $%d", argIndex))
		args = append(args, *filter.Port)
		argIndex++
	}
	if filter.Since != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("recorded_at >= $%d", argIndex))
		args = append(args, *filter.Since)
		argIndex++
	}
	if filter.Until != nil {
		whereConditions = append(whereConditions, fmt.Sprintf("recorded_at < $%d", argIndex))
		args = append(args, *filter.Until)
		argIndex++
	}

	whereClause := ""
	if len(whereConditions) > 0 {
		whereClause = " WHERE " + strings.Join(whereConditions, " AND ")
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	args = append(args, limit)

	query := "SELECT id, port, identity, voltage_set, current_set, voltage_out, current_out, status, recorded_at" +
		" FROM readings" + whereClause +
		fmt.Sprintf(" ORDER BY recorded_at DESC LIMIT $%d", argIndex)
	return query, args
}
