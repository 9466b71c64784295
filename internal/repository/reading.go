package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

// ReadingRepository temperature_readings table
type ReadingRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewReadingRepository creates a reading repository
func NewReadingRepository(db *sql.DB, logger *zap.Logger) *ReadingRepository {
	return &ReadingRepository{
		db:     db,
		logger: logger,
	}
}

// Insert stores a classified reading and returns its id
func (r *ReadingRepository) Insert(ctx context.Context, ev models.ClassifiedEvent) (string, error) {
	id := uuid.New().String()
	query := `
		INSERT INTO temperature_readings (
			id, device_id, user_id, temperature, measurement_type,
			threshold, fever_detected, fever_severity, recorded_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	_, err := r.db.ExecContext(ctx, query,
		id,
		ev.DeviceID,
		ev.UserID,
		ev.Temperature,
		string(ev.Channel),
		ev.Threshold,
		ev.FeverDetected,
		string(ev.FeverSeverity),
		ev.Timestamp,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert reading: %w", err)
	}
	return id, nil
}
