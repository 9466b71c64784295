package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

func TestReadingInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewReadingRepository(db, zap.NewNop())

	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	ev := models.ClassifiedEvent{
		Reading: models.Reading{
			DeviceID:    "D1",
			UserID:      "alice",
			Temperature: 38.6,
			Channel:     models.MeasurementInfrared,
			Timestamp:   at,
			Valid:       true,
		},
		Threshold:     37.5,
		FeverDetected: true,
		FeverSeverity: models.SeverityHigh,
	}

	mock.ExpectExec(`INSERT INTO temperature_readings`).
		WithArgs(sqlmock.AnyArg(), "D1", "alice", 38.6, string(models.MeasurementInfrared), 37.5, true, string(models.SeverityHigh), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO temperature_readings`).
		WillReturnError(errors.New("connection reset"))

	id, err := repo.Insert(context.Background(), ev)
	require.NoError(t, err)
	assert.Len(t, id, 36)

	_, err = repo.Insert(context.Background(), ev)
	assert.Error(t, err)

	require.NoError(t, mock.ExpectationsWereMet())
}
