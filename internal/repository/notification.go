package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

// NotificationRepository notifications table. Delivery state is written by
// the dispatcher, read/archive flags by the owning user.
type NotificationRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewNotificationRepository creates a notification repository
func NewNotificationRepository(db *sql.DB, logger *zap.Logger) *NotificationRepository {
	return &NotificationRepository{
		db:     db,
		logger: logger,
	}
}

const notificationColumns = `id, user_id, COALESCE(device_id, ''), type, priority, title, message, data, channels, delivery,
	retry_count, max_retries, is_read, is_archived, created_at, updated_at`

// Create inserts a new notification
func (r *NotificationRepository) Create(ctx context.Context, n models.Notification) error {
	data, channels, delivery, err := marshalNotificationJSON(n)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO notifications (
			id, user_id, device_id, type, priority, title, message, data, channels, delivery,
			retry_count, max_retries, is_read, is_archived, created_at, updated_at
		) VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err = r.db.ExecContext(ctx, query,
		n.ID,
		n.UserID,
		n.DeviceID,
		string(n.Type),
		string(n.Priority),
		n.Title,
		n.Message,
		data,
		channels,
		delivery,
		n.RetryCount,
		n.MaxRetries,
		n.IsRead,
		n.IsArchived,
		n.CreatedAt,
		n.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// UpdateDelivery stores per-channel delivery state and retry count and
// returns the stored row, including the user's current read/archive flags.
// updated_at never moves backwards.
func (r *NotificationRepository) UpdateDelivery(ctx context.Context, n models.Notification) (*models.Notification, error) {
	delivery, err := json.Marshal(n.Delivery)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal delivery: %w", err)
	}

	query := `UPDATE notifications SET delivery = $2, retry_count = $3, updated_at = GREATEST(updated_at, $4)
		WHERE id = $1
		RETURNING ` + notificationColumns

	stored, err := scanNotification(r.db.QueryRowContext(ctx, query, n.ID, delivery, n.RetryCount, n.UpdatedAt))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("notification %s: %w", n.ID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to update delivery: %w", err)
	}
	return stored, nil
}

// ListFilter options for ListByUser
type ListFilter struct {
	IncludeArchived bool
	Limit           int
}

// ListByUser newest first
func (r *NotificationRepository) ListByUser(ctx context.Context, userID string, filter ListFilter) ([]models.Notification, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `SELECT ` + notificationColumns + ` FROM notifications
		WHERE user_id = $1 AND ($2 OR NOT is_archived)
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, userID, filter.IncludeArchived, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	out := []models.Notification{}
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}
	return out, nil
}

// MarkRead sets is_read for a notification owned by userID
func (r *NotificationRepository) MarkRead(ctx context.Context, userID, id string, at time.Time) (*models.Notification, error) {
	return r.setFlag(ctx, `is_read = TRUE`, userID, id, at)
}

// Archive sets is_archived for a notification owned by userID
func (r *NotificationRepository) Archive(ctx context.Context, userID, id string, at time.Time) (*models.Notification, error) {
	return r.setFlag(ctx, `is_archived = TRUE`, userID, id, at)
}

func (r *NotificationRepository) setFlag(ctx context.Context, set, userID, id string, at time.Time) (*models.Notification, error) {
	query := `UPDATE notifications SET ` + set + `, updated_at = $3
		WHERE id = $1 AND user_id = $2
		RETURNING ` + notificationColumns

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id, userID, at))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("notification %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return n, nil
}

func scanNotification(row interface{ Scan(...interface{}) error }) (*models.Notification, error) {
	var n models.Notification
	var data, channels, delivery []byte

	if err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.DeviceID,
		&n.Type,
		&n.Priority,
		&n.Title,
		&n.Message,
		&data,
		&channels,
		&delivery,
		&n.RetryCount,
		&n.MaxRetries,
		&n.IsRead,
		&n.IsArchived,
		&n.CreatedAt,
		&n.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan notification: %w", err)
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &n.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal data: %w", err)
		}
	}
	if len(channels) > 0 {
		if err := json.Unmarshal(channels, &n.Channels); err != nil {
			return nil, fmt.Errorf("failed to unmarshal channels: %w", err)
		}
	}
	if len(delivery) > 0 {
		if err := json.Unmarshal(delivery, &n.Delivery); err != nil {
			return nil, fmt.Errorf("failed to unmarshal delivery: %w", err)
		}
	}
	return &n, nil
}

func marshalNotificationJSON(n models.Notification) (data, channels, delivery []byte, err error) {
	if n.Data == nil {
		data = []byte(`{}`)
	} else if data, err = json.Marshal(n.Data); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	if channels, err = json.Marshal(n.Channels); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal channels: %w", err)
	}
	if delivery, err = json.Marshal(n.Delivery); err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal delivery: %w", err)
	}
	return data, channels, delivery, nil
}
