package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

var ErrNotFound = errors.New("not found")

// DeviceRepository devices table; also the device registry for room joins
type DeviceRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceRepository creates a device repository
func NewDeviceRepository(db *sql.DB, logger *zap.Logger) *DeviceRepository {
	return &DeviceRepository{
		db:     db,
		logger: logger,
	}
}

const deviceColumns = `id, device_id, user_id, COALESCE(name, ''), status, battery_level, signal_strength, fever_threshold, last_seen, updated_at`

func scanDevice(row interface{ Scan(...interface{}) error }) (*models.Device, error) {
	var d models.Device
	var battery, signal sql.NullInt64
	var threshold sql.NullFloat64
	var lastSeen sql.NullTime

	if err := row.Scan(
		&d.ID,
		&d.DeviceID,
		&d.UserID,
		&d.Name,
		&d.Status,
		&battery,
		&signal,
		&threshold,
		&lastSeen,
		&d.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if battery.Valid {
		v := int(battery.Int64)
		d.BatteryLevel = &v
	}
	if signal.Valid {
		v := int(signal.Int64)
		d.SignalStrength = &v
	}
	if threshold.Valid {
		v := threshold.Float64
		d.FeverThreshold = &v
	}
	if lastSeen.Valid {
		d.LastSeen = lastSeen.Time
	}
	return &d, nil
}

// GetByDeviceID looks a device up by hardware id
func (r *DeviceRepository) GetByDeviceID(ctx context.Context, deviceID string) (*models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE device_id = $1`

	d, err := scanDevice(r.db.QueryRowContext(ctx, query, deviceID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("device %s: %w", deviceID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return d, nil
}

// ListByUser devices owned by userID
func (r *DeviceRepository) ListByUser(ctx context.Context, userID string) ([]models.Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE user_id = $1 ORDER BY device_id`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	devices := []models.Device{}
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate devices: %w", err)
	}
	return devices, nil
}

// OwnsDevice reports whether userID owns deviceID
func (r *DeviceRepository) OwnsDevice(ctx context.Context, userID, deviceID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM devices WHERE device_id = $1 AND user_id = $2)`

	var owns bool
	if err := r.db.QueryRowContext(ctx, query, deviceID, userID).Scan(&owns); err != nil {
		return false, fmt.Errorf("failed to check device ownership: %w", err)
	}
	return owns, nil
}

// UpdateStatus applies a heartbeat. Nil battery/signal keep the stored value.
func (r *DeviceRepository) UpdateStatus(ctx context.Context, report models.StatusReport) error {
	query := `
		UPDATE devices SET
			status = $2,
			battery_level = COALESCE($3, battery_level),
			signal_strength = COALESCE($4, signal_strength),
			last_seen = $5,
			updated_at = $5
		WHERE device_id = $1
	`

	res, err := r.db.ExecContext(ctx, query,
		report.DeviceID,
		string(report.Status),
		nullInt(report.BatteryLevel),
		nullInt(report.SignalStrength),
		report.ReportedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update device status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("device %s: %w", report.DeviceID, ErrNotFound)
	}
	return nil
}

// Touch records that a device was seen
func (r *DeviceRepository) Touch(ctx context.Context, deviceID string, at time.Time) error {
	query := `
		UPDATE devices SET
			last_seen = $2,
			status = CASE WHEN status = 'offline' THEN 'online' ELSE status END,
			updated_at = $2
		WHERE device_id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, deviceID, at); err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}

// MarkStaleOffline flips every device not seen since cutoff to offline and
// returns the rows it changed
func (r *DeviceRepository) MarkStaleOffline(ctx context.Context, cutoff, now time.Time) ([]models.Device, error) {
	query := `
		UPDATE devices SET status = 'offline', updated_at = $2
		WHERE status <> 'offline' AND last_seen < $1
		RETURNING ` + deviceColumns

	rows, err := r.db.QueryContext(ctx, query, cutoff, now)
	if err != nil {
		return nil, fmt.Errorf("failed to mark stale devices offline: %w", err)
	}
	defer rows.Close()

	var devices []models.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, *d)
	}
	return devices, rows.Err()
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
