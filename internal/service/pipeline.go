// Package service wires firmware records through classification, storage,
// realtime fan-out and notification dispatch.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/classifier"
	"github.com/Krx-21/BotCareU-sub001/internal/dispatcher"
	"github.com/Krx-21/BotCareU-sub001/internal/metrics"
	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

// DeviceStore device rows
type DeviceStore interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*models.Device, error)
	UpdateStatus(ctx context.Context, report models.StatusReport) error
	Touch(ctx context.Context, deviceID string, at time.Time) error
	MarkStaleOffline(ctx context.Context, cutoff, now time.Time) ([]models.Device, error)
}

// ReadingStore persists classified readings
type ReadingStore interface {
	Insert(ctx context.Context, ev models.ClassifiedEvent) (string, error)
}

// StatusCache last known device status
type StatusCache interface {
	GetStatus(ctx context.Context, deviceID string) (*models.DeviceStatusUpdate, error)
	Set(ctx context.Context, status models.DeviceStatusUpdate) error
}

// AlertGate suppresses repeated alerts
type AlertGate interface {
	Allow(ctx context.Context, deviceID string, severity models.FeverSeverity) (bool, error)
}

// Notifier accepts notification requests for background delivery
type Notifier interface {
	Enqueue(ctx context.Context, req dispatcher.Request) (string, error)
}

// Broadcaster realtime fan-out; the gateway or the cross-instance relay
type Broadcaster interface {
	Publish(ev models.Event)
}

// PipelineConfig pipeline tuning
type PipelineConfig struct {
	LowBatteryPercent int
}

// Pipeline processes normalized firmware records
type Pipeline struct {
	cfg         PipelineConfig
	devices     DeviceStore
	readings    ReadingStore
	statuses    StatusCache
	gate        AlertGate
	notifier    Notifier
	broadcaster Broadcaster
	metrics     *metrics.Metrics
	logger      *zap.Logger
}

// NewPipeline creates a pipeline. gate may be nil.
func NewPipeline(
	cfg PipelineConfig,
	devices DeviceStore,
	readings ReadingStore,
	statuses StatusCache,
	gate AlertGate,
	notifier Notifier,
	broadcaster Broadcaster,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Pipeline {
	if cfg.LowBatteryPercent <= 0 {
		cfg.LowBatteryPercent = 20
	}
	return &Pipeline{
		cfg:         cfg,
		devices:     devices,
		readings:    readings,
		statuses:    statuses,
		gate:        gate,
		notifier:    notifier,
		broadcaster: broadcaster,
		metrics:     m,
		logger:      logger,
	}
}

// ProcessReading classifies r against the device threshold, stores it and
// fans it out. Fever readings also raise a fever:alert and, outside the
// cooldown window, a fever_alert notification.
func (p *Pipeline) ProcessReading(ctx context.Context, r models.Reading) error {
	device, err := p.devices.GetByDeviceID(ctx, r.DeviceID)
	if err != nil {
		return fmt.Errorf("failed to resolve device %s: %w", r.DeviceID, err)
	}
	if r.UserID == "" {
		r.UserID = device.UserID
	}

	threshold := classifier.DefaultThreshold
	if device.FeverThreshold != nil {
		threshold = *device.FeverThreshold
	}

	ev, err := classifier.Classify(r, threshold)
	if err != nil {
		p.metrics.Reading(false)
		return fmt.Errorf("device %s: %w", r.DeviceID, err)
	}
	p.metrics.Reading(true)

	if _, err := p.readings.Insert(ctx, ev); err != nil {
		p.logger.Error("Failed to store reading", zap.String("device_id", ev.DeviceID), zap.Error(err))
	}
	if err := p.devices.Touch(ctx, ev.DeviceID, ev.Timestamp); err != nil {
		p.logger.Warn("Failed to touch device", zap.String("device_id", ev.DeviceID), zap.Error(err))
	}

	p.broadcaster.Publish(models.NewTemperatureUpdate(ev))
	if !ev.FeverDetected {
		return nil
	}

	p.metrics.FeverAlert(string(ev.FeverSeverity))
	p.broadcaster.Publish(models.FeverAlert{ClassifiedEvent: ev})

	if p.gate != nil {
		allowed, err := p.gate.Allow(ctx, ev.DeviceID, ev.FeverSeverity)
		if err != nil {
			// a broken gate must not swallow the alert
			p.logger.Warn("Alert cooldown unavailable", zap.String("device_id", ev.DeviceID), zap.Error(err))
		} else if !allowed {
			p.logger.Debug("Fever alert suppressed by cooldown",
				zap.String("device_id", ev.DeviceID),
				zap.String("severity", string(ev.FeverSeverity)),
			)
			return nil
		}
	}

	id, err := p.notifier.Enqueue(ctx, dispatcher.Request{
		UserID:   ev.UserID,
		DeviceID: ev.DeviceID,
		Type:     models.NotificationFeverAlert,
		Priority: classifier.PriorityFor(ev.FeverSeverity),
		Title:    fmt.Sprintf("Fever detected (%s)", ev.FeverSeverity),
		Message:  fmt.Sprintf("%s measured %.1f°C, above the %.1f°C threshold", deviceName(*device), ev.Temperature, ev.Threshold),
		Data: map[string]interface{}{
			"temperature":      ev.Temperature,
			"threshold":        ev.Threshold,
			"fever_severity":   string(ev.FeverSeverity),
			"measurement_type": string(ev.Channel),
			"timestamp":        ev.Timestamp.Format(time.RFC3339),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to dispatch fever alert: %w", err)
	}

	p.logger.Info("Fever alert dispatched",
		zap.String("device_id", ev.DeviceID),
		zap.String("notification_id", id),
		zap.Float64("temperature", ev.Temperature),
		zap.String("severity", string(ev.FeverSeverity)),
	)
	return nil
}

// ProcessStatus applies a heartbeat: device row, status cache, device:status
// fan-out, and low_battery when the level drops below the threshold
func (p *Pipeline) ProcessStatus(ctx context.Context, report models.StatusReport) error {
	if !report.Status.Valid() {
		return fmt.Errorf("device %s: invalid status %q", report.DeviceID, report.Status)
	}
	if report.ReportedAt.IsZero() {
		report.ReportedAt = time.Now().UTC()
	}

	prev, err := p.statuses.GetStatus(ctx, report.DeviceID)
	if err != nil {
		p.logger.Warn("Failed to read cached status", zap.String("device_id", report.DeviceID), zap.Error(err))
	}

	if err := p.devices.UpdateStatus(ctx, report); err != nil {
		return err
	}

	update := models.DeviceStatusUpdate{
		DeviceID:       report.DeviceID,
		Status:         report.Status,
		BatteryLevel:   report.BatteryLevel,
		SignalStrength: report.SignalStrength,
		LastSeen:       report.ReportedAt,
		UpdatedAt:      report.ReportedAt,
	}
	if update.BatteryLevel == nil && prev != nil {
		update.BatteryLevel = prev.BatteryLevel
	}
	if update.SignalStrength == nil && prev != nil {
		update.SignalStrength = prev.SignalStrength
	}
	if err := p.statuses.Set(ctx, update); err != nil {
		p.logger.Warn("Failed to cache status", zap.String("device_id", report.DeviceID), zap.Error(err))
	}
	p.broadcaster.Publish(update)

	if !p.crossedLowBattery(prev, report.BatteryLevel) {
		return nil
	}
	userID := report.UserID
	if userID == "" {
		d, err := p.devices.GetByDeviceID(ctx, report.DeviceID)
		if err != nil {
			return fmt.Errorf("failed to resolve device owner: %w", err)
		}
		userID = d.UserID
	}
	_, err = p.notifier.Enqueue(ctx, dispatcher.Request{
		UserID:   userID,
		DeviceID: report.DeviceID,
		Type:     models.NotificationLowBattery,
		Priority: models.PriorityNormal,
		Title:    "Low battery",
		Message:  fmt.Sprintf("%s battery is at %d%%", report.DeviceID, *report.BatteryLevel),
		Data:     map[string]interface{}{"battery_level": *report.BatteryLevel},
	})
	if err != nil {
		return fmt.Errorf("failed to dispatch low battery: %w", err)
	}
	return nil
}

func (p *Pipeline) crossedLowBattery(prev *models.DeviceStatusUpdate, level *int) bool {
	if level == nil || *level >= p.cfg.LowBatteryPercent {
		return false
	}
	return prev == nil || prev.BatteryLevel == nil || *prev.BatteryLevel >= p.cfg.LowBatteryPercent
}
