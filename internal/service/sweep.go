package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/cache"
	"github.com/Krx-21/BotCareU-sub001/internal/dispatcher"
	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

// SweepConfig offline detection tuning
type SweepConfig struct {
	Interval     time.Duration
	OfflineAfter time.Duration
}

// OfflineSweep marks devices offline once their heartbeats stop
type OfflineSweep struct {
	cfg         SweepConfig
	devices     DeviceStore
	statuses    StatusCache
	notifier    Notifier
	broadcaster Broadcaster
	logger      *zap.Logger

	now func() time.Time
}

// NewOfflineSweep creates a sweep
func NewOfflineSweep(cfg SweepConfig, devices DeviceStore, statuses StatusCache, notifier Notifier, broadcaster Broadcaster, logger *zap.Logger) *OfflineSweep {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.OfflineAfter <= 0 {
		cfg.OfflineAfter = 90 * time.Second
	}
	return &OfflineSweep{
		cfg:         cfg,
		devices:     devices,
		statuses:    statuses,
		notifier:    notifier,
		broadcaster: broadcaster,
		logger:      logger,
		now:         time.Now,
	}
}

// Run schedules the sweep until ctx is done
func (s *OfflineSweep) Run(ctx context.Context) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.cfg.Interval),
		gocron.NewTask(func() {
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error("Offline sweep failed", zap.Error(err))
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule offline sweep: %w", err)
	}

	s.logger.Info("Offline sweep started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("offline_after", s.cfg.OfflineAfter),
	)
	scheduler.Start()

	<-ctx.Done()
	return scheduler.Shutdown()
}

// Sweep flips stale devices offline once and returns how many changed
func (s *OfflineSweep) Sweep(ctx context.Context) (int, error) {
	now := s.now().UTC()
	stale, err := s.devices.MarkStaleOffline(ctx, now.Add(-s.cfg.OfflineAfter), now)
	if err != nil {
		return 0, err
	}

	for _, d := range stale {
		update := cache.StatusFromDevice(d)
		if err := s.statuses.Set(ctx, update); err != nil {
			s.logger.Warn("Failed to cache status", zap.String("device_id", d.DeviceID), zap.Error(err))
		}
		s.broadcaster.Publish(update)

		id, err := s.notifier.Enqueue(ctx, dispatcher.Request{
			UserID:   d.UserID,
			DeviceID: d.DeviceID,
			Type:     models.NotificationDeviceOffline,
			Priority: models.PriorityHigh,
			Title:    "Device offline",
			Message:  fmt.Sprintf("%s has not reported since %s", deviceName(d), d.LastSeen.Format(time.RFC3339)),
			Data: map[string]interface{}{
				"last_seen": d.LastSeen.Format(time.RFC3339),
			},
		})
		if err != nil {
			s.logger.Error("Failed to dispatch device offline",
				zap.String("device_id", d.DeviceID),
				zap.Error(err),
			)
			continue
		}
		s.logger.Info("Device went offline",
			zap.String("device_id", d.DeviceID),
			zap.String("notification_id", id),
		)
	}
	return len(stale), nil
}

func deviceName(d models.Device) string {
	if d.Name != "" {
		return d.Name
	}
	return d.DeviceID
}
