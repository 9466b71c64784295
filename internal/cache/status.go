// Package cache holds the Redis-backed device status cache and the alert
// cooldown gate.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

const (
	DefaultStatusKeyPrefix = "botcareu:device:"
	statusSuffix           = ":status"
)

// DeviceLoader reads a device row on cache miss
type DeviceLoader interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*models.Device, error)
}

// StatusCache last known status per device
type StatusCache struct {
	client   *redis.Client
	prefix   string
	ttl      time.Duration
	fallback DeviceLoader
	logger   *zap.Logger
}

// NewStatusCache creates a status cache. fallback may be nil.
func NewStatusCache(client *redis.Client, prefix string, ttl time.Duration, fallback DeviceLoader, logger *zap.Logger) *StatusCache {
	if prefix == "" {
		prefix = DefaultStatusKeyPrefix
	}
	return &StatusCache{
		client:   client,
		prefix:   prefix,
		ttl:      ttl,
		fallback: fallback,
		logger:   logger,
	}
}

func (c *StatusCache) key(deviceID string) string {
	return c.prefix + deviceID + statusSuffix
}

// Set stores the status with the configured TTL
func (c *StatusCache) Set(ctx context.Context, status models.DeviceStatusUpdate) error {
	jsonData, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal device status: %w", err)
	}
	if err := c.client.Set(ctx, c.key(status.DeviceID), jsonData, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set device status: %w", err)
	}
	return nil
}

// GetStatus returns the cached status, loading and caching the device row on
// a miss. (nil, nil) means nothing is known about the device.
func (c *StatusCache) GetStatus(ctx context.Context, deviceID string) (*models.DeviceStatusUpdate, error) {
	val, err := c.client.Get(ctx, c.key(deviceID)).Bytes()
	if err == nil {
		var status models.DeviceStatusUpdate
		if err := json.Unmarshal(val, &status); err != nil {
			return nil, fmt.Errorf("failed to unmarshal device status: %w", err)
		}
		return &status, nil
	}
	if err != redis.Nil {
		return nil, fmt.Errorf("failed to get device status: %w", err)
	}

	if c.fallback == nil {
		return nil, nil
	}
	d, err := c.fallback.GetByDeviceID(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	status := StatusFromDevice(*d)
	if err := c.Set(ctx, status); err != nil {
		c.logger.Warn("Failed to warm status cache", zap.String("device_id", deviceID), zap.Error(err))
	}
	return &status, nil
}

// StatusFromDevice status event for a device row
func StatusFromDevice(d models.Device) models.DeviceStatusUpdate {
	return models.DeviceStatusUpdate{
		DeviceID:       d.DeviceID,
		Status:         d.Status,
		BatteryLevel:   d.BatteryLevel,
		SignalStrength: d.SignalStrength,
		LastSeen:       d.LastSeen,
		UpdatedAt:      d.UpdatedAt,
	}
}
