package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

const DefaultCooldownKeyPrefix = "botcareu:cooldown:"

// CooldownGate lets one alert per device and severity through per window
type CooldownGate struct {
	client *redis.Client
	prefix string
	window time.Duration
}

// NewCooldownGate creates a gate; window <= 0 disables it
func NewCooldownGate(client *redis.Client, window time.Duration) *CooldownGate {
	return &CooldownGate{
		client: client,
		prefix: DefaultCooldownKeyPrefix,
		window: window,
	}
}

// Allow reports whether an alert for deviceID at severity may be sent now and
// starts the window when it may
func (g *CooldownGate) Allow(ctx context.Context, deviceID string, severity models.FeverSeverity) (bool, error) {
	if g.window <= 0 {
		return true, nil
	}
	key := fmt.Sprintf("%s%s:%s", g.prefix, deviceID, severity)
	ok, err := g.client.SetNX(ctx, key, time.Now().Unix(), g.window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check alert cooldown: %w", err)
	}
	return ok, nil
}

// Reset clears the window of every severity for deviceID
func (g *CooldownGate) Reset(ctx context.Context, deviceID string) error {
	keys := make([]string, 0, 4)
	for _, s := range []models.FeverSeverity{models.SeverityMild, models.SeverityModerate, models.SeverityHigh, models.SeverityCritical} {
		keys = append(keys, fmt.Sprintf("%s%s:%s", g.prefix, deviceID, s))
	}
	if err := g.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to reset alert cooldown: %w", err)
	}
	return nil
}
