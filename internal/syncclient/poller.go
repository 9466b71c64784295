package syncclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
	"github.com/Krx-21/BotCareU-sub001/internal/reducer"
)

// apiResult response envelope of the snapshot API
type apiResult struct {
	Code    int             `json:"code"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

const resultSuccess = 2000

// Applier merges a delta into client state
type Applier interface {
	Apply(delta reducer.Delta) reducer.Change
}

// Poller periodically fetches device and notification snapshots. It only
// ever calls Apply; reconciliation with streamed events is the reducer's job.
type Poller struct {
	httpClient *resty.Client
	store      Applier
	interval   time.Duration
	logger     *zap.Logger
}

// NewPoller creates a snapshot poller against the API at baseURL
func NewPoller(baseURL, token string, interval time.Duration, store Applier, logger *zap.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10*time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetRetryMaxWaitTime(2*time.Second).
		SetAuthToken(token).
		SetHeader("Accept", "application/json")

	return &Poller{httpClient: client, store: store, interval: interval, logger: logger}
}

// Run polls immediately and then every interval until ctx is done
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.Poll(ctx); err != nil {
			p.logger.Warn("Snapshot poll failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Poll fetches both snapshots once
func (p *Poller) Poll(ctx context.Context) error {
	var devices []models.Device
	if err := p.get(ctx, "/api/v1/devices", nil, &devices); err != nil {
		return fmt.Errorf("failed to fetch devices: %w", err)
	}
	p.store.Apply(reducer.FromDeviceSnapshot(devices))

	var notifications []models.Notification
	if err := p.get(ctx, "/api/v1/notifications", map[string]string{"include_archived": "true"}, &notifications); err != nil {
		return fmt.Errorf("failed to fetch notifications: %w", err)
	}
	p.store.Apply(reducer.FromNotificationSnapshot(notifications))
	return nil
}

func (p *Poller) get(ctx context.Context, path string, query map[string]string, out interface{}) error {
	var result apiResult
	resp, err := p.httpClient.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(&result).
		SetError(&result).
		Get(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("status %d: %s", resp.StatusCode(), result.Message)
	}
	if result.Code != resultSuccess {
		return fmt.Errorf("api error %d: %s", result.Code, result.Message)
	}
	if err := json.Unmarshal(result.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}
