package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

var (
	ErrNoLiveSession = errors.New("user has no live realtime session")
	ErrNoRecipient   = errors.New("no recipient address for channel")
)

// UserDeliverer pushes an event to every live session of a user and reports
// how many received it
type UserDeliverer interface {
	DeliverToUser(ctx context.Context, userID string, ev models.Event) (int, error)
}

// RealtimeSender delivers over the realtime gateway
type RealtimeSender struct {
	deliverer UserDeliverer
}

func NewRealtimeSender(deliverer UserDeliverer) *RealtimeSender {
	return &RealtimeSender{deliverer: deliverer}
}

func (s *RealtimeSender) Channel() models.Channel { return models.ChannelRealtime }

func (s *RealtimeSender) Send(ctx context.Context, n models.Notification) error {
	count, err := s.deliverer.DeliverToUser(ctx, n.UserID, models.NotificationUpdate{Notification: n})
	if err != nil {
		return fmt.Errorf("failed to deliver realtime notification: %w", err)
	}
	if count == 0 {
		return ErrNoLiveSession
	}
	return nil
}

// ContactDirectory resolves recipient addressing for a user
type ContactDirectory interface {
	GetContact(ctx context.Context, userID string) (*models.UserContact, error)
}

// ProviderConfig one HTTP notification provider
type ProviderConfig struct {
	BaseURL string
	Path    string
	APIKey  string
	Timeout time.Duration
}

// providerRequest body posted to every provider
type providerRequest struct {
	NotificationID string                 `json:"notification_id"`
	To             string                 `json:"to"`
	Title          string                 `json:"title"`
	Body           string                 `json:"body"`
	Priority       string                 `json:"priority"`
	Data           map[string]interface{} `json:"data,omitempty"`
}

// providerResponse provider acknowledgement
type providerResponse struct {
	Status    string `json:"status"`
	MessageID string `json:"message_id"`
	Error     string `json:"error"`
}

// HTTPSender delivers push, email or SMS through an HTTP provider API.
// Retries belong to the dispatcher, so the client never retries itself.
type HTTPSender struct {
	channel    models.Channel
	httpClient *resty.Client
	path       string
	contacts   ContactDirectory
	logger     *zap.Logger
}

// NewHTTPSender creates a provider-backed sender for channel
func NewHTTPSender(channel models.Channel, cfg ProviderConfig, contacts ContactDirectory, logger *zap.Logger) *HTTPSender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	path := cfg.Path
	if path == "" {
		path = "/" + string(channel)
	}

	return &HTTPSender{
		channel:    channel,
		httpClient: client,
		path:       path,
		contacts:   contacts,
		logger:     logger,
	}
}

func (s *HTTPSender) Channel() models.Channel { return s.channel }

func (s *HTTPSender) Send(ctx context.Context, n models.Notification) error {
	contact, err := s.contacts.GetContact(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("failed to resolve contact: %w", err)
	}
	to := recipient(s.channel, contact)
	if to == "" {
		return fmt.Errorf("%w %s", ErrNoRecipient, s.channel)
	}

	body := providerRequest{
		NotificationID: n.ID,
		To:             to,
		Title:          n.Title,
		Body:           n.Message,
		Priority:       string(n.Priority),
		Data:           n.Data,
	}

	var result providerResponse
	resp, err := s.httpClient.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(&result).
		SetError(&result).
		Post(s.path)
	if err != nil {
		return fmt.Errorf("failed to call %s provider: %w", s.channel, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%s provider returned %d: %s", s.channel, resp.StatusCode(), result.Error)
	}
	if result.Status == "rejected" {
		return fmt.Errorf("%s provider rejected message: %s", s.channel, result.Error)
	}

	s.logger.Debug("Provider accepted notification",
		zap.String("notification_id", n.ID),
		zap.String("channel", string(s.channel)),
		zap.String("message_id", result.MessageID),
	)
	return nil
}

func recipient(ch models.Channel, c *models.UserContact) string {
	if c == nil {
		return ""
	}
	switch ch {
	case models.ChannelPush:
		return c.PushToken
	case models.ChannelEmail:
		return c.Email
	case models.ChannelSMS:
		return c.Phone
	}
	return ""
}
