package models

import "time"

// NotificationType what triggered the notification
type NotificationType string

const (
	NotificationFeverAlert    NotificationType = "fever_alert"
	NotificationDeviceOffline NotificationType = "device_offline"
	NotificationLowBattery    NotificationType = "low_battery"
	NotificationSystemAlert   NotificationType = "system_alert"
	NotificationReminder      NotificationType = "reminder"
	NotificationEmergency     NotificationType = "emergency"
	NotificationInfo          NotificationType = "info"
)

// Priority low, normal, high, critical
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Channel delivery mechanism
type Channel string

const (
	ChannelPush     Channel = "push"
	ChannelRealtime Channel = "realtime"
	ChannelEmail    Channel = "email"
	ChannelSMS      Channel = "sms"
)

// DeliveryStatus per-channel delivery state
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryExhausted DeliveryStatus = "exhausted"
)

// Terminal sent and exhausted never change again
func (s DeliveryStatus) Terminal() bool {
	return s == DeliverySent || s == DeliveryExhausted
}

// CanTransition enforces pending -> {sent | failed -> ... -> exhausted}.
// failed -> failed is a further failed retry.
func (s DeliveryStatus) CanTransition(to DeliveryStatus) bool {
	switch s {
	case DeliveryPending:
		return to == DeliverySent || to == DeliveryFailed || to == DeliveryExhausted
	case DeliveryFailed:
		return to == DeliverySent || to == DeliveryFailed || to == DeliveryExhausted
	}
	return false
}

// ChannelDelivery delivery bookkeeping for one channel
type ChannelDelivery struct {
	Status    DeliveryStatus `json:"status"`
	Attempts  int            `json:"attempts"`
	LastError string         `json:"last_error,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Notification record created and delivered by the dispatcher.
// Delivery is written only by the dispatcher; IsRead/IsArchived only by the
// owning user.
type Notification struct {
	ID         string                      `json:"id"`
	UserID     string                      `json:"user_id"`
	DeviceID   string                      `json:"device_id,omitempty"`
	Type       NotificationType            `json:"type"`
	Priority   Priority                    `json:"priority"`
	Title      string                      `json:"title"`
	Message    string                      `json:"message"`
	Data       map[string]interface{}      `json:"data,omitempty"`
	Channels   []Channel                   `json:"channels"`
	Delivery   map[Channel]ChannelDelivery `json:"delivery"`
	RetryCount int                         `json:"retry_count"`
	MaxRetries int                         `json:"max_retries"`
	IsRead     bool                        `json:"is_read"`
	IsArchived bool                        `json:"is_archived"`
	CreatedAt  time.Time                   `json:"created_at"`
	UpdatedAt  time.Time                   `json:"updated_at"`
}

// DefaultMaxRetries per-channel attempt budget
const DefaultMaxRetries = 3

// Clone deep copy, safe to hand to other goroutines
func (n Notification) Clone() Notification {
	out := n
	if n.Channels != nil {
		out.Channels = append([]Channel(nil), n.Channels...)
	}
	if n.Delivery != nil {
		out.Delivery = make(map[Channel]ChannelDelivery, len(n.Delivery))
		for k, v := range n.Delivery {
			out.Delivery[k] = v
		}
	}
	if n.Data != nil {
		out.Data = make(map[string]interface{}, len(n.Data))
		for k, v := range n.Data {
			out.Data[k] = v
		}
	}
	return out
}

// AnySent at least one channel reached sent
func (n Notification) AnySent() bool {
	for _, d := range n.Delivery {
		if d.Status == DeliverySent {
			return true
		}
	}
	return false
}

// AllSent every target channel reached sent
func (n Notification) AllSent() bool {
	if len(n.Channels) == 0 {
		return false
	}
	for _, ch := range n.Channels {
		if n.Delivery[ch].Status != DeliverySent {
			return false
		}
	}
	return true
}

// Settled every target channel is in a terminal status
func (n Notification) Settled() bool {
	for _, ch := range n.Channels {
		if !n.Delivery[ch].Status.Terminal() {
			return false
		}
	}
	return true
}
