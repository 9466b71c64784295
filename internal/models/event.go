package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Wire event names
const (
	EventAuth              = "auth"
	EventAuthSuccess       = "auth_success"
	EventAuthError         = "auth_error"
	EventJoinDevice        = "join_device"
	EventLeaveDevice       = "leave_device"
	EventTemperatureUpdate = "temperature:update"
	EventFeverAlert        = "fever:alert"
	EventDeviceStatus      = "device:status"
	EventNotification      = "notification"
)

var ErrUnknownEvent = errors.New("unknown event")

// Envelope wire frame for every message in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AuthRequest client->server
type AuthRequest struct {
	Token string `json:"token"`
}

// AuthSuccess server->client
type AuthSuccess struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// AuthError server->client
type AuthError struct {
	Reason string `json:"reason"`
}

// TargetKind fan-out scope of an event
type TargetKind int

const (
	TargetDevice TargetKind = iota // sessions subscribed to a device room
	TargetUser                     // every session of one user
)

// Target where an event is delivered
type Target struct {
	Kind TargetKind
	ID   string
}

// Event closed set of server->client events. Implemented only by the types
// in this file.
type Event interface {
	Name() string
	Target() Target
	sealed()
}

// TemperatureUpdate every classified reading
type TemperatureUpdate struct {
	DeviceID      string        `json:"device_id"`
	Temperature   float64       `json:"temperature"`
	FeverDetected bool          `json:"fever_detected"`
	FeverSeverity FeverSeverity `json:"fever_severity"`
	Timestamp     time.Time     `json:"timestamp"`
}

// FeverAlert classified reading with severity >= mild
type FeverAlert struct {
	ClassifiedEvent
}

// DeviceStatusUpdate heartbeat or sweep result for one device
type DeviceStatusUpdate struct {
	DeviceID       string       `json:"device_id"`
	Status         DeviceStatus `json:"status"`
	BatteryLevel   *int         `json:"battery_level,omitempty"`
	SignalStrength *int         `json:"signal_strength,omitempty"`
	LastSeen       time.Time    `json:"last_seen"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// NotificationUpdate snapshot of a notification after a transition
type NotificationUpdate struct {
	Notification
}

func (TemperatureUpdate) Name() string  { return EventTemperatureUpdate }
func (FeverAlert) Name() string         { return EventFeverAlert }
func (DeviceStatusUpdate) Name() string { return EventDeviceStatus }
func (NotificationUpdate) Name() string { return EventNotification }

func (e TemperatureUpdate) Target() Target  { return Target{Kind: TargetDevice, ID: e.DeviceID} }
func (e FeverAlert) Target() Target         { return Target{Kind: TargetDevice, ID: e.DeviceID} }
func (e DeviceStatusUpdate) Target() Target { return Target{Kind: TargetDevice, ID: e.DeviceID} }
func (e NotificationUpdate) Target() Target { return Target{Kind: TargetUser, ID: e.UserID} }

func (TemperatureUpdate) sealed()  {}
func (FeverAlert) sealed()         {}
func (DeviceStatusUpdate) sealed() {}
func (NotificationUpdate) sealed() {}

// NewTemperatureUpdate projects a classified reading onto the broadcast payload
func NewTemperatureUpdate(ev ClassifiedEvent) TemperatureUpdate {
	return TemperatureUpdate{
		DeviceID:      ev.DeviceID,
		Temperature:   ev.Temperature,
		FeverDetected: ev.FeverDetected,
		FeverSeverity: ev.FeverSeverity,
		Timestamp:     ev.Timestamp,
	}
}

// EncodeEvent wraps an event in its envelope
func EncodeEvent(e Event) ([]byte, error) {
	var payload interface{}
	switch ev := e.(type) {
	case TemperatureUpdate:
		payload = ev
	case FeverAlert:
		payload = ev.ClassifiedEvent
	case DeviceStatusUpdate:
		payload = ev
	case NotificationUpdate:
		payload = ev.Notification
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownEvent, e)
	}
	return EncodeMessage(e.Name(), payload)
}

// EncodeMessage wraps any payload in an envelope
func EncodeMessage(name string, payload interface{}) ([]byte, error) {
	env := Envelope{Event: name}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", name, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// DecodeEvent parses a server->client broadcast
func DecodeEvent(name string, data json.RawMessage) (Event, error) {
	switch name {
	case EventTemperatureUpdate:
		var ev TemperatureUpdate
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		return ev, nil
	case EventFeverAlert:
		var ev FeverAlert
		if err := json.Unmarshal(data, &ev.ClassifiedEvent); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		return ev, nil
	case EventDeviceStatus:
		var ev DeviceStatusUpdate
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		return ev, nil
	case EventNotification:
		var ev NotificationUpdate
		if err := json.Unmarshal(data, &ev.Notification); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}
		return ev, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
}
