package models

import "time"

// DeviceStatus device connectivity state
type DeviceStatus string

const (
	DeviceOnline      DeviceStatus = "online"
	DeviceOffline     DeviceStatus = "offline"
	DeviceError       DeviceStatus = "error"
	DeviceMaintenance DeviceStatus = "maintenance"
)

// Valid reports whether s is a known status
func (s DeviceStatus) Valid() bool {
	switch s {
	case DeviceOnline, DeviceOffline, DeviceError, DeviceMaintenance:
		return true
	}
	return false
}

// Device server-owned device record; UserID is the owner reference
type Device struct {
	ID             string       `json:"id"`
	DeviceID       string       `json:"device_id"` // hardware id, e.g. BotCareU_A1B2C3
	UserID         string       `json:"user_id"`
	Name           string       `json:"name,omitempty"`
	Status         DeviceStatus `json:"status"`
	BatteryLevel   *int         `json:"battery_level,omitempty"`   // percent [0,100]
	SignalStrength *int         `json:"signal_strength,omitempty"` // dBm [-100,0]
	FeverThreshold *float64     `json:"fever_threshold,omitempty"`
	LastSeen       time.Time    `json:"last_seen"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// ClampBattery bounds a percent into [0,100]
func ClampBattery(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// ClampSignal bounds dBm into [-100,0]
func ClampSignal(v int) int {
	if v < -100 {
		return -100
	}
	if v > 0 {
		return 0
	}
	return v
}

// StatusReport normalized heartbeat from a device
type StatusReport struct {
	DeviceID        string       `json:"device_id"`
	UserID          string       `json:"user_id"`
	Status          DeviceStatus `json:"status"`
	BatteryLevel    *int         `json:"battery_level,omitempty"`
	SignalStrength  *int         `json:"signal_strength,omitempty"`
	FirmwareVersion string       `json:"firmware_version,omitempty"`
	ReportedAt      time.Time    `json:"reported_at"`
}

// UserContact addressing for secondary channels
type UserContact struct {
	UserID    string `json:"user_id"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	PushToken string `json:"push_token,omitempty"`
}
