package reducer

import (
	"sync"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

// FromEvent converts a streamed server event into a delta
func FromEvent(ev models.Event) Delta {
	d := Delta{Source: SourceStream}
	switch e := ev.(type) {
	case models.TemperatureUpdate:
		temp := e.Temperature
		d.Devices = append(d.Devices, DevicePatch{
			DeviceID:      e.DeviceID,
			UpdatedAt:     e.Timestamp,
			Temperature:   &temp,
			FeverDetected: e.FeverDetected,
			FeverSeverity: e.FeverSeverity,
		})
	case models.FeverAlert:
		temp := e.Temperature
		d.Devices = append(d.Devices, DevicePatch{
			DeviceID:      e.DeviceID,
			UpdatedAt:     e.Timestamp,
			Temperature:   &temp,
			FeverDetected: e.FeverDetected,
			FeverSeverity: e.FeverSeverity,
		})
	case models.DeviceStatusUpdate:
		status := e.Status
		lastSeen := e.LastSeen
		at := e.UpdatedAt
		if at.IsZero() {
			at = e.LastSeen
		}
		d.Devices = append(d.Devices, DevicePatch{
			DeviceID:       e.DeviceID,
			UpdatedAt:      at,
			Status:         &status,
			LastSeen:       &lastSeen,
			BatteryLevel:   e.BatteryLevel,
			SignalStrength: e.SignalStrength,
		})
	case models.NotificationUpdate:
		d.Notifications = append(d.Notifications, e.Notification)
	}
	return d
}

// FromDeviceSnapshot converts a polled device list into a delta
func FromDeviceSnapshot(devices []models.Device) Delta {
	d := Delta{Source: SourceSnapshot, Devices: make([]DevicePatch, 0, len(devices))}
	for _, dev := range devices {
		status := dev.Status
		lastSeen := dev.LastSeen
		d.Devices = append(d.Devices, DevicePatch{
			DeviceID:       dev.DeviceID,
			UpdatedAt:      dev.UpdatedAt,
			Status:         &status,
			LastSeen:       &lastSeen,
			BatteryLevel:   dev.BatteryLevel,
			SignalStrength: dev.SignalStrength,
		})
	}
	return d
}

// FromNotificationSnapshot converts a polled notification list into a delta
func FromNotificationSnapshot(notifications []models.Notification) Delta {
	return Delta{Source: SourceSnapshot, Notifications: notifications}
}

// Store holds the current ClientState; Apply is the only writer.
type Store struct {
	mu       sync.RWMutex
	state    ClientState
	onChange func(ClientState, Change)
}

// NewStore creates an empty store. onChange, when set, runs after every
// merge that changed something, outside the lock.
func NewStore(onChange func(ClientState, Change)) *Store {
	return &Store{state: NewClientState(), onChange: onChange}
}

// Apply merges delta into the store
func (s *Store) Apply(delta Delta) Change {
	s.mu.Lock()
	next, change := MergeWithChange(s.state, delta)
	s.state = next
	s.mu.Unlock()

	if !change.Empty() && s.onChange != nil {
		s.onChange(next, change)
	}
	return change
}

// State current state; callers must treat it as read-only
func (s *Store) State() ClientState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
