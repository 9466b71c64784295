// Package reducer merges streamed deltas and polled snapshots into one client
// view. Merge is pure: it never mutates its input state.
package reducer

import (
	"time"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

// Source where a delta came from. On equal timestamps a streamed value beats
// a snapshot value.
type Source int

const (
	SourceSnapshot Source = iota
	SourceStream
)

func (s Source) String() string {
	if s == SourceStream {
		return "stream"
	}
	return "snapshot"
}

// Stamp version of one field group
type Stamp struct {
	At     time.Time
	Source Source
	set    bool
}

// supersedes reports whether a write stamped (at, src) replaces s
func (s Stamp) supersedes(at time.Time, src Source) bool {
	if !s.set {
		return true
	}
	if at.After(s.At) {
		return true
	}
	return at.Equal(s.At) && src == SourceStream && s.Source == SourceSnapshot
}

func stamp(at time.Time, src Source) Stamp {
	return Stamp{At: at, Source: src, set: true}
}

// DeviceView client cache of one device. Each field group is versioned
// separately so a heartbeat never rolls back a newer temperature and the
// other way round.
type DeviceView struct {
	DeviceID string

	Status   models.DeviceStatus
	LastSeen time.Time
	StatusAt Stamp

	BatteryLevel *int
	BatteryAt    Stamp

	SignalStrength *int
	SignalAt       Stamp

	Temperature   *float64
	FeverDetected bool
	FeverSeverity models.FeverSeverity
	TemperatureAt Stamp
}

// UpdatedAt newest version across field groups
func (d DeviceView) UpdatedAt() time.Time {
	latest := d.StatusAt.At
	for _, s := range []Stamp{d.BatteryAt, d.SignalAt, d.TemperatureAt} {
		if s.At.After(latest) {
			latest = s.At
		}
	}
	return latest
}

// NotificationView client cache of one notification
type NotificationView struct {
	models.Notification
	Version Stamp
}

// ClientState everything a client knows, keyed by id
type ClientState struct {
	Devices       map[string]DeviceView
	Notifications map[string]NotificationView
}

// NewClientState empty state
func NewClientState() ClientState {
	return ClientState{
		Devices:       map[string]DeviceView{},
		Notifications: map[string]NotificationView{},
	}
}

// DevicePatch partial device update; nil fields are untouched
type DevicePatch struct {
	DeviceID       string
	UpdatedAt      time.Time
	Status         *models.DeviceStatus
	LastSeen       *time.Time
	BatteryLevel   *int
	SignalStrength *int
	Temperature    *float64
	FeverDetected  bool
	FeverSeverity  models.FeverSeverity
}

// Delta one batch of changes from a single source
type Delta struct {
	Source        Source
	Devices       []DevicePatch
	Notifications []models.Notification
}

// Change ids whose view changed after a merge
type Change struct {
	Devices       []string
	Notifications []string
}

// Empty no entity changed
func (c Change) Empty() bool {
	return len(c.Devices) == 0 && len(c.Notifications) == 0
}

// Merge applies delta to state and returns the new state. Deterministic and
// idempotent: merging the same delta twice equals merging it once.
func Merge(state ClientState, delta Delta) ClientState {
	next, _ := MergeWithChange(state, delta)
	return next
}

// MergeWithChange is Merge that also reports which entities changed
func MergeWithChange(state ClientState, delta Delta) (ClientState, Change) {
	var change Change
	var devices map[string]DeviceView
	var notifications map[string]NotificationView

	for _, p := range delta.Devices {
		if p.DeviceID == "" {
			continue
		}
		cur := lookupDevice(state, devices, p.DeviceID)
		merged, changed := mergeDevice(cur, p, delta.Source)
		if !changed {
			continue
		}
		if devices == nil {
			devices = copyDevices(state.Devices)
		}
		devices[p.DeviceID] = merged
		change.Devices = appendOnce(change.Devices, p.DeviceID)
	}

	for _, n := range delta.Notifications {
		if n.ID == "" {
			continue
		}
		cur, ok := lookupNotification(state, notifications, n.ID)
		merged, changed := mergeNotification(cur, ok, n, delta.Source)
		if !changed {
			continue
		}
		if notifications == nil {
			notifications = copyNotifications(state.Notifications)
		}
		notifications[n.ID] = merged
		change.Notifications = appendOnce(change.Notifications, n.ID)
	}

	next := state
	if devices != nil {
		next.Devices = devices
	}
	if notifications != nil {
		next.Notifications = notifications
	}
	if next.Devices == nil {
		next.Devices = map[string]DeviceView{}
	}
	if next.Notifications == nil {
		next.Notifications = map[string]NotificationView{}
	}
	return next, change
}

func mergeDevice(cur DeviceView, p DevicePatch, src Source) (DeviceView, bool) {
	out := cur
	out.DeviceID = p.DeviceID
	changed := false

	if (p.Status != nil || p.LastSeen != nil) && cur.StatusAt.supersedes(p.UpdatedAt, src) {
		if p.Status != nil {
			out.Status = *p.Status
		}
		if p.LastSeen != nil {
			out.LastSeen = *p.LastSeen
		}
		out.StatusAt = stamp(p.UpdatedAt, src)
		changed = true
	}
	if p.BatteryLevel != nil && cur.BatteryAt.supersedes(p.UpdatedAt, src) {
		v := *p.BatteryLevel
		out.BatteryLevel = &v
		out.BatteryAt = stamp(p.UpdatedAt, src)
		changed = true
	}
	if p.SignalStrength != nil && cur.SignalAt.supersedes(p.UpdatedAt, src) {
		v := *p.SignalStrength
		out.SignalStrength = &v
		out.SignalAt = stamp(p.UpdatedAt, src)
		changed = true
	}
	if p.Temperature != nil && cur.TemperatureAt.supersedes(p.UpdatedAt, src) {
		v := *p.Temperature
		out.Temperature = &v
		out.FeverDetected = p.FeverDetected
		out.FeverSeverity = p.FeverSeverity
		out.TemperatureAt = stamp(p.UpdatedAt, src)
		changed = true
	}
	return out, changed
}

// mergeNotification applies n to cur. Read and archive only ever move from
// false to true, so they are kept from either side whatever the versions say.
func mergeNotification(cur NotificationView, exists bool, n models.Notification, src Source) (NotificationView, bool) {
	if exists && !cur.Version.supersedes(n.UpdatedAt, src) {
		if (!n.IsRead || cur.IsRead) && (!n.IsArchived || cur.IsArchived) {
			return cur, false
		}
		out := cur
		out.Notification = cur.Notification.Clone()
		out.IsRead = cur.IsRead || n.IsRead
		out.IsArchived = cur.IsArchived || n.IsArchived
		return out, true
	}

	out := NotificationView{Notification: n.Clone(), Version: stamp(n.UpdatedAt, src)}
	if exists {
		out.IsRead = out.IsRead || cur.IsRead
		out.IsArchived = out.IsArchived || cur.IsArchived
	}
	return out, true
}

func lookupDevice(state ClientState, pending map[string]DeviceView, id string) DeviceView {
	if pending != nil {
		return pending[id]
	}
	return state.Devices[id]
}

func lookupNotification(state ClientState, pending map[string]NotificationView, id string) (NotificationView, bool) {
	if pending != nil {
		v, ok := pending[id]
		return v, ok
	}
	v, ok := state.Notifications[id]
	return v, ok
}

func copyDevices(in map[string]DeviceView) map[string]DeviceView {
	out := make(map[string]DeviceView, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyNotifications(in map[string]NotificationView) map[string]NotificationView {
	out := make(map[string]NotificationView, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}

func appendOnce(ids []string, id string) []string {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
