package reducer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func intp(v int) *int { return &v }

func statusEvent(id string, status models.DeviceStatus, battery int, at time.Time) models.DeviceStatusUpdate {
	return models.DeviceStatusUpdate{DeviceID: id, Status: status, BatteryLevel: intp(battery), LastSeen: at, UpdatedAt: at}
}

func TestMerge_SnapshotOlderThanStreamIsDiscarded(t *testing.T) {
	s := NewClientState()
	s = Merge(s, FromEvent(statusEvent("D1", models.DeviceOnline, 80, t0.Add(time.Minute))))

	snap := FromDeviceSnapshot([]models.Device{{
		DeviceID: "D1", Status: models.DeviceOffline, BatteryLevel: intp(90), LastSeen: t0, UpdatedAt: t0,
	}})
	s = Merge(s, snap)

	d := s.Devices["D1"]
	assert.Equal(t, models.DeviceOnline, d.Status)
	assert.Equal(t, 80, *d.BatteryLevel)
}

func TestMerge_TiePrefersStream(t *testing.T) {
	snap := FromDeviceSnapshot([]models.Device{{DeviceID: "D1", Status: models.DeviceOffline, UpdatedAt: t0}})
	stream := FromEvent(models.DeviceStatusUpdate{DeviceID: "D1", Status: models.DeviceOnline, UpdatedAt: t0})

	a := Merge(Merge(NewClientState(), snap), stream)
	b := Merge(Merge(NewClientState(), stream), snap)
	assert.Equal(t, models.DeviceOnline, a.Devices["D1"].Status)
	assert.Equal(t, models.DeviceOnline, b.Devices["D1"].Status)
}

func TestMerge_Idempotent(t *testing.T) {
	delta := FromEvent(statusEvent("D1", models.DeviceOnline, 55, t0))
	once := Merge(NewClientState(), delta)
	twice := Merge(once, delta)
	assert.Equal(t, once, twice)

	_, change := MergeWithChange(once, delta)
	assert.True(t, change.Empty())
}

func TestMerge_OrderIndependent(t *testing.T) {
	temp := func(v float64, at time.Time) Delta {
		return FromEvent(models.TemperatureUpdate{DeviceID: "D1", Temperature: v, FeverDetected: v >= 37.5, Timestamp: at})
	}
	deltas := []Delta{
		temp(36.9, t0),
		FromEvent(statusEvent("D1", models.DeviceOnline, 70, t0.Add(2*time.Second))),
		temp(38.4, t0.Add(3*time.Second)),
		FromDeviceSnapshot([]models.Device{{DeviceID: "D1", Status: models.DeviceError, BatteryLevel: intp(60), UpdatedAt: t0.Add(time.Second)}}),
		FromNotificationSnapshot([]models.Notification{{ID: "n1", UserID: "u1", UpdatedAt: t0}}),
		FromEvent(models.NotificationUpdate{Notification: models.Notification{ID: "n1", UserID: "u1", IsRead: true, UpdatedAt: t0.Add(time.Second)}}),
	}

	forward := NewClientState()
	for _, d := range deltas {
		forward = Merge(forward, d)
	}
	backward := NewClientState()
	for i := len(deltas) - 1; i >= 0; i-- {
		backward = Merge(backward, deltas[i])
	}

	assert.Equal(t, forward, backward)
	d := forward.Devices["D1"]
	assert.Equal(t, models.DeviceOnline, d.Status)
	assert.Equal(t, 70, *d.BatteryLevel)
	assert.Equal(t, 38.4, *d.Temperature)
	assert.True(t, d.FeverDetected)
	assert.Equal(t, t0.Add(3*time.Second), d.UpdatedAt())
	assert.True(t, forward.Notifications["n1"].IsRead)
}

func TestMerge_FieldGroupsAreIndependent(t *testing.T) {
	s := Merge(NewClientState(), FromEvent(models.TemperatureUpdate{DeviceID: "D1", Temperature: 39.0, Timestamp: t0.Add(time.Minute)}))
	// older heartbeat still lands: it does not touch temperature
	s = Merge(s, FromEvent(statusEvent("D1", models.DeviceOnline, 40, t0)))

	d := s.Devices["D1"]
	assert.Equal(t, 39.0, *d.Temperature)
	assert.Equal(t, models.DeviceOnline, d.Status)
	assert.Equal(t, 40, *d.BatteryLevel)
}

func TestMerge_DoesNotMutateInput(t *testing.T) {
	before := Merge(NewClientState(), FromEvent(statusEvent("D1", models.DeviceOnline, 10, t0)))
	after := Merge(before, FromEvent(statusEvent("D1", models.DeviceOffline, 5, t0.Add(time.Second))))

	assert.Equal(t, models.DeviceOnline, before.Devices["D1"].Status)
	assert.Equal(t, 10, *before.Devices["D1"].BatteryLevel)
	assert.Equal(t, models.DeviceOffline, after.Devices["D1"].Status)
}

func TestMerge_NotificationOlderIgnored(t *testing.T) {
	s := Merge(NewClientState(), FromEvent(models.NotificationUpdate{Notification: models.Notification{
		ID: "n1", UpdatedAt: t0.Add(time.Minute),
		Delivery: map[models.Channel]models.ChannelDelivery{models.ChannelPush: {Status: models.DeliverySent}},
	}}))
	s = Merge(s, FromNotificationSnapshot([]models.Notification{{
		ID: "n1", UpdatedAt: t0,
		Delivery: map[models.Channel]models.ChannelDelivery{models.ChannelPush: {Status: models.DeliveryPending}},
	}}))
	assert.Equal(t, models.DeliverySent, s.Notifications["n1"].Delivery[models.ChannelPush].Status)
}

func TestMerge_NotificationReadFlagSurvivesStreamTie(t *testing.T) {
	at := t0.Add(time.Minute)
	stream := FromEvent(models.NotificationUpdate{Notification: models.Notification{
		ID: "n1", UpdatedAt: at,
		Delivery: map[models.Channel]models.ChannelDelivery{models.ChannelPush: {Status: models.DeliverySent}},
	}})
	snap := FromNotificationSnapshot([]models.Notification{{
		ID: "n1", IsRead: true, UpdatedAt: at,
		Delivery: map[models.Channel]models.ChannelDelivery{models.ChannelPush: {Status: models.DeliveryPending}},
	}})

	a := Merge(Merge(NewClientState(), stream), snap)
	b := Merge(Merge(NewClientState(), snap), stream)
	for _, s := range []ClientState{a, b} {
		n := s.Notifications["n1"]
		assert.True(t, n.IsRead)
		assert.Equal(t, models.DeliverySent, n.Delivery[models.ChannelPush].Status)
	}

	_, change := MergeWithChange(a, snap)
	assert.True(t, change.Empty())
}

func TestStore_ApplyAndOnChange(t *testing.T) {
	var changes []Change
	store := NewStore(func(_ ClientState, c Change) { changes = append(changes, c) })

	c := store.Apply(FromEvent(statusEvent("D1", models.DeviceOnline, 90, t0)))
	assert.Equal(t, []string{"D1"}, c.Devices)
	store.Apply(FromEvent(statusEvent("D1", models.DeviceOnline, 90, t0)))

	require.Len(t, changes, 1)
	assert.Equal(t, models.DeviceOnline, store.State().Devices["D1"].Status)
}
