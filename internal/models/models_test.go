package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeliveryStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to DeliveryStatus
		ok       bool
	}{
		{DeliveryPending, DeliverySent, true},
		{DeliveryPending, DeliveryFailed, true},
		{DeliveryFailed, DeliveryFailed, true},
		{DeliveryFailed, DeliveryExhausted, true},
		{DeliveryFailed, DeliverySent, true},
		{DeliverySent, DeliveryPending, false},
		{DeliverySent, DeliveryFailed, false},
		{DeliveryExhausted, DeliverySent, false},
		{DeliveryFailed, DeliveryPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestNotification_CloneIsIndependent(t *testing.T) {
	n := Notification{
		ID:       "n1",
		Channels: []Channel{ChannelPush},
		Delivery: map[Channel]ChannelDelivery{ChannelPush: {Status: DeliveryPending}},
		Data:     map[string]interface{}{"k": "v"},
	}
	c := n.Clone()
	c.Channels[0] = ChannelSMS
	c.Delivery[ChannelPush] = ChannelDelivery{Status: DeliverySent}
	c.Data["k"] = "changed"

	assert.Equal(t, ChannelPush, n.Channels[0])
	assert.Equal(t, DeliveryPending, n.Delivery[ChannelPush].Status)
	assert.Equal(t, "v", n.Data["k"])
}

func TestNotification_DeliveryOutcome(t *testing.T) {
	n := Notification{
		Channels: []Channel{ChannelPush, ChannelRealtime},
		Delivery: map[Channel]ChannelDelivery{
			ChannelPush:     {Status: DeliveryExhausted},
			ChannelRealtime: {Status: DeliverySent},
		},
	}
	assert.True(t, n.AnySent())
	assert.False(t, n.AllSent())
	assert.True(t, n.Settled())

	n.Delivery[ChannelPush] = ChannelDelivery{Status: DeliveryFailed}
	assert.False(t, n.Settled())
}

func TestFeverSeverity_Order(t *testing.T) {
	assert.True(t, SeverityCritical.AtLeast(SeverityHigh))
	assert.True(t, SeverityMild.AtLeast(SeverityMild))
	assert.False(t, SeverityNone.AtLeast(SeverityMild))
	assert.Equal(t, -1, FeverSeverity("bogus").Rank())
}

func TestEncodeDecodeEvent(t *testing.T) {
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	ev := NewTemperatureUpdate(ClassifiedEvent{
		Reading:       Reading{DeviceID: "D1", Temperature: 39.2, Timestamp: ts, Valid: true},
		Threshold:     37.5,
		FeverDetected: true,
		FeverSeverity: SeverityHigh,
	})

	raw, err := EncodeEvent(ev)
	require.NoError(t, err)

	var env Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.Equal(t, EventTemperatureUpdate, env.Event)

	decoded, err := DecodeEvent(env.Event, env.Data)
	require.NoError(t, err)
	assert.Equal(t, ev, decoded)
	assert.Equal(t, Target{Kind: TargetDevice, ID: "D1"}, decoded.Target())
}

func TestNotificationUpdate_TargetsUser(t *testing.T) {
	ev := NotificationUpdate{Notification: Notification{ID: "n1", UserID: "u1", DeviceID: "D1"}}
	assert.Equal(t, Target{Kind: TargetUser, ID: "u1"}, ev.Target())

	raw, err := EncodeEvent(ev)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"event":"notification"`)
	assert.Contains(t, string(raw), `"user_id":"u1"`)
}

func TestDecodeEvent_Unknown(t *testing.T) {
	_, err := DecodeEvent("bogus", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, ErrUnknownEvent)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, 100, ClampBattery(140))
	assert.Equal(t, 0, ClampBattery(-3))
	assert.Equal(t, -100, ClampSignal(-120))
	assert.Equal(t, 0, ClampSignal(5))
	assert.Equal(t, -60, ClampSignal(-60))
}
