package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

func TestRelay_DeliversAcrossInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g1 := newTestGateway(Config{})
	g2 := newTestGateway(Config{})
	r1 := NewRelay(client, "", g1, zap.NewNop())
	r2 := NewRelay(client, "", g2, zap.NewNop())
	go func() { _ = r1.Run(ctx) }()
	go func() { _ = r2.Run(ctx) }()

	require.Eventually(t, func() bool {
		subs, err := client.PubSubNumSub(ctx, DefaultRelayChannel).Result()
		return err == nil && subs[DefaultRelayChannel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	p, sid := connect(t, g2, "tok-alice")
	require.True(t, g2.Join(ctx, sid, "D1"))

	r1.Publish(models.FeverAlert{ClassifiedEvent: models.ClassifiedEvent{
		Reading:       models.Reading{DeviceID: "D1", Temperature: 39.2, Valid: true},
		FeverDetected: true,
		FeverSeverity: models.SeverityHigh,
	}})
	assert.Equal(t, models.EventFeverAlert, p.next(t).Event)

	n, err := r1.DeliverToUser(ctx, "alice", models.NotificationUpdate{Notification: models.Notification{ID: "n1", UserID: "alice"}})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.EventNotification, p.next(t).Event)

	n, err = r1.DeliverToUser(ctx, "bob", models.NotificationUpdate{Notification: models.Notification{ID: "n2", UserID: "bob"}})
	require.NoError(t, err)
	assert.Zero(t, n, "no instance holds a session for bob")
}

func TestRelay_DeliverToUserWithoutSubscribers(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	r := NewRelay(client, "", newTestGateway(Config{}), zap.NewNop())
	n, err := r.DeliverToUser(context.Background(), "alice", models.NotificationUpdate{Notification: models.Notification{ID: "n1", UserID: "alice"}})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, mr.Keys())
}
