package dispatcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

type fakeSender struct {
	channel models.Channel
	send    func(ctx context.Context, n models.Notification) error
	calls   int32
}

func (f *fakeSender) Channel() models.Channel { return f.channel }

func (f *fakeSender) Send(ctx context.Context, n models.Notification) error {
	atomic.AddInt32(&f.calls, 1)
	if f.send == nil {
		return nil
	}
	return f.send(ctx, n)
}

func failing(err error) func(context.Context, models.Notification) error {
	return func(context.Context, models.Notification) error { return err }
}

type memoryStore struct {
	mu      sync.Mutex
	created []models.Notification
	updates []models.Notification
	read    bool
}

// markRead the owner reads the notification while delivery is running
func (s *memoryStore) markRead() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.read = true
}

func (s *memoryStore) Create(_ context.Context, n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, n.Clone())
	return nil
}

func (s *memoryStore) UpdateDelivery(_ context.Context, n models.Notification) (*models.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, n.Clone())
	stored := n.Clone()
	stored.IsRead = s.read
	return &stored, nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.NotificationUpdate
}

func (p *recordingPublisher) Publish(ev models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if nu, ok := ev.(models.NotificationUpdate); ok {
		p.events = append(p.events, nu)
	}
}

func newTestDispatcher(cfg Config, senders ...Sender) (*Dispatcher, *memoryStore, *recordingPublisher) {
	store := &memoryStore{}
	pub := &recordingPublisher{}
	d := NewDispatcher(cfg, senders, store, pub, nil, zap.NewNop())
	d.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
	return d, store, pub
}

func TestDispatch_PushExhaustedRealtimeSent(t *testing.T) {
	push := &fakeSender{channel: models.ChannelPush, send: failing(errors.New("provider 503"))}
	realtime := &fakeSender{channel: models.ChannelRealtime}
	d, store, pub := newTestDispatcher(Config{}, push, realtime)

	out, err := d.Dispatch(context.Background(), Request{
		UserID:   "u1",
		DeviceID: "D1",
		Type:     models.NotificationFeverAlert,
		Priority: models.PriorityHigh,
		Channels: []models.Channel{models.ChannelPush, models.ChannelRealtime},
	})
	require.NoError(t, err)

	n := out.Notification
	assert.True(t, out.Delivered)
	assert.Equal(t, models.DeliveryExhausted, n.Delivery[models.ChannelPush].Status)
	assert.Equal(t, 3, n.Delivery[models.ChannelPush].Attempts)
	assert.Equal(t, models.DeliverySent, n.Delivery[models.ChannelRealtime].Status)
	assert.Equal(t, 2, n.RetryCount)
	assert.Equal(t, int32(3), atomic.LoadInt32(&push.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&realtime.calls))

	require.Contains(t, out.Failures, models.ChannelPush)
	assert.ErrorIs(t, out.Failures[models.ChannelPush], ErrDeliveryExhausted)
	var derr *DeliveryError
	require.ErrorAs(t, out.Failures[models.ChannelPush], &derr)
	assert.Equal(t, 3, derr.Attempt)

	require.Len(t, store.created, 1)
	assert.Equal(t, models.DeliveryPending, store.created[0].Delivery[models.ChannelPush].Status)
	// push: failed, failed, exhausted; realtime: sent
	assert.Len(t, store.updates, 4)
	// created + one per transition
	assert.Len(t, pub.events, 5)
}

func TestDispatch_TransitionsAreMonotonic(t *testing.T) {
	var calls int32
	push := &fakeSender{channel: models.ChannelPush, send: func(context.Context, models.Notification) error {
		if atomic.AddInt32(&calls, 1) < 2 {
			return errors.New("flaky")
		}
		return nil
	}}
	email := &fakeSender{channel: models.ChannelEmail, send: failing(errors.New("smtp down"))}
	d, _, pub := newTestDispatcher(Config{MaxRetries: 4}, push, email)

	out, err := d.Dispatch(context.Background(), Request{
		UserID:   "u1",
		Type:     models.NotificationLowBattery,
		Channels: []models.Channel{models.ChannelPush, models.ChannelEmail},
	})
	require.NoError(t, err)
	assert.Equal(t, models.DeliverySent, out.Notification.Delivery[models.ChannelPush].Status)
	assert.Equal(t, models.DeliveryExhausted, out.Notification.Delivery[models.ChannelEmail].Status)

	last := map[models.Channel]models.DeliveryStatus{}
	for _, ev := range pub.events {
		for ch, del := range ev.Delivery {
			prev, seen := last[ch]
			if seen && prev != del.Status {
				assert.True(t, prev.CanTransition(del.Status), "%s: %s -> %s", ch, prev, del.Status)
			}
			last[ch] = del.Status
		}
	}
}

func TestDispatch_RetryCountWaitsForEveryChannel(t *testing.T) {
	n := models.Notification{
		Channels: []models.Channel{models.ChannelPush, models.ChannelSMS},
		Delivery: map[models.Channel]models.ChannelDelivery{
			models.ChannelPush: {Status: models.DeliveryFailed, Attempts: 2},
			models.ChannelSMS:  {Status: models.DeliveryPending},
		},
	}
	assert.Equal(t, 0, retryCount(n))

	n.Delivery[models.ChannelSMS] = models.ChannelDelivery{Status: models.DeliverySent, Attempts: 1}
	assert.Equal(t, 1, retryCount(n))
}

func TestDispatch_AttemptTimeoutNeverOverlaps(t *testing.T) {
	var inflight, maxInflight int32
	slow := &fakeSender{channel: models.ChannelSMS, send: func(ctx context.Context, _ models.Notification) error {
		cur := atomic.AddInt32(&inflight, 1)
		for {
			old := atomic.LoadInt32(&maxInflight)
			if cur <= old || atomic.CompareAndSwapInt32(&maxInflight, old, cur) {
				break
			}
		}
		// ignores ctx on purpose
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inflight, -1)
		return nil
	}}
	d, _, _ := newTestDispatcher(Config{AttemptTimeout: 5 * time.Millisecond}, slow)

	out, err := d.Dispatch(context.Background(), Request{
		UserID:   "u1",
		Type:     models.NotificationEmergency,
		Channels: []models.Channel{models.ChannelSMS},
	})
	require.NoError(t, err)
	assert.False(t, out.Delivered)
	assert.Equal(t, models.DeliveryExhausted, out.Notification.Delivery[models.ChannelSMS].Status)
	assert.ErrorIs(t, out.Failures[models.ChannelSMS], ErrAttemptTimeout)
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInflight))
	assert.Equal(t, int32(3), atomic.LoadInt32(&slow.calls))
}

func TestDispatch_AllForCriticalPolicy(t *testing.T) {
	push := &fakeSender{channel: models.ChannelPush, send: failing(errors.New("nope"))}
	realtime := &fakeSender{channel: models.ChannelRealtime}
	d, _, _ := newTestDispatcher(Config{Policy: PolicyAllForCritical}, push, realtime)

	req := Request{
		UserID:   "u1",
		Type:     models.NotificationFeverAlert,
		Priority: models.PriorityCritical,
		Channels: []models.Channel{models.ChannelPush, models.ChannelRealtime},
	}
	out, err := d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, out.Delivered)

	req.Priority = models.PriorityHigh
	out, err = d.Dispatch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, out.Delivered)
}

func TestDispatch_DefaultChannelsAndMissingSender(t *testing.T) {
	realtime := &fakeSender{channel: models.ChannelRealtime}
	d, _, _ := newTestDispatcher(Config{}, realtime)

	out, err := d.Dispatch(context.Background(), Request{
		UserID:   "u1",
		Type:     models.NotificationFeverAlert,
		Priority: models.PriorityNormal,
	})
	require.NoError(t, err)
	assert.Equal(t, []models.Channel{models.ChannelRealtime, models.ChannelPush}, out.Notification.Channels)
	assert.Equal(t, models.DeliverySent, out.Notification.Delivery[models.ChannelRealtime].Status)
	assert.Equal(t, models.DeliveryExhausted, out.Notification.Delivery[models.ChannelPush].Status)
	assert.True(t, out.Delivered)
}

func TestDispatch_RequiresUser(t *testing.T) {
	d, _, _ := newTestDispatcher(Config{})
	_, err := d.Dispatch(context.Background(), Request{Type: models.NotificationInfo})
	assert.Error(t, err)
}

func TestDispatch_CancelledContextExhausts(t *testing.T) {
	push := &fakeSender{channel: models.ChannelPush, send: failing(errors.New("down"))}
	d, _, _ := newTestDispatcher(Config{}, push)
	ctx, cancel := context.WithCancel(context.Background())
	d.sleep = func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}

	out, err := d.Dispatch(ctx, Request{UserID: "u1", Channels: []models.Channel{models.ChannelPush}})
	require.NoError(t, err)
	assert.Equal(t, models.DeliveryExhausted, out.Notification.Delivery[models.ChannelPush].Status)
	assert.Equal(t, int32(1), atomic.LoadInt32(&push.calls))
}

func TestEnqueue_DeliversInBackground(t *testing.T) {
	realtime := &fakeSender{channel: models.ChannelRealtime}
	d, store, _ := newTestDispatcher(Config{}, realtime)

	id, err := d.Enqueue(context.Background(), Request{UserID: "u1", Priority: models.PriorityLow})
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	d.Wait()

	store.mu.Lock()
	defer store.mu.Unlock()
	require.NotEmpty(t, store.updates)
	assert.Equal(t, models.DeliverySent, store.updates[len(store.updates)-1].Delivery[models.ChannelRealtime].Status)
}

func TestDispatch_KeepsReadFlagFromStore(t *testing.T) {
	var store *memoryStore
	var calls int32
	push := &fakeSender{channel: models.ChannelPush, send: func(context.Context, models.Notification) error {
		if atomic.AddInt32(&calls, 1) == 1 {
			store.markRead()
			return errors.New("provider 503")
		}
		return nil
	}}
	d, s, pub := newTestDispatcher(Config{}, push)
	store = s

	out, err := d.Dispatch(context.Background(), Request{
		UserID:   "u1",
		Type:     models.NotificationFeverAlert,
		Priority: models.PriorityHigh,
		Channels: []models.Channel{models.ChannelPush},
	})
	require.NoError(t, err)
	assert.True(t, out.Notification.IsRead)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.events, 3)
	assert.False(t, pub.events[0].IsRead, "created before the owner read it")
	for _, ev := range pub.events[1:] {
		assert.True(t, ev.IsRead, "delivery updates must not clear the read flag")
	}
}
