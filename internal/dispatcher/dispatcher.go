// Package dispatcher turns alert triggers into notifications and delivers them
// over every target channel with per-channel retry accounting.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/backoff"
	"github.com/Krx-21/BotCareU-sub001/internal/metrics"
	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

var (
	ErrDeliveryFailure   = errors.New("delivery failure")
	ErrDeliveryExhausted = errors.New("delivery exhausted")
	ErrNoChannels        = errors.New("no delivery channels")
	ErrAttemptTimeout    = errors.New("delivery attempt timed out")
)

// DeliveryError one failed attempt on one channel. Unwraps to
// ErrDeliveryExhausted once the channel budget is spent, ErrDeliveryFailure
// before that, and to the sender's own error.
type DeliveryError struct {
	Channel   models.Channel
	Attempt   int
	Exhausted bool
	Err       error
}

func (e *DeliveryError) Error() string {
	kind := "failed"
	if e.Exhausted {
		kind = "exhausted"
	}
	return fmt.Sprintf("channel %s %s on attempt %d: %v", e.Channel, kind, e.Attempt, e.Err)
}

func (e *DeliveryError) Unwrap() []error {
	if e.Exhausted {
		return []error{ErrDeliveryExhausted, e.Err}
	}
	return []error{ErrDeliveryFailure, e.Err}
}

// Sender delivers a notification over one channel
type Sender interface {
	Channel() models.Channel
	Send(ctx context.Context, n models.Notification) error
}

// Store persists notification records
type Store interface {
	Create(ctx context.Context, n models.Notification) error
	// UpdateDelivery returns the stored record; read and archive flags there
	// belong to the user and win over the dispatcher's copy
	UpdateDelivery(ctx context.Context, n models.Notification) (*models.Notification, error)
}

// Publisher broadcasts events to realtime subscribers
type Publisher interface {
	Publish(ev models.Event)
}

// DeliveryPolicy decides when a notification counts as delivered
type DeliveryPolicy string

const (
	// PolicyAnyChannel delivered when at least one channel reached sent
	PolicyAnyChannel DeliveryPolicy = "any"
	// PolicyAllForCritical critical notifications need every channel sent
	PolicyAllForCritical DeliveryPolicy = "all_for_critical"
)

// Config dispatcher tuning
type Config struct {
	MaxRetries      int
	BaseBackoff     time.Duration
	MaxBackoff      time.Duration
	AttemptTimeout  time.Duration
	Policy          DeliveryPolicy
	DefaultChannels map[models.Priority][]models.Channel
}

// DefaultChannelsByPriority channels used when a request names none
func DefaultChannelsByPriority() map[models.Priority][]models.Channel {
	return map[models.Priority][]models.Channel{
		models.PriorityLow:      {models.ChannelRealtime},
		models.PriorityNormal:   {models.ChannelRealtime, models.ChannelPush},
		models.PriorityHigh:     {models.ChannelRealtime, models.ChannelPush, models.ChannelEmail},
		models.PriorityCritical: {models.ChannelRealtime, models.ChannelPush, models.ChannelEmail, models.ChannelSMS},
	}
}

// Request one triggering event
type Request struct {
	UserID   string
	DeviceID string
	Type     models.NotificationType
	Priority models.Priority
	Title    string
	Message  string
	Data     map[string]interface{}
	Channels []models.Channel
}

// Outcome final state of a dispatched notification
type Outcome struct {
	Notification models.Notification
	Delivered    bool
	Failures     map[models.Channel]error
}

// Dispatcher creates and delivers notifications. Each notification has a
// single owner goroutine that applies every status transition; channel
// workers only report results to it.
type Dispatcher struct {
	cfg       Config
	senders   map[models.Channel]Sender
	store     Store
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	wg    sync.WaitGroup
}

// NewDispatcher creates a dispatcher. store and publisher may be nil.
func NewDispatcher(cfg Config, senders []Sender, store Store, publisher Publisher, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = models.DefaultMaxRetries
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyAnyChannel
	}
	if cfg.DefaultChannels == nil {
		cfg.DefaultChannels = DefaultChannelsByPriority()
	}

	bySender := make(map[models.Channel]Sender, len(senders))
	for _, s := range senders {
		bySender[s.Channel()] = s
	}

	return &Dispatcher{
		cfg:       cfg,
		senders:   bySender,
		store:     store,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

// Dispatch creates one notification for req and blocks until every channel
// has settled.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Outcome, error) {
	n, err := d.create(ctx, req)
	if err != nil {
		return nil, err
	}
	return d.deliver(ctx, n), nil
}

// Enqueue creates the notification synchronously and delivers it in the
// background. Wait blocks until background deliveries finish.
func (d *Dispatcher) Enqueue(ctx context.Context, req Request) (string, error) {
	n, err := d.create(ctx, req)
	if err != nil {
		return "", err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(ctx, n)
	}()
	return n.ID, nil
}

// Wait blocks until every Enqueue'd delivery settled
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) create(ctx context.Context, req Request) (models.Notification, error) {
	if req.UserID == "" {
		return models.Notification{}, fmt.Errorf("notification requires a user id")
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}

	channels := dedupeChannels(req.Channels)
	if len(channels) == 0 {
		channels = dedupeChannels(d.cfg.DefaultChannels[req.Priority])
	}
	if len(channels) == 0 {
		return models.Notification{}, ErrNoChannels
	}

	now := d.now().UTC()
	n := models.Notification{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		DeviceID:   req.DeviceID,
		Type:       req.Type,
		Priority:   req.Priority,
		Title:      req.Title,
		Message:    req.Message,
		Data:       req.Data,
		Channels:   channels,
		Delivery:   make(map[models.Channel]models.ChannelDelivery, len(channels)),
		MaxRetries: d.cfg.MaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for _, ch := range channels {
		n.Delivery[ch] = models.ChannelDelivery{Status: models.DeliveryPending, UpdatedAt: now}
	}

	if d.store != nil {
		if err := d.store.Create(ctx, n); err != nil {
			return models.Notification{}, fmt.Errorf("failed to store notification: %w", err)
		}
	}

	d.logger.Info("Notification created",
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.UserID),
		zap.String("type", string(n.Type)),
		zap.String("priority", string(n.Priority)),
		zap.Int("channels", len(channels)),
	)
	d.publish(n)
	return n, nil
}

// channelResult a status transition reported by a channel worker
type channelResult struct {
	channel  models.Channel
	status   models.DeliveryStatus
	attempts int
	err      error
}

// deliver runs the channel workers and applies their results. The caller's
// goroutine is the single writer for n.
func (d *Dispatcher) deliver(ctx context.Context, n models.Notification) *Outcome {
	results := make(chan channelResult, len(n.Channels))
	for _, ch := range n.Channels {
		go d.runChannel(ctx, n.Clone(), ch, results)
	}

	failures := make(map[models.Channel]error)
	remaining := len(n.Channels)
	for remaining > 0 {
		res := <-results
		cur := n.Delivery[res.channel]
		if !cur.Status.CanTransition(res.status) {
			d.logger.Warn("Rejected delivery transition",
				zap.String("notification_id", n.ID),
				zap.String("channel", string(res.channel)),
				zap.String("from", string(cur.Status)),
				zap.String("to", string(res.status)),
			)
			if res.status.Terminal() {
				remaining--
			}
			continue
		}

		now := d.now().UTC()
		next := models.ChannelDelivery{Status: res.status, Attempts: res.attempts, UpdatedAt: now}
		if res.err != nil {
			next.LastError = res.err.Error()
		}
		n.Delivery[res.channel] = next
		n.RetryCount = retryCount(n)
		n.UpdatedAt = now

		if res.status == models.DeliveryExhausted {
			failures[res.channel] = res.err
		}
		if res.status.Terminal() {
			remaining--
			d.metrics.DeliveryOutcome(string(res.channel), string(res.status))
		}

		if d.store != nil {
			stored, err := d.store.UpdateDelivery(ctx, n)
			if err != nil {
				d.logger.Error("Failed to persist delivery status",
					zap.String("notification_id", n.ID),
					zap.String("channel", string(res.channel)),
					zap.Error(err),
				)
			} else if stored != nil {
				n.IsRead = stored.IsRead
				n.IsArchived = stored.IsArchived
				if stored.UpdatedAt.After(n.UpdatedAt) {
					n.UpdatedAt = stored.UpdatedAt
				}
			}
		}
		d.publish(n)
	}

	delivered := d.delivered(n)
	d.metrics.NotificationSettled(string(n.Type), delivered)
	d.logger.Info("Notification settled",
		zap.String("notification_id", n.ID),
		zap.Bool("delivered", delivered),
		zap.Int("retry_count", n.RetryCount),
	)
	return &Outcome{Notification: n.Clone(), Delivered: delivered, Failures: failures}
}

// runChannel attempts one channel up to MaxRetries times and reports every
// transition. It always ends with a terminal result.
func (d *Dispatcher) runChannel(ctx context.Context, n models.Notification, ch models.Channel, results chan<- channelResult) {
	sender, ok := d.senders[ch]
	if !ok {
		err := &DeliveryError{Channel: ch, Attempt: 0, Exhausted: true, Err: fmt.Errorf("no sender for channel %s", ch)}
		results <- channelResult{channel: ch, status: models.DeliveryExhausted, err: err}
		return
	}

	policy := backoff.Policy{Base: d.cfg.BaseBackoff, Max: d.cfg.MaxBackoff}
	var inflight <-chan error
	for attempt := 1; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 1 {
			if err := d.sleep(ctx, policy.Delay(attempt-2)); err != nil {
				results <- channelResult{channel: ch, status: models.DeliveryExhausted, attempts: attempt - 1,
					err: &DeliveryError{Channel: ch, Attempt: attempt - 1, Exhausted: true, Err: err}}
				return
			}
		}

		// an abandoned attempt must return before the next one starts
		if inflight != nil {
			select {
			case <-inflight:
			case <-ctx.Done():
				results <- channelResult{channel: ch, status: models.DeliveryExhausted, attempts: attempt - 1,
					err: &DeliveryError{Channel: ch, Attempt: attempt - 1, Exhausted: true, Err: ctx.Err()}}
				return
			}
			inflight = nil
		}

		start := d.now()
		pending, err := d.attempt(ctx, sender, n)
		inflight = pending

		if err == nil {
			d.metrics.DeliveryAttempt(string(ch), "sent", d.now().Sub(start))
			results <- channelResult{channel: ch, status: models.DeliverySent, attempts: attempt}
			return
		}

		result := "failed"
		if errors.Is(err, ErrAttemptTimeout) {
			result = "timeout"
		}
		d.metrics.DeliveryAttempt(string(ch), result, d.now().Sub(start))

		exhausted := attempt >= d.cfg.MaxRetries
		derr := &DeliveryError{Channel: ch, Attempt: attempt, Exhausted: exhausted, Err: err}
		d.logger.Warn("Delivery attempt failed",
			zap.String("notification_id", n.ID),
			zap.String("channel", string(ch)),
			zap.Int("attempt", attempt),
			zap.Bool("exhausted", exhausted),
			zap.Error(err),
		)

		status := models.DeliveryFailed
		if exhausted {
			status = models.DeliveryExhausted
		}
		results <- channelResult{channel: ch, status: status, attempts: attempt, err: derr}
		if exhausted {
			return
		}
	}
}

// attempt runs one Send bounded by AttemptTimeout. On timeout the send is
// abandoned and the returned channel fires once it actually returns.
func (d *Dispatcher) attempt(ctx context.Context, sender Sender, n models.Notification) (<-chan error, error) {
	actx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	done := make(chan error, 1)
	go func() {
		defer cancel()
		done <- sender.Send(actx, n)
	}()

	select {
	case err := <-done:
		return nil, err
	case <-actx.Done():
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		return done, fmt.Errorf("%w after %s", ErrAttemptTimeout, d.cfg.AttemptTimeout)
	}
}

func (d *Dispatcher) delivered(n models.Notification) bool {
	if d.cfg.Policy == PolicyAllForCritical && n.Priority == models.PriorityCritical {
		return n.AllSent()
	}
	return n.AnySent()
}

func (d *Dispatcher) publish(n models.Notification) {
	if d.publisher == nil {
		return
	}
	d.publisher.Publish(models.NotificationUpdate{Notification: n.Clone()})
}

// retryCount moves only once every channel has been tried at least once;
// then it is the highest retry count across channels.
func retryCount(n models.Notification) int {
	max := 0
	for _, ch := range n.Channels {
		a := n.Delivery[ch].Attempts
		if a == 0 {
			return n.RetryCount
		}
		if a-1 > max {
			max = a - 1
		}
	}
	return max
}

func dedupeChannels(in []models.Channel) []models.Channel {
	seen := make(map[models.Channel]bool, len(in))
	out := make([]models.Channel, 0, len(in))
	for _, ch := range in {
		if ch == "" || seen[ch] {
			continue
		}
		seen[ch] = true
		out = append(out, ch)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
