package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

// DefaultRelayChannel pub/sub channel shared by every gateway instance
const DefaultRelayChannel = "botcareu:gateway:events"

const (
	ackWait = time.Second
	ackTTL  = 30 * time.Second
)

// relayMessage wire format between instances; Frame is the encoded envelope
type relayMessage struct {
	Kind  models.TargetKind `json:"kind"`
	ID    string            `json:"id"`
	Event string            `json:"event"`
	Frame json.RawMessage   `json:"frame"`
	// Ack names a list each receiving instance pushes its local delivery count to
	Ack string `json:"ack,omitempty"`
}

// Relay publishes events through Redis so every instance delivers them to its
// own sessions.
type Relay struct {
	client  *redis.Client
	channel string
	gateway *Gateway
	logger  *zap.Logger
}

func NewRelay(client *redis.Client, channel string, g *Gateway, logger *zap.Logger) *Relay {
	if channel == "" {
		channel = DefaultRelayChannel
	}
	return &Relay{client: client, channel: channel, gateway: g, logger: logger}
}

// Publish sends ev to every instance
func (r *Relay) Publish(ev models.Event) {
	if _, err := r.publish(context.Background(), ev.Target(), ev); err != nil {
		r.logger.Error("Failed to relay event", zap.String("event", ev.Name()), zap.Error(err))
	}
}

// DeliverToUser relays ev to the user's sessions on every instance and returns
// the number of live sessions that received it. Instances that do not answer
// within ackWait count as zero.
func (r *Relay) DeliverToUser(ctx context.Context, userID string, ev models.Event) (int, error) {
	ack := r.channel + ":ack:" + uuid.NewString()
	receivers, err := r.publishMessage(ctx, models.Target{Kind: models.TargetUser, ID: userID}, ev, ack)
	if err != nil || receivers == 0 {
		return 0, err
	}
	defer r.client.Del(context.Background(), ack)

	delivered := 0
	for i := 0; i < receivers; i++ {
		res, err := r.client.BLPop(ctx, ackWait, ack).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return delivered, fmt.Errorf("failed to read relay ack: %w", err)
		}
		n, err := strconv.Atoi(res[1])
		if err != nil {
			r.logger.Warn("Ignoring malformed relay ack", zap.String("value", res[1]))
			continue
		}
		delivered += n
	}
	return delivered, nil
}

func (r *Relay) publish(ctx context.Context, target models.Target, ev models.Event) (int, error) {
	return r.publishMessage(ctx, target, ev, "")
}

func (r *Relay) publishMessage(ctx context.Context, target models.Target, ev models.Event, ack string) (int, error) {
	frame, err := models.EncodeEvent(ev)
	if err != nil {
		return 0, err
	}
	payload, err := json.Marshal(relayMessage{Kind: target.Kind, ID: target.ID, Event: ev.Name(), Frame: frame, Ack: ack})
	if err != nil {
		return 0, fmt.Errorf("failed to marshal relay message: %w", err)
	}
	receivers, err := r.client.Publish(ctx, r.channel, payload).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to publish to %s: %w", r.channel, err)
	}
	return int(receivers), nil
}

// Run delivers relayed events to local sessions until ctx is done
func (r *Relay) Run(ctx context.Context) error {
	pubsub := r.client.Subscribe(ctx, r.channel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", r.channel, err)
	}
	r.logger.Info("Gateway relay subscribed", zap.String("channel", r.channel))

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m relayMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				r.logger.Warn("Dropping malformed relay message", zap.Error(err))
				continue
			}
			count := r.gateway.deliver(models.Target{Kind: m.Kind, ID: m.ID}, m.Event, m.Frame)
			if m.Ack != "" {
				r.ack(ctx, m.Ack, count)
			}
		}
	}
}

func (r *Relay) ack(ctx context.Context, key string, count int) {
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, count)
		p.Expire(ctx, key, ackTTL)
		return nil
	})
	if err != nil {
		r.logger.Warn("Failed to ack relay message", zap.String("key", key), zap.Error(err))
	}
}
