// Package consumer moves firmware data into the alert pipeline: MQTT
// messages are normalized onto Redis streams, and a consumer group drains
// the streams into the processing service.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	mqttcommon "github.com/Krx-21/BotCareU-sub001/common/mqtt"
	rediscommon "github.com/Krx-21/BotCareU-sub001/common/redis"
	"github.com/Krx-21/BotCareU-sub001/internal/config"
	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

// Subscriber MQTT subscription surface of common/mqtt.Client
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqttcommon.MessageHandler) error
	Unsubscribe(topics ...string) error
}

// DeviceResolver maps a hardware id to its registered device
type DeviceResolver interface {
	GetByDeviceID(ctx context.Context, deviceID string) (*models.Device, error)
}

// MQTTConsumer firmware message consumer
type MQTTConsumer struct {
	config      *config.Config
	subscriber  Subscriber
	redisClient *redis.Client
	devices     DeviceResolver
	validate    *validator.Validate
	logger      *zap.Logger

	now func() time.Time
}

// NewMQTTConsumer creates the MQTT consumer
func NewMQTTConsumer(
	cfg *config.Config,
	subscriber Subscriber,
	redisClient *redis.Client,
	devices DeviceResolver,
	logger *zap.Logger,
) *MQTTConsumer {
	return &MQTTConsumer{
		config:      cfg,
		subscriber:  subscriber,
		redisClient: redisClient,
		devices:     devices,
		validate:    validator.New(),
		logger:      logger,
		now:         time.Now,
	}
}

// Start subscribes both firmware topics and blocks until ctx is done
func (c *MQTTConsumer) Start(ctx context.Context) error {
	qos := c.config.MQTT.QoS
	if err := c.subscriber.Subscribe(c.config.Ingest.ReadingTopic, qos, c.handleReading); err != nil {
		return fmt.Errorf("failed to subscribe to reading topic: %w", err)
	}
	if err := c.subscriber.Subscribe(c.config.Ingest.StatusTopic, qos, c.handleStatus); err != nil {
		return fmt.Errorf("failed to subscribe to status topic: %w", err)
	}

	c.logger.Info("MQTT consumer started",
		zap.String("reading_topic", c.config.Ingest.ReadingTopic),
		zap.String("status_topic", c.config.Ingest.StatusTopic),
	)

	<-ctx.Done()
	return nil
}

// Stop unsubscribes
func (c *MQTTConsumer) Stop() error {
	if err := c.subscriber.Unsubscribe(c.config.Ingest.ReadingTopic, c.config.Ingest.StatusTopic); err != nil {
		c.logger.Error("Failed to unsubscribe", zap.Error(err))
		return err
	}
	c.logger.Info("MQTT consumer stopped")
	return nil
}

func (c *MQTTConsumer) handleReading(topic string, payload []byte) error {
	ctx := context.Background()

	var p readingPayload
	device, err := c.decode(ctx, topic, payload, &p)
	if err != nil {
		return err
	}

	reading := normalizeReading(p, device, c.now())
	streamID, err := rediscommon.PublishJSONToStream(ctx, c.redisClient, c.config.Ingest.ReadingStream, reading)
	if err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}

	c.logger.Debug("Published reading to Redis Streams",
		zap.String("device_id", reading.DeviceID),
		zap.Float64("temperature", reading.Temperature),
		zap.String("measurement_type", string(reading.Channel)),
		zap.String("stream_id", streamID),
	)
	return nil
}

func (c *MQTTConsumer) handleStatus(topic string, payload []byte) error {
	ctx := context.Background()

	var p statusPayload
	device, err := c.decode(ctx, topic, payload, &p)
	if err != nil {
		return err
	}

	report := normalizeStatus(p, device, c.now())
	streamID, err := rediscommon.PublishJSONToStream(ctx, c.redisClient, c.config.Ingest.StatusStream, report)
	if err != nil {
		return fmt.Errorf("failed to publish to stream: %w", err)
	}

	c.logger.Debug("Published status to Redis Streams",
		zap.String("device_id", report.DeviceID),
		zap.String("status", string(report.Status)),
		zap.String("stream_id", streamID),
	)
	return nil
}

// decode parses and validates payload into dest and resolves the device
// named by the topic
func (c *MQTTConsumer) decode(ctx context.Context, topic string, payload []byte, dest interface{}) (*models.Device, error) {
	hardwareID, err := deviceFromTopic(topic)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, dest); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	if err := validatePayload(c.validate, dest); err != nil {
		return nil, err
	}

	device, err := c.devices.GetByDeviceID(ctx, hardwareID)
	if err != nil {
		c.logger.Warn("Device not found",
			zap.String("device_id", hardwareID),
			zap.Error(err),
		)
		return nil, fmt.Errorf("device not found: %s", hardwareID)
	}
	return device, nil
}
