package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	rediscommon "github.com/Krx-21/BotCareU-sub001/common/redis"
	"github.com/Krx-21/BotCareU-sub001/internal/backoff"
	"github.com/Krx-21/BotCareU-sub001/internal/config"
	"github.com/Krx-21/BotCareU-sub001/internal/models"
)

// Processor handles normalized firmware records
type Processor interface {
	ProcessReading(ctx context.Context, r models.Reading) error
	ProcessStatus(ctx context.Context, report models.StatusReport) error
}

// StreamConsumer Redis Streams consumer feeding the processor
type StreamConsumer struct {
	config      *config.Config
	redisClient *redis.Client
	processor   Processor
	backoff     backoff.Policy
	logger      *zap.Logger
}

// NewStreamConsumer creates the stream consumer
func NewStreamConsumer(
	cfg *config.Config,
	redisClient *redis.Client,
	processor Processor,
	logger *zap.Logger,
) *StreamConsumer {
	return &StreamConsumer{
		config:      cfg,
		redisClient: redisClient,
		processor:   processor,
		backoff:     backoff.Policy{Base: time.Second, Max: 30 * time.Second},
		logger:      logger,
	}
}

func (c *StreamConsumer) streams() []string {
	return []string{c.config.Ingest.ReadingStream, c.config.Ingest.StatusStream}
}

// Start creates the consumer group and consumes until ctx is done. Read
// errors back off exponentially; per-message errors are logged and acked.
func (c *StreamConsumer) Start(ctx context.Context) error {
	for _, stream := range c.streams() {
		if err := rediscommon.CreateConsumerGroup(ctx, c.redisClient, stream, c.config.Ingest.ConsumerGroup); err != nil {
			return fmt.Errorf("failed to create consumer group for %s: %w", stream, err)
		}
	}

	c.logger.Info("Stream consumer started",
		zap.String("consumer_group", c.config.Ingest.ConsumerGroup),
		zap.String("consumer_name", c.config.Ingest.ConsumerName),
	)

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, err := c.ConsumeOnce(ctx, c.config.Ingest.Block)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}

		delay := c.backoff.Delay(failures)
		failures++
		c.logger.Error("Failed to consume streams",
			zap.Error(err),
			zap.Duration("backoff", delay),
		)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// ConsumeOnce reads one batch, processes it and acks every entry. It returns
// the number of entries read.
func (c *StreamConsumer) ConsumeOnce(ctx context.Context, block time.Duration) (int, error) {
	messages, err := rediscommon.ReadFromStreams(
		ctx,
		c.redisClient,
		c.streams(),
		c.config.Ingest.ConsumerGroup,
		c.config.Ingest.ConsumerName,
		c.config.Ingest.BatchSize,
		block,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to read from streams: %w", err)
	}

	for _, msg := range messages {
		if err := c.processMessage(ctx, msg); err != nil {
			c.logger.Error("Failed to process message",
				zap.String("stream", msg.Stream),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
		if err := rediscommon.Ack(ctx, c.redisClient, msg.Stream, c.config.Ingest.ConsumerGroup, msg.ID); err != nil {
			c.logger.Warn("Failed to ack message",
				zap.String("stream", msg.Stream),
				zap.String("message_id", msg.ID),
				zap.Error(err),
			)
		}
	}
	return len(messages), nil
}

func (c *StreamConsumer) processMessage(ctx context.Context, msg rediscommon.StreamMessage) error {
	data, err := msg.Data()
	if err != nil {
		return err
	}

	switch msg.Stream {
	case c.config.Ingest.ReadingStream:
		var r models.Reading
		if err := json.Unmarshal(data, &r); err != nil {
			return fmt.Errorf("failed to unmarshal reading: %w", err)
		}
		return c.processor.ProcessReading(ctx, r)
	case c.config.Ingest.StatusStream:
		var report models.StatusReport
		if err := json.Unmarshal(data, &report); err != nil {
			return fmt.Errorf("failed to unmarshal status: %w", err)
		}
		return c.processor.ProcessStatus(ctx, report)
	default:
		return fmt.Errorf("unknown stream: %s", msg.Stream)
	}
}
