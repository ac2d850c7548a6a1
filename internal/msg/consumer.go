package msg

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Handler processes one consumed record. A nil return commits the offset;
// an error after retries skips the record and moves on.
type Handler func(ctx context.Context, rec Record) error

// Consumer wraps a Kafka consumer group with manual offset commits.
type Consumer struct {
	client    *kgo.Client
	logger    *zap.Logger
	topics    []string
	group     string
	running   int32
	processed int64
	errored   int64
}

// NewConsumer creates a consumer group member for the given topics.
func NewConsumer(brokers []string, group string, topics []string, logger *zap.Logger) (*Consumer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(), // commit only after the handler succeeds
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	c := &Consumer{
		client: client,
		logger: logger,
		topics: topics,
		group:  group,
	}
	logger.Info("consumer initialized",
		zap.Strings("brokers", brokers),
		zap.String("group", group),
		zap.Strings("topics", topics),
	)
	return c, nil
}

// Run consumes until ctx is canceled, invoking handler per record.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	c.logger.Info("starting consumer", zap.String("group", c.group))

	atomic.StoreInt32(&c.running, 1)
	defer atomic.StoreInt32(&c.running, 0)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("consumer stopping", zap.String("group", c.group))
			return ctx.Err()
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return fmt.Errorf("kafka client closed")
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			record := iter.Next()
			rec := Record{
				Topic:     record.Topic,
				Key:       string(record.Key),
				Value:     record.Value,
				Partition: record.Partition,
				Offset:    record.Offset,
				Timestamp: record.Timestamp.UnixMilli(),
			}

			if err := c.handleWithRetry(ctx, rec, handler); err != nil {
				c.logger.Error("handler failed after retries",
					zap.String("topic", rec.Topic),
					zap.String("key", rec.Key),
					zap.Int64("offset", rec.Offset),
					zap.Error(err),
				)
				atomic.AddInt64(&c.errored, 1)
				continue
			}

			c.client.CommitRecords(ctx, record)
			atomic.AddInt64(&c.processed, 1)
		}
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, rec Record, handler Handler) error {
	const maxAttempts = 3
	backoff := 100 * time.Millisecond

	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = handler(ctx, rec); err == nil {
			return nil
		}
		if attempt < maxAttempts {
			c.logger.Warn("handler failed, retrying",
				zap.String("topic", rec.Topic),
				zap.String("key", rec.Key),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("handler failed after %d attempts: %w", maxAttempts, err)
}

// IsRunning reports whether the consume loop is active.
func (c *Consumer) IsRunning() bool {
	return atomic.LoadInt32(&c.running) == 1
}

// Close shuts the consumer down.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}
