package stream

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Consumer reads audit records from Kafka with manual commits: offsets
// advance only after the handler succeeds.
type Consumer struct {
	client     *kgo.Client
	logger     *zap.Logger
	topics     []string
	group      string
	running    int32
	pollCount  int64
	errorCount int64
}

// NewConsumer creates a Kafka consumer for the given group and topics.
func NewConsumer(brokers []string, group string, topics []string, logger *zap.Logger) (*Consumer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topics...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	c := &Consumer{
		client: client,
		logger: logger,
		topics: topics,
		group:  group,
	}

	logger.Info("audit consumer initialized",
		zap.Strings("brokers", brokers),
		zap.String("group", group),
		zap.Strings("topics", topics),
	)
	return c, nil
}

// Run polls records and calls handler for each, with bounded retries.
// Records whose handler keeps failing are skipped, not redelivered
// forever.
func (c *Consumer) Run(ctx context.Context, handler func(context.Context, Record) error) error {
	atomic.StoreInt32(&c.running, 1)
	defer atomic.StoreInt32(&c.running, 0)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("audit consumer stopping", zap.String("group", c.group))
			return ctx.Err()
		default:
			fetches := c.client.PollFetches(ctx)
			if fetches.IsClientClosed() {
				return fmt.Errorf("kafka client closed")
			}

			iter := fetches.RecordIter()
			for !iter.Done() {
				record := iter.Next()
				rec := Record{
					Topic:  record.Topic,
					Key:    string(record.Key),
					Value:  record.Value,
					Offset: record.Offset,
					At:     record.Timestamp,
				}

				if err := c.handleWithRetry(ctx, rec, handler); err != nil {
					c.logger.Error("audit handler failed after retries",
						zap.String("topic", rec.Topic),
						zap.String("key", rec.Key),
						zap.Error(err),
					)
					atomic.AddInt64(&c.errorCount, 1)
					continue
				}

				c.client.CommitRecords(ctx, record)
				atomic.AddInt64(&c.pollCount, 1)
			}
		}
	}
}

// IsRunning reports whether the consumer loop is active.
func (c *Consumer) IsRunning() bool {
	return atomic.LoadInt32(&c.running) == 1
}

// Close closes the consumer.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

func (c *Consumer) handleWithRetry(ctx context.Context, rec Record, handler func(context.Context, Record) error) error {
	const maxRetries = 3
	backoff := 100 * time.Millisecond

	for attempt := 0; attempt < maxRetries; attempt++ {
		err := handler(ctx, rec)
		if err == nil {
			return nil
		}
		if attempt < maxRetries-1 {
			c.logger.Warn("audit handler failed, retrying",
				zap.String("topic", rec.Topic),
				zap.Int("attempt", attempt+1),
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
	return fmt.Errorf("handler failed after %d attempts", maxRetries)
}
