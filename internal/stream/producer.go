package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Producer publishes audit messages to Kafka.
type Producer struct {
	client       *kgo.Client
	logger       *zap.Logger
	quit         chan struct{}
	produceCount int64
	errorCount   int64
}

// NewProducer creates a Kafka producer requiring acknowledgement from
// all in-sync replicas.
func NewProducer(brokers []string, logger *zap.Logger) (*Producer, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	p := &Producer{
		client: client,
		logger: logger,
		quit:   make(chan struct{}),
	}

	logger.Info("audit producer initialized", zap.Strings("brokers", brokers))
	go p.logStats()
	return p, nil
}

// ProduceJSON marshals v and produces it synchronously to topic.
func (p *Producer) ProduceJSON(ctx context.Context, topic, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		atomic.AddInt64(&p.errorCount, 1)
		return fmt.Errorf("failed to marshal audit message: %w", err)
	}

	produceCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result := p.client.ProduceSync(produceCtx, &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: data,
	})
	if result.FirstErr() != nil {
		atomic.AddInt64(&p.errorCount, 1)
		return fmt.Errorf("failed to produce audit message: %w", result.FirstErr())
	}

	atomic.AddInt64(&p.produceCount, 1)
	return nil
}

// Close closes the producer.
func (p *Producer) Close() {
	close(p.quit)
	if p.client != nil {
		p.client.Close()
	}
}

// logStats logs producer statistics periodically.
func (p *Producer) logStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
			return
		case <-ticker.C:
			p.logger.Info("audit producer stats",
				zap.Int64("produced", atomic.LoadInt64(&p.produceCount)),
				zap.Int64("errors", atomic.LoadInt64(&p.errorCount)),
			)
		}
	}
}
