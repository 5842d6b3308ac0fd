package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/redfire-quant/trading-core/internal/stream"
)

// Publisher drains the audit outbox to Kafka. Events that fail to
// publish stay unpublished and are retried on the next tick, so
// delivery is at-least-once; consumers dedupe on event id.
type Publisher struct {
	store     *Store
	producer  *stream.Producer
	logger    *zap.Logger
	interval  time.Duration
	batchSize int
}

// NewPublisher creates an outbox publisher.
func NewPublisher(store *Store, producer *stream.Producer, logger *zap.Logger) *Publisher {
	return &Publisher{
		store:     store,
		producer:  producer,
		logger:    logger,
		interval:  250 * time.Millisecond,
		batchSize: 100,
	}
}

// Run drains the outbox until the context is done.
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.publishBatch(ctx); err != nil {
				p.logger.Error("failed to publish audit batch", zap.Error(err))
				// Retried on the next tick.
			}
		}
	}
}

func (p *Publisher) publishBatch(ctx context.Context) error {
	events, err := p.store.ListUnpublished(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("failed to list unpublished events: %w", err)
	}
	if len(events) == 0 {
		return nil
	}

	now := time.Now().UnixMilli()
	published := 0

	for _, e := range events {
		err := p.producer.ProduceJSON(ctx, e.Topic, e.Key, json.RawMessage(e.PayloadJSON))
		if err != nil {
			p.logger.Error("failed to produce audit event",
				zap.String("event_id", e.EventID),
				zap.String("topic", e.Topic),
				zap.Error(err),
			)
			continue
		}

		if err := p.store.MarkPublished(ctx, e.EventID, now); err != nil {
			p.logger.Error("failed to mark audit event published",
				zap.String("event_id", e.EventID),
				zap.Error(err),
			)
			// Worst case the event is republished; consumers dedupe.
			continue
		}
		published++
	}

	if published > 0 {
		p.logger.Debug("published audit batch",
			zap.Int("published", published),
			zap.Int("total", len(events)),
		)
	}
	return nil
}
