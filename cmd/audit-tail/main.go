package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/redfire-quant/trading-core/internal/config"
	"github.com/redfire-quant/trading-core/internal/logging"
	"github.com/redfire-quant/trading-core/internal/stream"
)

// audit-tail follows the audit topics and logs every record. Useful
// for eyeballing what the core is emitting without a Kafka UI.
func main() {
	cfg := config.LoadConfig("audit-tail")

	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting audit-tail",
		zap.String("kafka_brokers", cfg.KafkaBrokers),
	)

	consumer, err := stream.NewConsumer(
		cfg.Brokers(),
		"audit-tail-v1",
		[]string{stream.TopicOrdersAudit, stream.TopicTradesAudit},
		logger,
	)
	if err != nil {
		logger.Fatal("failed to create kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- consumer.Run(ctx, func(ctx context.Context, rec stream.Record) error {
			return logRecord(logger, rec)
		})
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		<-errCh
	case err := <-errCh:
		if err != nil && err != context.Canceled {
			logger.Error("consumer stopped with error", zap.Error(err))
		}
	}

	logger.Info("audit-tail stopped")
}

func logRecord(logger *zap.Logger, rec stream.Record) error {
	switch rec.Topic {
	case stream.TopicOrdersAudit:
		var msg stream.OrderAuditMsg
		if err := json.Unmarshal(rec.Value, &msg); err != nil {
			return fmt.Errorf("failed to decode order audit record: %w", err)
		}
		logger.Info("order",
			zap.String("correlation_id", msg.CorrelationID),
			zap.String("gateway", msg.Gateway),
			zap.String("symbol", msg.Symbol),
			zap.String("direction", msg.Direction),
			zap.String("state", msg.State),
			zap.String("volume", msg.Volume.String()),
			zap.String("filled_volume", msg.FilledVolume.String()),
			zap.String("avg_fill_price", msg.AvgFillPrice.String()),
			zap.String("reason", msg.Reason),
			zap.Int64("offset", rec.Offset),
		)

	case stream.TopicTradesAudit:
		var msg stream.TradeAuditMsg
		if err := json.Unmarshal(rec.Value, &msg); err != nil {
			return fmt.Errorf("failed to decode trade audit record: %w", err)
		}
		logger.Info("trade",
			zap.String("venue_trade_id", msg.VenueTradeID),
			zap.String("correlation_id", msg.CorrelationID),
			zap.String("price", msg.Price.String()),
			zap.String("volume", msg.Volume.String()),
			zap.Int64("offset", rec.Offset),
		)

	default:
		logger.Warn("record on unexpected topic", zap.String("topic", rec.Topic))
	}
	return nil
}
