package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/redfire-quant/trading-core/internal/archive"
	"github.com/redfire-quant/trading-core/internal/bus"
	"github.com/redfire-quant/trading-core/internal/chaos"
	"github.com/redfire-quant/trading-core/internal/config"
	"github.com/redfire-quant/trading-core/internal/engine"
	"github.com/redfire-quant/trading-core/internal/event"
	"github.com/redfire-quant/trading-core/internal/gateway"
	"github.com/redfire-quant/trading-core/internal/gateway/sim"
	"github.com/redfire-quant/trading-core/internal/logging"
	"github.com/redfire-quant/trading-core/internal/observability"
	"github.com/redfire-quant/trading-core/internal/order"
	"github.com/redfire-quant/trading-core/internal/stream"
)

func main() {
	// Load configuration
	cfg := config.LoadConfig("trading-core")

	// Initialize logger
	logger, err := logging.NewLogger(cfg.ServiceName, cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting trading-core service",
		zap.Int("grpc_port", cfg.GRPCPort),
		zap.Int("http_port", cfg.HTTPPort),
		zap.String("kafka_brokers", cfg.KafkaBrokers),
		zap.String("data_dir", cfg.DataDir),
	)

	// Create data directory
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}

	// Open the archive store
	dbPath := filepath.Join(cfg.DataDir, "archive.db")
	store, err := archive.Open(dbPath)
	if err != nil {
		logger.Fatal("failed to open archive store", zap.Error(err))
	}
	defer store.Close()
	logger.Info("archive store opened", zap.String("path", dbPath))

	// Wire the core: bus, registry, coordinator
	eventBus := bus.New(cfg.BusQueueSize, cfg.BusStopGrace, logger)
	registry := order.NewRegistry(cfg.SubmitTimeout, cfg.OrderRetention, logger)
	coordinator := engine.New(eventBus, registry, engine.Config{
		SubmitTimeout:    cfg.SubmitTimeout,
		CancelTimeout:    cfg.SubmitTimeout,
		TimerInterval:    cfg.TimerInterval,
		HeartbeatTimeout: cfg.HeartbeatTimeout,
	}, logger)

	// Terminal records get archived on eviction; a failed archive keeps
	// the record in the registry for the next sweep
	coordinator.SetArchive(func(rec order.Record) error {
		archiveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.ArchiveOrder(archiveCtx, rec); err != nil {
			logger.Error("failed to archive order",
				zap.String("correlation_id", rec.Request.CorrelationID),
				zap.Error(err),
			)
			return err
		}
		return nil
	})

	// Register simulated venues, optionally wrapped in chaos
	chaosCfg := chaos.LoadConfig()
	injector := chaos.New(chaosCfg, logger)

	venues := []sim.Config{
		{Name: "SIM-ALPHA", FillSlices: 3, AckDelay: 20 * time.Millisecond, FillDelay: 50 * time.Millisecond, Seed: 1},
		{Name: "SIM-BETA", FillSlices: 1, AckDelay: 10 * time.Millisecond, FillDelay: 30 * time.Millisecond, Seed: 2},
	}
	for _, vc := range venues {
		var adapter gateway.Adapter = sim.New(vc, eventBus, logger)
		if chaosCfg.Enabled {
			adapter = injector.WrapAdapter(adapter)
		}
		if err := coordinator.RegisterGateway(vc.Name, adapter, gateway.Credentials{Endpoint: "sim://" + vc.Name}); err != nil {
			logger.Fatal("failed to register gateway", zap.String("gateway", vc.Name), zap.Error(err))
		}
	}

	// Attach the persistence consumer
	recorder := archive.NewRecorder(store, logger)
	if _, err := recorder.Attach(eventBus); err != nil {
		logger.Fatal("failed to attach audit recorder", zap.Error(err))
	}

	// Create Kafka producer and outbox publisher
	producer, err := stream.NewProducer(cfg.Brokers(), logger)
	if err != nil {
		logger.Fatal("failed to create kafka producer", zap.Error(err))
	}
	defer producer.Close()
	publisher := archive.NewPublisher(store, producer, logger)

	// Create health checker and gRPC server
	healthChecker := observability.NewHealthChecker(logger)
	grpcServer := grpc.NewServer()
	healthChecker.RegisterGRPC(grpcServer)

	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr())
	if err != nil {
		logger.Fatal("failed to listen on gRPC port", zap.Error(err))
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", zap.String("addr", cfg.GRPCAddr()))
		if err := grpcServer.Serve(grpcListener); err != nil {
			grpcErrCh <- err
		}
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		if err := healthChecker.StartHTTPServer(cfg.HTTPAddr()); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	// Start the engine
	ctx := context.Background()
	report := coordinator.Start(ctx)
	connected := 0
	for _, st := range report {
		if st.Err == nil {
			connected++
		}
	}
	healthChecker.SetBusReady(true)
	healthChecker.SetGatewaysReady(connected > 0)

	for _, vc := range venues {
		if err := coordinator.SubscribeMarketData(ctx, vc.Name, "BTCUSDT", "ETHUSDT"); err != nil {
			logger.Warn("failed to subscribe market data",
				zap.String("gateway", vc.Name), zap.Error(err))
		}
	}

	// Start outbox publisher loop
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	publisherErrCh := make(chan error, 1)
	go func() {
		if err := publisher.Run(runCtx); err != nil && err != context.Canceled {
			publisherErrCh <- err
		}
	}()

	// Paper order loop: submit a small limit order at the last traded
	// price on every tick of the interval
	if cfg.PaperOrderInterval > 0 {
		go paperOrderLoop(runCtx, coordinator, eventBus, cfg.PaperOrderInterval, logger)
	}

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case err := <-grpcErrCh:
		logger.Error("gRPC server error", zap.Error(err))
	case err := <-httpErrCh:
		logger.Error("HTTP server error", zap.Error(err))
	case err := <-publisherErrCh:
		logger.Error("outbox publisher error", zap.Error(err))
	}

	// Graceful shutdown
	logger.Info("shutting down gracefully...")
	cancelRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := coordinator.Stop(shutdownCtx); err != nil {
		logger.Error("errors during engine stop", zap.Error(err))
	}
	if err := healthChecker.Shutdown(shutdownCtx); err != nil {
		logger.Error("error shutting down health checker", zap.Error(err))
	}
	grpcServer.GracefulStop()

	logger.Info("trading-core service stopped")
}

// paperOrderLoop exercises the full order path against the simulated
// venues: one alternating BUY/SELL limit order per interval, priced at
// the venue's last tick.
func paperOrderLoop(ctx context.Context, coordinator *engine.Engine, eventBus *bus.Bus, interval time.Duration, logger *zap.Logger) {
	var mu sync.Mutex
	lastPrice := make(map[string]decimal.Decimal)

	sub, err := eventBus.Subscribe(event.KindTick, func(ev event.Event) {
		if t, ok := ev.Payload.(event.Tick); ok {
			mu.Lock()
			lastPrice[ev.Source+"/"+t.Symbol] = t.LastPrice
			mu.Unlock()
		}
	})
	if err != nil {
		logger.Error("paper trader could not subscribe to ticks", zap.Error(err))
		return
	}
	defer eventBus.Unsubscribe(sub)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	gateways := []string{"SIM-ALPHA", "SIM-BETA"}
	symbols := []string{"BTCUSDT", "ETHUSDT"}
	n := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gatewayName := gateways[n%len(gateways)]
			symbol := symbols[n%len(symbols)]
			direction := order.DirectionBuy
			if n%2 == 1 {
				direction = order.DirectionSell
			}
			n++

			mu.Lock()
			price, ok := lastPrice[gatewayName+"/"+symbol]
			mu.Unlock()
			if !ok {
				continue
			}

			id, err := coordinator.SubmitOrder(ctx, gatewayName, order.Request{
				Symbol:     symbol,
				Exchange:   gatewayName,
				Direction:  direction,
				Offset:     order.OffsetOpen,
				Kind:       order.KindLimit,
				Volume:     decimal.NewFromInt(10),
				LimitPrice: price,
			})
			if err != nil {
				logger.Warn("paper order rejected",
					zap.String("gateway", gatewayName),
					zap.String("correlation_id", id),
					zap.Error(err),
				)
				continue
			}
			logger.Info("paper order submitted",
				zap.String("gateway", gatewayName),
				zap.String("symbol", symbol),
				zap.String("direction", string(direction)),
				zap.String("correlation_id", id),
			)
		}
	}
}
