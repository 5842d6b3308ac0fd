// Package sim is the reference GatewayAdapter: a simulated venue that
// acknowledges, fills, and cancels orders deterministically. It backs
// the paper-trading binary and the coordinator tests.
package sim

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/redfire-quant/trading-core/internal/bus"
	"github.com/redfire-quant/trading-core/internal/event"
	"github.com/redfire-quant/trading-core/internal/gateway"
	"github.com/redfire-quant/trading-core/internal/order"
)

// Config controls the simulated venue's behavior.
type Config struct {
	Name         string
	TickInterval time.Duration
	AckDelay     time.Duration
	FillDelay    time.Duration
	// FillSlices splits each order into this many partial fills.
	FillSlices int
	// RejectEvery synchronously rejects every Nth submission with
	// "insufficient margin". 0 disables rejection.
	RejectEvery int
	// FailConnect makes every Connect attempt fail (session-level
	// fault, distinct from per-order rejection).
	FailConnect bool
	StartPrice  decimal.Decimal
	Seed        int64
}

func (c *Config) defaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.FillSlices <= 0 {
		c.FillSlices = 1
	}
	if c.StartPrice.IsZero() {
		c.StartPrice = decimal.RequireFromString("100.00")
	}
}

type openOrder struct {
	req        order.Request
	cancelled  chan struct{}
	cancelOnce sync.Once
	done       atomic.Bool
}

// Venue implements gateway.Adapter against an in-process matching
// stub. It holds a non-owning reference to the bus for publishing.
type Venue struct {
	cfg    Config
	bus    *bus.Bus
	logger *zap.Logger

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
	sessCtx   context.Context
	subs      map[string]struct{}
	prices    map[string]decimal.Decimal
	open      map[string]*openOrder
	rng       *rand.Rand

	wg        sync.WaitGroup
	nextOrder atomic.Int64
	nextTrade atomic.Int64
	submits   atomic.Int64
}

// New creates a simulated venue publishing to the given bus.
func New(cfg Config, b *bus.Bus, logger *zap.Logger) *Venue {
	cfg.defaults()
	return &Venue{
		cfg:    cfg,
		bus:    b,
		logger: logger.With(zap.String("gateway", cfg.Name)),
		subs:   make(map[string]struct{}),
		prices: make(map[string]decimal.Decimal),
		open:   make(map[string]*openOrder),
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// Name returns the adapter identifier.
func (v *Venue) Name() string { return v.cfg.Name }

// Connect starts the simulated session. Idempotent when already
// connected; callable again after Disconnect.
func (v *Venue) Connect(ctx context.Context, creds gateway.Credentials) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.cfg.FailConnect {
		return &gateway.ConnectError{Gateway: v.cfg.Name, Reason: "simulated connection failure"}
	}
	if v.connected {
		return nil
	}

	v.sessCtx, v.cancel = context.WithCancel(context.Background())
	v.connected = true

	v.wg.Add(1)
	go v.tickLoop(v.sessCtx)

	v.logger.Info("simulated venue connected", zap.String("endpoint", creds.Endpoint))
	return nil
}

// Disconnect stops the session. No events are emitted after it returns.
func (v *Venue) Disconnect(ctx context.Context) error {
	v.mu.Lock()
	if !v.connected {
		v.mu.Unlock()
		return nil
	}
	v.connected = false
	cancel := v.cancel
	v.mu.Unlock()

	cancel()
	v.wg.Wait()
	v.logger.Info("simulated venue disconnected")
	return nil
}

// SubscribeMarketData adds symbols to the subscription set.
func (v *Venue) SubscribeMarketData(ctx context.Context, symbols ...string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, s := range symbols {
		v.subs[s] = struct{}{}
		if _, ok := v.prices[s]; !ok {
			v.prices[s] = v.cfg.StartPrice
		}
	}
	return nil
}

// SubmitOrder accepts the order and schedules its acknowledgement and
// fills on the session goroutines.
func (v *Venue) SubmitOrder(ctx context.Context, req order.Request) (string, error) {
	v.mu.Lock()
	if !v.connected {
		v.mu.Unlock()
		return "", &gateway.SubmitError{
			Gateway: v.cfg.Name, CorrelationID: req.CorrelationID, Reason: "not connected",
		}
	}
	sessCtx := v.sessCtx
	v.mu.Unlock()

	if err := req.Validate(); err != nil {
		return "", &gateway.SubmitError{
			Gateway: v.cfg.Name, CorrelationID: req.CorrelationID, Reason: err.Error(), Err: err,
		}
	}

	n := v.submits.Add(1)
	if v.cfg.RejectEvery > 0 && n%int64(v.cfg.RejectEvery) == 0 {
		return "", &gateway.SubmitError{
			Gateway: v.cfg.Name, CorrelationID: req.CorrelationID, Reason: "insufficient margin",
		}
	}

	venueOrderID := fmt.Sprintf("%s-%d", v.cfg.Name, v.nextOrder.Add(1))
	oo := &openOrder{req: req, cancelled: make(chan struct{})}

	v.mu.Lock()
	v.open[venueOrderID] = oo
	v.mu.Unlock()

	v.wg.Add(1)
	go v.workOrder(sessCtx, venueOrderID, oo)
	return venueOrderID, nil
}

// CancelOrder cancels an open order. Fully executed orders can no
// longer be cancelled.
func (v *Venue) CancelOrder(ctx context.Context, venueOrderID string) error {
	v.mu.Lock()
	oo, ok := v.open[venueOrderID]
	v.mu.Unlock()

	if !ok {
		return &gateway.CancelError{Gateway: v.cfg.Name, VenueOrderID: venueOrderID, Reason: "unknown venue order id"}
	}
	if oo.done.Load() {
		return &gateway.CancelError{Gateway: v.cfg.Name, VenueOrderID: venueOrderID, Reason: "order already executed"}
	}

	oo.cancelOnce.Do(func() { close(oo.cancelled) })
	return nil
}

// workOrder drives one order through ack and fills.
func (v *Venue) workOrder(ctx context.Context, venueOrderID string, oo *openOrder) {
	defer v.wg.Done()

	if !v.sleep(ctx, v.cfg.AckDelay) {
		return
	}
	v.publish(event.New(event.KindOrderUpdate, v.cfg.Name, event.OrderUpdate{
		CorrelationID: oo.req.CorrelationID,
		VenueOrderID:  venueOrderID,
		Status:        event.UpdateAcknowledged,
		VenueTime:     time.Now(),
	}))

	slices := v.cfg.FillSlices
	slice := oo.req.Volume.Div(decimal.NewFromInt(int64(slices))).Truncate(8)
	remaining := oo.req.Volume

	for i := 0; i < slices; i++ {
		if !v.sleep(ctx, v.cfg.FillDelay) {
			return
		}
		select {
		case <-oo.cancelled:
			v.publish(event.New(event.KindOrderUpdate, v.cfg.Name, event.OrderUpdate{
				CorrelationID: oo.req.CorrelationID,
				VenueOrderID:  venueOrderID,
				Status:        event.UpdateCancelled,
				VenueTime:     time.Now(),
			}))
			return
		default:
		}

		vol := slice
		if i == slices-1 {
			vol = remaining // last slice absorbs truncation leftovers
		}
		remaining = remaining.Sub(vol)

		v.publish(event.New(event.KindTrade, v.cfg.Name, event.Trade{
			VenueTradeID:  fmt.Sprintf("%s-T%d", v.cfg.Name, v.nextTrade.Add(1)),
			CorrelationID: oo.req.CorrelationID,
			VenueOrderID:  venueOrderID,
			Price:         v.fillPrice(oo.req),
			Volume:        vol,
			VenueTime:     time.Now(),
		}))
	}
	oo.done.Store(true)
}

// tickLoop publishes market data for subscribed symbols on a random
// walk around the start price.
func (v *Venue) tickLoop(ctx context.Context) {
	defer v.wg.Done()

	ticker := time.NewTicker(v.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.mu.Lock()
			symbols := make([]string, 0, len(v.subs))
			for s := range v.subs {
				symbols = append(symbols, s)
			}
			v.mu.Unlock()

			for _, s := range symbols {
				v.publish(event.New(event.KindTick, v.cfg.Name, v.nextTick(s)))
			}
		}
	}
}

func (v *Venue) nextTick(symbol string) event.Tick {
	v.mu.Lock()
	price := v.prices[symbol]
	// Random walk: +-0.1% per tick.
	bps := decimal.NewFromInt(int64(v.rng.Intn(21) - 10)).Div(decimal.NewFromInt(10000))
	price = price.Add(price.Mul(bps)).Round(4)
	v.prices[symbol] = price
	v.mu.Unlock()

	now := time.Now()
	t := event.Tick{
		Symbol:       symbol,
		Exchange:     v.cfg.Name,
		LastPrice:    price,
		Volume:       decimal.NewFromInt(int64(v.rng.Intn(1000))),
		ExchangeTime: now,
		LocalTime:    now,
	}
	step := decimal.RequireFromString("0.01")
	for i := 0; i < event.BookDepth; i++ {
		offset := step.Mul(decimal.NewFromInt(int64(i + 1)))
		t.Bids[i] = event.PriceLevel{Price: price.Sub(offset), Volume: decimal.NewFromInt(int64(10 * (i + 1)))}
		t.Asks[i] = event.PriceLevel{Price: price.Add(offset), Volume: decimal.NewFromInt(int64(10 * (i + 1)))}
	}
	return t
}

func (v *Venue) fillPrice(req order.Request) decimal.Decimal {
	if req.Kind == order.KindLimit {
		return req.LimitPrice
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.prices[req.Symbol]; ok {
		return p
	}
	return v.cfg.StartPrice
}

func (v *Venue) publish(e event.Event) {
	if err := v.bus.Publish(e); err != nil {
		v.logger.Debug("dropping event", zap.String("kind", e.Kind.String()), zap.Error(err))
	}
}

func (v *Venue) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
