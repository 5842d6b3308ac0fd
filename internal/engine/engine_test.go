package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redfire-quant/trading-core/internal/bus"
	"github.com/redfire-quant/trading-core/internal/event"
	"github.com/redfire-quant/trading-core/internal/gateway"
	"github.com/redfire-quant/trading-core/internal/gateway/sim"
	"github.com/redfire-quant/trading-core/internal/order"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	logger := zap.NewNop()
	b := bus.New(1024, 2*time.Second, logger)
	registry := order.NewRegistry(time.Second, 10*time.Minute, logger)
	return New(b, registry, Config{
		SubmitTimeout:  time.Second,
		CancelTimeout:  time.Second,
		TimerInterval:  50 * time.Millisecond,
		ConnectRetries: 2,
		ConnectBackoff: 10 * time.Millisecond,
	}, logger)
}

func simVenue(t *testing.T, e *Engine, cfg sim.Config) *sim.Venue {
	t.Helper()
	if cfg.TickInterval == 0 {
		cfg.TickInterval = 10 * time.Millisecond
	}
	v := sim.New(cfg, e.Bus(), zap.NewNop())
	require.NoError(t, e.RegisterGateway(cfg.Name, v, gateway.Credentials{Endpoint: "sim://" + cfg.Name}))
	return v
}

func limitBuy(volume, price string) order.Request {
	return order.Request{
		Symbol:     "AAPL",
		Exchange:   "SIM",
		Direction:  order.DirectionBuy,
		Offset:     order.OffsetOpen,
		Kind:       order.KindLimit,
		Volume:     decimal.RequireFromString(volume),
		LimitPrice: decimal.RequireFromString(price),
	}
}

func TestRegisterGateway_DuplicateName(t *testing.T) {
	e := newTestEngine(t)
	simVenue(t, e, sim.Config{Name: "X"})

	err := e.RegisterGateway("X", sim.New(sim.Config{Name: "X"}, e.Bus(), zap.NewNop()), gateway.Credentials{})
	assert.ErrorIs(t, err, ErrDuplicateGateway)
}

func TestSubmitOrder_FullLifecycleThroughEvents(t *testing.T) {
	e := newTestEngine(t)
	simVenue(t, e, sim.Config{Name: "SIM", FillSlices: 3, AckDelay: 5 * time.Millisecond, FillDelay: 5 * time.Millisecond})

	ctx := context.Background()
	e.Start(ctx)
	defer e.Stop(ctx)

	id, err := e.SubmitOrder(ctx, "SIM", limitBuy("100", "10.00"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	// The record exists in SUBMITTED before SubmitOrder returns, so a
	// racing ORDER_UPDATE always finds it.
	_, ok := e.Registry().Get(id)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		rec, _ := e.Registry().Get(id)
		return rec.State == order.StateFilled
	}, 5*time.Second, 10*time.Millisecond)

	rec, _ := e.Registry().Get(id)
	assert.True(t, rec.FilledVolume.Equal(decimal.RequireFromString("100")))
	assert.True(t, rec.AvgFillPrice.Equal(decimal.RequireFromString("10.00")))
	assert.Len(t, rec.Trades, 3)
}

func TestSubmitOrder_SynchronousRejection(t *testing.T) {
	e := newTestEngine(t)
	simVenue(t, e, sim.Config{Name: "SIM", RejectEvery: 1})

	ctx := context.Background()
	e.Start(ctx)
	defer e.Stop(ctx)

	id, err := e.SubmitOrder(ctx, "SIM", limitBuy("50", "10.00"))
	var submitErr *gateway.SubmitError
	require.ErrorAs(t, err, &submitErr)
	assert.Equal(t, "insufficient margin", submitErr.Reason)

	rec, ok := e.Registry().Get(id)
	require.True(t, ok, "rejected order keeps a terminal audit entry")
	assert.Equal(t, order.StateRejected, rec.State)
	assert.Equal(t, "insufficient margin", rec.RejectReason)
	assert.Empty(t, rec.VenueOrderID)
}

func TestSubmitOrder_UnknownGateway(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.SubmitOrder(context.Background(), "nope", limitBuy("1", "1"))
	assert.ErrorIs(t, err, ErrUnknownGateway)
}

// stalledAdapter never answers a submit: the venue call runs into the
// caller's deadline.
type stalledAdapter struct{ name string }

func (a *stalledAdapter) Name() string                                            { return a.name }
func (a *stalledAdapter) Connect(context.Context, gateway.Credentials) error      { return nil }
func (a *stalledAdapter) Disconnect(context.Context) error                        { return nil }
func (a *stalledAdapter) SubscribeMarketData(context.Context, ...string) error    { return nil }
func (a *stalledAdapter) CancelOrder(context.Context, string) error               { return nil }
func (a *stalledAdapter) SubmitOrder(ctx context.Context, _ order.Request) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}

func TestSubmitOrder_TimeoutMovesToUnknown(t *testing.T) {
	logger := zap.NewNop()
	b := bus.New(64, time.Second, logger)
	registry := order.NewRegistry(time.Second, 10*time.Minute, logger)
	e := New(b, registry, Config{
		SubmitTimeout:  50 * time.Millisecond,
		TimerInterval:  20 * time.Millisecond,
		ConnectRetries: 1,
		ConnectBackoff: 10 * time.Millisecond,
	}, logger)
	require.NoError(t, e.RegisterGateway("stall", &stalledAdapter{name: "stall"}, gateway.Credentials{}))

	ctx := context.Background()
	e.Start(ctx)
	defer e.Stop(ctx)

	id, err := e.SubmitOrder(ctx, "stall", limitBuy("10", "10.00"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	rec, ok := e.Registry().Get(id)
	require.True(t, ok)
	assert.Equal(t, order.StateUnknown, rec.State, "timed-out submit is never left SUBMITTED nor auto-resolved")
}

func TestCancelOrder_BeforeAcknowledgement(t *testing.T) {
	e := newTestEngine(t)
	// Ack delayed far beyond the test window.
	simVenue(t, e, sim.Config{Name: "SIM", AckDelay: time.Minute})

	ctx := context.Background()
	e.Start(ctx)
	defer e.Stop(ctx)

	id, err := e.SubmitOrder(ctx, "SIM", limitBuy("10", "10.00"))
	require.NoError(t, err)

	err = e.CancelOrder(ctx, "SIM", id)
	assert.ErrorIs(t, err, ErrNotAcknowledged)
}

func TestCancelOrder_VenueConfirmationIsAuthoritative(t *testing.T) {
	e := newTestEngine(t)
	simVenue(t, e, sim.Config{Name: "SIM", FillSlices: 1, FillDelay: time.Minute})

	ctx := context.Background()
	e.Start(ctx)
	defer e.Stop(ctx)

	id, err := e.SubmitOrder(ctx, "SIM", limitBuy("10", "10.00"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, _ := e.Registry().Get(id)
		return rec.State == order.StateAcknowledged
	}, 5*time.Second, 10*time.Millisecond)

	// The cancel request alone changes nothing locally.
	require.NoError(t, e.CancelOrder(ctx, "SIM", id))
	rec, _ := e.Registry().Get(id)
	assert.NotEqual(t, order.StateCancelled, rec.State, "local intent must not move state")
}

func TestStart_FailingGatewayIsIsolated(t *testing.T) {
	// Gateway X cannot connect while Y succeeds: Y's events must flow
	// normally and X is reported disconnected.
	e := newTestEngine(t)
	simVenue(t, e, sim.Config{Name: "X", FailConnect: true})
	simVenue(t, e, sim.Config{Name: "Y", TickInterval: 5 * time.Millisecond})

	ticks := make(chan event.Event, 64)
	_, err := e.Bus().Subscribe(event.KindTick, func(ev event.Event) {
		select {
		case ticks <- ev:
		default:
		}
	})
	require.NoError(t, err)

	ctx := context.Background()
	report := e.Start(ctx)
	defer e.Stop(ctx)

	byName := map[string]GatewayStatus{}
	for _, st := range report {
		byName[st.Name] = st
	}
	assert.Error(t, byName["X"].Err)
	assert.NotEqual(t, gateway.StateConnected, byName["X"].State)
	assert.NoError(t, byName["Y"].Err)
	assert.Equal(t, gateway.StateConnected, byName["Y"].State)

	require.NoError(t, e.SubscribeMarketData(ctx, "Y", "BTCUSDT"))

	select {
	case ev := <-ticks:
		assert.Equal(t, "Y", ev.Source)
	case <-time.After(5 * time.Second):
		t.Fatal("no ticks from healthy gateway")
	}
}

func TestStop_CollectsErrorsAndStopsBus(t *testing.T) {
	e := newTestEngine(t)
	simVenue(t, e, sim.Config{Name: "SIM"})

	ctx := context.Background()
	e.Start(ctx)
	require.NoError(t, e.Stop(ctx))

	err := e.Bus().Publish(event.New(event.KindTick, "test", event.Tick{}))
	assert.ErrorIs(t, err, bus.ErrBusClosed)
}
