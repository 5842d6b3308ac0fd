package sim

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redfire-quant/trading-core/internal/bus"
	"github.com/redfire-quant/trading-core/internal/gateway"
	"github.com/redfire-quant/trading-core/internal/order"
)

func TestCancelOrder_ConcurrentCancelsAreSafe(t *testing.T) {
	b := bus.New(256, time.Second, zap.NewNop())
	b.Start()
	defer b.Stop()

	v := New(Config{
		Name:       "SIM",
		AckDelay:   time.Millisecond,
		FillDelay:  100 * time.Millisecond,
		FillSlices: 4,
	}, b, zap.NewNop())

	ctx := context.Background()
	require.NoError(t, v.Connect(ctx, gateway.Credentials{Endpoint: "sim://SIM"}))
	defer v.Disconnect(ctx)

	venueOrderID, err := v.SubmitOrder(ctx, order.Request{
		CorrelationID: "c1",
		Symbol:        "BTCUSDT",
		Exchange:      "SIM",
		Direction:     order.DirectionBuy,
		Offset:        order.OffsetOpen,
		Kind:          order.KindLimit,
		Volume:        decimal.NewFromInt(10),
		LimitPrice:    decimal.RequireFromString("100.00"),
	})
	require.NoError(t, err)

	// Racing cancels for the same venue order id must all return
	// without panicking on a double close.
	const cancellers = 16
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < cancellers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			v.CancelOrder(ctx, venueOrderID)
		}()
	}
	close(start)
	wg.Wait()
}
