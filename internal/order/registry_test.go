package order

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redfire-quant/trading-core/internal/event"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(3*time.Second, 10*time.Minute, zap.NewNop())
}

func limitBuy(correlationID string, volume, price string) Request {
	return Request{
		CorrelationID: correlationID,
		Symbol:        "AAPL",
		Exchange:      "SIM",
		Direction:     DirectionBuy,
		Offset:        OffsetOpen,
		Kind:          KindLimit,
		Volume:        decimal.RequireFromString(volume),
		LimitPrice:    decimal.RequireFromString(price),
	}
}

func TestCreate_RejectsInvalidAndDuplicate(t *testing.T) {
	r := newTestRegistry(t)

	_, err := r.Create(Request{CorrelationID: "c1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = r.Create(limitBuy("c1", "100", "10.00"))
	require.NoError(t, err)

	_, err = r.Create(limitBuy("c1", "100", "10.00"))
	assert.ErrorIs(t, err, ErrDuplicateOrder)
}

func TestLifecycle_AckThenPartialFillsToFilled(t *testing.T) {
	// Scenario: LIMIT BUY 100 @ 10.00, ack V1, fill 40 @ 10.00 then
	// 60 @ 9.98. Final state FILLED, avg price exactly 9.988.
	r := newTestRegistry(t)
	_, err := r.Create(limitBuy("c1", "100", "10.00"))
	require.NoError(t, err)

	require.NoError(t, r.ApplyUpdate(event.OrderUpdate{
		CorrelationID: "c1", VenueOrderID: "V1", Status: event.UpdateAcknowledged,
	}))

	rec, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, StateAcknowledged, rec.State)
	assert.Equal(t, "V1", rec.VenueOrderID)

	require.NoError(t, r.ApplyTrade(event.Trade{
		VenueTradeID: "T1", CorrelationID: "c1", VenueOrderID: "V1",
		Price: decimal.RequireFromString("10.00"), Volume: decimal.RequireFromString("40"),
	}))

	rec, _ = r.Get("c1")
	assert.Equal(t, StatePartiallyFilled, rec.State)
	assert.True(t, rec.FilledVolume.Equal(decimal.RequireFromString("40")))

	require.NoError(t, r.ApplyTrade(event.Trade{
		VenueTradeID: "T2", CorrelationID: "c1", VenueOrderID: "V1",
		Price: decimal.RequireFromString("9.98"), Volume: decimal.RequireFromString("60"),
	}))

	rec, _ = r.Get("c1")
	assert.Equal(t, StateFilled, rec.State)
	assert.True(t, rec.FilledVolume.Equal(decimal.RequireFromString("100")))
	assert.True(t, rec.AvgFillPrice.Equal(decimal.RequireFromString("9.988")),
		"avg price was %s", rec.AvgFillPrice)
	assert.Len(t, rec.Trades, 2)
}

func TestLifecycle_SynchronousRejection(t *testing.T) {
	// Scenario: synchronous SubmitError leaves a REJECTED record with
	// the reason populated and no venue order id.
	r := newTestRegistry(t)
	_, err := r.Create(limitBuy("c1", "50", "10.00"))
	require.NoError(t, err)

	require.NoError(t, r.MarkRejected("c1", "insufficient margin"))

	rec, ok := r.Get("c1")
	require.True(t, ok)
	assert.Equal(t, StateRejected, rec.State)
	assert.Equal(t, "insufficient margin", rec.RejectReason)
	assert.Empty(t, rec.VenueOrderID)
}

func TestLifecycle_DuplicateAckAfterFilledIsStale(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create(limitBuy("c1", "10", "10.00"))
	require.NoError(t, err)

	ack := event.OrderUpdate{CorrelationID: "c1", VenueOrderID: "V1", Status: event.UpdateAcknowledged}
	require.NoError(t, r.ApplyUpdate(ack))
	require.NoError(t, r.ApplyTrade(event.Trade{
		VenueTradeID: "T1", CorrelationID: "c1",
		Price: decimal.RequireFromString("10.00"), Volume: decimal.RequireFromString("10"),
	}))

	rec, _ := r.Get("c1")
	require.Equal(t, StateFilled, rec.State)

	err = r.ApplyUpdate(ack)
	assert.ErrorIs(t, err, ErrStaleEvent)

	rec, _ = r.Get("c1")
	assert.Equal(t, StateFilled, rec.State, "terminal state must not change")
	_, _, stale, _, _ := r.Stats()
	assert.Equal(t, int64(1), stale)
}

func TestRoundTrip_ManyPartialFills(t *testing.T) {
	// N partial fills summing to the requested volume must always end
	// FILLED with filled == requested, for any N and any size split.
	for _, n := range []int{1, 2, 7, 100} {
		t.Run(fmt.Sprintf("fills_%d", n), func(t *testing.T) {
			r := newTestRegistry(t)
			id := fmt.Sprintf("c-%d", n)
			_, err := r.Create(limitBuy(id, fmt.Sprintf("%d", n), "10.00"))
			require.NoError(t, err)

			require.NoError(t, r.ApplyUpdate(event.OrderUpdate{
				CorrelationID: id, VenueOrderID: "V-" + id, Status: event.UpdateAcknowledged,
			}))

			for i := 0; i < n; i++ {
				require.NoError(t, r.ApplyTrade(event.Trade{
					VenueTradeID:  fmt.Sprintf("T-%d-%d", n, i),
					CorrelationID: id,
					Price:         decimal.RequireFromString("10.00"),
					Volume:        decimal.NewFromInt(1),
				}))
			}

			rec, _ := r.Get(id)
			assert.Equal(t, StateFilled, rec.State)
			assert.True(t, rec.FilledVolume.Equal(decimal.NewFromInt(int64(n))))
		})
	}
}

func TestApplyTrade_OverfillIsRejected(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create(limitBuy("c1", "10", "10.00"))
	require.NoError(t, err)
	require.NoError(t, r.ApplyUpdate(event.OrderUpdate{
		CorrelationID: "c1", VenueOrderID: "V1", Status: event.UpdateAcknowledged,
	}))

	err = r.ApplyTrade(event.Trade{
		VenueTradeID: "T1", CorrelationID: "c1",
		Price: decimal.RequireFromString("10.00"), Volume: decimal.RequireFromString("11"),
	})
	assert.ErrorIs(t, err, ErrOverfill)

	rec, _ := r.Get("c1")
	assert.True(t, rec.FilledVolume.IsZero(), "rejected fill must not be applied")
	assert.Equal(t, StateAcknowledged, rec.State)
}

func TestApplyTrade_DuplicateVenueTradeIDIsStale(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create(limitBuy("c1", "10", "10.00"))
	require.NoError(t, err)
	require.NoError(t, r.ApplyUpdate(event.OrderUpdate{
		CorrelationID: "c1", VenueOrderID: "V1", Status: event.UpdateAcknowledged,
	}))

	fill := event.Trade{
		VenueTradeID: "T1", CorrelationID: "c1",
		Price: decimal.RequireFromString("10.00"), Volume: decimal.RequireFromString("4"),
	}
	require.NoError(t, r.ApplyTrade(fill))
	assert.ErrorIs(t, r.ApplyTrade(fill), ErrStaleEvent)

	rec, _ := r.Get("c1")
	assert.True(t, rec.FilledVolume.Equal(decimal.RequireFromString("4")))
}

func TestApplyTrade_BeforeAckPromotesImplicitly(t *testing.T) {
	// A fill arriving before its acknowledgement proves the venue
	// accepted the order; applied in arrival order with the anomaly
	// counted.
	r := newTestRegistry(t)
	_, err := r.Create(limitBuy("c1", "10", "10.00"))
	require.NoError(t, err)

	require.NoError(t, r.ApplyTrade(event.Trade{
		VenueTradeID: "T1", CorrelationID: "c1", VenueOrderID: "V1",
		Price: decimal.RequireFromString("10.00"), Volume: decimal.RequireFromString("4"),
	}))

	rec, _ := r.Get("c1")
	assert.Equal(t, StatePartiallyFilled, rec.State)
	assert.Equal(t, "V1", rec.VenueOrderID)
	_, _, _, _, implicit := r.Stats()
	assert.Equal(t, int64(1), implicit)

	// The real ack arriving afterwards is stale but harmless.
	err = r.ApplyUpdate(event.OrderUpdate{CorrelationID: "c1", VenueOrderID: "V1", Status: event.UpdateAcknowledged})
	assert.ErrorIs(t, err, ErrStaleEvent)
}

func TestApplyTrade_OrphanIsReported(t *testing.T) {
	r := newTestRegistry(t)
	err := r.ApplyTrade(event.Trade{VenueTradeID: "T1", VenueOrderID: "V-nope",
		Price: decimal.RequireFromString("1"), Volume: decimal.RequireFromString("1")})
	assert.ErrorIs(t, err, ErrOrphanTrade)
	_, _, _, orphans, _ := r.Stats()
	assert.Equal(t, int64(1), orphans)
}

func TestResolve_ByVenueOrderID(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Create(limitBuy("c1", "10", "10.00"))
	require.NoError(t, err)
	require.NoError(t, r.ApplyUpdate(event.OrderUpdate{
		CorrelationID: "c1", VenueOrderID: "V1", Status: event.UpdateAcknowledged,
	}))

	// Update identified only by venue order id still lands.
	require.NoError(t, r.ApplyUpdate(event.OrderUpdate{VenueOrderID: "V1", Status: event.UpdateCancelled}))
	rec, _ := r.Get("c1")
	assert.Equal(t, StateCancelled, rec.State)
}

func TestScanTimeouts_MovesSubmittedToUnknown(t *testing.T) {
	r := NewRegistry(50*time.Millisecond, 10*time.Minute, zap.NewNop())
	_, err := r.Create(limitBuy("c1", "10", "10.00"))
	require.NoError(t, err)

	timedOut := r.ScanTimeouts(time.Now().Add(time.Second))
	require.Len(t, timedOut, 1)
	assert.Equal(t, StateUnknown, timedOut[0].State)

	// A late venue confirmation still resolves UNKNOWN.
	require.NoError(t, r.ApplyUpdate(event.OrderUpdate{
		CorrelationID: "c1", VenueOrderID: "V1", Status: event.UpdateAcknowledged,
	}))
	rec, _ := r.Get("c1")
	assert.Equal(t, StateAcknowledged, rec.State)
}

func TestEvictTerminal_ArchivesAndDrops(t *testing.T) {
	r := NewRegistry(time.Second, 50*time.Millisecond, zap.NewNop())
	_, err := r.Create(limitBuy("c1", "10", "10.00"))
	require.NoError(t, err)
	require.NoError(t, r.MarkRejected("c1", "test"))

	var archived []Record
	n := r.EvictTerminal(time.Now().Add(time.Second), func(rec Record) error {
		archived = append(archived, rec)
		return nil
	})
	assert.Equal(t, 1, n)
	require.Len(t, archived, 1)
	assert.Equal(t, StateRejected, archived[0].State)

	_, ok := r.Get("c1")
	assert.False(t, ok, "evicted record must leave the registry")
}

func TestEvictTerminal_ArchiveFailureKeepsRecord(t *testing.T) {
	r := NewRegistry(time.Second, 50*time.Millisecond, zap.NewNop())
	_, err := r.Create(limitBuy("c1", "10", "10.00"))
	require.NoError(t, err)
	require.NoError(t, r.MarkRejected("c1", "test"))

	n := r.EvictTerminal(time.Now().Add(time.Second), func(Record) error {
		return errors.New("archive store unavailable")
	})
	assert.Equal(t, 0, n)
	_, ok := r.Get("c1")
	assert.True(t, ok, "record must survive a failed archive")

	// The next sweep retries and succeeds.
	n = r.EvictTerminal(time.Now().Add(time.Second), func(Record) error { return nil })
	assert.Equal(t, 1, n)
	_, ok = r.Get("c1")
	assert.False(t, ok)
}

func TestCancel_FromSubmittedIsStale(t *testing.T) {
	// Cancellation is only legal once the venue has acknowledged.
	r := newTestRegistry(t)
	_, err := r.Create(limitBuy("c1", "10", "10.00"))
	require.NoError(t, err)

	err = r.ApplyUpdate(event.OrderUpdate{CorrelationID: "c1", Status: event.UpdateCancelled})
	assert.ErrorIs(t, err, ErrStaleEvent)
}
