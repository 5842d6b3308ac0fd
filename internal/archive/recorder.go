package archive

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/redfire-quant/trading-core/internal/bus"
	"github.com/redfire-quant/trading-core/internal/event"
	"github.com/redfire-quant/trading-core/internal/stream"
)

// Recorder is the persistence consumer: it subscribes to TRADE events
// and enqueues each fill on the audit outbox. The core never depends
// on it; wiring it up is the binary's choice.
type Recorder struct {
	store  *Store
	logger *zap.Logger
}

// NewRecorder creates a recorder writing to the given store.
func NewRecorder(store *Store, logger *zap.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// Attach subscribes the recorder to the bus. The returned handle
// detaches it.
func (r *Recorder) Attach(b *bus.Bus) (bus.Subscription, error) {
	return b.Subscribe(event.KindTrade, func(ev event.Event) {
		t, ok := ev.Payload.(event.Trade)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		err := r.store.EnqueueTradeAudit(ctx, stream.TradeAuditMsg{
			EventID:       "trd-" + t.VenueTradeID,
			VenueTradeID:  t.VenueTradeID,
			CorrelationID: t.CorrelationID,
			Price:         t.Price,
			Volume:        t.Volume,
			TsUnixMillis:  ev.Occurred.UnixMilli(),
		})
		if err != nil {
			r.logger.Error("failed to enqueue trade audit",
				zap.String("venue_trade_id", t.VenueTradeID),
				zap.Error(err),
			)
		}
	})
}
