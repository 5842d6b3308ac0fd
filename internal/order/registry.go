package order

import (
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/redfire-quant/trading-core/internal/event"
)

var (
	// ErrDuplicateOrder is returned when creating a record whose
	// correlation id is already registered.
	ErrDuplicateOrder = errors.New("duplicate correlation id")
	// ErrUnknownOrder is returned when an event references a
	// correlation id the registry has never seen (or has evicted).
	ErrUnknownOrder = errors.New("unknown order")
	// ErrStaleEvent marks a late or duplicate venue event that would
	// transition a record illegally. Recorded for audit, never
	// propagated through dispatch.
	ErrStaleEvent = errors.New("stale event")
	// ErrOrphanTrade marks a trade that references no known order.
	ErrOrphanTrade = errors.New("orphan trade")
	// ErrOverfill marks a trade that would push filled volume past the
	// requested volume. The trade is not applied.
	ErrOverfill = errors.New("fill exceeds requested volume")
)

const shardCount = 16

type shard struct {
	mu     sync.RWMutex
	orders map[string]*Record
}

// Registry holds every live order record, sharded by correlation id so
// unrelated orders never contend on one lock.
type Registry struct {
	logger        *zap.Logger
	shards        [shardCount]*shard
	submitTimeout time.Duration
	retention     time.Duration

	// venue order id -> correlation id, for events that arrive without
	// a correlation id.
	venueMu sync.RWMutex
	byVenue map[string]string

	created      atomic.Int64
	filled       atomic.Int64
	staleEvents  atomic.Int64
	orphanTrades atomic.Int64
	implicitAcks atomic.Int64
}

// NewRegistry creates an empty registry. submitTimeout bounds how long
// a SUBMITTED order may wait for any venue response; retention bounds
// how long terminal records stay in memory.
func NewRegistry(submitTimeout, retention time.Duration, logger *zap.Logger) *Registry {
	r := &Registry{
		logger:        logger,
		submitTimeout: submitTimeout,
		retention:     retention,
		byVenue:       make(map[string]string),
	}
	for i := range r.shards {
		r.shards[i] = &shard{orders: make(map[string]*Record)}
	}
	return r
}

func (r *Registry) shardFor(correlationID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(correlationID))
	return r.shards[h.Sum32()%shardCount]
}

// Create registers a new record in state SUBMITTED.
func (r *Registry) Create(req Request) (Record, error) {
	if err := req.Validate(); err != nil {
		return Record{}, err
	}

	s := r.shardFor(req.CorrelationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[req.CorrelationID]; exists {
		return Record{}, fmt.Errorf("%w: %s", ErrDuplicateOrder, req.CorrelationID)
	}

	now := time.Now()
	rec := &Record{
		Request:   req,
		State:     StateSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
		Audit:     []Transition{{From: "", To: StateSubmitted, Reason: "submitted", At: now}},
	}
	s.orders[req.CorrelationID] = rec
	r.created.Add(1)
	return rec.snapshot(), nil
}

// Get returns a copy of the record for a correlation id.
func (r *Registry) Get(correlationID string) (Record, bool) {
	s := r.shardFor(correlationID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.orders[correlationID]
	if !ok {
		return Record{}, false
	}
	return rec.snapshot(), true
}

// Resolve maps a venue order id back to its correlation id.
func (r *Registry) Resolve(venueOrderID string) (string, bool) {
	r.venueMu.RLock()
	defer r.venueMu.RUnlock()
	id, ok := r.byVenue[venueOrderID]
	return id, ok
}

// ApplyUpdate applies a venue order update. Illegal transitions are
// recorded as stale events and leave the record unchanged.
func (r *Registry) ApplyUpdate(u event.OrderUpdate) error {
	correlationID := u.CorrelationID
	if correlationID == "" {
		id, ok := r.Resolve(u.VenueOrderID)
		if !ok {
			return fmt.Errorf("%w: venue order %s", ErrUnknownOrder, u.VenueOrderID)
		}
		correlationID = id
	}

	s := r.shardFor(correlationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.orders[correlationID]
	if !ok {
		r.staleEvents.Add(1)
		return fmt.Errorf("%w: %s", ErrUnknownOrder, correlationID)
	}

	now := time.Now()
	switch u.Status {
	case event.UpdateAcknowledged:
		if rec.State != StateSubmitted && rec.State != StateUnknown {
			return r.stale(rec, u.Status)
		}
		rec.transition(StateAcknowledged, "venue acknowledged", now)
		r.attachVenueID(rec, u.VenueOrderID)

	case event.UpdateRejected:
		if rec.State != StateSubmitted && rec.State != StateUnknown {
			return r.stale(rec, u.Status)
		}
		rec.RejectReason = u.Reason
		rec.transition(StateRejected, u.Reason, now)

	case event.UpdateCancelled:
		switch rec.State {
		case StateAcknowledged, StatePartiallyFilled, StateUnknown:
			rec.transition(StateCancelled, "venue confirmed cancel", now)
		default:
			return r.stale(rec, u.Status)
		}

	default:
		return fmt.Errorf("unknown update status %q for %s", u.Status, correlationID)
	}
	return nil
}

// ApplyTrade applies a fill. Trades arriving before the acknowledgement
// promote the order to ACKNOWLEDGED implicitly, since a fill proves the
// venue accepted it; the anomaly is counted.
func (r *Registry) ApplyTrade(t event.Trade) error {
	correlationID := t.CorrelationID
	if correlationID == "" {
		id, ok := r.Resolve(t.VenueOrderID)
		if !ok {
			r.orphanTrades.Add(1)
			return fmt.Errorf("%w: venue trade %s references venue order %s", ErrOrphanTrade, t.VenueTradeID, t.VenueOrderID)
		}
		correlationID = id
	}

	s := r.shardFor(correlationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.orders[correlationID]
	if !ok {
		r.orphanTrades.Add(1)
		return fmt.Errorf("%w: venue trade %s references order %s", ErrOrphanTrade, t.VenueTradeID, correlationID)
	}

	if rec.State.Terminal() {
		return r.stale(rec, "TRADE")
	}
	for _, tr := range rec.Trades {
		if tr.VenueTradeID == t.VenueTradeID {
			return r.stale(rec, "TRADE")
		}
	}

	remaining := rec.Request.Volume.Sub(rec.FilledVolume)
	if t.Volume.GreaterThan(remaining) {
		r.staleEvents.Add(1)
		return fmt.Errorf("%w: order %s filled %s + trade %s > requested %s",
			ErrOverfill, correlationID, rec.FilledVolume, t.Volume, rec.Request.Volume)
	}

	now := time.Now()
	if rec.State == StateSubmitted || rec.State == StateUnknown {
		rec.transition(StateAcknowledged, "implicit acknowledgement via trade", now)
		r.attachVenueID(rec, t.VenueOrderID)
		r.implicitAcks.Add(1)
	}

	rec.Trades = append(rec.Trades, TradeRecord{
		VenueTradeID:  t.VenueTradeID,
		CorrelationID: correlationID,
		Price:         t.Price,
		Volume:        t.Volume,
		At:            t.VenueTime,
	})
	rec.FilledVolume = rec.FilledVolume.Add(t.Volume)
	rec.notional = rec.notional.Add(t.Price.Mul(t.Volume))
	rec.AvgFillPrice = rec.notional.Div(rec.FilledVolume)

	if rec.FilledVolume.Equal(rec.Request.Volume) {
		rec.transition(StateFilled, "fully filled", now)
		r.filled.Add(1)
	} else if rec.State != StatePartiallyFilled {
		rec.transition(StatePartiallyFilled, "partial fill", now)
	} else {
		rec.UpdatedAt = now
	}
	return nil
}

// MarkRejected records a synchronous venue rejection (no venue order id
// was ever assigned).
func (r *Registry) MarkRejected(correlationID, reason string) error {
	return r.markFromSubmitted(correlationID, StateRejected, reason)
}

// MarkUnknown moves a SUBMITTED order whose submission outcome cannot
// be determined into UNKNOWN for manual reconciliation.
func (r *Registry) MarkUnknown(correlationID, reason string) error {
	return r.markFromSubmitted(correlationID, StateUnknown, reason)
}

func (r *Registry) markFromSubmitted(correlationID string, to State, reason string) error {
	s := r.shardFor(correlationID)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.orders[correlationID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOrder, correlationID)
	}
	if rec.State != StateSubmitted {
		return r.stale(rec, string(to))
	}
	if to == StateRejected {
		rec.RejectReason = reason
	}
	rec.transition(to, reason, time.Now())
	return nil
}

// ScanTimeouts moves every SUBMITTED order older than the submit
// timeout to UNKNOWN and returns their snapshots.
func (r *Registry) ScanTimeouts(now time.Time) []Record {
	var timedOut []Record
	for _, s := range r.shards {
		s.mu.Lock()
		for _, rec := range s.orders {
			if rec.State == StateSubmitted && now.Sub(rec.CreatedAt) > r.submitTimeout {
				rec.transition(StateUnknown, "no venue response within submit timeout", now)
				timedOut = append(timedOut, rec.snapshot())
			}
		}
		s.mu.Unlock()
	}
	return timedOut
}

// EvictTerminal archives and drops terminal records past the retention
// window. A record leaves the registry only after its archive call
// succeeds; failed records stay and are retried on the next sweep.
// archive is called outside any shard lock.
func (r *Registry) EvictTerminal(now time.Time, archive func(Record) error) int {
	var candidates []Record
	for _, s := range r.shards {
		s.mu.Lock()
		for _, rec := range s.orders {
			if rec.State.Terminal() && now.Sub(rec.UpdatedAt) > r.retention {
				candidates = append(candidates, rec.snapshot())
			}
		}
		s.mu.Unlock()
	}

	evicted := 0
	for _, rec := range candidates {
		if archive != nil {
			if err := archive(rec); err != nil {
				r.logger.Error("archive failed, keeping terminal record",
					zap.String("correlation_id", rec.Request.CorrelationID),
					zap.Error(err),
				)
				continue
			}
		}

		// Terminal states never transition, so the snapshot taken above
		// is still the record being deleted.
		s := r.shardFor(rec.Request.CorrelationID)
		s.mu.Lock()
		delete(s.orders, rec.Request.CorrelationID)
		s.mu.Unlock()

		if rec.VenueOrderID != "" {
			r.venueMu.Lock()
			delete(r.byVenue, rec.VenueOrderID)
			r.venueMu.Unlock()
		}
		evicted++
	}
	return evicted
}

// Stats returns anomaly and throughput counters.
func (r *Registry) Stats() (created, filled, stale, orphans, implicitAcks int64) {
	return r.created.Load(), r.filled.Load(), r.staleEvents.Load(),
		r.orphanTrades.Load(), r.implicitAcks.Load()
}

// stale counts the anomaly and returns the wrapped error. Called with
// the record's shard lock held.
func (r *Registry) stale(rec *Record, incoming any) error {
	r.staleEvents.Add(1)
	r.logger.Warn("stale event ignored",
		zap.String("correlation_id", rec.Request.CorrelationID),
		zap.String("state", string(rec.State)),
		zap.Any("incoming", incoming),
	)
	return fmt.Errorf("%w: order %s in state %s cannot apply %v",
		ErrStaleEvent, rec.Request.CorrelationID, rec.State, incoming)
}

// attachVenueID records the venue-assigned id. Called with the record's
// shard lock held.
func (r *Registry) attachVenueID(rec *Record, venueOrderID string) {
	if venueOrderID == "" || rec.VenueOrderID != "" {
		return
	}
	rec.VenueOrderID = venueOrderID
	r.venueMu.Lock()
	r.byVenue[venueOrderID] = rec.Request.CorrelationID
	r.venueMu.Unlock()
}
