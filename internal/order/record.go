package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// State is an order lifecycle state.
type State string

const (
	StateSubmitted       State = "SUBMITTED"
	StateAcknowledged    State = "ACKNOWLEDGED"
	StatePartiallyFilled State = "PARTIALLY_FILLED"
	StateFilled          State = "FILLED"
	StateCancelled       State = "CANCELLED"
	StateRejected        State = "REJECTED"
	// StateUnknown marks a submission that timed out with no venue
	// response. Quasi-terminal: a late venue confirmation may still
	// resolve it, but it is surfaced for manual reconciliation.
	StateUnknown State = "UNKNOWN"
)

// Terminal reports whether no further transition is permitted.
func (s State) Terminal() bool {
	switch s {
	case StateFilled, StateCancelled, StateRejected:
		return true
	default:
		return false
	}
}

// Transition is one audit-trail entry on a record.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

// TradeRecord is one fill applied to an order. Append-only.
type TradeRecord struct {
	VenueTradeID  string
	CorrelationID string
	Price         decimal.Decimal
	Volume        decimal.Decimal
	At            time.Time
}

// Record is the registry-owned representation of an order's lifecycle.
// The registry hands out copies only; callers never see the live record.
type Record struct {
	Request      Request
	VenueOrderID string
	State        State
	FilledVolume decimal.Decimal
	AvgFillPrice decimal.Decimal
	RejectReason string
	Trades       []TradeRecord
	Audit        []Transition
	CreatedAt    time.Time
	UpdatedAt    time.Time

	// notional accumulates price*volume across fills so the average
	// price stays exact.
	notional decimal.Decimal
}

// snapshot returns a deep copy safe to hand outside the shard lock.
func (r *Record) snapshot() Record {
	cp := *r
	cp.Trades = append([]TradeRecord(nil), r.Trades...)
	cp.Audit = append([]Transition(nil), r.Audit...)
	return cp
}

// transition moves the record to a new state and appends the audit
// entry. Callers must have verified legality first.
func (r *Record) transition(to State, reason string, now time.Time) {
	r.Audit = append(r.Audit, Transition{From: r.State, To: to, Reason: reason, At: now})
	r.State = to
	r.UpdatedAt = now
}
