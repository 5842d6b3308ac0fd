// Package order tracks every order from submission to terminal state:
// the request/record types, the lifecycle state machine, and the
// sharded in-memory registry that applies venue events to records.
package order

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Direction is the side of an order.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Offset distinguishes opening and closing positions (futures).
type Offset string

const (
	OffsetOpen  Offset = "OPEN"
	OffsetClose Offset = "CLOSE"
)

// Kind is the order type.
type Kind string

const (
	KindMarket Kind = "MARKET"
	KindLimit  Kind = "LIMIT"
	KindStop   Kind = "STOP"
)

// Request is a client order. Immutable once submitted. CorrelationID is
// client-generated and links the request to its record and to every
// venue event, independent of venue-assigned ids; retries reusing the
// same id let the venue detect duplicate execution.
type Request struct {
	CorrelationID string
	Symbol        string
	Exchange      string
	Direction     Direction
	Offset        Offset
	Kind          Kind
	Volume        decimal.Decimal
	// LimitPrice is required for LIMIT orders, ignored otherwise.
	LimitPrice decimal.Decimal
}

// ErrInvalidRequest is wrapped by every Validate failure.
var ErrInvalidRequest = errors.New("invalid order request")

// Validate checks the request before it is handed to a gateway.
func (r Request) Validate() error {
	if r.CorrelationID == "" {
		return fmt.Errorf("%w: correlation id cannot be empty", ErrInvalidRequest)
	}
	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol cannot be empty", ErrInvalidRequest)
	}
	if !r.Volume.IsPositive() {
		return fmt.Errorf("%w: volume must be greater than 0", ErrInvalidRequest)
	}
	switch r.Direction {
	case DirectionBuy, DirectionSell:
	default:
		return fmt.Errorf("%w: unknown direction %q", ErrInvalidRequest, r.Direction)
	}
	switch r.Kind {
	case KindMarket, KindStop:
	case KindLimit:
		if !r.LimitPrice.IsPositive() {
			return fmt.Errorf("%w: limit order requires a positive limit price", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown order kind %q", ErrInvalidRequest, r.Kind)
	}
	return nil
}
