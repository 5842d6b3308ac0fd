// Package gateway defines the uniform contract every venue connector
// implements, so the coordinator never depends on a concrete venue.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/redfire-quant/trading-core/internal/order"
)

// Credentials carries the connection parameters supplied by the
// configuration source. The loading mechanism is out of scope.
type Credentials struct {
	Endpoint  string
	APIKey    string
	APISecret string
}

// Adapter is implemented by every venue connector. The adapter is
// handed the event bus at construction and publishes TICK,
// ORDER_UPDATE, and TRADE events while connected; after Disconnect
// returns it emits no further events.
//
// Connect, SubmitOrder, and CancelOrder may block on network I/O and
// honor the caller's context deadline; they must never be called from
// a bus dispatch loop.
type Adapter interface {
	// Name returns the adapter identifier used as event source.
	Name() string

	// Connect establishes the venue session. Idempotent if already
	// connected, and callable again after a disconnect.
	Connect(ctx context.Context, creds Credentials) error

	// Disconnect tears the session down gracefully.
	Disconnect(ctx context.Context) error

	// SubscribeMarketData adds symbols to the outstanding
	// subscription set.
	SubscribeMarketData(ctx context.Context, symbols ...string) error

	// SubmitOrder sends the order and returns the venue's initial
	// acknowledgement (the venue order id) or a synchronous
	// rejection. It does not update order state; asynchronous state
	// changes arrive later as ORDER_UPDATE events.
	SubmitOrder(ctx context.Context, req order.Request) (string, error)

	// CancelOrder requests cancellation, best-effort. The venue's
	// final answer arrives as an ORDER_UPDATE, not here.
	CancelOrder(ctx context.Context, venueOrderID string) error
}

// ConnectError reports a failure establishing a venue session. The
// coordinator retries these with backoff.
type ConnectError struct {
	Gateway string
	Reason  string
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("gateway %s: connect failed: %s", e.Gateway, e.Reason)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SubmitError reports a synchronous order rejection. It concerns one
// specific order, never the session.
type SubmitError struct {
	Gateway       string
	CorrelationID string
	Reason        string
	Err           error
}

func (e *SubmitError) Error() string {
	return fmt.Sprintf("gateway %s: order %s rejected: %s", e.Gateway, e.CorrelationID, e.Reason)
}

func (e *SubmitError) Unwrap() error { return e.Err }

// CancelError reports a failed cancellation request. It says nothing
// about whether the order was or wasn't cancelled; the truth arrives
// via ORDER_UPDATE.
type CancelError struct {
	Gateway      string
	VenueOrderID string
	Reason       string
	Err          error
}

func (e *CancelError) Error() string {
	return fmt.Sprintf("gateway %s: cancel of %s failed: %s", e.Gateway, e.VenueOrderID, e.Reason)
}

func (e *CancelError) Unwrap() error { return e.Err }

// ConnState is the connectivity state of a gateway session.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
	StateAuthFailed   ConnState = "AUTH_FAILED"
)

// Session is the coordinator-owned view of one registered adapter.
type Session struct {
	Gateway       string
	State         ConnState
	LastHeartbeat time.Time
	Subscriptions map[string]struct{}
}
