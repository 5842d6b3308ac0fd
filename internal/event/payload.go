package event

import (
	"time"

	"github.com/shopspring/decimal"
)

// BookDepth is the fixed ladder depth carried on every tick.
const BookDepth = 5

// PriceLevel is one rung of a bid or ask ladder.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// Tick is a market data snapshot for one symbol.
type Tick struct {
	Symbol       string                `json:"symbol"`
	Exchange     string                `json:"exchange"`
	LastPrice    decimal.Decimal       `json:"last_price"`
	Bids         [BookDepth]PriceLevel `json:"bids"`
	Asks         [BookDepth]PriceLevel `json:"asks"`
	Volume       decimal.Decimal       `json:"volume"`
	OpenInterest decimal.Decimal       `json:"open_interest"`
	ExchangeTime time.Time             `json:"exchange_time"`
	LocalTime    time.Time             `json:"local_time"`
}

// UpdateStatus is the venue-reported status carried on an order update.
type UpdateStatus string

const (
	UpdateAcknowledged UpdateStatus = "ACKNOWLEDGED"
	UpdateRejected     UpdateStatus = "REJECTED"
	UpdateCancelled    UpdateStatus = "CANCELLED"
)

// OrderUpdate reports a venue-side order state change. CorrelationID
// links it back to the original request; VenueOrderID is set once the
// venue has acknowledged.
type OrderUpdate struct {
	CorrelationID string       `json:"correlation_id"`
	VenueOrderID  string       `json:"venue_order_id"`
	Status        UpdateStatus `json:"status"`
	Reason        string       `json:"reason,omitempty"`
	VenueTime     time.Time    `json:"venue_time"`
}

// Trade reports a (possibly partial) fill against an order.
type Trade struct {
	VenueTradeID  string          `json:"venue_trade_id"`
	CorrelationID string          `json:"correlation_id"`
	VenueOrderID  string          `json:"venue_order_id"`
	Price         decimal.Decimal `json:"price"`
	Volume        decimal.Decimal `json:"volume"`
	VenueTime     time.Time       `json:"venue_time"`
}

// LogEntry carries an operator-visible notice (connectivity changes,
// rejections, anomalies) so monitoring consumers can react without the
// core depending on any alerting technology.
type LogEntry struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	Gateway string `json:"gateway,omitempty"`
}

// TimerTick is published by the coordinator timer loop.
type TimerTick struct {
	At time.Time `json:"at"`
}

// Custom is an escape hatch for application-defined payloads.
type Custom struct {
	Name string `json:"name"`
	Data any    `json:"data"`
}
