package stream

import "github.com/shopspring/decimal"

// OrderAuditMsg is the wire form of an archived order record.
type OrderAuditMsg struct {
	EventID       string          `json:"event_id"`
	CorrelationID string          `json:"correlation_id"`
	VenueOrderID  string          `json:"venue_order_id,omitempty"`
	Gateway       string          `json:"gateway"`
	Symbol        string          `json:"symbol"`
	Direction     string          `json:"direction"`
	State         string          `json:"state"`
	Volume        decimal.Decimal `json:"volume"`
	FilledVolume  decimal.Decimal `json:"filled_volume"`
	AvgFillPrice  decimal.Decimal `json:"avg_fill_price"`
	Reason        string          `json:"reason,omitempty"`
	TsUnixMillis  int64           `json:"ts_unix_millis"`
}

// TradeAuditMsg is the wire form of one fill.
type TradeAuditMsg struct {
	EventID       string          `json:"event_id"`
	VenueTradeID  string          `json:"venue_trade_id"`
	CorrelationID string          `json:"correlation_id"`
	Price         decimal.Decimal `json:"price"`
	Volume        decimal.Decimal `json:"volume"`
	TsUnixMillis  int64           `json:"ts_unix_millis"`
}
