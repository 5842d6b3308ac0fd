// Package event defines the in-process event envelope and its typed
// payloads. Events are created at the point of ingestion and never
// mutated afterwards; consumers receive them read-only.
package event

import (
	"time"
)

// Kind identifies the channel an event is dispatched on.
type Kind uint8

const (
	KindTick Kind = iota + 1
	KindOrderUpdate
	KindTrade
	KindLog
	KindTimer
	KindCustom
)

// String returns the wire name of the kind.
func (k Kind) String() string {
	switch k {
	case KindTick:
		return "TICK"
	case KindOrderUpdate:
		return "ORDER_UPDATE"
	case KindTrade:
		return "TRADE"
	case KindLog:
		return "LOG"
	case KindTimer:
		return "TIMER"
	case KindCustom:
		return "CUSTOM"
	default:
		return "UNKNOWN"
	}
}

// Kinds lists every dispatchable kind. The bus allocates one channel
// per entry.
func Kinds() []Kind {
	return []Kind{KindTick, KindOrderUpdate, KindTrade, KindLog, KindTimer, KindCustom}
}

// Event is the immutable envelope carried by the bus.
//
// Occurred is taken from time.Now() at ingestion and therefore carries
// both the wall clock and Go's monotonic reading. Seq is assigned by
// the bus at publish time and is strictly increasing per channel.
type Event struct {
	Kind     Kind
	Source   string
	Occurred time.Time
	Seq      uint64
	Payload  any
}

// New wraps a payload into an envelope stamped with the current time.
func New(kind Kind, source string, payload any) Event {
	return Event{
		Kind:     kind,
		Source:   source,
		Occurred: time.Now(),
		Payload:  payload,
	}
}
