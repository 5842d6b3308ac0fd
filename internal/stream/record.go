package stream

import "time"

// Record is one audit record as read off the wire.
type Record struct {
	Topic  string
	Key    string
	Value  []byte
	Offset int64
	At     time.Time
}
