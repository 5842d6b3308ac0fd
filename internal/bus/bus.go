// Package bus implements the in-process event bus: one FIFO dispatch
// loop per event kind, copy-on-write subscriber tables, and
// per-handler panic isolation.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/redfire-quant/trading-core/internal/event"
)

var (
	// ErrBusClosed is returned from Publish once Stop has begun.
	ErrBusClosed = errors.New("event bus closed")
	// ErrUnknownKind is returned when publishing an event kind the bus
	// has no channel for.
	ErrUnknownKind = errors.New("unknown event kind")
	// ErrQueueFull is returned when a channel's buffer is exhausted.
	// Publish never blocks waiting for a slow handler to make room.
	ErrQueueFull = errors.New("event queue full")
)

// Handler is a subscriber callback. It receives the event read-only and
// must not retain or mutate it. A panicking handler is contained at the
// dispatch boundary and never affects other subscribers.
type Handler func(event.Event)

// Subscription identifies one registered handler. The zero value is
// inert: unsubscribing it is a no-op.
type Subscription struct {
	kind event.Kind
	id   uint64
}

type subscriber struct {
	id uint64
	fn Handler
}

// channel is one dispatch lane. Events published to it are delivered
// strictly in publish order.
type channel struct {
	queue chan event.Event
	seq   atomic.Uint64
	subs  atomic.Pointer[[]subscriber]
}

// Bus is the typed publish/subscribe dispatcher.
type Bus struct {
	logger   *zap.Logger
	channels map[event.Kind]*channel

	// pubMu guards the closed flag against in-flight publishes; the
	// publish path only ever takes the read side.
	pubMu  sync.RWMutex
	closed bool

	// subMu serializes subscriber-table writers; readers go through
	// the atomic snapshot.
	subMu   sync.Mutex
	nextSub atomic.Uint64

	started   atomic.Bool
	stopGrace time.Duration
	wg        sync.WaitGroup
	quit      chan struct{}

	published     atomic.Int64
	delivered     atomic.Int64
	rejected      atomic.Int64
	handlerPanics atomic.Int64
}

// New creates a bus with one channel of the given capacity per event
// kind. stopGrace bounds how long Stop waits for the queues to drain.
func New(queueSize int, stopGrace time.Duration, logger *zap.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 1
	}
	b := &Bus{
		logger:    logger,
		channels:  make(map[event.Kind]*channel),
		stopGrace: stopGrace,
		quit:      make(chan struct{}),
	}
	for _, kind := range event.Kinds() {
		c := &channel{queue: make(chan event.Event, queueSize)}
		empty := make([]subscriber, 0)
		c.subs.Store(&empty)
		b.channels[kind] = c
	}
	return b
}

// Start launches the dispatch loops. Calling Start twice is a no-op.
func (b *Bus) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	for kind, c := range b.channels {
		b.wg.Add(1)
		go b.dispatch(kind, c)
	}
	go b.logStats()
	b.logger.Info("event bus started", zap.Int("channels", len(b.channels)))
}

// Stop rejects further publishes, drains already-published events, and
// halts the dispatch loops. It returns an error if the queues do not
// drain within the grace period.
func (b *Bus) Stop() error {
	b.pubMu.Lock()
	if b.closed {
		b.pubMu.Unlock()
		return nil
	}
	b.closed = true
	for _, c := range b.channels {
		close(c.queue)
	}
	b.pubMu.Unlock()
	close(b.quit)

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("event bus stopped",
			zap.Int64("published", b.published.Load()),
			zap.Int64("delivered", b.delivered.Load()),
		)
		return nil
	case <-time.After(b.stopGrace):
		b.logger.Warn("event bus stop grace exceeded", zap.Duration("grace", b.stopGrace))
		return fmt.Errorf("event bus did not drain within %s", b.stopGrace)
	}
}

// Publish enqueues an event for asynchronous delivery. It never waits
// on handler execution: a full queue fails with ErrQueueFull instead
// of blocking the publisher, and a stopped bus fails with
// ErrBusClosed. The lock is only ever held across the non-blocking
// enqueue, so Stop can always begin its grace period.
func (b *Bus) Publish(e event.Event) error {
	b.pubMu.RLock()
	defer b.pubMu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	c, ok := b.channels[e.Kind]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownKind, e.Kind)
	}
	if e.Occurred.IsZero() {
		e.Occurred = time.Now()
	}
	e.Seq = c.seq.Add(1)
	select {
	case c.queue <- e:
		b.published.Add(1)
		return nil
	default:
		b.rejected.Add(1)
		return fmt.Errorf("%w: %s", ErrQueueFull, e.Kind)
	}
}

// Subscribe registers a handler for every event of the given kind.
func (b *Bus) Subscribe(kind event.Kind, fn Handler) (Subscription, error) {
	c, ok := b.channels[kind]
	if !ok {
		return Subscription{}, fmt.Errorf("%w: %d", ErrUnknownKind, kind)
	}

	sub := Subscription{kind: kind, id: b.nextSub.Add(1)}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	old := *c.subs.Load()
	next := make([]subscriber, len(old), len(old)+1)
	copy(next, old)
	next = append(next, subscriber{id: sub.id, fn: fn})
	c.subs.Store(&next)
	return sub, nil
}

// Unsubscribe removes a handler. It is idempotent: removing a handle
// that was never registered, or removing it twice, is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	c, ok := b.channels[sub.kind]
	if !ok {
		return
	}

	b.subMu.Lock()
	defer b.subMu.Unlock()
	old := *c.subs.Load()
	next := make([]subscriber, 0, len(old))
	for _, s := range old {
		if s.id != sub.id {
			next = append(next, s)
		}
	}
	c.subs.Store(&next)
}

// Stats returns the published/delivered/panic counters.
func (b *Bus) Stats() (published, delivered, panics int64) {
	return b.published.Load(), b.delivered.Load(), b.handlerPanics.Load()
}

func (b *Bus) dispatch(kind event.Kind, c *channel) {
	defer b.wg.Done()
	for e := range c.queue {
		for _, s := range *c.subs.Load() {
			b.deliver(kind, s, e)
		}
	}
}

func (b *Bus) deliver(kind event.Kind, s subscriber, e event.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.handlerPanics.Add(1)
			b.logger.Error("event handler panic",
				zap.String("kind", kind.String()),
				zap.String("source", e.Source),
				zap.Uint64("seq", e.Seq),
				zap.Any("recover", r),
			)
		}
	}()
	s.fn(e)
	b.delivered.Add(1)
}

// logStats logs dispatch statistics periodically.
func (b *Bus) logStats() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-b.quit:
			return
		case <-ticker.C:
			b.logger.Info("event bus stats",
				zap.Int64("published", b.published.Load()),
				zap.Int64("delivered", b.delivered.Load()),
				zap.Int64("rejected", b.rejected.Load()),
				zap.Int64("handler_panics", b.handlerPanics.Load()),
			)
		}
	}
}
