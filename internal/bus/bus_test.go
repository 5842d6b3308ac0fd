package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redfire-quant/trading-core/internal/event"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	b := New(1024, 2*time.Second, zap.NewNop())
	b.Start()
	return b
}

func TestPublish_FIFOWithinChannel(t *testing.T) {
	b := newTestBus(t)

	const n = 500
	var mu sync.Mutex
	var seen []uint64
	done := make(chan struct{})

	_, err := b.Subscribe(event.KindTick, func(e event.Event) {
		mu.Lock()
		seen = append(seen, e.Seq)
		if len(seen) == n {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(event.New(event.KindTick, "test", event.Tick{Symbol: "BTCUSDT"})))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, n)
	for i := 1; i < n; i++ {
		assert.Greater(t, seen[i], seen[i-1], "delivery order must equal publish order")
	}

	require.NoError(t, b.Stop())
}

func TestPublish_AfterStopReturnsBusClosed(t *testing.T) {
	b := newTestBus(t)
	require.NoError(t, b.Stop())

	err := b.Publish(event.New(event.KindTick, "test", event.Tick{}))
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestStop_DrainsQueuedEvents(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	delivered := 0
	_, err := b.Subscribe(event.KindLog, func(event.Event) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})
	require.NoError(t, err)

	const n = 200
	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(event.New(event.KindLog, "test", event.LogEntry{Message: "x"})))
	}

	require.NoError(t, b.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, n, delivered, "stop must deliver already-published events")
}

func TestPublish_FullQueueFailsFast(t *testing.T) {
	b := New(1, 2*time.Second, zap.NewNop())
	b.Start()

	var once sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	_, err := b.Subscribe(event.KindLog, func(event.Event) {
		once.Do(func() { close(entered) })
		<-release
	})
	require.NoError(t, err)

	// First event occupies the handler, second fills the queue.
	require.NoError(t, b.Publish(event.New(event.KindLog, "test", event.LogEntry{})))
	<-entered
	require.NoError(t, b.Publish(event.New(event.KindLog, "test", event.LogEntry{})))

	err = b.Publish(event.New(event.KindLog, "test", event.LogEntry{}))
	assert.ErrorIs(t, err, ErrQueueFull, "publish must reject, not wait for the handler")

	close(release)
	require.NoError(t, b.Stop())
}

func TestStop_BoundedWithBlockedHandler(t *testing.T) {
	const grace = 100 * time.Millisecond
	b := New(1, grace, zap.NewNop())
	b.Start()

	var once sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	_, err := b.Subscribe(event.KindLog, func(event.Event) {
		once.Do(func() { close(entered) })
		<-release
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(event.New(event.KindLog, "test", event.LogEntry{})))
	<-entered
	require.NoError(t, b.Publish(event.New(event.KindLog, "test", event.LogEntry{})))
	require.ErrorIs(t, b.Publish(event.New(event.KindLog, "test", event.LogEntry{})), ErrQueueFull)

	// A wedged handler must not keep Stop from starting, and ending,
	// its grace period.
	stopped := make(chan error, 1)
	go func() { stopped <- b.Stop() }()

	select {
	case err := <-stopped:
		assert.Error(t, err, "undrained queue must be reported")
	case <-time.After(10 * grace):
		t.Fatal("stop did not return within the grace period")
	}
	close(release)
}

func TestUnsubscribe_Idempotent(t *testing.T) {
	b := newTestBus(t)
	defer b.Stop()

	sub, err := b.Subscribe(event.KindTick, func(event.Event) {})
	require.NoError(t, err)

	b.Unsubscribe(sub)
	b.Unsubscribe(sub) // second removal is a no-op
	b.Unsubscribe(Subscription{})
}

func TestUnsubscribe_StopsDelivery(t *testing.T) {
	b := newTestBus(t)

	var mu sync.Mutex
	count := 0
	sub, err := b.Subscribe(event.KindTick, func(event.Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)
	b.Unsubscribe(sub)

	require.NoError(t, b.Publish(event.New(event.KindTick, "test", event.Tick{})))
	require.NoError(t, b.Stop())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, count)
}

func TestDispatch_PanickingHandlerIsIsolated(t *testing.T) {
	b := newTestBus(t)

	const n = 50
	var mu sync.Mutex
	healthy := 0
	done := make(chan struct{})

	// Subscriber that panics on every invocation.
	_, err := b.Subscribe(event.KindTick, func(event.Event) {
		panic("boom")
	})
	require.NoError(t, err)

	_, err = b.Subscribe(event.KindTick, func(event.Event) {
		mu.Lock()
		healthy++
		if healthy == n {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, b.Publish(event.New(event.KindTick, "test", event.Tick{})))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("healthy subscriber starved by panicking peer")
	}

	_, _, panics := b.Stats()
	assert.Equal(t, int64(n), panics)
	require.NoError(t, b.Stop())
}

func TestChannels_DispatchIndependently(t *testing.T) {
	b := newTestBus(t)

	blocked := make(chan struct{})
	release := make(chan struct{})
	_, err := b.Subscribe(event.KindLog, func(event.Event) {
		close(blocked)
		<-release
	})
	require.NoError(t, err)

	tickSeen := make(chan struct{})
	_, err = b.Subscribe(event.KindTick, func(event.Event) {
		select {
		case <-tickSeen:
		default:
			close(tickSeen)
		}
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(event.New(event.KindLog, "test", event.LogEntry{})))
	<-blocked

	// A stalled LOG handler must not delay TICK dispatch.
	require.NoError(t, b.Publish(event.New(event.KindTick, "test", event.Tick{})))
	select {
	case <-tickSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("tick dispatch blocked by unrelated channel")
	}

	close(release)
	require.NoError(t, b.Stop())
}
