// Package engine implements the coordinator: it owns the event bus and
// the gateway registry, drives the order state machine from venue
// events, and supervises connect/disconnect with per-gateway fault
// isolation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/redfire-quant/trading-core/internal/bus"
	"github.com/redfire-quant/trading-core/internal/event"
	"github.com/redfire-quant/trading-core/internal/gateway"
	"github.com/redfire-quant/trading-core/internal/order"
)

var (
	// ErrDuplicateGateway is returned when registering a name twice.
	ErrDuplicateGateway = errors.New("gateway name already registered")
	// ErrUnknownGateway is returned when routing to an unregistered
	// gateway.
	ErrUnknownGateway = errors.New("unknown gateway")
	// ErrNotAcknowledged is returned when cancelling an order that has
	// no venue order id yet.
	ErrNotAcknowledged = errors.New("order not acknowledged by venue yet")
)

// Config tunes the coordinator.
type Config struct {
	// SubmitTimeout bounds a single SubmitOrder venue call and the
	// registry's SUBMITTED->UNKNOWN scan.
	SubmitTimeout time.Duration
	// CancelTimeout bounds a single CancelOrder venue call.
	CancelTimeout time.Duration
	// TimerInterval drives the timeout scan, eviction sweep, and
	// heartbeat checks.
	TimerInterval time.Duration
	// HeartbeatTimeout flags sessions with no events for this long.
	HeartbeatTimeout time.Duration
	// ConnectRetries bounds reconnect attempts per gateway.
	ConnectRetries int
	// ConnectBackoff is the initial reconnect backoff, doubled per
	// attempt.
	ConnectBackoff time.Duration
}

func (c *Config) defaults() {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 3 * time.Second
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = 3 * time.Second
	}
	if c.TimerInterval <= 0 {
		c.TimerInterval = time.Second
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 3
	}
	if c.ConnectBackoff <= 0 {
		c.ConnectBackoff = 250 * time.Millisecond
	}
}

// GatewayStatus is one entry of a start report.
type GatewayStatus struct {
	Name  string
	State gateway.ConnState
	Err   error
}

// Engine is the top-level lifecycle owner. It is explicitly
// constructed and passed around; there is no ambient global instance.
type Engine struct {
	logger   *zap.Logger
	bus      *bus.Bus
	registry *order.Registry
	cfg      Config

	mu       sync.RWMutex
	adapters map[string]gateway.Adapter
	creds    map[string]gateway.Credentials
	sessions map[string]*gateway.Session

	// archive receives terminal records on eviction. A non-nil error
	// keeps the record in the registry for the next sweep. Optional.
	archive func(order.Record) error

	started atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	subs    []bus.Subscription

	submitted atomic.Int64
	cancels   atomic.Int64
}

// New creates a coordinator around an event bus and an order registry.
func New(b *bus.Bus, registry *order.Registry, cfg Config, logger *zap.Logger) *Engine {
	cfg.defaults()
	return &Engine{
		logger:   logger,
		bus:      b,
		registry: registry,
		cfg:      cfg,
		adapters: make(map[string]gateway.Adapter),
		creds:    make(map[string]gateway.Credentials),
		sessions: make(map[string]*gateway.Session),
	}
}

// Bus exposes the event bus for external consumers (strategy, risk,
// persistence) to attach their subscriptions.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Registry exposes read access to order state.
func (e *Engine) Registry() *order.Registry { return e.registry }

// SetArchive installs the sink invoked for each terminal record
// evicted after the retention window. Must be called before Start.
func (e *Engine) SetArchive(fn func(order.Record) error) { e.archive = fn }

// RegisterGateway stores an adapter under a unique name together with
// the credentials used on connect.
func (e *Engine) RegisterGateway(name string, adapter gateway.Adapter, creds gateway.Credentials) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.adapters[name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateGateway, name)
	}
	e.adapters[name] = adapter
	e.creds[name] = creds
	e.sessions[name] = &gateway.Session{
		Gateway:       name,
		State:         gateway.StateDisconnected,
		Subscriptions: make(map[string]struct{}),
	}
	e.logger.Info("gateway registered", zap.String("gateway", name))
	return nil
}

// Start starts the bus, wires the state machine to the event stream,
// and connects every registered gateway. Per-gateway connection
// failures are isolated: one failing venue never prevents the others
// from starting. The returned report carries the per-gateway outcome.
func (e *Engine) Start(ctx context.Context) []GatewayStatus {
	if !e.started.CompareAndSwap(false, true) {
		return e.statusSnapshot()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	e.bus.Start()
	e.subscribeStateMachine()

	e.mu.RLock()
	names := make([]string, 0, len(e.adapters))
	for name := range e.adapters {
		names = append(names, name)
	}
	e.mu.RUnlock()

	var wg sync.WaitGroup
	report := make([]GatewayStatus, len(names))
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			err := e.connectGateway(ctx, name)
			state := gateway.StateConnected
			if err != nil {
				state = e.sessionState(name)
			}
			report[i] = GatewayStatus{Name: name, State: state, Err: err}
		}(i, name)
	}
	wg.Wait()

	e.wg.Add(1)
	go e.timerLoop(runCtx)

	for _, st := range report {
		if st.Err != nil {
			e.logger.Warn("gateway failed to start",
				zap.String("gateway", st.Name), zap.Error(st.Err))
		}
	}
	e.logger.Info("engine started", zap.Int("gateways", len(report)))
	return report
}

// Stop disconnects every gateway, then stops the bus, in that order.
// Each step is best-effort; errors are collected, not aborted on.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started.CompareAndSwap(true, false) {
		return nil
	}
	e.cancel()
	e.wg.Wait()

	var errs []error
	e.mu.RLock()
	adapters := make(map[string]gateway.Adapter, len(e.adapters))
	for name, a := range e.adapters {
		adapters[name] = a
	}
	e.mu.RUnlock()

	for name, adapter := range adapters {
		if err := adapter.Disconnect(ctx); err != nil {
			e.logger.Error("gateway disconnect failed",
				zap.String("gateway", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("disconnect %s: %w", name, err))
		}
		e.setSessionState(name, gateway.StateDisconnected)
	}

	for _, sub := range e.subs {
		e.bus.Unsubscribe(sub)
	}
	if err := e.bus.Stop(); err != nil {
		errs = append(errs, err)
	}

	e.logger.Info("engine stopped",
		zap.Int64("orders_submitted", e.submitted.Load()),
		zap.Int64("cancels_requested", e.cancels.Load()),
	)
	return errors.Join(errs...)
}

// SubmitOrder routes an order to a gateway. The record is registered
// in state SUBMITTED before the venue call returns, so a racing
// ORDER_UPDATE always finds a record to transition. Returns the
// correlation id (generated when the request carries none).
func (e *Engine) SubmitOrder(ctx context.Context, gatewayName string, req order.Request) (string, error) {
	adapter, err := e.adapter(gatewayName)
	if err != nil {
		return "", err
	}

	if req.CorrelationID == "" {
		req.CorrelationID = uuid.New().String()
	}
	if _, err := e.registry.Create(req); err != nil {
		return "", err
	}
	e.submitted.Add(1)

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()

	venueOrderID, err := adapter.SubmitOrder(callCtx, req)
	if err != nil {
		var submitErr *gateway.SubmitError
		switch {
		case errors.As(err, &submitErr):
			// Synchronous rejection: terminal REJECTED entry kept for
			// audit, no venue order id ever assigned.
			if markErr := e.registry.MarkRejected(req.CorrelationID, submitErr.Reason); markErr != nil {
				e.logger.Warn("could not mark order rejected", zap.Error(markErr))
			}
			e.publishNotice("warn", gatewayName,
				fmt.Sprintf("order %s rejected: %s", req.CorrelationID, submitErr.Reason))
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			// No venue answer at all: outcome unknown, reconcile
			// manually. Never assumed filled or cancelled.
			if markErr := e.registry.MarkUnknown(req.CorrelationID, "submit timed out with no venue response"); markErr != nil {
				e.logger.Warn("could not mark order unknown", zap.Error(markErr))
			}
			e.publishNotice("error", gatewayName,
				fmt.Sprintf("order %s submit outcome unknown, reconciliation required", req.CorrelationID))
		default:
			if markErr := e.registry.MarkRejected(req.CorrelationID, err.Error()); markErr != nil {
				e.logger.Warn("could not mark order rejected", zap.Error(markErr))
			}
		}
		return req.CorrelationID, err
	}

	e.logger.Debug("order submitted",
		zap.String("gateway", gatewayName),
		zap.String("correlation_id", req.CorrelationID),
		zap.String("venue_order_id", venueOrderID),
	)
	return req.CorrelationID, nil
}

// CancelOrder requests cancellation of an order by correlation id.
// Local state is never touched here: the venue's own confirmation is
// authoritative and arrives as an ORDER_UPDATE.
func (e *Engine) CancelOrder(ctx context.Context, gatewayName, correlationID string) error {
	adapter, err := e.adapter(gatewayName)
	if err != nil {
		return err
	}

	rec, ok := e.registry.Get(correlationID)
	if !ok {
		return fmt.Errorf("%w: %s", order.ErrUnknownOrder, correlationID)
	}
	if rec.VenueOrderID == "" {
		return fmt.Errorf("%w: %s", ErrNotAcknowledged, correlationID)
	}

	e.cancels.Add(1)
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CancelTimeout)
	defer cancel()
	return adapter.CancelOrder(callCtx, rec.VenueOrderID)
}

// SubscribeMarketData forwards a subscription request to a gateway and
// tracks it on the session.
func (e *Engine) SubscribeMarketData(ctx context.Context, gatewayName string, symbols ...string) error {
	adapter, err := e.adapter(gatewayName)
	if err != nil {
		return err
	}
	if err := adapter.SubscribeMarketData(ctx, symbols...); err != nil {
		return err
	}

	e.mu.Lock()
	if sess, ok := e.sessions[gatewayName]; ok {
		for _, s := range symbols {
			sess.Subscriptions[s] = struct{}{}
		}
	}
	e.mu.Unlock()
	return nil
}

// Sessions returns a copy of every gateway session.
func (e *Engine) Sessions() []gateway.Session {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]gateway.Session, 0, len(e.sessions))
	for _, sess := range e.sessions {
		cp := *sess
		cp.Subscriptions = make(map[string]struct{}, len(sess.Subscriptions))
		for s := range sess.Subscriptions {
			cp.Subscriptions[s] = struct{}{}
		}
		out = append(out, cp)
	}
	return out
}

// subscribeStateMachine attaches the registry to the event stream.
// Stale events and orphan trades are logged and counted by the
// registry; they never propagate out of the handler.
func (e *Engine) subscribeStateMachine() {
	updateSub, _ := e.bus.Subscribe(event.KindOrderUpdate, func(ev event.Event) {
		e.touchSession(ev.Source)
		if u, ok := ev.Payload.(event.OrderUpdate); ok {
			if err := e.registry.ApplyUpdate(u); err != nil && !errors.Is(err, order.ErrStaleEvent) {
				e.logger.Warn("order update not applied", zap.Error(err))
			}
		}
	})
	tradeSub, _ := e.bus.Subscribe(event.KindTrade, func(ev event.Event) {
		e.touchSession(ev.Source)
		if t, ok := ev.Payload.(event.Trade); ok {
			if err := e.registry.ApplyTrade(t); err != nil && !errors.Is(err, order.ErrStaleEvent) {
				e.logger.Warn("trade not applied", zap.Error(err))
			}
		}
	})
	tickSub, _ := e.bus.Subscribe(event.KindTick, func(ev event.Event) {
		e.touchSession(ev.Source)
	})
	e.subs = append(e.subs, updateSub, tradeSub, tickSub)
}

// connectGateway connects one adapter with bounded retries and
// exponential backoff. Auth failures are not retried.
func (e *Engine) connectGateway(ctx context.Context, name string) error {
	e.mu.RLock()
	adapter := e.adapters[name]
	creds := e.creds[name]
	e.mu.RUnlock()

	backoff := e.cfg.ConnectBackoff
	var lastErr error
	for attempt := 0; attempt < e.cfg.ConnectRetries; attempt++ {
		e.setSessionState(name, gateway.StateConnecting)
		err := adapter.Connect(ctx, creds)
		if err == nil {
			e.setSessionState(name, gateway.StateConnected)
			e.touchSession(name)
			e.publishNotice("info", name, "gateway connected")
			return nil
		}
		lastErr = err
		e.setSessionState(name, gateway.StateDisconnected)

		var connErr *gateway.ConnectError
		if errors.As(err, &connErr) && connErr.Reason == "authentication failed" {
			e.setSessionState(name, gateway.StateAuthFailed)
			break
		}

		if attempt < e.cfg.ConnectRetries-1 {
			e.logger.Warn("gateway connect failed, retrying",
				zap.String("gateway", name),
				zap.Int("attempt", attempt+1),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	e.publishNotice("error", name, "gateway connect failed: "+lastErr.Error())
	return lastErr
}

// timerLoop publishes TIMER events and runs the periodic sweeps.
func (e *Engine) timerLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TimerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			err := e.bus.Publish(event.New(event.KindTimer, "engine", event.TimerTick{At: now}))
			if errors.Is(err, bus.ErrBusClosed) {
				return
			}

			for _, rec := range e.registry.ScanTimeouts(now) {
				e.publishNotice("error", "",
					fmt.Sprintf("order %s timed out in SUBMITTED, moved to UNKNOWN", rec.Request.CorrelationID))
			}

			e.registry.EvictTerminal(now, e.archive)
			e.checkHeartbeats(now)
		}
	}
}

func (e *Engine) checkHeartbeats(now time.Time) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for name, sess := range e.sessions {
		if sess.State != gateway.StateConnected || sess.LastHeartbeat.IsZero() {
			continue
		}
		if now.Sub(sess.LastHeartbeat) > e.cfg.HeartbeatTimeout {
			e.logger.Warn("gateway heartbeat stale",
				zap.String("gateway", name),
				zap.Time("last_heartbeat", sess.LastHeartbeat),
			)
		}
	}
}

func (e *Engine) adapter(name string) (gateway.Adapter, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	adapter, ok := e.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownGateway, name)
	}
	return adapter, nil
}

func (e *Engine) setSessionState(name string, state gateway.ConnState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess, ok := e.sessions[name]; ok {
		sess.State = state
	}
}

func (e *Engine) sessionState(name string) gateway.ConnState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if sess, ok := e.sessions[name]; ok {
		return sess.State
	}
	return gateway.StateDisconnected
}

func (e *Engine) touchSession(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sess, ok := e.sessions[name]; ok {
		sess.LastHeartbeat = time.Now()
	}
}

// publishNotice emits an operator-visible LOG event so monitoring
// consumers can react without the core depending on any alerting
// technology.
func (e *Engine) publishNotice(level, gatewayName, message string) {
	_ = e.bus.Publish(event.New(event.KindLog, "engine", event.LogEntry{
		Level:   level,
		Message: message,
		Gateway: gatewayName,
	}))
}

func (e *Engine) statusSnapshot() []GatewayStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]GatewayStatus, 0, len(e.sessions))
	for name, sess := range e.sessions {
		out = append(out, GatewayStatus{Name: name, State: sess.State})
	}
	return out
}
