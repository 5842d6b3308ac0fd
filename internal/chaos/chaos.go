// Package chaos injects deterministic faults into gateway adapter
// calls, for resilience testing of the coordinator and the order
// state machine.
package chaos

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/redfire-quant/trading-core/internal/gateway"
	"github.com/redfire-quant/trading-core/internal/order"
)

// Chaos decides, per gateway call, whether to drop or delay it.
type Chaos struct {
	cfg    *Config
	logger *zap.Logger
	mu     sync.Mutex
	rng    *rand.Rand
	start  time.Time
}

// New creates a Chaos instance from config, applying the profile
// shorthand if set.
func New(cfg *Config, logger *zap.Logger) *Chaos {
	c := &Chaos{
		cfg:    cfg,
		logger: logger,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
		start:  time.Now(),
	}

	if cfg.Profile != "" {
		dropPct, delayMin, delayMax, err := ParseProfile(cfg.Profile)
		if err != nil {
			logger.Warn("failed to parse chaos profile", zap.Error(err))
		} else {
			if dropPct > 0 {
				cfg.DropPct = dropPct
			}
			if delayMin > 0 || delayMax > 0 {
				cfg.DelayMsMin = delayMin
				cfg.DelayMsMax = delayMax
			}
		}
	}

	return c
}

// EnabledFor checks whether injection applies to a gateway.
func (c *Chaos) EnabledFor(gatewayName string) bool {
	if !c.cfg.Enabled {
		return false
	}
	if c.cfg.WindowMs > 0 && time.Since(c.start).Milliseconds() > int64(c.cfg.WindowMs) {
		return false
	}
	if c.cfg.TargetGateway != "" && c.cfg.TargetGateway != gatewayName {
		return false
	}
	return true
}

// MaybeDelay injects a random delay before a gateway call.
func (c *Chaos) MaybeDelay(ctx context.Context, gatewayName, op string) error {
	if !c.EnabledFor(gatewayName) {
		return nil
	}
	if c.cfg.DelayMsMin == 0 && c.cfg.DelayMsMax == 0 {
		return nil
	}

	c.mu.Lock()
	delayMs := c.cfg.DelayMsMin
	if c.cfg.DelayMsMax > c.cfg.DelayMsMin {
		delayMs += c.rng.Intn(c.cfg.DelayMsMax - c.cfg.DelayMsMin + 1)
	}
	c.mu.Unlock()

	if delayMs <= 0 {
		return nil
	}

	c.logger.Info("chaos delay injected",
		zap.String("gateway", gatewayName),
		zap.String("op", op),
		zap.Int("delay_ms", delayMs),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(time.Duration(delayMs) * time.Millisecond):
		return nil
	}
}

// MaybeDrop returns true if the call should be dropped.
func (c *Chaos) MaybeDrop(gatewayName, op string) bool {
	if !c.EnabledFor(gatewayName) || c.cfg.DropPct == 0 {
		return false
	}

	c.mu.Lock()
	drop := c.rng.Intn(100) < c.cfg.DropPct
	c.mu.Unlock()

	if drop {
		c.logger.Info("chaos drop injected",
			zap.String("gateway", gatewayName),
			zap.String("op", op),
		)
	}
	return drop
}

// WrapAdapter decorates a gateway adapter with fault injection on
// Connect, SubmitOrder, and CancelOrder. Market data subscription and
// disconnect are left untouched so teardown stays reliable.
func (c *Chaos) WrapAdapter(inner gateway.Adapter) gateway.Adapter {
	return &chaoticAdapter{inner: inner, chaos: c}
}

type chaoticAdapter struct {
	inner gateway.Adapter
	chaos *Chaos
}

func (a *chaoticAdapter) Name() string { return a.inner.Name() }

func (a *chaoticAdapter) Connect(ctx context.Context, creds gateway.Credentials) error {
	if a.chaos.MaybeDrop(a.inner.Name(), "connect") {
		return &gateway.ConnectError{Gateway: a.inner.Name(), Reason: "chaos: connection dropped"}
	}
	if err := a.chaos.MaybeDelay(ctx, a.inner.Name(), "connect"); err != nil {
		return &gateway.ConnectError{Gateway: a.inner.Name(), Reason: "chaos: delay aborted", Err: err}
	}
	return a.inner.Connect(ctx, creds)
}

func (a *chaoticAdapter) Disconnect(ctx context.Context) error {
	return a.inner.Disconnect(ctx)
}

func (a *chaoticAdapter) SubscribeMarketData(ctx context.Context, symbols ...string) error {
	return a.inner.SubscribeMarketData(ctx, symbols...)
}

func (a *chaoticAdapter) SubmitOrder(ctx context.Context, req order.Request) (string, error) {
	// A dropped submit means the request never reaches the venue: the
	// caller observes a timeout, never a rejection.
	if a.chaos.MaybeDrop(a.inner.Name(), "submit") {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if err := a.chaos.MaybeDelay(ctx, a.inner.Name(), "submit"); err != nil {
		return "", err
	}
	return a.inner.SubmitOrder(ctx, req)
}

func (a *chaoticAdapter) CancelOrder(ctx context.Context, venueOrderID string) error {
	if a.chaos.MaybeDrop(a.inner.Name(), "cancel") {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := a.chaos.MaybeDelay(ctx, a.inner.Name(), "cancel"); err != nil {
		return err
	}
	return a.inner.CancelOrder(ctx, venueOrderID)
}
