// Package poller actively resolves orders stuck in PENDING past the grace
// window, when passive callbacks were delayed, lost, or ambiguous. It has no
// special authority: results feed the same reconciliation entry point as any
// other channel, only with earlier visibility.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopnest/payflow/internal/gateway"
	"github.com/shopnest/payflow/internal/orders"
	"github.com/shopnest/payflow/internal/reconcile"
)

// Poller issues VerifyStatus calls and applies the answers.
type Poller struct {
	store    *orders.Store
	registry *gateway.Registry
	engine   *reconcile.Engine
	meter    reconcile.Meter

	// GraceWindow is how long an order may sit PENDING before the sweep
	// considers it stale.
	GraceWindow time.Duration

	verifyAttempts int
	backoffBase    time.Duration
	nowFunc        func() time.Time
	sleepFunc      func(time.Duration)
}

// New wires a Poller. meter may be nil.
func New(store *orders.Store, registry *gateway.Registry, engine *reconcile.Engine, meter reconcile.Meter, graceWindow time.Duration) *Poller {
	return &Poller{
		store:          store,
		registry:       registry,
		engine:         engine,
		meter:          meter,
		GraceWindow:    graceWindow,
		verifyAttempts: 3,
		backoffBase:    500 * time.Millisecond,
		nowFunc:        time.Now,
		sleepFunc:      time.Sleep,
	}
}

// ResolveOne re-checks a single transaction on demand (operator- or
// client-triggered). Terminal orders are returned as-is without a processor call.
func (p *Poller) ResolveOne(ctx context.Context, tranID string) (*orders.Order, error) {
	o, err := p.store.Get(ctx, tranID)
	if err != nil {
		return nil, err
	}
	if o == nil {
		return nil, fmt.Errorf("%w: tran_id=%q", reconcile.ErrOrderNotFound, tranID)
	}
	if o.Status.Terminal() {
		return o, nil
	}

	res, err := p.resolve(ctx, o)
	if err != nil {
		return nil, err
	}
	return res.Order, nil
}

// ResolveStale sweeps all orders PENDING for longer than the grace window.
// Per-order failures are logged and skipped so one sick processor cannot
// stall the sweep. Returns how many orders reached a terminal state.
func (p *Poller) ResolveStale(ctx context.Context) (int, error) {
	cutoff := p.nowFunc().Add(-p.GraceWindow)
	stale, err := p.store.ListStalePending(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	finalized := 0
	for i := range stale {
		o := stale[i]
		res, err := p.resolve(ctx, &o)
		if err != nil {
			log.Printf("[poller] verify %s failed: %v", o.TranID, err)
			continue
		}
		if res.Outcome == reconcile.OutcomeTransitioned {
			finalized++
			continue
		}
		// Still pending after an active check: surfaced as "payment pending
		// verification", never silently reported as failed.
		log.Printf("[poller] %s still pending verification (reported %q)", o.TranID, res.Order.History[len(res.Order.History)-1].ReportedStatus)
		p.countStale(ctx, &o)
	}
	if n := len(stale); n > 0 {
		log.Printf("[poller] sweep: %d stale, %d finalized", n, finalized)
	}
	return finalized, nil
}

func (p *Poller) resolve(ctx context.Context, o *orders.Order) (reconcile.Result, error) {
	adapter, err := p.registry.Lookup(o.Gateway)
	if err != nil {
		return reconcile.Result{}, err
	}

	ev, err := p.verifyWithRetry(ctx, adapter, o)
	if err != nil {
		return reconcile.Result{}, err
	}
	// GetByGatewayRef is not needed here; anchor the event to the known order.
	if ev.TranID == "" {
		ev.TranID = o.TranID
	}
	return p.engine.Apply(ctx, ev)
}

// verifyWithRetry retries only transient processor failures, with bounded
// exponential backoff. This is the sole retry loop for outbound calls; the
// inbound callback path never retries.
func (p *Poller) verifyWithRetry(ctx context.Context, adapter gateway.Adapter, o *orders.Order) (gateway.CanonicalEvent, error) {
	var lastErr error
	for attempt := 0; attempt < p.verifyAttempts; attempt++ {
		if attempt > 0 {
			p.sleepFunc(p.backoffBase << (attempt - 1))
		}
		ev, err := adapter.VerifyStatus(ctx, o.TranID, o.GatewayRef)
		if err == nil {
			return ev, nil
		}
		if !errors.Is(err, gateway.ErrGatewayUnavailable) {
			return gateway.CanonicalEvent{}, err
		}
		lastErr = err
	}
	return gateway.CanonicalEvent{}, fmt.Errorf("verify exhausted %d attempts: %w", p.verifyAttempts, lastErr)
}

func (p *Poller) countStale(ctx context.Context, o *orders.Order) {
	if p.meter == nil {
		return
	}
	if err := p.meter.Count(ctx, "StalePendingOrder", map[string]string{"Gateway": string(o.Gateway)}); err != nil {
		log.Printf("[poller] stale metric failed: %v", err)
	}
}
