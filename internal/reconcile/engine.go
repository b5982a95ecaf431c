package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopnest/payflow/internal/gateway"
	"github.com/shopnest/payflow/internal/orders"
)

// ErrOrderNotFound indicates an event referenced a transaction we never
// created. The event is discarded with no record (attacker/garbage probe).
var ErrOrderNotFound = errors.New("order not found")

// conflictRetries bounds reloads after losing the optimistic-concurrency race.
const conflictRetries = 3

// Outcome classifies what applying a canonical event did to the order.
type Outcome string

const (
	// OutcomeTransitioned: the order left PENDING for a terminal state.
	OutcomeTransitioned Outcome = "TRANSITIONED"
	// OutcomeDuplicate: identical (source, digest) delivery already in the
	// audit log; nothing appended, nothing changed.
	OutcomeDuplicate Outcome = "DUPLICATE"
	// OutcomeRecorded: appended for audit without a status change (late report
	// against a terminal order).
	OutcomeRecorded Outcome = "RECORDED"
	// OutcomeAnomaly: unmapped reported status; recorded, metered, no change.
	OutcomeAnomaly Outcome = "ANOMALY"
)

// Result is the engine's answer for one applied event. Order is the
// post-apply state.
type Result struct {
	Outcome Outcome
	Order   *orders.Order
}

// InvoiceTrigger fires the receipt pipeline after the first COMPLETED
// transition. Failures are reported but never reopen the order.
type InvoiceTrigger interface {
	Fire(ctx context.Context, o orders.Order) error
}

// Meter counts operational events (reconciliation anomalies). Best-effort.
type Meter interface {
	Count(ctx context.Context, name string, dims map[string]string) error
}

// Engine owns the order state machine. All order mutation in the system goes
// through Apply; components never write fields directly.
type Engine struct {
	store    *orders.Store
	registry *gateway.Registry
	trigger  InvoiceTrigger
	meter    Meter
	nowFunc  func() time.Time
}

// NewEngine wires the engine. trigger and meter may be nil.
func NewEngine(store *orders.Store, registry *gateway.Registry, trigger InvoiceTrigger, meter Meter) *Engine {
	return &Engine{
		store:    store,
		registry: registry,
		trigger:  trigger,
		meter:    meter,
		nowFunc:  time.Now,
	}
}

// Apply normalizes one status report into the order's lifecycle:
//
//  1. resolve the order (tran_id, falling back to the processor-assigned ref);
//  2. drop identical redeliveries as an idempotent no-op;
//  3. append-only audit when the order is already terminal (sticky terminals);
//  4. otherwise map the reported status through the owning adapter's table and
//     transition PENDING -> terminal under a version compare-and-set;
//  5. on the first COMPLETED transition, flip invoice_emitted in the same
//     conditional write and fire the invoice trigger exactly once;
//  6. unmapped statuses are recorded as anomalies and never transition.
//
// Losing the version race means another channel committed first; the event is
// re-evaluated against the fresh state, so exactly one winner finalizes.
func (e *Engine) Apply(ctx context.Context, ev gateway.CanonicalEvent) (Result, error) {
	var lastErr error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		res, err := e.applyOnce(ctx, ev)
		if errors.Is(err, orders.ErrVersionConflict) {
			lastErr = err
			continue
		}
		return res, err
	}
	return Result{}, fmt.Errorf("apply event for %s: %w", ev.TranID, lastErr)
}

func (e *Engine) applyOnce(ctx context.Context, ev gateway.CanonicalEvent) (Result, error) {
	o, err := e.resolve(ctx, ev)
	if err != nil {
		return Result{}, err
	}

	// At-least-once redelivery from any channel collapses here.
	if o.HasReport(ev.Source, ev.Digest) {
		return Result{Outcome: OutcomeDuplicate, Order: o}, nil
	}

	now := e.nowFunc()
	report := orders.StatusReport{
		ReportedStatus: ev.ReportedStatus,
		Source:         ev.Source,
		ReceivedAt:     now,
		Digest:         ev.Digest,
	}

	// Terminal states are sticky: late or conflicting reports are logged for
	// audit, never reverse the outcome.
	if o.Status.Terminal() {
		if err := e.store.ApplyTransition(ctx, o.TranID, o.Version, orders.Transition{Report: report}); err != nil {
			return Result{}, err
		}
		log.Printf("[reconcile] late %s report via %s for %s (already %s)", ev.ReportedStatus, ev.Source, o.TranID, o.Status)
		return Result{Outcome: OutcomeRecorded, Order: applied(o, report, nil, false)}, nil
	}

	adapter, err := e.registry.Lookup(o.Gateway)
	if err != nil {
		return Result{}, err
	}

	target, ok := adapter.MapStatus(ev.ReportedStatus)
	if !ok {
		report.Anomaly = true
		if err := e.store.ApplyTransition(ctx, o.TranID, o.Version, orders.Transition{Report: report}); err != nil {
			return Result{}, err
		}
		e.countAnomaly(ctx, o, ev)
		log.Printf("[reconcile] anomaly: unmapped status %q via %s for %s", ev.ReportedStatus, ev.Source, o.TranID)
		return Result{Outcome: OutcomeAnomaly, Order: applied(o, report, nil, false)}, nil
	}

	t := orders.Transition{
		Report:    report,
		NewStatus: &target,
		Finalize:  true,
	}
	if target == orders.StatusCompleted && !o.InvoiceEmitted {
		t.EmitInvoice = true
	}
	if err := e.store.ApplyTransition(ctx, o.TranID, o.Version, t); err != nil {
		return Result{}, err
	}

	updated := applied(o, report, &target, t.EmitInvoice)
	log.Printf("[reconcile] %s -> %s via %s (%s)", o.TranID, target, ev.Source, ev.ReportedStatus)

	// The flag is already durably true; a failed fire is retried by the
	// external invoice job path, never by reopening the order.
	if t.EmitInvoice && e.trigger != nil {
		if err := e.trigger.Fire(ctx, *updated); err != nil {
			log.Printf("[reconcile] invoice trigger failed for %s: %v", o.TranID, err)
		}
	}
	return Result{Outcome: OutcomeTransitioned, Order: updated}, nil
}

// resolve finds the order the event talks about, or ErrOrderNotFound.
func (e *Engine) resolve(ctx context.Context, ev gateway.CanonicalEvent) (*orders.Order, error) {
	if ev.TranID != "" {
		o, err := e.store.Get(ctx, ev.TranID)
		if err != nil {
			return nil, err
		}
		if o != nil {
			return o, nil
		}
	}
	if ev.GatewayRef != "" {
		o, err := e.store.GetByGatewayRef(ctx, ev.GatewayRef)
		if err != nil {
			return nil, err
		}
		if o != nil {
			return o, nil
		}
	}
	return nil, fmt.Errorf("%w: tran_id=%q gateway_ref=%q", ErrOrderNotFound, ev.TranID, ev.GatewayRef)
}

func (e *Engine) countAnomaly(ctx context.Context, o *orders.Order, ev gateway.CanonicalEvent) {
	if e.meter == nil {
		return
	}
	dims := map[string]string{
		"Gateway": string(o.Gateway),
		"Source":  string(ev.Source),
	}
	if err := e.meter.Count(ctx, "ReconciliationAnomaly", dims); err != nil {
		log.Printf("[reconcile] anomaly metric failed: %v", err)
	}
}

// applied builds the post-write order snapshot without a re-read.
func applied(o *orders.Order, report orders.StatusReport, target *orders.Status, emitInvoice bool) *orders.Order {
	out := *o
	out.History = append(append([]orders.StatusReport{}, o.History...), report)
	out.Version = o.Version + 1
	out.UpdatedAt = report.ReceivedAt
	if target != nil {
		out.Status = *target
		fa := report.ReceivedAt
		out.FinalizedAt = &fa
	}
	if emitInvoice {
		out.InvoiceEmitted = true
	}
	return &out
}
