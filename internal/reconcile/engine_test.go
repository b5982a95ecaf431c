package reconcile_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopnest/payflow/internal/gateway"
	"github.com/shopnest/payflow/internal/orders"
	"github.com/shopnest/payflow/internal/reconcile"
	"github.com/shopnest/payflow/internal/testutil"
)

const ordersTable = "orders"

type recordingTrigger struct {
	mu    sync.Mutex
	fired []orders.Order
	err   error
}

func (r *recordingTrigger) Fire(ctx context.Context, o orders.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.fired = append(r.fired, o)
	return nil
}

type recordingMeter struct {
	counts []string
}

func (r *recordingMeter) Count(ctx context.Context, name string, dims map[string]string) error {
	r.counts = append(r.counts, name)
	return nil
}

type fixture struct {
	mock    *testutil.FakeDynamoDB
	store   *orders.Store
	trigger *recordingTrigger
	meter   *recordingMeter
	engine  *reconcile.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mock := testutil.NewFakeDynamoDB(ordersTable)
	store := orders.NewStore(mock, ordersTable)

	adapter := &testutil.StubAdapter{
		Statuses: map[string]orders.Status{
			"VALID":     orders.StatusCompleted,
			"VALIDATED": orders.StatusCompleted,
			"FAILED":    orders.StatusFailed,
			"CANCELLED": orders.StatusCancelled,
			"EXPIRED":   orders.StatusRejected,
		},
	}
	registry := gateway.NewRegistry()
	registry.Register(orders.GatewaySSLCommerz, adapter)

	trigger := &recordingTrigger{}
	meter := &recordingMeter{}
	return &fixture{
		mock:    mock,
		store:   store,
		trigger: trigger,
		meter:   meter,
		engine:  reconcile.NewEngine(store, registry, trigger, meter),
	}
}

func (f *fixture) seed(t *testing.T, o orders.Order) {
	t.Helper()
	item, err := attributevalue.MarshalMap(o)
	require.NoError(t, err)
	f.mock.Tables[ordersTable][o.TranID] = item
}

func (f *fixture) stored(t *testing.T, tranID string) orders.Order {
	t.Helper()
	item, ok := f.mock.Tables[ordersTable][tranID]
	require.True(t, ok, "order %s not in table", tranID)
	var o orders.Order
	require.NoError(t, attributevalue.UnmarshalMap(item, &o))
	return o
}

func pendingOrder(tranID, gatewayRef string) orders.Order {
	now := time.Now()
	return orders.Order{
		TranID:     tranID,
		Amount:     500,
		Currency:   "BDT",
		Customer:   orders.Customer{Name: "Rahim Uddin", Email: "rahim@example.com"},
		ProductRef: "prod-1",
		Gateway:    orders.GatewaySSLCommerz,
		Status:     orders.StatusPending,
		GatewayRef: gatewayRef,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func validEvent(tranID, digest string) gateway.CanonicalEvent {
	return gateway.CanonicalEvent{
		TranID:         tranID,
		GatewayRef:     "GW123",
		ReportedStatus: "VALID",
		Source:         orders.SourceNotification,
		Digest:         digest,
	}
}

func TestApply_CompletesPendingOrder(t *testing.T) {
	f := newFixture(t)
	f.seed(t, pendingOrder("TRX-1", "GW123"))

	res, err := f.engine.Apply(context.Background(), validEvent("TRX-1", "d1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeTransitioned, res.Outcome)
	assert.Equal(t, orders.StatusCompleted, res.Order.Status)

	got := f.stored(t, "TRX-1")
	assert.Equal(t, orders.StatusCompleted, got.Status)
	assert.True(t, got.InvoiceEmitted)
	assert.NotNil(t, got.FinalizedAt)
	assert.Equal(t, 1, got.Version)
	require.Len(t, got.History, 1)
	assert.Equal(t, "VALID", got.History[0].ReportedStatus)

	require.Len(t, f.trigger.fired, 1)
	assert.Equal(t, "TRX-1", f.trigger.fired[0].TranID)
}

func TestApply_DuplicateDeliveryIsNoop(t *testing.T) {
	f := newFixture(t)
	f.seed(t, pendingOrder("TRX-2", "GW123"))

	ev := validEvent("TRX-2", "d1")
	_, err := f.engine.Apply(context.Background(), ev)
	require.NoError(t, err)

	res, err := f.engine.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeDuplicate, res.Outcome)

	got := f.stored(t, "TRX-2")
	assert.Len(t, got.History, 1, "duplicate delivery must not append")
	assert.Equal(t, 1, got.Version)
	assert.Len(t, f.trigger.fired, 1, "invoice must fire exactly once")
}

func TestApply_TerminalStateIsSticky(t *testing.T) {
	f := newFixture(t)
	f.seed(t, pendingOrder("TRX-3", "GW123"))

	_, err := f.engine.Apply(context.Background(), validEvent("TRX-3", "d1"))
	require.NoError(t, err)

	// A conflicting FAILED report arrives after COMPLETED committed.
	late := gateway.CanonicalEvent{
		TranID:         "TRX-3",
		ReportedStatus: "FAILED",
		Source:         orders.SourceRedirect,
		Digest:         "d2",
	}
	res, err := f.engine.Apply(context.Background(), late)
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeRecorded, res.Outcome)

	got := f.stored(t, "TRX-3")
	assert.Equal(t, orders.StatusCompleted, got.Status, "terminal state must not reverse")
	assert.Len(t, got.History, 2, "late report is still recorded for audit")
	assert.Len(t, f.trigger.fired, 1)
}

func TestApply_ResolvesByGatewayRef(t *testing.T) {
	f := newFixture(t)
	f.seed(t, pendingOrder("TRX-4", "GW456"))

	// bKash-style report: only the processor-assigned reference is known.
	ev := gateway.CanonicalEvent{
		GatewayRef:     "GW456",
		ReportedStatus: "VALID",
		Source:         orders.SourceRedirect,
		Digest:         "d1",
	}
	res, err := f.engine.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeTransitioned, res.Outcome)
	assert.Equal(t, "TRX-4", res.Order.TranID)
}

func TestApply_UnknownOrder(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Apply(context.Background(), validEvent("TRX-ghost", "d1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, reconcile.ErrOrderNotFound)
}

func TestApply_UnmappedStatusIsAnomaly(t *testing.T) {
	f := newFixture(t)
	f.seed(t, pendingOrder("TRX-5", "GW123"))

	ev := gateway.CanonicalEvent{
		TranID:         "TRX-5",
		ReportedStatus: "UNSETTLED",
		Source:         orders.SourceNotification,
		Digest:         "d1",
	}
	res, err := f.engine.Apply(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeAnomaly, res.Outcome)

	got := f.stored(t, "TRX-5")
	assert.Equal(t, orders.StatusPending, got.Status, "anomaly must not transition")
	require.Len(t, got.History, 1)
	assert.True(t, got.History[0].Anomaly)
	assert.Contains(t, f.meter.counts, "ReconciliationAnomaly")
	assert.Empty(t, f.trigger.fired)
}

func TestApply_RetriesAfterVersionConflict(t *testing.T) {
	f := newFixture(t)
	f.seed(t, pendingOrder("TRX-6", "GW123"))
	f.mock.FailNextUpdates = 1

	res, err := f.engine.Apply(context.Background(), validEvent("TRX-6", "d1"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeTransitioned, res.Outcome)
	assert.Equal(t, 2, f.mock.UpdateCalls, "one lost race, one winning retry")
}

func TestApply_ConflictRetriesExhausted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, pendingOrder("TRX-7", "GW123"))
	f.mock.FailNextUpdates = 100

	_, err := f.engine.Apply(context.Background(), validEvent("TRX-7", "d1"))
	require.Error(t, err)
	assert.ErrorIs(t, err, orders.ErrVersionConflict)
}

func TestApply_LateCompletionAfterFailureDoesNotInvoice(t *testing.T) {
	f := newFixture(t)
	f.seed(t, pendingOrder("TRX-8", "GW123"))

	fail := gateway.CanonicalEvent{
		TranID:         "TRX-8",
		ReportedStatus: "FAILED",
		Source:         orders.SourceRedirect,
		Digest:         "d1",
	}
	_, err := f.engine.Apply(context.Background(), fail)
	require.NoError(t, err)

	res, err := f.engine.Apply(context.Background(), validEvent("TRX-8", "d2"))
	require.NoError(t, err)
	assert.Equal(t, reconcile.OutcomeRecorded, res.Outcome)

	got := f.stored(t, "TRX-8")
	assert.Equal(t, orders.StatusFailed, got.Status, "first committed outcome wins")
	assert.False(t, got.InvoiceEmitted)
	assert.Empty(t, f.trigger.fired)
}

func TestApply_ConcurrentConflictingReports(t *testing.T) {
	// Two channels report opposite outcomes for the same order at the same
	// time. The version compare-and-set admits exactly one transition; the
	// loser re-reads the now-terminal order and is recorded for audit.
	for i := 0; i < 25; i++ {
		f := newFixture(t)
		f.seed(t, pendingOrder("TRX-race", "GW123"))

		fail := gateway.CanonicalEvent{
			TranID:         "TRX-race",
			ReportedStatus: "FAILED",
			Source:         orders.SourceRedirect,
			Digest:         "d2",
		}

		var wg sync.WaitGroup
		results := make([]reconcile.Result, 2)
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			results[0], errs[0] = f.engine.Apply(context.Background(), validEvent("TRX-race", "d1"))
		}()
		go func() {
			defer wg.Done()
			results[1], errs[1] = f.engine.Apply(context.Background(), fail)
		}()
		wg.Wait()

		require.NoError(t, errs[0])
		require.NoError(t, errs[1])

		transitioned := 0
		recorded := 0
		for _, res := range results {
			switch res.Outcome {
			case reconcile.OutcomeTransitioned:
				transitioned++
			case reconcile.OutcomeRecorded:
				recorded++
			}
		}
		assert.Equal(t, 1, transitioned, "exactly one report wins the transition")
		assert.Equal(t, 1, recorded, "the loser is recorded, not dropped")

		got := f.stored(t, "TRX-race")
		assert.True(t, got.Status.Terminal())
		assert.Len(t, got.History, 2, "both reports land in the audit trail")
		if got.Status == orders.StatusCompleted {
			assert.Len(t, f.trigger.fired, 1)
		} else {
			assert.Empty(t, f.trigger.fired)
		}
	}
}

func TestApply_InvoiceTriggerFailureKeepsOrderCompleted(t *testing.T) {
	f := newFixture(t)
	f.seed(t, pendingOrder("TRX-9", "GW123"))
	f.trigger.err = errors.New("queue unavailable")

	res, err := f.engine.Apply(context.Background(), validEvent("TRX-9", "d1"))
	require.NoError(t, err, "trigger failure must not fail the transition")
	assert.Equal(t, reconcile.OutcomeTransitioned, res.Outcome)

	got := f.stored(t, "TRX-9")
	assert.Equal(t, orders.StatusCompleted, got.Status)
	assert.True(t, got.InvoiceEmitted)
}
