package recon

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/connector/connectortest"
	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/oms"
	"main/pkg/exception"
)

func newLedger(t *testing.T, orders ...model.Order) *oms.Ledger {
	t.Helper()
	l := oms.NewLedger()
	for _, o := range orders {
		if err := l.Add(o); err != nil {
			t.Fatalf("seed ledger %s: %v", o.ClientOrderID, err)
		}
	}
	return l
}

func seed(orderID, clientID string, status enum.OrderStatus) model.Order {
	return model.Order{
		OrderID:       orderID,
		ClientOrderID: clientID,
		Symbol:        "BTCUSDT",
		Side:          enum.OrderSideBuy,
		Type:          enum.OrderTypeLimit,
		Status:        status,
		Price:         decimal.NewFromInt(30000),
		Quantity:      decimal.NewFromInt(2),
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
}

func TestReconcileCleanRun(t *testing.T) {
	fake := connectortest.NewFake()
	ledger := newLedger(t, seed("1", "c-1", enum.OrderStatusNew))
	fake.SetOpenOrders(seed("1", "c-1", enum.OrderStatusNew))

	report, err := NewEngine(fake, ledger).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.Clean() {
		t.Fatalf("expected clean report: %+v", report)
	}
}

func TestReconcileOrphanMarkedCanceled(t *testing.T) {
	fake := connectortest.NewFake()
	ledger := newLedger(t, seed("1", "c-1", enum.OrderStatusNew))
	// Exchange reports nothing; QueryOrder on the fake also fails
	// with not-found, so the orphan cannot be resolved terminally.

	report, err := NewEngine(fake, ledger).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Orphans) != 1 || report.Orphans[0] != "1" {
		t.Fatalf("orphans: %+v", report.Orphans)
	}
	got, _ := ledger.Get("1")
	if got.Status != enum.OrderStatusCanceled {
		t.Fatalf("orphan status: %s", got.Status)
	}
}

func TestReconcileOrphanResolvedTerminal(t *testing.T) {
	fake := connectortest.NewFake()
	ledger := newLedger(t, seed("1", "c-1", enum.OrderStatusNew))

	// Not in the open set, but the single-order query shows it filled
	// between our last event and the open-orders pull.
	filled := seed("1", "c-1", enum.OrderStatusFilled)
	filled.FilledQuantity = decimal.NewFromInt(2)
	filled.UpdateSeq = 10
	fake.QueryFn = func(_ context.Context, ref model.OrderRef) (model.Order, error) {
		if ref.OrderID == "1" {
			return filled, nil
		}
		return model.Order{}, &exception.APIError{StatusCode: 400, Code: -2013, Message: "order does not exist"}
	}

	report, err := NewEngine(fake, ledger).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Orphans) != 0 {
		t.Fatalf("terminally resolved order counted as orphan: %+v", report.Orphans)
	}
	if len(report.Mismatches) != 1 {
		t.Fatalf("mismatches: %+v", report.Mismatches)
	}
	got, _ := ledger.Get("1")
	if got.Status != enum.OrderStatusFilled || !got.FilledQuantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("orphan not overwritten with terminal truth: %+v", got)
	}
}

func TestReconcileStrayCanceledNeverAdopted(t *testing.T) {
	fake := connectortest.NewFake()
	ledger := newLedger(t)
	fake.SetOpenOrders(seed("999", "foreign", enum.OrderStatusNew))

	report, err := NewEngine(fake, ledger).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Strays) != 1 || report.Strays[0] != "999" {
		t.Fatalf("strays: %+v", report.Strays)
	}
	refs := fake.CanceledRefs()
	if len(refs) != 1 || refs[0].OrderID != "999" {
		t.Fatalf("stray not canceled on exchange: %+v", refs)
	}
	if _, ok := ledger.Get("999"); ok {
		t.Fatalf("stray order adopted into the ledger")
	}
}

func TestReconcileMismatchExchangeWins(t *testing.T) {
	fake := connectortest.NewFake()
	ledger := newLedger(t, seed("1", "c-1", enum.OrderStatusNew))

	remote := seed("1", "c-1", enum.OrderStatusPartiallyFilled)
	remote.FilledQuantity = decimal.NewFromInt(1)
	remote.AvgFillPrice = decimal.NewFromInt(30000)
	remote.UpdateSeq = 5
	fake.SetOpenOrders(remote)

	report, err := NewEngine(fake, ledger).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Mismatches) != 1 {
		t.Fatalf("mismatches: %+v", report.Mismatches)
	}
	got, _ := ledger.Get("1")
	if got.Status != enum.OrderStatusPartiallyFilled {
		t.Fatalf("status: %s", got.Status)
	}
	if !got.FilledQuantity.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("filled: %s", got.FilledQuantity)
	}
}

func TestReconcilePendingNewMatchedByClientID(t *testing.T) {
	fake := connectortest.NewFake()
	// Submitted but the ack never arrived: no exchange id locally.
	ledger := newLedger(t, seed("", "c-1", enum.OrderStatusPendingNew))

	remote := seed("55", "c-1", enum.OrderStatusNew)
	remote.UpdateSeq = 3
	fake.SetOpenOrders(remote)

	report, err := NewEngine(fake, ledger).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Orphans) != 0 || len(report.Strays) != 0 {
		t.Fatalf("pending-new order misclassified: %+v", report)
	}
	got, ok := ledger.Get("55")
	if !ok {
		t.Fatalf("exchange id not bound by reconciliation")
	}
	if got.Status != enum.OrderStatusNew {
		t.Fatalf("status: %s", got.Status)
	}
}

func TestReconcilePositionsExchangeWins(t *testing.T) {
	fake := connectortest.NewFake()
	ledger := newLedger(t)
	ledger.SetPosition(model.Position{Symbol: "BTCUSDT", Size: decimal.NewFromInt(2), EntryPrice: decimal.NewFromInt(29000)})
	ledger.SetPosition(model.Position{Symbol: "ETHUSDT", Size: decimal.NewFromInt(10), EntryPrice: decimal.NewFromInt(2000)})

	fake.SetPositions(model.Position{Symbol: "BTCUSDT", Size: decimal.NewFromInt(3), EntryPrice: decimal.NewFromInt(29500)})

	report, err := NewEngine(fake, ledger).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	// BTCUSDT overwritten, ETHUSDT flattened.
	if report.PositionsOverwritten != 2 {
		t.Fatalf("positions overwritten: %d", report.PositionsOverwritten)
	}
	if !ledger.Position("BTCUSDT").Size.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("btc position: %s", ledger.Position("BTCUSDT").Size)
	}
	if !ledger.Position("ETHUSDT").IsFlat() {
		t.Fatalf("eth position not flattened: %s", ledger.Position("ETHUSDT").Size)
	}
}

func TestReconcileQuarantinedResolvedFromExchange(t *testing.T) {
	fake := connectortest.NewFake()
	ledger := newLedger(t, seed("10", "c-10", enum.OrderStatusUnknown))

	truth := seed("10", "c-10", enum.OrderStatusFilled)
	truth.FilledQuantity = decimal.NewFromInt(2)
	truth.AvgFillPrice = decimal.NewFromInt(30000)
	truth.UpdateSeq = 9
	fake.QueryFn = func(context.Context, model.OrderRef) (model.Order, error) {
		return truth, nil
	}

	report, err := NewEngine(fake, ledger).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Quarantined) != 1 || report.Quarantined[0] != "10" {
		t.Fatalf("quarantined resolutions: %+v", report.Quarantined)
	}
	got, _ := ledger.Get("10")
	if got.Status != enum.OrderStatusFilled || !got.FilledQuantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("quarantined order not overwritten: %+v", got)
	}
}

func TestReconcileQuarantinedUnknownToExchange(t *testing.T) {
	fake := connectortest.NewFake()
	ledger := newLedger(t, seed("11", "c-11", enum.OrderStatusUnknown))

	// The default fake reports "order does not exist" for unseeded ids.
	report, err := NewEngine(fake, ledger).Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(report.Quarantined) != 1 {
		t.Fatalf("quarantined resolutions: %+v", report.Quarantined)
	}
	got, _ := ledger.Get("11")
	if got.Status != enum.OrderStatusCanceled {
		t.Fatalf("venue-unknown quarantined order: %s", got.Status)
	}
}
