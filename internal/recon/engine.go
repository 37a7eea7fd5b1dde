package recon

import (
	"context"
	"time"

	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/connector"
	"main/internal/model"
	"main/internal/oms"
	"main/pkg/exception"
)

// Engine diffs the ledger against exchange-reported truth and resolves
// every discrepancy by a fixed policy: the exchange always wins.
type Engine struct {
	exchange connector.Exchange
	ledger   *oms.Ledger
}

// NewEngine creates a reconciliation engine.
func NewEngine(exchange connector.Exchange, ledger *oms.Ledger) *Engine {
	return &Engine{exchange: exchange, ledger: ledger}
}

// Reconcile runs one pass over orders and positions.
//
// The diff is strictly O(n+m): one map per side, one classification pass,
// never nested iteration. Resolution:
//   - orphan (local-only): marked CANCELED locally,
//   - stray (exchange-only): canceled on the exchange, never adopted,
//   - mismatch (both, fields differ): exchange fields overwrite local.
func (e *Engine) Reconcile(ctx context.Context) (model.ReconciliationReport, error) {
	report := model.ReconciliationReport{StartedAt: time.Now().UTC()}

	exchangeOrders, err := e.exchange.QueryOpenOrders(ctx, "")
	if err != nil {
		return report, errors.Wrap(err, "query open orders")
	}

	local := e.ledger.OpenOrders("")
	report.ExchangeOrders = len(exchangeOrders)
	report.LocalOrders = len(local)

	remoteByID := make(map[string]model.Order, len(exchangeOrders))
	remoteByClientID := make(map[string]model.Order, len(exchangeOrders))
	for _, o := range exchangeOrders {
		remoteByID[o.OrderID] = o
		if o.ClientOrderID != "" {
			remoteByClientID[o.ClientOrderID] = o
		}
	}

	matched := make(map[string]struct{}, len(local))
	for _, lo := range local {
		remote, ok := e.matchRemote(lo, remoteByID, remoteByClientID)
		if !ok {
			e.resolveOrphan(ctx, lo, &report)
			continue
		}
		matched[remote.OrderID] = struct{}{}
		if lo.Status != remote.Status || !lo.FilledQuantity.Equal(remote.FilledQuantity) {
			e.resolveMismatch(lo, remote, &report)
		}
	}

	for id, remote := range remoteByID {
		if _, ok := matched[id]; ok {
			continue
		}
		e.resolveStray(ctx, remote, &report)
	}

	for _, q := range e.ledger.Quarantined() {
		e.resolveQuarantined(ctx, q, &report)
	}

	if err := e.reconcilePositions(ctx, &report); err != nil {
		report.Errors++
		logs.Errorf("recon: positions, err: %+v", err)
	}

	report.Duration = time.Since(report.StartedAt)
	logs.Infof("recon: complete orphans=%d strays=%d mismatches=%d quarantined=%d positions=%d errors=%d took=%s",
		len(report.Orphans), len(report.Strays), len(report.Mismatches), len(report.Quarantined),
		report.PositionsOverwritten, report.Errors, report.Duration)
	return report, nil
}

func (e *Engine) matchRemote(lo model.Order, byID, byClientID map[string]model.Order) (model.Order, bool) {
	if lo.OrderID != "" {
		o, ok := byID[lo.OrderID]
		return o, ok
	}
	// PENDING_NEW without an exchange id yet: match on the idempotency key.
	o, ok := byClientID[lo.ClientOrderID]
	return o, ok
}

// resolveOrphan handles orders the ledger believes open but the exchange
// does not report. Before force-canceling, an order with a known id is
// re-queried once: it may simply have reached a terminal state between
// our last event and the open-orders pull.
func (e *Engine) resolveOrphan(ctx context.Context, lo model.Order, report *model.ReconciliationReport) {
	ref := model.OrderRef{Symbol: lo.Symbol, OrderID: lo.OrderID, ClientOrderID: lo.ClientOrderID}

	if lo.OrderID != "" {
		final, err := e.exchange.QueryOrder(ctx, ref)
		if err == nil && final.Status.IsTerminal() {
			if err := e.ledger.Overwrite(final); err != nil {
				report.Errors++
				logs.Errorf("recon: overwrite terminal orphan order_id=%s, err: %+v", lo.OrderID, err)
				return
			}
			report.Mismatches = append(report.Mismatches, lo.OrderID)
			logs.Infof("recon: orphan order_id=%s resolved terminal status=%s", lo.OrderID, final.Status)
			return
		}
	}

	if err := e.ledger.MarkCanceledLocal(ref, "orphan: unknown to exchange"); err != nil {
		report.Errors++
		logs.Errorf("recon: cancel orphan order_id=%s client_order_id=%s, err: %+v",
			lo.OrderID, lo.ClientOrderID, err)
		return
	}
	report.Orphans = append(report.Orphans, orphanID(lo))
}

// resolveStray cancels exchange orders the ledger never placed. The
// system does not silently adopt unknown open orders.
func (e *Engine) resolveStray(ctx context.Context, remote model.Order, report *model.ReconciliationReport) {
	logs.Errorf("recon: stray order on exchange order_id=%s symbol=%s side=%s qty=%s, canceling",
		remote.OrderID, remote.Symbol, remote.Side, remote.Quantity)
	ref := model.OrderRef{Symbol: remote.Symbol, OrderID: remote.OrderID}
	if err := e.exchange.Cancel(ctx, ref); err != nil {
		report.Errors++
		logs.Errorf("recon: cancel stray order_id=%s, err: %+v", remote.OrderID, err)
		return
	}
	report.Strays = append(report.Strays, remote.OrderID)
}

// resolveQuarantined re-queries an order parked in UNKNOWN after an
// out-of-table edge and replaces it with whatever the exchange reports.
// A venue that no longer knows the order resolves it CANCELED locally.
func (e *Engine) resolveQuarantined(ctx context.Context, q model.Order, report *model.ReconciliationReport) {
	ref := model.OrderRef{Symbol: q.Symbol, OrderID: q.OrderID, ClientOrderID: q.ClientOrderID}
	truth, err := e.exchange.QueryOrder(ctx, ref)
	if err != nil {
		if !exception.IsPermanent(err) {
			report.Errors++
			logs.Errorf("recon: query quarantined order_id=%s, err: %+v", q.OrderID, err)
			return
		}
		if err := e.ledger.MarkCanceledLocal(ref, "quarantined: unknown to exchange"); err != nil {
			report.Errors++
			logs.Errorf("recon: cancel quarantined order_id=%s, err: %+v", q.OrderID, err)
			return
		}
		report.Quarantined = append(report.Quarantined, orphanID(q))
		return
	}
	if err := e.ledger.Overwrite(truth); err != nil {
		report.Errors++
		logs.Errorf("recon: overwrite quarantined order_id=%s, err: %+v", q.OrderID, err)
		return
	}
	report.Quarantined = append(report.Quarantined, orphanID(q))
	logs.Infof("recon: quarantined order_id=%s resolved status=%s", q.OrderID, truth.Status)
}

func (e *Engine) resolveMismatch(lo, remote model.Order, report *model.ReconciliationReport) {
	logs.Infof("recon: mismatch order_id=%s local=%s/%s exchange=%s/%s, exchange wins",
		remote.OrderID, lo.Status, lo.FilledQuantity, remote.Status, remote.FilledQuantity)
	if err := e.ledger.Overwrite(remote); err != nil {
		report.Errors++
		logs.Errorf("recon: overwrite order_id=%s, err: %+v", remote.OrderID, err)
		return
	}
	report.Mismatches = append(report.Mismatches, remote.OrderID)
}

// reconcilePositions overwrites local positions with exchange-reported
// quantity and entry price, and flattens local symbols the exchange no
// longer reports.
func (e *Engine) reconcilePositions(ctx context.Context, report *model.ReconciliationReport) error {
	remote, err := e.exchange.QueryPositions(ctx)
	if err != nil {
		return errors.Wrap(err, "query positions")
	}

	seen := make(map[string]struct{}, len(remote))
	for _, rp := range remote {
		seen[rp.Symbol] = struct{}{}
		lp := e.ledger.Position(rp.Symbol)
		if lp.Size.Equal(rp.Size) && lp.EntryPrice.Equal(rp.EntryPrice) {
			continue
		}
		logs.Infof("recon: position mismatch symbol=%s local=%s@%s exchange=%s@%s, exchange wins",
			rp.Symbol, lp.Size, lp.EntryPrice, rp.Size, rp.EntryPrice)
		e.ledger.SetPosition(rp)
		report.PositionsOverwritten++
	}

	for _, lp := range e.ledger.Positions() {
		if _, ok := seen[lp.Symbol]; ok || lp.IsFlat() {
			continue
		}
		logs.Infof("recon: position symbol=%s local=%s unknown to exchange, flattening", lp.Symbol, lp.Size)
		e.ledger.SetPosition(model.Position{Symbol: lp.Symbol})
		report.PositionsOverwritten++
	}
	return nil
}

func orphanID(o model.Order) string {
	if o.OrderID != "" {
		return o.OrderID
	}
	return o.ClientOrderID
}
