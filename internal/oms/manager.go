package oms

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	yerrors "github.com/yanun0323/errors"
	"github.com/yanun0323/logs"

	"main/internal/bus"
	"main/internal/connector"
	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/obs"
	"main/internal/persist"
	"main/internal/risk"
	"main/pkg/exception"
)

// Reconciler is satisfied by the reconciliation engine; injected to keep
// this package free of the dependency.
type Reconciler interface {
	Reconcile(ctx context.Context) (model.ReconciliationReport, error)
}

// ManagerConfig holds the orchestrator's timer and shutdown settings.
type ManagerConfig struct {
	SnapshotInterval       time.Duration
	ReconcileInterval      time.Duration // 0 disables periodic reconciliation
	RetentionMaxAge        time.Duration // 0 disables the terminal-order sweep
	RetentionSweepInterval time.Duration
	ShutdownTimeout        time.Duration
}

func (c ManagerConfig) withDefaults() ManagerConfig {
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = 60 * time.Second
	}
	if c.RetentionSweepInterval <= 0 {
		c.RetentionSweepInterval = time.Minute
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	return c
}

// Manager owns the submit/cancel/modify path and the background timers.
//
// Submissions are gated until recovery completes; the gate cannot be
// bypassed because the Manager holds the only reference to the connector
// handed to callers. REST calls run outside the ledger mutex; only the
// in-memory mutation is exclusive.
type Manager struct {
	cfg       ManagerConfig
	ledger    *Ledger
	exchange  connector.Exchange
	gate      risk.Gate
	queue     *bus.Queue
	wal       *persist.WALWriter
	snapshots *persist.SnapshotStore
	archive   *persist.Archive
	metrics   *obs.Metrics
	recon     Reconciler

	accepting atomic.Bool
	inflight  sync.WaitGroup
}

// NewManager wires the orchestrator. The submission gate starts closed.
func NewManager(
	cfg ManagerConfig,
	ledger *Ledger,
	exchange connector.Exchange,
	gate risk.Gate,
	queue *bus.Queue,
	wal *persist.WALWriter,
	snapshots *persist.SnapshotStore,
	archive *persist.Archive,
	metrics *obs.Metrics,
	recon Reconciler,
) *Manager {
	m := &Manager{
		cfg:       cfg.withDefaults(),
		ledger:    ledger,
		exchange:  exchange,
		gate:      gate,
		queue:     queue,
		wal:       wal,
		snapshots: snapshots,
		archive:   archive,
		metrics:   metrics,
		recon:     recon,
	}
	ledger.metrics = metrics
	if wal != nil {
		ledger.Subscribe(Subscriber{
			Name:       "wal",
			OnOrder:    m.persistOrder,
			OnPosition: m.persistPosition,
		})
	}
	return m
}

// SetAccepting opens or closes the submission gate. The recovery manager
// opens it only after reconciliation completes without a fatal error.
func (m *Manager) SetAccepting(ok bool) {
	m.accepting.Store(ok)
}

// Accepting reports whether new submissions are allowed.
func (m *Manager) Accepting() bool {
	return m.accepting.Load()
}

// Ledger exposes read access for callers and the recovery path.
func (m *Manager) Ledger() *Ledger {
	return m.ledger
}

// Submit runs the pre-trade check and forwards the order to the
// exchange. A denied check rejects locally with a structured reason and
// performs no network call. Permanent exchange errors reject the order;
// an exhausted retry budget leaves it PENDING_NEW for reconciliation and
// reports "outcome unknown" to the caller.
func (m *Manager) Submit(ctx context.Context, spec model.OrderSpec) (model.Order, error) {
	if !m.accepting.Load() {
		return model.Order{}, exception.ErrNotAccepting
	}
	if err := validateSpec(spec); err != nil {
		return model.Order{}, err
	}
	if spec.ClientOrderID == "" {
		spec.ClientOrderID = uuid.NewString()
	}
	m.metrics.IncSubmit()

	if decision := m.gate.Check(spec, m.ledger.Position(spec.Symbol)); !decision.Allowed {
		m.metrics.IncSubmitReject()
		logs.Infof("oms: risk denied client_order_id=%s symbol=%s reason=%s",
			spec.ClientOrderID, spec.Symbol, decision.Reason)
		return model.Order{}, &exception.RiskRejectedError{
			ClientOrderID: spec.ClientOrderID,
			Reason:        decision.Reason,
		}
	}

	now := time.Now().UTC()
	pending := model.Order{
		ClientOrderID: spec.ClientOrderID,
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Type:          spec.Type,
		Status:        enum.OrderStatusPendingNew,
		Price:         spec.Price,
		Quantity:      spec.Quantity,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.ledger.Add(pending); err != nil {
		return model.Order{}, err
	}

	m.inflight.Add(1)
	defer m.inflight.Done()

	ack, err := m.exchange.Submit(ctx, spec)
	if err != nil {
		if exception.IsPermanent(err) {
			if terr := m.ledger.Transition(model.OrderRef{ClientOrderID: spec.ClientOrderID}, enum.OrderStatusRejected); terr != nil {
				logs.Errorf("oms: mark rejected client_order_id=%s, err: %+v", spec.ClientOrderID, terr)
			}
			return model.Order{}, err
		}
		// Outcome unknown: the order may be live on the exchange. It
		// stays PENDING_NEW so reconciliation can resolve it either way.
		logs.Errorf("oms: submit outcome unknown client_order_id=%s, err: %+v", spec.ClientOrderID, err)
		return model.Order{}, err
	}

	if err := m.ledger.ApplyUpdate(ackToUpdate(ack)); err != nil {
		logs.Errorf("oms: apply submit ack client_order_id=%s, err: %+v", spec.ClientOrderID, err)
	}
	order, _ := m.ledger.GetByClientID(spec.ClientOrderID)
	return order, nil
}

// Cancel requests cancellation. Terminal orders silently ignore the
// request; losing the race to a fill is not an error, the exchange's
// confirmation decides the final state.
func (m *Manager) Cancel(ctx context.Context, ref model.OrderRef) error {
	order, ok := m.ledger.Resolve(ref)
	if !ok {
		return exception.ErrOrderNotFound
	}
	if order.Status.IsTerminal() || order.Status == enum.OrderStatusUnknown {
		return nil
	}
	m.metrics.IncCancel()

	if order.Status == enum.OrderStatusNew || order.Status == enum.OrderStatusPartiallyFilled {
		if err := m.ledger.Transition(ref, enum.OrderStatusPendingCancel); err != nil {
			// A fill may have landed in between; the stream wins.
			logs.Infof("oms: pending-cancel transition skipped order_id=%s, err: %+v", order.OrderID, err)
		}
	}

	m.inflight.Add(1)
	defer m.inflight.Done()

	ref.Symbol = order.Symbol
	if err := m.exchange.Cancel(ctx, ref); err != nil {
		if exception.IsPermanent(err) {
			// Typically "order not open": it filled or was already
			// canceled. The push stream or reconciliation delivers the
			// authoritative state.
			logs.Infof("oms: cancel rejected order_id=%s, err: %+v", order.OrderID, err)
			return nil
		}
		return err
	}
	return nil
}

// Modify amends a working order in place. ErrModifyUnsupported surfaces
// to the caller, whose explicit decision the cancel+replace fallback is.
func (m *Manager) Modify(ctx context.Context, req model.ModifyRequest) (model.Order, error) {
	order, ok := m.ledger.Resolve(req.Ref)
	if !ok {
		return model.Order{}, exception.ErrOrderNotFound
	}
	if order.Status.IsTerminal() || order.Status == enum.OrderStatusUnknown {
		return order, nil
	}
	m.metrics.IncModify()

	m.inflight.Add(1)
	defer m.inflight.Done()

	req.Ref.Symbol = order.Symbol
	req.Side = order.Side
	amended, err := m.exchange.Modify(ctx, req)
	if err != nil {
		return model.Order{}, err
	}
	if err := m.ledger.ApplyUpdate(ackToUpdate(amended)); err != nil {
		logs.Errorf("oms: apply modify ack order_id=%s, err: %+v", order.OrderID, err)
	}
	current, _ := m.ledger.Resolve(req.Ref)
	return current, nil
}

// HandleEvent is the queue consumer: the single entry point funneling
// push events into the ledger.
func (m *Manager) HandleEvent(e model.StreamEvent) {
	m.metrics.IncStreamEvent()
	switch e.Kind {
	case model.EventKindOrderUpdate:
		if e.Order == nil {
			return
		}
		if err := m.ledger.ApplyUpdate(*e.Order); err != nil {
			var invalid *exception.InvalidTransitionError
			if errors.As(err, &invalid) {
				m.metrics.IncQuarantine()
				return
			}
			var unknown *exception.UnknownOrderError
			if errors.As(err, &unknown) {
				logs.Errorf("oms: update for unknown order, err: %+v", err)
				return
			}
			logs.Errorf("oms: apply update order_id=%s, err: %+v", e.Order.OrderID, err)
		}
	case model.EventKindAccountUpdate:
		if e.Account == nil {
			return
		}
		for _, p := range e.Account.Positions {
			m.ledger.SetPosition(p)
		}
	case model.EventKindConnectivity:
		if e.Connectivity == nil {
			return
		}
		if e.Connectivity.Connected {
			m.metrics.IncReconnect()
			logs.Infof("oms: stream connected reason=%s", e.Connectivity.Reason)
		} else {
			logs.Infof("oms: stream disconnected reason=%s", e.Connectivity.Reason)
		}
	}
}

// Run drives the event consumer and periodic timers until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.queue.Run(ctx, m.HandleEvent)
	}()

	snapshotTicker := time.NewTicker(m.cfg.SnapshotInterval)
	defer snapshotTicker.Stop()

	var reconcileC <-chan time.Time
	if m.cfg.ReconcileInterval > 0 {
		reconcileTicker := time.NewTicker(m.cfg.ReconcileInterval)
		defer reconcileTicker.Stop()
		reconcileC = reconcileTicker.C
	}

	var sweepC <-chan time.Time
	if m.cfg.RetentionMaxAge > 0 {
		sweepTicker := time.NewTicker(m.cfg.RetentionSweepInterval)
		defer sweepTicker.Stop()
		sweepC = sweepTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-snapshotTicker.C:
			if err := m.WriteSnapshot(); err != nil {
				logs.Errorf("oms: periodic snapshot, err: %+v", err)
			}
		case <-reconcileC:
			m.metrics.IncReconcileRun()
			if _, err := m.recon.Reconcile(ctx); err != nil {
				logs.Errorf("oms: periodic reconcile, err: %+v", err)
			}
		case <-sweepC:
			m.sweepTerminal(ctx)
		}
	}
}

// WriteSnapshot persists the full ledger and position set, tagged with
// the last applied update sequence.
func (m *Manager) WriteSnapshot() error {
	if m.snapshots == nil {
		return nil
	}
	snap := persist.Snapshot{
		LastSeq:   m.ledger.LastSeq(),
		Orders:    m.ledger.AllOrders(),
		Positions: m.ledger.Positions(),
	}
	path, err := m.snapshots.Save(snap)
	if err != nil {
		return yerrors.Wrap(err, "save snapshot")
	}
	logs.Infof("oms: snapshot saved path=%s orders=%d positions=%d last_seq=%d",
		path, len(snap.Orders), len(snap.Positions), snap.LastSeq)
	return nil
}

// Shutdown closes the gate, drains in-flight REST calls up to the bounded
// timeout, then force-finalizes persistence. No order is left in limbo
// without its terminal transition on durable storage.
func (m *Manager) Shutdown(ctx context.Context) {
	m.accepting.Store(false)

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.cfg.ShutdownTimeout):
		logs.Errorf("oms: shutdown drain timed out after %s", m.cfg.ShutdownTimeout)
	case <-ctx.Done():
	}

	if err := m.WriteSnapshot(); err != nil {
		logs.Errorf("oms: final snapshot, err: %+v", err)
	}
	if m.wal != nil {
		if err := m.wal.Close(); err != nil {
			logs.Errorf("oms: close wal, err: %+v", err)
		}
	}
	logs.Infof("oms: shutdown metrics %s", m.metrics.Snapshot())
}

func (m *Manager) sweepTerminal(ctx context.Context) {
	expired := m.ledger.ExpireTerminal(m.cfg.RetentionMaxAge, time.Now().UTC())
	if len(expired) == 0 {
		return
	}
	logs.Infof("oms: retention sweep expired=%d", len(expired))
	if m.archive == nil {
		return
	}
	if err := m.archive.Store(ctx, expired); err != nil {
		logs.Errorf("oms: archive expired orders, err: %+v", err)
	}
}

// persistOrder appends terminal transitions to the WAL. Non-terminal
// mutations are rebuilt from snapshot + reconciliation, so only terminal
// states need the append log.
func (m *Manager) persistOrder(o model.Order) {
	if !o.Status.IsTerminal() {
		return
	}
	payload, err := sonic.ConfigStd.Marshal(o)
	if err != nil {
		logs.Errorf("oms: marshal wal order order_id=%s, err: %+v", o.OrderID, err)
		return
	}
	header := persist.RecordHeader{
		Type:    persist.RecordOrder,
		Seq:     o.UpdateSeq,
		TsEvent: o.UpdatedAt.UnixNano(),
	}
	if err := m.wal.TryAppend(header, payload); err != nil {
		m.metrics.IncWALDrop()
		logs.Errorf("oms: wal append order order_id=%s, err: %+v", o.OrderID, err)
	}
}

func (m *Manager) persistPosition(p model.Position) {
	payload, err := sonic.ConfigStd.Marshal(p)
	if err != nil {
		logs.Errorf("oms: marshal wal position symbol=%s, err: %+v", p.Symbol, err)
		return
	}
	header := persist.RecordHeader{
		Type:    persist.RecordPosition,
		TsEvent: p.LastUpdated.UnixNano(),
	}
	if err := m.wal.TryAppend(header, payload); err != nil {
		m.metrics.IncWALDrop()
		logs.Errorf("oms: wal append position symbol=%s, err: %+v", p.Symbol, err)
	}
}

func validateSpec(spec model.OrderSpec) error {
	if spec.Symbol == "" || !spec.Side.IsAvailable() || !spec.Type.IsAvailable() {
		return exception.ErrInvalidArgument
	}
	if !spec.Quantity.IsPositive() {
		return exception.ErrInvalidArgument
	}
	if spec.Type == enum.OrderTypeLimit && !spec.Price.IsPositive() {
		return exception.ErrInvalidArgument
	}
	return nil
}

func ackToUpdate(o model.Order) model.OrderUpdate {
	return model.OrderUpdate{
		OrderID:        o.OrderID,
		ClientOrderID:  o.ClientOrderID,
		Symbol:         o.Symbol,
		Side:           o.Side,
		Type:           o.Type,
		Status:         o.Status,
		Price:          o.Price,
		Quantity:       o.Quantity,
		FilledQuantity: o.FilledQuantity,
		AvgFillPrice:   o.AvgFillPrice,
		UpdateSeq:      o.UpdateSeq,
		EventTime:      o.UpdatedAt,
	}
}
