package oms

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"

	"main/internal/model"
	"main/internal/model/enum"
	"main/internal/obs"
	"main/pkg/exception"
)

// Subscriber receives a copy of an order after every successful mutation.
// Subscribers run inside the ledger's critical section and must not call
// back into the ledger.
type Subscriber struct {
	Name       string
	OnOrder    func(model.Order)
	OnPosition func(model.Position)
}

// Ledger is the sole owner of in-memory order and position state.
//
// Orders are dual-indexed by exchange order id and client order id; both
// lookups are O(1). All mutation funnels through the transition table and
// happens under one mutex with no nested locking. Network calls never run
// under this mutex.
type Ledger struct {
	mu sync.Mutex

	byOrderID  map[string]*model.Order
	byClientID map[string]*model.Order
	positions  map[string]*model.Position

	subscribers []Subscriber
	lastSeq     uint64
	metrics     *obs.Metrics
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		byOrderID:  make(map[string]*model.Order),
		byClientID: make(map[string]*model.Order),
		positions:  make(map[string]*model.Position),
	}
}

// Subscribe registers a mutation subscriber. Subscriber panics are caught
// and logged; they never roll back or block the mutation they react to.
func (l *Ledger) Subscribe(sub Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, sub)
}

// Add registers a new order. It fails if either identifier is already
// present. Orders enter in PENDING_NEW before the exchange ack, in which
// case OrderID may still be empty.
func (l *Ledger) Add(order model.Order) error {
	if order.ClientOrderID == "" {
		return exception.ErrInvalidArgument
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.byClientID[order.ClientOrderID]; ok {
		return exception.ErrDuplicateOrder
	}
	if order.OrderID != "" {
		if _, ok := l.byOrderID[order.OrderID]; ok {
			return exception.ErrDuplicateOrder
		}
	}

	o := order
	l.byClientID[o.ClientOrderID] = &o
	if o.OrderID != "" {
		l.byOrderID[o.OrderID] = &o
	}
	l.notifyLocked(o)
	return nil
}

// ApplyUpdate applies an exchange execution report.
//
// Updates with a sequence at or below the order's last applied sequence
// are discarded without error (idempotent replay / out-of-order delivery).
// An edge outside the transition table quarantines the order and returns
// InvalidTransitionError; no other order is affected. An update for an
// order the ledger never saw hard-fails with UnknownOrderError.
func (l *Ledger) ApplyUpdate(update model.OrderUpdate) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	o := l.lookupLocked(update.OrderID, update.ClientOrderID)
	if o == nil {
		return &exception.UnknownOrderError{
			OrderID:       update.OrderID,
			ClientOrderID: update.ClientOrderID,
		}
	}

	if update.UpdateSeq != 0 && update.UpdateSeq <= o.UpdateSeq {
		logs.Infof("ledger: discard stale update order_id=%s seq=%d last=%d",
			o.OrderID, update.UpdateSeq, o.UpdateSeq)
		if l.metrics != nil {
			l.metrics.IncStaleUpdate()
		}
		return nil
	}
	if o.Status.IsTerminal() {
		// Terminal orders are immutable; late duplicates are no-ops.
		return nil
	}

	if update.Status != o.Status {
		if !CanTransition(o.Status, update.Status) {
			via, ok := impliedVia(o.Status, update.Status)
			if !ok {
				l.quarantineLocked(o, update)
				return ValidateTransition(o.OrderID, o.Status, update.Status)
			}
			logs.Infof("ledger: collapsed edge order_id=%s %s -> %s via %s",
				o.OrderID, o.Status, update.Status, via)
		}
	} else if update.FilledQuantity.Equal(o.FilledQuantity) {
		// Same (status, filled): no-op beyond sequence bookkeeping.
		if update.UpdateSeq > o.UpdateSeq {
			o.UpdateSeq = update.UpdateSeq
			l.trackSeqLocked(update.UpdateSeq)
		}
		return nil
	}

	fillDelta := update.FilledQuantity.Sub(o.FilledQuantity)
	lot := lotPrice(o.FilledQuantity, o.AvgFillPrice, update.FilledQuantity, update.AvgFillPrice, fillDelta)

	if update.OrderID != "" && o.OrderID == "" {
		o.OrderID = update.OrderID
		l.byOrderID[o.OrderID] = o
	}
	o.Status = update.Status
	o.FilledQuantity = update.FilledQuantity
	if !update.AvgFillPrice.IsZero() {
		o.AvgFillPrice = update.AvgFillPrice
	}
	if update.UpdateSeq > o.UpdateSeq {
		o.UpdateSeq = update.UpdateSeq
	}
	if !update.EventTime.IsZero() {
		o.UpdatedAt = update.EventTime
	} else {
		o.UpdatedAt = time.Now().UTC()
	}
	l.trackSeqLocked(o.UpdateSeq)

	if fillDelta.IsPositive() {
		l.applyFillLocked(o, fillDelta, lot)
	}

	l.notifyLocked(*o)
	return nil
}

// Get returns a copy of the order with the given exchange id.
func (l *Ledger) Get(orderID string) (model.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o, ok := l.byOrderID[orderID]; ok {
		return *o, true
	}
	return model.Order{}, false
}

// GetByClientID returns a copy of the order with the given client id.
func (l *Ledger) GetByClientID(clientOrderID string) (model.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o, ok := l.byClientID[clientOrderID]; ok {
		return *o, true
	}
	return model.Order{}, false
}

// Resolve finds an order by either identifier of the reference.
func (l *Ledger) Resolve(ref model.OrderRef) (model.Order, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if o := l.lookupLocked(ref.OrderID, ref.ClientOrderID); o != nil {
		return *o, true
	}
	return model.Order{}, false
}

// OpenOrders returns copies of every non-terminal, non-quarantined order,
// optionally filtered by symbol.
func (l *Ledger) OpenOrders(symbol string) []model.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Order, 0, len(l.byClientID))
	for _, o := range l.byClientID {
		if o.Status == enum.OrderStatusUnknown || o.Status.IsTerminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, *o)
	}
	return out
}

// Quarantined returns copies of every quarantined order, for
// reconciliation to resolve against exchange truth.
func (l *Ledger) Quarantined() []model.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []model.Order
	for _, o := range l.byClientID {
		if o.Status == enum.OrderStatusUnknown {
			out = append(out, *o)
		}
	}
	return out
}

// AllOrders returns copies of every tracked order.
func (l *Ledger) AllOrders() []model.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Order, 0, len(l.byClientID))
	for _, o := range l.byClientID {
		out = append(out, *o)
	}
	return out
}

// Remove drops an order. Only terminal (or quarantined) orders may leave
// the ledger.
func (l *Ledger) Remove(orderID string) (model.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.byOrderID[orderID]
	if !ok {
		return model.Order{}, exception.ErrOrderNotFound
	}
	if !o.Status.IsTerminal() && o.Status != enum.OrderStatusUnknown {
		return model.Order{}, exception.ErrOrderNotTerminal
	}
	l.removeLocked(o)
	return *o, nil
}

// ExpireTerminal removes terminal orders whose UpdatedAt (the moment they
// entered the terminal status) is older than maxAge, and returns them for
// archival.
func (l *Ledger) ExpireTerminal(maxAge time.Duration, now time.Time) []model.Order {
	if maxAge <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var expired []model.Order
	for _, o := range l.byClientID {
		if !o.Status.IsTerminal() {
			continue
		}
		if now.Sub(o.UpdatedAt) < maxAge {
			continue
		}
		expired = append(expired, *o)
	}
	for i := range expired {
		if o := l.lookupLocked(expired[i].OrderID, expired[i].ClientOrderID); o != nil {
			l.removeLocked(o)
		}
	}
	return expired
}

// MarkCanceledLocal force-cancels an order outside the transition table.
// Reconciliation-only path: the exchange does not know the order, so the
// exchange's view (gone) wins over whatever the local status was.
func (l *Ledger) MarkCanceledLocal(ref model.OrderRef, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o := l.lookupLocked(ref.OrderID, ref.ClientOrderID)
	if o == nil {
		return &exception.UnknownOrderError{OrderID: ref.OrderID, ClientOrderID: ref.ClientOrderID}
	}
	if o.Status.IsTerminal() {
		return nil
	}
	prev := o.Status
	o.Status = enum.OrderStatusCanceled
	o.UpdatedAt = time.Now().UTC()
	logs.Infof("ledger: force cancel order_id=%s client_order_id=%s from=%s reason=%s",
		o.OrderID, o.ClientOrderID, prev, reason)
	l.notifyLocked(*o)
	return nil
}

// Overwrite replaces an order's exchange-owned fields wholesale.
// Reconciliation-only path: exchange-reported state is authoritative.
func (l *Ledger) Overwrite(truth model.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o := l.lookupLocked(truth.OrderID, truth.ClientOrderID)
	if o == nil {
		return &exception.UnknownOrderError{OrderID: truth.OrderID, ClientOrderID: truth.ClientOrderID}
	}
	if truth.OrderID != "" && o.OrderID == "" {
		o.OrderID = truth.OrderID
		l.byOrderID[o.OrderID] = o
	}
	fillDelta := truth.FilledQuantity.Sub(o.FilledQuantity)
	lot := lotPrice(o.FilledQuantity, o.AvgFillPrice, truth.FilledQuantity, truth.AvgFillPrice, fillDelta)
	o.Status = truth.Status
	o.FilledQuantity = truth.FilledQuantity
	if !truth.AvgFillPrice.IsZero() {
		o.AvgFillPrice = truth.AvgFillPrice
	}
	if truth.UpdateSeq > o.UpdateSeq {
		o.UpdateSeq = truth.UpdateSeq
		l.trackSeqLocked(o.UpdateSeq)
	}
	o.UpdatedAt = time.Now().UTC()
	if fillDelta.IsPositive() {
		l.applyFillLocked(o, fillDelta, lot)
	}
	l.notifyLocked(*o)
	return nil
}

// Transition applies a locally initiated status change (e.g. marking
// PENDING_CANCEL when a cancel request goes out). It does not advance
// UpdateSeq, so later exchange events still win the sequence check.
func (l *Ledger) Transition(ref model.OrderRef, to enum.OrderStatus) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o := l.lookupLocked(ref.OrderID, ref.ClientOrderID)
	if o == nil {
		return &exception.UnknownOrderError{OrderID: ref.OrderID, ClientOrderID: ref.ClientOrderID}
	}
	if o.Status == to {
		return nil
	}
	if err := ValidateTransition(o.OrderID, o.Status, to); err != nil {
		return err
	}
	o.Status = to
	o.UpdatedAt = time.Now().UTC()
	l.notifyLocked(*o)
	return nil
}

// Position returns the current position for a symbol.
func (l *Ledger) Position(symbol string) model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, ok := l.positions[symbol]; ok {
		return *p
	}
	return model.Position{Symbol: symbol}
}

// Positions returns copies of all non-flat positions.
func (l *Ledger) Positions() []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	return out
}

// SetPosition overwrites a position with exchange-reported truth.
// Reconciliation-only path.
func (l *Ledger) SetPosition(p model.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p.LastUpdated.IsZero() {
		p.LastUpdated = time.Now().UTC()
	}
	cp := p
	l.positions[p.Symbol] = &cp
	l.notifyPositionLocked(cp)
}

// LastSeq returns the highest applied update sequence.
func (l *Ledger) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastSeq
}

// Restore seeds the ledger from snapshot state. It must only run before
// the ledger starts receiving live events.
func (l *Ledger) Restore(orders []model.Order, positions []model.Position, lastSeq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range orders {
		o := orders[i]
		l.byClientID[o.ClientOrderID] = &o
		if o.OrderID != "" {
			l.byOrderID[o.OrderID] = &o
		}
	}
	for i := range positions {
		p := positions[i]
		l.positions[p.Symbol] = &p
	}
	if lastSeq > l.lastSeq {
		l.lastSeq = lastSeq
	}
}

// Counts returns (total, open) order counts.
func (l *Ledger) Counts() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	open := 0
	for _, o := range l.byClientID {
		if o.Status.IsActive() {
			open++
		}
	}
	return len(l.byClientID), open
}

func (l *Ledger) lookupLocked(orderID, clientOrderID string) *model.Order {
	if orderID != "" {
		if o, ok := l.byOrderID[orderID]; ok {
			return o
		}
	}
	if clientOrderID != "" {
		if o, ok := l.byClientID[clientOrderID]; ok {
			return o
		}
	}
	return nil
}

func (l *Ledger) removeLocked(o *model.Order) {
	delete(l.byClientID, o.ClientOrderID)
	if o.OrderID != "" {
		delete(l.byOrderID, o.OrderID)
	}
}

func (l *Ledger) quarantineLocked(o *model.Order, update model.OrderUpdate) {
	logs.Errorf("ledger: quarantine order_id=%s client_order_id=%s from=%s to=%s seq=%d",
		o.OrderID, o.ClientOrderID, o.Status, update.Status, update.UpdateSeq)
	o.Status = enum.OrderStatusUnknown
	o.UpdatedAt = time.Now().UTC()
}

func (l *Ledger) trackSeqLocked(seq uint64) {
	if seq > l.lastSeq {
		l.lastSeq = seq
	}
}

// lotPrice derives the price of the newest fill lot from the cumulative
// averages the venue reports: (avgNew*filledNew - avgOld*filledOld) / delta.
// The cumulative average itself is wrong for the lot whenever earlier
// lots traded at a different price.
func lotPrice(prevFilled, prevAvg, filled, avg, delta decimal.Decimal) decimal.Decimal {
	if !delta.IsPositive() || avg.IsZero() {
		return avg
	}
	notional := avg.Mul(filled).Sub(prevAvg.Mul(prevFilled))
	if !notional.IsPositive() {
		return avg
	}
	return notional.Div(delta)
}

// applyFillLocked moves the position book by a signed fill delta,
// volume-weighting the entry price when exposure extends and resetting
// it when the position flips through zero.
func (l *Ledger) applyFillLocked(o *model.Order, fillQty, fillPrice decimal.Decimal) {
	if fillPrice.IsZero() {
		fillPrice = o.Price
	}
	signed := fillQty
	if o.Side == enum.OrderSideSell {
		signed = fillQty.Neg()
	}

	p, ok := l.positions[o.Symbol]
	if !ok {
		p = &model.Position{Symbol: o.Symbol}
		l.positions[o.Symbol] = p
	}

	prev := p.Size
	next := prev.Add(signed)
	switch {
	case prev.IsZero():
		p.EntryPrice = fillPrice
	case prev.Sign() == signed.Sign():
		// Extending: volume-weighted entry.
		prevAbs := prev.Abs()
		total := prevAbs.Add(fillQty)
		p.EntryPrice = p.EntryPrice.Mul(prevAbs).Add(fillPrice.Mul(fillQty)).Div(total)
	case next.IsZero():
		p.EntryPrice = decimal.Zero
	case prev.Sign() != next.Sign():
		// Flipped through zero: remainder opened at the fill price.
		p.EntryPrice = fillPrice
	}
	p.Size = next
	p.LastUpdated = o.UpdatedAt
	l.notifyPositionLocked(*p)
}

func (l *Ledger) notifyPositionLocked(p model.Position) {
	for i := range l.subscribers {
		sub := l.subscribers[i]
		if sub.OnPosition == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logs.Errorf("ledger: subscriber %s panicked: %v", sub.Name, r)
					if l.metrics != nil {
						l.metrics.IncSubscriberPanic()
					}
				}
			}()
			sub.OnPosition(p)
		}()
	}
}

func (l *Ledger) notifyLocked(o model.Order) {
	for i := range l.subscribers {
		sub := l.subscribers[i]
		if sub.OnOrder == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logs.Errorf("ledger: subscriber %s panicked: %v", sub.Name, r)
					if l.metrics != nil {
						l.metrics.IncSubscriberPanic()
					}
				}
			}()
			sub.OnOrder(o)
		}()
	}
}
