// Package connectortest provides an in-memory Exchange implementation so
// ledger, reconciliation and recovery logic can be tested without any
// network dependency.
package connectortest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"main/internal/model"
	"main/internal/model/enum"
	"main/pkg/exception"
)

// Fake is a scriptable in-memory exchange.
//
// Default behavior: Submit acks orders as NEW with a generated id,
// Cancel confirms for known orders, queries report whatever was seeded
// with SetOpenOrders/SetPositions. Any method can be overridden per test
// through the *Fn hooks.
type Fake struct {
	mu        sync.Mutex
	open      map[string]model.Order
	positions []model.Position
	canceled  []model.OrderRef
	nextID    int64
	nextSeq   uint64

	SubmitFn    func(ctx context.Context, spec model.OrderSpec) (model.Order, error)
	CancelFn    func(ctx context.Context, ref model.OrderRef) error
	ModifyFn    func(ctx context.Context, req model.ModifyRequest) (model.Order, error)
	QueryFn     func(ctx context.Context, ref model.OrderRef) (model.Order, error)
	QueryOpenFn func(ctx context.Context, symbol string) ([]model.Order, error)

	events chan model.StreamEvent
}

// NewFake creates an empty fake exchange.
func NewFake() *Fake {
	return &Fake{
		open:   make(map[string]model.Order),
		events: make(chan model.StreamEvent, 128),
		nextID: 1000,
	}
}

// Submit acks the order as NEW unless a hook overrides it.
func (f *Fake) Submit(ctx context.Context, spec model.OrderSpec) (model.Order, error) {
	if f.SubmitFn != nil {
		return f.SubmitFn(ctx, spec)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.nextSeq++
	now := time.Now().UTC()
	order := model.Order{
		OrderID:       fmt.Sprintf("%d", f.nextID),
		ClientOrderID: spec.ClientOrderID,
		Symbol:        spec.Symbol,
		Side:          spec.Side,
		Type:          spec.Type,
		Status:        enum.OrderStatusNew,
		Price:         spec.Price,
		Quantity:      spec.Quantity,
		UpdateSeq:     f.nextSeq,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	f.open[order.OrderID] = order
	return order, nil
}

// Cancel records the request and drops the order from the open set.
func (f *Fake) Cancel(ctx context.Context, ref model.OrderRef) error {
	if f.CancelFn != nil {
		return f.CancelFn(ctx, ref)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, ref)
	delete(f.open, ref.OrderID)
	return nil
}

// Modify amends price/qty of a known open order.
func (f *Fake) Modify(ctx context.Context, req model.ModifyRequest) (model.Order, error) {
	if f.ModifyFn != nil {
		return f.ModifyFn(ctx, req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.open[req.Ref.OrderID]
	if !ok {
		return model.Order{}, &exception.APIError{StatusCode: 400, Code: -2013, Message: "order does not exist"}
	}
	if !req.NewPrice.IsZero() {
		order.Price = req.NewPrice
	}
	if !req.NewQty.IsZero() {
		order.Quantity = req.NewQty
	}
	f.nextSeq++
	order.UpdateSeq = f.nextSeq
	order.UpdatedAt = time.Now().UTC()
	f.open[order.OrderID] = order
	return order, nil
}

// QueryOpenOrders reports the seeded open set.
func (f *Fake) QueryOpenOrders(ctx context.Context, symbol string) ([]model.Order, error) {
	if f.QueryOpenFn != nil {
		return f.QueryOpenFn(ctx, symbol)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Order, 0, len(f.open))
	for _, o := range f.open {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// QueryOrder looks up a single order by either id.
func (f *Fake) QueryOrder(ctx context.Context, ref model.OrderRef) (model.Order, error) {
	if f.QueryFn != nil {
		return f.QueryFn(ctx, ref)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.open[ref.OrderID]; ok {
		return o, nil
	}
	for _, o := range f.open {
		if ref.ClientOrderID != "" && o.ClientOrderID == ref.ClientOrderID {
			return o, nil
		}
	}
	return model.Order{}, &exception.APIError{StatusCode: 400, Code: -2013, Message: "order does not exist"}
}

// QueryPositions reports the seeded positions.
func (f *Fake) QueryPositions(ctx context.Context) ([]model.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Position, len(f.positions))
	copy(out, f.positions)
	return out, nil
}

// Events returns the push stream channel.
func (f *Fake) Events() <-chan model.StreamEvent {
	return f.events
}

// Run blocks until ctx is done.
func (f *Fake) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

// Push emits a stream event to subscribers.
func (f *Fake) Push(e model.StreamEvent) {
	f.events <- e
}

// SetOpenOrders seeds the exchange-side open order set.
func (f *Fake) SetOpenOrders(orders ...model.Order) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = make(map[string]model.Order, len(orders))
	for _, o := range orders {
		f.open[o.OrderID] = o
	}
}

// SetPositions seeds the exchange-side positions.
func (f *Fake) SetPositions(positions ...model.Position) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.positions = append([]model.Position(nil), positions...)
}

// CanceledRefs returns every cancel request received.
func (f *Fake) CanceledRefs() []model.OrderRef {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.OrderRef, len(f.canceled))
	copy(out, f.canceled)
	return out
}
