package connector

import (
	"context"

	"main/internal/model"
)

// Exchange is the capability surface the rest of the system depends on.
// Concrete gateways (binance) and the test fake implement it; nothing
// outside this package touches an exchange client library directly.
type Exchange interface {
	// Submit places an order, preserving the caller's client order id so
	// retried submissions are idempotent on the exchange side.
	Submit(ctx context.Context, spec model.OrderSpec) (model.Order, error)
	// Cancel requests cancellation by exchange or client order id.
	Cancel(ctx context.Context, ref model.OrderRef) error
	// Modify amends price/quantity in place. Gateways that cannot amend
	// return exception.ErrModifyUnsupported; falling back to
	// cancel+replace is the caller's decision.
	Modify(ctx context.Context, req model.ModifyRequest) (model.Order, error)
	// QueryOpenOrders returns live open orders, optionally per symbol.
	QueryOpenOrders(ctx context.Context, symbol string) ([]model.Order, error)
	// QueryOrder returns the current state of a single order.
	QueryOrder(ctx context.Context, ref model.OrderRef) (model.Order, error)
	// QueryPositions returns live positions.
	QueryPositions(ctx context.Context) ([]model.Position, error)
	// Events yields order updates, account updates and connectivity
	// transitions. The channel closes when the stream shuts down.
	Events() <-chan model.StreamEvent
	// Run drives the push stream lifecycle until ctx is done.
	Run(ctx context.Context) error
}
