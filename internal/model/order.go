package model

import (
	"time"

	"github.com/shopspring/decimal"

	"main/internal/model/enum"
)

// Order is the ledger's view of a single exchange order.
//
// OrderID is assigned by the exchange and is empty until the first
// acknowledgment; ClientOrderID is caller-assigned and known before
// submission. UpdateSeq is the last applied exchange sequence; stream
// events at or below it are idempotent replays and are discarded.
type Order struct {
	OrderID       string           `json:"orderId"`
	ClientOrderID string           `json:"clientOrderId"`
	Symbol        string           `json:"symbol"`
	Side          enum.OrderSide   `json:"side"`
	Type          enum.OrderType   `json:"type"`
	Status        enum.OrderStatus `json:"status"`

	// Price is zero for market orders.
	Price          decimal.Decimal `json:"price"`
	Quantity       decimal.Decimal `json:"quantity"`
	FilledQuantity decimal.Decimal `json:"filledQuantity"`
	AvgFillPrice   decimal.Decimal `json:"avgFillPrice"`

	UpdateSeq uint64    `json:"updateSeq"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// LeavesQuantity returns the unfilled remainder.
func (o Order) LeavesQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

// OrderSpec is the caller-side request to place an order.
type OrderSpec struct {
	ClientOrderID string
	Symbol        string
	Side          enum.OrderSide
	Type          enum.OrderType
	TimeInForce   enum.OrderTimeInForce
	Price         decimal.Decimal
	Quantity      decimal.Decimal
}

// Notional returns price*quantity for limit orders, zero for market orders.
func (s OrderSpec) Notional() decimal.Decimal {
	if s.Type != enum.OrderTypeLimit {
		return decimal.Zero
	}
	return s.Price.Mul(s.Quantity)
}

// OrderRef identifies an order by exchange id or client id.
// At least one of the two must be set.
type OrderRef struct {
	Symbol        string
	OrderID       string
	ClientOrderID string
}

// ModifyRequest asks the exchange to amend a working order in place.
// Side is filled from the ledger before the request reaches a gateway;
// some venues require it on the amend call.
type ModifyRequest struct {
	Ref      OrderRef
	Side     enum.OrderSide
	NewPrice decimal.Decimal
	NewQty   decimal.Decimal
}

// Position is the signed net exposure for one symbol.
// Size is positive for long, negative for short.
type Position struct {
	Symbol      string          `json:"symbol"`
	Size        decimal.Decimal `json:"size"`
	EntryPrice  decimal.Decimal `json:"entryPrice"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// IsFlat reports whether the position is closed.
func (p Position) IsFlat() bool {
	return p.Size.IsZero()
}
