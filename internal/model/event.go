package model

import (
	"time"

	"github.com/shopspring/decimal"

	"main/internal/model/enum"
)

// EventKind discriminates stream events.
type EventKind uint8

const (
	_event_kind_beg EventKind = iota
	EventKindOrderUpdate
	EventKindAccountUpdate
	EventKindConnectivity
	_event_kind_end
)

func (k EventKind) IsAvailable() bool {
	return k > _event_kind_beg && k < _event_kind_end
}

// OrderUpdate is a normalized execution report pushed by the exchange.
type OrderUpdate struct {
	OrderID        string
	ClientOrderID  string
	Symbol         string
	Side           enum.OrderSide
	Type           enum.OrderType
	Status         enum.OrderStatus
	Price          decimal.Decimal
	Quantity       decimal.Decimal
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
	UpdateSeq      uint64
	EventTime      time.Time
}

// AccountUpdate carries position changes pushed by the exchange.
type AccountUpdate struct {
	Positions []Position
	EventTime time.Time
	Reason    string
}

// ConnectivityEvent signals stream connect/disconnect transitions.
type ConnectivityEvent struct {
	Connected bool
	Reason    string
	At        time.Time
}

// StreamEvent is the unit delivered by the connector's push stream.
// Exactly one payload field is set, matching Kind.
type StreamEvent struct {
	Kind         EventKind
	Order        *OrderUpdate
	Account      *AccountUpdate
	Connectivity *ConnectivityEvent
}

// ReconciliationReport summarizes one reconciliation run.
// It is logged, never persisted.
type ReconciliationReport struct {
	StartedAt time.Time
	Duration  time.Duration

	ExchangeOrders int
	LocalOrders    int

	// Orphans are local-only order ids marked CANCELED locally.
	Orphans []string
	// Strays are exchange-only order ids we asked the exchange to cancel.
	Strays []string
	// Mismatches are ids present on both sides with differing
	// status or filled quantity, resolved in favor of the exchange.
	Mismatches []string
	// Quarantined are ids of quarantined orders re-queried and
	// overwritten with (or canceled to match) exchange truth.
	Quarantined []string

	PositionsOverwritten int
	Errors               int
}

// Clean reports whether the run found no discrepancies.
func (r ReconciliationReport) Clean() bool {
	return len(r.Orphans) == 0 && len(r.Strays) == 0 && len(r.Mismatches) == 0 &&
		len(r.Quarantined) == 0 && r.Errors == 0
}
