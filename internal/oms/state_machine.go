package oms

import (
	"main/internal/model/enum"
	"main/pkg/exception"
)

// transitions is the only source of legal status edges. Any edge not
// listed fails and leaves the order untouched. Terminal statuses have
// no outgoing edges.
//
// PENDING_CANCEL -> FILLED covers the race where a fill lands after a
// cancel was requested; the exchange's confirmation is final.
var transitions = map[enum.OrderStatus][]enum.OrderStatus{
	enum.OrderStatusPendingNew: {
		enum.OrderStatusNew,
		enum.OrderStatusRejected,
	},
	enum.OrderStatusNew: {
		enum.OrderStatusPartiallyFilled,
		enum.OrderStatusFilled,
		enum.OrderStatusPendingCancel,
		enum.OrderStatusCanceled,
		enum.OrderStatusExpired,
	},
	enum.OrderStatusPartiallyFilled: {
		enum.OrderStatusFilled,
		enum.OrderStatusPendingCancel,
		enum.OrderStatusCanceled,
	},
	enum.OrderStatusPendingCancel: {
		enum.OrderStatusCanceled,
		enum.OrderStatusFilled,
	},
}

// CanTransition reports whether from -> to is in the transition table.
// A self transition is not an edge; callers treat it as an idempotent
// re-application, not a status change.
func CanTransition(from, to enum.OrderStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// impliedVia returns the intermediate status a single wire message can
// collapse. A REST ack for an order that fills immediately reports
// PENDING_NEW straight to PARTIALLY_FILLED, FILLED, or EXPIRED without
// the intervening NEW ever being observed; the edge is legal through
// the implied NEW. PENDING_CANCEL is excluded: it is only ever set
// locally, never carried by a venue report.
func impliedVia(from, to enum.OrderStatus) (enum.OrderStatus, bool) {
	if from != enum.OrderStatusPendingNew || to == enum.OrderStatusPendingCancel {
		return 0, false
	}
	if CanTransition(enum.OrderStatusNew, to) {
		return enum.OrderStatusNew, true
	}
	return 0, false
}

// ValidateTransition returns an InvalidTransitionError identifying the
// order and the offending edge when from -> to is not permitted.
func ValidateTransition(orderID string, from, to enum.OrderStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return &exception.InvalidTransitionError{
		OrderID: orderID,
		From:    from.String(),
		To:      to.String(),
	}
}
