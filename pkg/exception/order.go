package exception

import (
	"fmt"

	"github.com/yanun0323/errors"
)

var (
	ErrDuplicateOrder   = errors.New("order: already exists")
	ErrOrderNotFound    = errors.New("order: not found")
	ErrOrderImmutable   = errors.New("order: terminal, further mutation not permitted")
	ErrOrderNotTerminal = errors.New("order: not terminal")
	ErrEmptyOrderRef    = errors.New("order: empty order reference")
	ErrNotAccepting     = errors.New("order: submissions gated until recovery completes")
	ErrRiskRejected     = errors.New("order: rejected by pre-trade risk check")
)

// InvalidTransitionError reports an order status edge outside the
// transition table. Applying it never mutates state.
type InvalidTransitionError struct {
	OrderID string
	From    string
	To      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("order: invalid transition order_id=%s %s -> %s", e.OrderID, e.From, e.To)
}

// UnknownOrderError reports an update for an order the ledger never saw.
// The ledger hard-fails instead of implicitly creating a record, so a
// missed add() cannot be masked.
type UnknownOrderError struct {
	OrderID       string
	ClientOrderID string
}

func (e *UnknownOrderError) Error() string {
	return fmt.Sprintf("order: unknown order order_id=%s client_order_id=%s", e.OrderID, e.ClientOrderID)
}

// RiskRejectedError carries the structured denial reason from the risk gate.
type RiskRejectedError struct {
	ClientOrderID string
	Reason        string
}

func (e *RiskRejectedError) Error() string {
	return fmt.Sprintf("order: risk denied client_order_id=%s reason=%s", e.ClientOrderID, e.Reason)
}

func (e *RiskRejectedError) Unwrap() error {
	return ErrRiskRejected
}
