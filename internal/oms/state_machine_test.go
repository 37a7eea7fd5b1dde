package oms

import (
	"errors"
	"testing"

	"main/internal/model/enum"
	"main/pkg/exception"
)

func TestCanTransition(t *testing.T) {
	testCases := []struct {
		desc    string
		from    enum.OrderStatus
		to      enum.OrderStatus
		allowed bool
	}{
		{"pending new to new", enum.OrderStatusPendingNew, enum.OrderStatusNew, true},
		{"pending new to rejected", enum.OrderStatusPendingNew, enum.OrderStatusRejected, true},
		{"pending new cannot fill", enum.OrderStatusPendingNew, enum.OrderStatusFilled, false},
		{"new to partial", enum.OrderStatusNew, enum.OrderStatusPartiallyFilled, true},
		{"new to canceled", enum.OrderStatusNew, enum.OrderStatusCanceled, true},
		{"new to filled", enum.OrderStatusNew, enum.OrderStatusFilled, true},
		{"new to expired", enum.OrderStatusNew, enum.OrderStatusExpired, true},
		{"partial to filled", enum.OrderStatusPartiallyFilled, enum.OrderStatusFilled, true},
		{"partial to pending cancel", enum.OrderStatusPartiallyFilled, enum.OrderStatusPendingCancel, true},
		{"pending cancel to canceled", enum.OrderStatusPendingCancel, enum.OrderStatusCanceled, true},
		{"pending cancel to filled race", enum.OrderStatusPendingCancel, enum.OrderStatusFilled, true},
		{"filled is terminal", enum.OrderStatusFilled, enum.OrderStatusCanceled, false},
		{"canceled is terminal", enum.OrderStatusCanceled, enum.OrderStatusNew, false},
		{"rejected is terminal", enum.OrderStatusRejected, enum.OrderStatusNew, false},
		{"no backwards", enum.OrderStatusPartiallyFilled, enum.OrderStatusNew, false},
		{"no skip to pending cancel from pending new", enum.OrderStatusPendingNew, enum.OrderStatusPendingCancel, false},
		{"pending cancel cannot reject", enum.OrderStatusPendingCancel, enum.OrderStatusRejected, false},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			if got := CanTransition(tc.from, tc.to); got != tc.allowed {
				t.Fatalf("transition %s -> %s: got %v want %v", tc.from, tc.to, got, tc.allowed)
			}
		})
	}
}

func TestImpliedAckEdge(t *testing.T) {
	via, ok := impliedVia(enum.OrderStatusPendingNew, enum.OrderStatusFilled)
	if !ok || via != enum.OrderStatusNew {
		t.Fatalf("immediate fill not collapsible: via=%s ok=%v", via, ok)
	}
	if _, ok := impliedVia(enum.OrderStatusPendingNew, enum.OrderStatusPendingCancel); ok {
		t.Fatalf("local-only status must not be collapsible")
	}
	if _, ok := impliedVia(enum.OrderStatusNew, enum.OrderStatusPendingNew); ok {
		t.Fatalf("backwards edge must not be collapsible")
	}
}

func TestValidateTransitionError(t *testing.T) {
	err := ValidateTransition("42", enum.OrderStatusFilled, enum.OrderStatusCanceled)
	if err == nil {
		t.Fatalf("expected error for terminal transition")
	}
	var invalid *exception.InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %T", err)
	}
	if invalid.OrderID != "42" || invalid.From != enum.OrderStatusFilled.String() || invalid.To != enum.OrderStatusCanceled.String() {
		t.Fatalf("error fields mismatch: %+v", invalid)
	}
}
