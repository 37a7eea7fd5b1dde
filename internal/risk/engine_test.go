package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/model"
	"main/internal/model/enum"
)

func limitSpec(side enum.OrderSide, price, qty int64) model.OrderSpec {
	return model.OrderSpec{
		ClientOrderID: "c-1",
		Symbol:        "BTCUSDT",
		Side:          side,
		Type:          enum.OrderTypeLimit,
		Price:         decimal.NewFromInt(price),
		Quantity:      decimal.NewFromInt(qty),
	}
}

func TestEngineAllowsWithinLimits(t *testing.T) {
	e := NewEngine(Config{
		MaxOrderQty:      decimal.NewFromInt(10),
		MaxOrderNotional: decimal.NewFromInt(1_000_000),
		MaxPosition:      decimal.NewFromInt(50),
	})
	d := e.Check(limitSpec(enum.OrderSideBuy, 30000, 1), model.Position{Symbol: "BTCUSDT"})
	if !d.Allowed {
		t.Fatalf("denied: %s", d.Reason)
	}
}

func TestEngineKillSwitch(t *testing.T) {
	e := NewEngine(Config{KillSwitch: true})
	d := e.Check(limitSpec(enum.OrderSideBuy, 30000, 1), model.Position{})
	if d.Allowed {
		t.Fatalf("kill switch ignored")
	}
	if d.Reason != "kill switch engaged" {
		t.Fatalf("reason: %s", d.Reason)
	}
}

func TestEngineChecks(t *testing.T) {
	testCases := []struct {
		desc     string
		cfg      Config
		spec     model.OrderSpec
		position model.Position
		allowed  bool
	}{
		{
			"qty above limit",
			Config{MaxOrderQty: decimal.NewFromInt(5)},
			limitSpec(enum.OrderSideBuy, 30000, 6),
			model.Position{},
			false,
		},
		{
			"notional above limit",
			Config{MaxOrderNotional: decimal.NewFromInt(50_000)},
			limitSpec(enum.OrderSideBuy, 30000, 2),
			model.Position{},
			false,
		},
		{
			"market order has no notional",
			Config{MaxOrderNotional: decimal.NewFromInt(1)},
			model.OrderSpec{Symbol: "BTCUSDT", Side: enum.OrderSideBuy, Type: enum.OrderTypeMarket, Quantity: decimal.NewFromInt(2)},
			model.Position{},
			true,
		},
		{
			"buy extends long past limit",
			Config{MaxPosition: decimal.NewFromInt(5)},
			limitSpec(enum.OrderSideBuy, 30000, 2),
			model.Position{Symbol: "BTCUSDT", Size: decimal.NewFromInt(4)},
			false,
		},
		{
			"sell reduces long",
			Config{MaxPosition: decimal.NewFromInt(5)},
			limitSpec(enum.OrderSideSell, 30000, 2),
			model.Position{Symbol: "BTCUSDT", Size: decimal.NewFromInt(4)},
			true,
		},
		{
			"sell extends short past limit",
			Config{MaxPosition: decimal.NewFromInt(5)},
			limitSpec(enum.OrderSideSell, 30000, 3),
			model.Position{Symbol: "BTCUSDT", Size: decimal.NewFromInt(-4)},
			false,
		},
		{
			"zero limits disable checks",
			Config{},
			limitSpec(enum.OrderSideBuy, 30000, 1_000_000),
			model.Position{},
			true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.desc, func(t *testing.T) {
			d := NewEngine(tc.cfg).Check(tc.spec, tc.position)
			if d.Allowed != tc.allowed {
				t.Fatalf("allowed=%v want %v (reason=%s)", d.Allowed, tc.allowed, d.Reason)
			}
		})
	}
}

func TestEngineOrderRateLimit(t *testing.T) {
	e := NewEngine(Config{
		OrderRateLimit:  2,
		OrderRateWindow: time.Minute,
	})
	spec := limitSpec(enum.OrderSideBuy, 30000, 1)
	for i := 0; i < 2; i++ {
		if d := e.Check(spec, model.Position{}); !d.Allowed {
			t.Fatalf("order %d denied: %s", i, d.Reason)
		}
	}
	if d := e.Check(spec, model.Position{}); d.Allowed {
		t.Fatalf("third order in window allowed")
	}
}
