package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"main/internal/model"
	"main/internal/model/enum"
)

// Decision is the structured outcome of a pre-trade check.
type Decision struct {
	Allowed bool
	Reason  string
}

// Allow is the positive decision.
func Allow() Decision {
	return Decision{Allowed: true}
}

// Deny carries the denial reason back to the submitting caller.
func Deny(reason string) Decision {
	return Decision{Reason: reason}
}

// Gate is the pre-trade check invoked synchronously on the submit path,
// before any network call. A denied order never reaches the connector.
type Gate interface {
	Check(spec model.OrderSpec, position model.Position) Decision
}

// Config defines static risk limits. Zero values disable a check.
type Config struct {
	KillSwitch       bool            `json:"killSwitch"`
	MaxOrderQty      decimal.Decimal `json:"maxOrderQty"`
	MaxOrderNotional decimal.Decimal `json:"maxOrderNotional"`
	MaxPosition      decimal.Decimal `json:"maxPosition"`
	OrderRateLimit   int             `json:"orderRateLimit"`
	OrderRateWindow  time.Duration   `json:"orderRateWindow"`
}

// Engine evaluates static limits against order specs.
// Safe for concurrent submit paths.
type Engine struct {
	cfg Config

	mu              sync.Mutex
	rateWindowStart time.Time
	rateCount       int
}

// NewEngine creates a risk engine with static limits.
func NewEngine(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Check applies the configured checks in order of severity.
func (e *Engine) Check(spec model.OrderSpec, position model.Position) Decision {
	if e.cfg.KillSwitch {
		return Deny("kill switch engaged")
	}

	if e.cfg.OrderRateLimit > 0 && e.cfg.OrderRateWindow > 0 {
		e.mu.Lock()
		now := time.Now()
		if e.rateWindowStart.IsZero() || now.Sub(e.rateWindowStart) >= e.cfg.OrderRateWindow {
			e.rateWindowStart = now
			e.rateCount = 0
		}
		e.rateCount++
		exceeded := e.rateCount > e.cfg.OrderRateLimit
		e.mu.Unlock()
		if exceeded {
			return Deny("order rate limit exceeded")
		}
	}

	if e.cfg.MaxOrderQty.IsPositive() && spec.Quantity.GreaterThan(e.cfg.MaxOrderQty) {
		return Deny("order quantity above limit")
	}

	if e.cfg.MaxOrderNotional.IsPositive() {
		if notional := spec.Notional(); notional.GreaterThan(e.cfg.MaxOrderNotional) {
			return Deny("order notional above limit")
		}
	}

	if e.cfg.MaxPosition.IsPositive() {
		delta := spec.Quantity
		if spec.Side == enum.OrderSideSell {
			delta = delta.Neg()
		}
		if position.Size.Add(delta).Abs().GreaterThan(e.cfg.MaxPosition) {
			return Deny("position limit exceeded")
		}
	}

	return Allow()
}

var _ Gate = (*Engine)(nil)
