package connector

import (
	"context"
	"sync"
	"time"
)

// Cost is what one REST call charges against each limit class.
type Cost struct {
	Requests int
	Weight   int
	Orders   int
}

// RateLimitConfig sets per-class bucket capacities and refill rates.
type RateLimitConfig struct {
	RequestCapacity int
	RequestPerSec   float64
	WeightCapacity  int
	WeightPerSec    float64
	OrderCapacity   int
	OrderPerSec     float64
}

func (c RateLimitConfig) withDefaults() RateLimitConfig {
	if c.RequestCapacity <= 0 {
		c.RequestCapacity = 1200
	}
	if c.RequestPerSec <= 0 {
		c.RequestPerSec = 20
	}
	if c.WeightCapacity <= 0 {
		c.WeightCapacity = 2400
	}
	if c.WeightPerSec <= 0 {
		c.WeightPerSec = 40
	}
	if c.OrderCapacity <= 0 {
		c.OrderCapacity = 300
	}
	if c.OrderPerSec <= 0 {
		c.OrderPerSec = 5
	}
	return c
}

type tokenBucket struct {
	capacity float64
	rate     float64
	tokens   float64
	last     time.Time
}

func newTokenBucket(capacity int, rate float64) *tokenBucket {
	return &tokenBucket{
		capacity: float64(capacity),
		rate:     rate,
		tokens:   float64(capacity),
		last:     time.Now(),
	}
}

func (b *tokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * b.rate
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.last = now
}

// waitFor returns how long until n tokens are available, zero if now.
func (b *tokenBucket) waitFor(n float64, now time.Time) time.Duration {
	b.refill(now)
	if b.tokens >= n {
		return 0
	}
	missing := n - b.tokens
	return time.Duration(missing / b.rate * float64(time.Second))
}

func (b *tokenBucket) consume(n float64, now time.Time) {
	b.refill(now)
	b.tokens -= n
	if b.tokens < -b.capacity {
		b.tokens = -b.capacity
	}
}

// RateLimiterStats is a point-in-time view of limiter activity.
type RateLimiterStats struct {
	Requests      uint64
	WeightUsed    uint64
	Orders        uint64
	RateLimitHits uint64
}

// RateLimiter enforces exchange limits with one token bucket per class.
//
// Acquire blocks the caller until every class has capacity. Callers are
// served in arrival order through a single ticket channel, so a burst of
// cheap calls cannot starve an expensive one. There is no bypass: every
// gateway call charges the limiter before touching the network.
type RateLimiter struct {
	turn chan struct{}

	mu      sync.Mutex
	request *tokenBucket
	weight  *tokenBucket
	order   *tokenBucket
	stats   RateLimiterStats
}

// NewRateLimiter creates a limiter with full buckets.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	cfg = cfg.withDefaults()
	rl := &RateLimiter{
		turn:    make(chan struct{}, 1),
		request: newTokenBucket(cfg.RequestCapacity, cfg.RequestPerSec),
		weight:  newTokenBucket(cfg.WeightCapacity, cfg.WeightPerSec),
		order:   newTokenBucket(cfg.OrderCapacity, cfg.OrderPerSec),
	}
	rl.turn <- struct{}{}
	return rl
}

// Acquire blocks until the cost fits in every bucket, then consumes it.
// It returns early only when ctx is canceled.
func (rl *RateLimiter) Acquire(ctx context.Context, cost Cost) error {
	if cost.Requests <= 0 {
		cost.Requests = 1
	}

	// Take the ticket: holders wait out their refill in arrival order.
	select {
	case <-rl.turn:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { rl.turn <- struct{}{} }()

	for {
		rl.mu.Lock()
		now := time.Now()
		wait := rl.request.waitFor(float64(cost.Requests), now)
		if w := rl.weight.waitFor(float64(cost.Weight), now); w > wait {
			wait = w
		}
		if w := rl.order.waitFor(float64(cost.Orders), now); w > wait {
			wait = w
		}
		if wait <= 0 {
			rl.request.consume(float64(cost.Requests), now)
			rl.weight.consume(float64(cost.Weight), now)
			rl.order.consume(float64(cost.Orders), now)
			rl.stats.Requests += uint64(cost.Requests)
			rl.stats.WeightUsed += uint64(cost.Weight)
			rl.stats.Orders += uint64(cost.Orders)
			rl.mu.Unlock()
			return nil
		}
		rl.stats.RateLimitHits++
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Stats returns limiter counters.
func (rl *RateLimiter) Stats() RateLimiterStats {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.stats
}
