package connector

import (
	"context"
	"math/rand"
	"time"

	"github.com/yanun0323/logs"

	"main/pkg/exception"
)

// Backoff produces capped exponential delays with jitter.
type Backoff struct {
	Min    time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// DefaultBackoff matches the reconnect defaults: 1s doubling to 120s.
func DefaultBackoff() Backoff {
	return Backoff{
		Min:    time.Second,
		Max:    120 * time.Second,
		Factor: 2.0,
		Jitter: 0.2,
	}
}

// Next returns the backoff duration for the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	min := b.Min
	if min <= 0 {
		min = 100 * time.Millisecond
	}
	max := b.Max
	if max <= 0 {
		max = 5 * time.Second
	}
	factor := b.Factor
	if factor <= 1 {
		factor = 2.0
	}

	wait := min
	for i := 1; i < attempt; i++ {
		next := time.Duration(float64(wait) * factor)
		if next > max {
			wait = max
			break
		}
		wait = next
	}

	if b.Jitter <= 0 {
		return wait
	}
	jitter := b.Jitter
	if jitter > 1 {
		jitter = 1
	}
	delta := float64(wait) * jitter
	return wait - time.Duration(delta) + time.Duration(rand.Float64()*2*delta)
}

// RetryPolicy bounds transient-error retries.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff

	// OnRetry, when set, is invoked once per retried attempt.
	OnRetry func()
}

// DefaultRetryPolicy retries three times with short backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: Backoff{
			Min:    500 * time.Millisecond,
			Max:    10 * time.Second,
			Factor: 2.0,
			Jitter: 0.2,
		},
	}
}

// Retry runs fn, retrying transient failures up to the policy's budget.
// Permanent failures surface immediately. An exhausted budget returns
// UnknownOutcomeError: the caller must re-query remote state, not assume
// the call failed. Idempotency across attempts is the caller's client
// order id, which fn must reuse verbatim.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	var last error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !exception.IsTransient(err) {
			return err
		}
		last = err
		if attempt == attempts {
			break
		}

		if policy.OnRetry != nil {
			policy.OnRetry()
		}
		wait := policy.Backoff.Next(attempt)
		logs.Infof("connector: retrying %s attempt=%d/%d wait=%s, err: %+v",
			op, attempt, attempts, wait, err)
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	logs.Errorf("connector: %s exhausted %d attempts, err: %+v", op, attempts, last)
	return &exception.UnknownOutcomeError{Attempts: attempts, Last: last}
}
