package connector

import (
	"context"
	"errors"
	"testing"
	"time"

	"main/pkg/exception"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		Backoff:     Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
	}
}

func TestRetrySucceedsAfterTransient(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return &exception.APIError{StatusCode: 503, Message: "unavailable"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls: %d", calls)
	}
}

func TestRetryInvokesHookPerRetry(t *testing.T) {
	retried := 0
	policy := fastPolicy(3)
	policy.OnRetry = func() { retried++ }

	calls := 0
	err := Retry(context.Background(), policy, "op", func(context.Context) error {
		calls++
		if calls < 3 {
			return &exception.APIError{StatusCode: 503, Message: "unavailable"}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	// Two failed attempts were retried; the third succeeded.
	if retried != 2 {
		t.Fatalf("hook invocations: %d", retried)
	}
}

func TestRetryPermanentFailsImmediately(t *testing.T) {
	calls := 0
	permanent := &exception.APIError{StatusCode: 400, Code: -2010, Message: "insufficient balance"}
	err := Retry(context.Background(), fastPolicy(3), "op", func(context.Context) error {
		calls++
		return permanent
	})
	var api *exception.APIError
	if !errors.As(err, &api) || api.Code != -2010 {
		t.Fatalf("expected the permanent error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("permanent error retried: calls=%d", calls)
	}
}

func TestRetryExhaustedReportsUnknownOutcome(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(3), "op", func(context.Context) error {
		calls++
		return &exception.APIError{StatusCode: 429, Message: "rate limited"}
	})
	if calls != 3 {
		t.Fatalf("calls: %d", calls)
	}
	var unknown *exception.UnknownOutcomeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownOutcomeError, got %v", err)
	}
	if unknown.Attempts != 3 {
		t.Fatalf("attempts: %d", unknown.Attempts)
	}
	if !errors.Is(err, exception.ErrRetryExhausted) {
		t.Fatalf("unwrap chain broken")
	}
}

func TestRetryStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, fastPolicy(5), "op", func(context.Context) error {
		calls++
		cancel()
		return &exception.APIError{StatusCode: 500}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls after cancel: %d", calls)
	}
}

func TestBackoffCappedAndGrowing(t *testing.T) {
	b := Backoff{Min: time.Second, Max: 8 * time.Second, Factor: 2}
	testCases := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{10, 8 * time.Second},
	}
	for _, tc := range testCases {
		if got := b.Next(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: got %s want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestBackoffJitterBounded(t *testing.T) {
	b := Backoff{Min: time.Second, Max: 8 * time.Second, Factor: 2, Jitter: 0.2}
	for i := 0; i < 100; i++ {
		got := b.Next(2)
		if got < 1600*time.Millisecond || got > 2400*time.Millisecond {
			t.Fatalf("jittered wait out of bounds: %s", got)
		}
	}
}
