package exception

import (
	"context"
	"errors"
	"fmt"
	"net"

	yerrors "github.com/yanun0323/errors"
)

var (
	ErrModifyUnsupported = yerrors.New("connector: modify not supported for this order")
	ErrStreamClosed      = yerrors.New("connector: event stream closed")
	ErrDisconnected      = yerrors.New("connector: disconnected")
	ErrRetryExhausted    = yerrors.New("connector: retry budget exhausted, outcome unknown, re-query required")
)

// APIError is a classified REST failure from the exchange.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("connector: api error status=%d code=%d msg=%s", e.StatusCode, e.Code, e.Message)
}

// Transient reports whether the failure may clear on retry:
// 5xx, explicit rate-limit rejection, or an IP-ban response.
func (e *APIError) Transient() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429 || e.StatusCode == 418
}

// UnknownOutcomeError wraps a transient failure that outlived the retry
// budget. The order's true remote state must be re-queried, not assumed.
type UnknownOutcomeError struct {
	Attempts int
	Last     error
}

func (e *UnknownOutcomeError) Error() string {
	return fmt.Sprintf("connector: outcome unknown after %d attempts, err: %v", e.Attempts, e.Last)
}

func (e *UnknownOutcomeError) Unwrap() error {
	return ErrRetryExhausted
}

// IsTransient classifies an error as retryable.
// Timeouts and 5xx/rate-limit rejections retry; 4xx validation errors,
// insufficient balance and friends never do.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var api *APIError
	if errors.As(err, &api) {
		return api.Transient()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, ErrDisconnected)
}

// IsPermanent reports a failure that must surface to the caller unretried.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var api *APIError
	if errors.As(err, &api) {
		return !api.Transient()
	}
	return false
}
