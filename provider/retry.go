package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pithecene-io/delve/metrics"
)

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 3

// DefaultBackoffBase is the backoff unit; retry i waits 2^(i-1) units.
const DefaultBackoffBase = 500 * time.Millisecond

// transientError marks an error as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err so the retry layer treats it as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err is retryable: explicitly marked via
// Transient, a deadline expiry, or a network timeout.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// transientStatus reports whether an HTTP status code is retryable.
func transientStatus(code int) bool {
	return code == 429 || code >= 500
}

// RetryPolicy retries transient failures with exponential backoff.
type RetryPolicy struct {
	// Retries is the number of retry attempts after the first try.
	Retries int
	// BackoffBase is the backoff unit; retry i waits 2^(i-1) units.
	BackoffBase time.Duration
}

// DefaultRetryPolicy returns the stock retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Retries: DefaultRetries, BackoffBase: DefaultBackoffBase}
}

// do runs fn with retries on transient errors. Permanent errors return
// immediately; exhausting all attempts returns the last error.
func (p RetryPolicy) do(ctx context.Context, collector *metrics.Collector, fn func() (string, error)) (string, error) {
	retries := p.Retries
	if retries < 0 {
		retries = 0
	}
	base := p.BackoffBase
	if base <= 0 {
		base = DefaultBackoffBase
	}

	var lastErr error
	// attempts = 1 initial + retries
	attempts := 1 + retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return "", fmt.Errorf("provider: context canceled: %w", err)
		}

		// Exponential backoff before retries (not before first attempt)
		if i > 0 {
			collector.IncProviderRetry()
			backoff := time.Duration(1<<uint(i-1)) * base
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("provider: context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		var text string
		text, lastErr = fn()
		if lastErr == nil {
			return text, nil
		}
		if !IsTransient(lastErr) {
			collector.IncProviderError()
			return "", lastErr
		}
	}

	collector.IncProviderError()
	return "", fmt.Errorf("provider: failed after %d attempts: %w", attempts, lastErr)
}
