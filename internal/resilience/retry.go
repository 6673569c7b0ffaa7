// Package resilience provides the retry and circuit-breaker primitives used
// around upstream translation, synthesis, and broadcast calls.
//
// Upstream failures are divided into two kinds. Transient failures (throttle,
// 5xx, timeout) are worth retrying with a short linear backoff; permanent
// failures (unsupported language, upstream auth denial) are not. Callers mark
// transient errors with [MarkTransient] at the point the classification is
// known (usually the HTTP status check inside a provider client) and the
// retry loop keys off [IsTransient].
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"time"
)

// transientError wraps an error to mark it as retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// MarkTransient wraps err so that [IsTransient] reports true for it.
// A nil err returns nil.
func MarkTransient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Classifier is implemented by provider errors that carry their own
// transient/permanent classification (e.g. an HTTP client that knows 429 and
// 5xx are retryable but 400 is not).
type Classifier interface {
	error

	// IsTransient reports whether the failure is worth retrying.
	IsTransient() bool
}

// IsTransient reports whether err (or any error in its chain) was marked
// transient or classifies itself as such. Context deadline expiry also counts
// as transient: a timed-out upstream call consumes a retry allowance rather
// than aborting the unit of work outright.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.IsTransient()
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// RetryConfig holds tuning knobs for [Retry].
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	// Default: 2.
	MaxRetries int

	// Backoff is the linear backoff unit: the n-th retry waits n*Backoff.
	// Default: 100ms.
	Backoff time.Duration
}

// Retry runs fn up to 1+MaxRetries times, retrying only transient failures
// with linear backoff. The last error is returned when all attempts fail.
// Cancellation of ctx stops the loop between attempts.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 100 * time.Millisecond
	}

	var err error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * cfg.Backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = fn(); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
	}
	return err
}
