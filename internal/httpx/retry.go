// Package httpx provides the retry combinator and the resilient HTTP
// client and downloader used by every outbound network call. All four
// provider clients share the same retry/backoff semantics through
// WithRetry instead of carrying their own loops.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Static errors for retry handling.
var (
	// ErrMaxAttemptsExceeded wraps the last error once all attempts are spent.
	ErrMaxAttemptsExceeded = errors.New("httpx: max attempts exceeded")
)

// Policy configures retry behavior for a call site. It is a plain value,
// never persisted.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// BaseDelay is the backoff before the second attempt; it doubles each
	// further attempt (base, 2*base, 4*base, ...).
	BaseDelay time.Duration
	// Timeout is the deadline applied to each individual attempt.
	Timeout time.Duration
	// Linear switches from exponential to linear backoff (base, base, ...).
	Linear bool
}

// DefaultPolicy is the policy for ordinary API calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		Timeout:     60 * time.Second,
	}
}

// DownloadPolicy is the policy for large binary downloads, where the
// deadline must cover the whole body read.
func DownloadPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   3 * time.Second,
		Timeout:     5 * time.Minute,
	}
}

// delay returns the backoff before attempt n (1-based; attempt 1 has none).
func (p Policy) delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	if p.Linear {
		return p.BaseDelay
	}
	d := p.BaseDelay
	for i := 2; i < attempt; i++ {
		d *= 2
	}
	return d
}

// retryableError marks errors that represent transient network symptoms.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	return e.err
}

// Retryable wraps err so WithRetry will try again.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable returns true if the error was marked transient, either
// explicitly via Retryable or because it matches a known transient
// network symptom.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var re *retryableError
	if errors.As(err, &re) {
		return true
	}
	return isTransientNetwork(err)
}

// isTransientNetwork matches the fixed set of symptoms that justify a
// retry: timeouts, resets, refused/aborted connections, and truncated
// bodies. Everything else is surfaced as fatal.
func isTransientNetwork(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := err.Error()
	for _, sym := range []string{
		"connection reset",
		"connection refused",
		"broken pipe",
		"request canceled",
		"unexpected EOF",
		"timeout awaiting response headers",
		"body timeout",
	} {
		if strings.Contains(msg, sym) {
			return true
		}
	}
	return false
}

// WithRetry runs op up to policy.MaxAttempts times with backoff. Each
// attempt gets its own deadline derived from ctx; a structured log line
// is emitted per attempt. Fatal (non-retryable) errors abort immediately.
func WithRetry(ctx context.Context, logger *slog.Logger, name string, policy Policy, op func(ctx context.Context) error) error {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if d := policy.delay(attempt); d > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("httpx: %s: %w", name, ctx.Err())
			case <-time.After(d):
			}
		}

		attemptCtx := ctx
		var cancel context.CancelFunc
		if policy.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}

		start := time.Now()
		err := op(attemptCtx)
		if cancel != nil {
			cancel()
		}
		elapsed := time.Since(start)

		if err == nil {
			logger.Debug("call succeeded",
				slog.String("op", name),
				slog.Int("attempt", attempt),
				slog.Duration("elapsed", elapsed),
			)
			return nil
		}

		// The parent being done is never worth another attempt.
		if ctx.Err() != nil {
			return fmt.Errorf("httpx: %s: %w", name, ctx.Err())
		}

		if !IsRetryable(err) {
			logger.Warn("call failed",
				slog.String("op", name),
				slog.Int("attempt", attempt),
				slog.Duration("elapsed", elapsed),
				slog.String("error", err.Error()),
			)
			return err
		}

		logger.Warn("transient failure, will retry",
			slog.String("op", name),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", policy.MaxAttempts),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		lastErr = err
	}

	return fmt.Errorf("%w: %s: %w", ErrMaxAttemptsExceeded, name, lastErr)
}
