// Package retry repeats an operation with exponential backoff until it succeeds,
// fails permanently, runs out of attempts or its context ends.
//
// sigscan uses it to wait for a target process to appear by name:
//
//	pid, err := retry.DoValue(ctx, retry.Config{
//	    MaxRetries:     retry.UntilCanceled,
//	    InitialBackoff: 50 * time.Millisecond,
//	    MaxBackoff:     time.Second,
//	}, lookup, func(err error) bool {
//	    return errors.Is(err, proc.ErrProcessNotFound)
//	})
//
// The backoff before attempt n (counting from 1 for the first retry) is
// InitialBackoff * 2^(n-1), capped at MaxBackoff, plus optional jitter that grows
// linearly with the attempt number.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// UntilCanceled as MaxRetries retries until the context ends.
const UntilCanceled = math.MaxInt

// Config defines the retry behavior for exponential backoff operations.
//
// The zero value is not usable; MaxRetries and InitialBackoff must be set.
type Config struct {
	// MaxRetries is the maximum number of attempts. UntilCanceled leaves the
	// limit to the context.
	MaxRetries int

	// InitialBackoff is the wait before the first retry. Each further retry
	// doubles it.
	InitialBackoff time.Duration

	// MaxBackoff caps the backoff duration. Zero means no cap.
	MaxBackoff time.Duration

	// Jitter adds up to this fraction of the backoff (0.0 to 1.0), growing with
	// the attempt number:
	//   jitter_amount = backoff * Jitter * attempt / MaxRetries
	// Zero means no jitter.
	Jitter float64
}

// ShouldRetryFunc reports whether an error is transient. If it is nil when
// passed to Do, all errors are retried.
type ShouldRetryFunc func(error) bool

// Do calls fn until it returns nil, returns an error shouldRetry rejects, or
// cfg.MaxRetries attempts have been made.
//
// When attempts run out the last error is wrapped with the retry count. When
// the context ends during a backoff the context error is returned, wrapping
// the last error from fn as text.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(calculateBackoff(cfg, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}

		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}

		lastErr = err
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, cfg Config, fn func() (T, error), shouldRetry ShouldRetryFunc) (T, error) {
	var out T
	err := Do(ctx, cfg, func() error {
		v, err := fn()
		if err != nil {
			return err
		}
		out = v
		return nil
	}, shouldRetry)
	return out, err
}

// calculateBackoff computes the backoff duration for a given attempt.
//
// For example, with InitialBackoff=100ms, MaxBackoff=1s, Jitter=0.5, MaxRetries=5:
//   - Attempt 1: 100ms base + 10ms jitter = 110ms
//   - Attempt 2: 200ms base + 40ms jitter = 240ms
//   - Attempt 3: 400ms base + 120ms jitter = 520ms
//   - Attempt 4: 800ms base + 320ms jitter = 1s (capped)
func calculateBackoff(cfg Config, attempt int) time.Duration {
	multiplier := math.Pow(2, float64(attempt-1))
	backoff := time.Duration(multiplier * float64(cfg.InitialBackoff))

	// Overflow of the float conversion shows up as a non-positive duration.
	if cfg.MaxBackoff > 0 && (backoff > cfg.MaxBackoff || backoff <= 0) {
		backoff = cfg.MaxBackoff
	}

	if cfg.Jitter > 0 {
		jitterAmount := float64(backoff) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries)
		backoff += time.Duration(jitterAmount)
	}

	return backoff
}
