// Package retry provides the bounded exponential-backoff executor shared by
// reconciliation and other transient-failure-prone remote calls. It knows
// nothing about what it retries.
package retry

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidAttempts indicates a non-positive attempt budget.
	ErrInvalidAttempts = errors.New("retry: max attempts must be positive")
	// ErrMissingOperation indicates a nil operation.
	ErrMissingOperation = errors.New("retry: operation is required")
)

// Config parameterizes one retry loop.
type Config struct {
	// MaxAttempts is the total attempt budget, including the first attempt.
	MaxAttempts int
	// InitialDelay is the wait before the second attempt; it doubles before
	// every subsequent one.
	InitialDelay time.Duration
	Logger       *zap.Logger
	// Sleep suspends between attempts. Injectable for tests; the default
	// honors context cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Do runs the operation until it succeeds or the attempt budget is exhausted.
// Attempts are sequential. Every failure is logged with its attempt index;
// only the final failure propagates. Context cancellation aborts future
// attempts immediately.
func Do[T any](ctx context.Context, cfg Config, operation func(context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		return zero, ErrInvalidAttempts
	}
	if operation == nil {
		return zero, ErrMissingOperation
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, lastErr
			}
			return zero, err
		}

		result, err := operation(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err
		logger.Warn("retry attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.MaxAttempts),
			zap.Error(err))

		if attempt == cfg.MaxAttempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, lastErr
		}
		delay *= 2
	}
	return zero, lastErr
}

// Delay reports the wait scheduled before the given attempt (1-based); the
// first attempt runs immediately.
func Delay(initial time.Duration, attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	d := initial
	for i := 2; i < attempt; i++ {
		d *= 2
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
