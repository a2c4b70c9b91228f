package errors

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RetryableErrors []ErrorCode

	// OnRetry observes every failed attempt that is about to be retried.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		RetryableErrors: []ErrorCode{
			ErrCodeNetwork,
			ErrCodeTimeout,
			ErrCodeStorage,
		},
	}
}

// RetryFunc is a function that can be retried
type RetryFunc func() error

// backoff is the wait after failed attempt n, counting from 1.
func (c *RetryConfig) backoff(n int) time.Duration {
	wait := float64(c.InitialDelay) * math.Pow(c.Multiplier, float64(n-1))
	if c.MaxDelay > 0 && wait > float64(c.MaxDelay) {
		return c.MaxDelay
	}
	return time.Duration(wait)
}

// retryable reports whether err carries one of the configured codes.
// Errors outside the service taxonomy fall back to IsRetryable.
func (c *RetryConfig) retryable(err error) bool {
	var svcErr *ServiceError
	if !errors.As(err, &svcErr) {
		return IsRetryable(err)
	}
	for _, code := range c.RetryableErrors {
		if svcErr.Code == code {
			return true
		}
	}
	return false
}

// RetryWithConfig calls fn until it succeeds, fails with a non-retryable
// error, or runs out of attempts.
func RetryWithConfig(ctx context.Context, fn RetryFunc, config *RetryConfig) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	attempts := config.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for n := 1; n <= attempts; n++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if !config.retryable(lastErr) {
			return lastErr
		}
		if n == attempts {
			break
		}

		wait := config.backoff(n)
		if config.OnRetry != nil {
			config.OnRetry(n, lastErr, wait)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	return WrapServiceError(lastErr, ErrCodeInternal, "", "maximum retry attempts exceeded").
		WithContext("attempts", attempts)
}

// Retry retries a function with default configuration
func Retry(ctx context.Context, fn RetryFunc) error {
	return RetryWithConfig(ctx, fn, DefaultRetryConfig())
}
