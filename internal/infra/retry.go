// Package infra provides small generic building blocks shared across the
// runtime: bounded retry with backoff and a sleep hook for tests.
package infra

import (
	"context"
	"errors"
	"math"
	"time"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxRetries is the number of retries after the initial attempt.
	MaxRetries int

	// InitialDelay is the delay before the first retry. Subsequent
	// retries double the delay.
	InitialDelay time.Duration

	// MaxDelay caps the delay between retries.
	MaxDelay time.Duration

	// RetryIf decides whether an error is worth retrying. If nil, all
	// errors are retried.
	RetryIf func(error) bool

	// Sleep overrides the wait between attempts. Tests use this to run
	// without real delays.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultRetryConfig returns the backoff used by tool execution:
// three retries at 1s, 2s, 4s.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// RetryResult describes how a retried operation concluded.
type RetryResult struct {
	// Attempts is the total number of attempts made.
	Attempts int

	// LastError is the final error, nil on success.
	LastError error
}

// Retry executes fn until it succeeds, the retry budget is exhausted, or
// an error is classified as non-retryable. Context cancellation aborts
// immediately and is never retried.
func Retry[T any](ctx context.Context, cfg *RetryConfig, fn func(ctx context.Context) (T, error)) (T, *RetryResult) {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var zero T
	result := &RetryResult{}

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result.Attempts = attempt + 1

		if ctx.Err() != nil {
			result.LastError = ctx.Err()
			return zero, result
		}

		val, err := fn(ctx)
		if err == nil {
			result.LastError = nil
			return val, result
		}
		result.LastError = err

		if !retryable(ctx, cfg, err) || attempt >= cfg.MaxRetries {
			return zero, result
		}

		if err := sleep(ctx, delayFor(cfg, attempt)); err != nil {
			result.LastError = err
			return zero, result
		}
	}

	return zero, result
}

// RetryVoid is Retry for functions without a return value.
func RetryVoid(ctx context.Context, cfg *RetryConfig, fn func(ctx context.Context) error) *RetryResult {
	_, result := Retry(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return result
}

func retryable(ctx context.Context, cfg *RetryConfig, err error) bool {
	// The outer context ending always aborts; an error that merely
	// wraps a deadline (a tool's internal timeout) may still be
	// retryable per RetryIf.
	if ctx.Err() != nil {
		return false
	}
	if cfg.RetryIf != nil {
		return cfg.RetryIf(err)
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func delayFor(cfg *RetryConfig, attempt int) time.Duration {
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(2, float64(attempt)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
