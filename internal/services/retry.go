package services

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const (
	defaultRetryAttempts  = 5
	defaultRetryBaseDelay = 1 * time.Second
	defaultRetryMaxDelay  = 10 * time.Second
)

// RetryConfig bounds the retry loop. Zero values fall back to defaults.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Sleep overrides how delays are performed (useful for tests).
	Sleep func(context.Context, time.Duration) error

	// Retryable decides whether an error is worth another attempt. When nil,
	// only errors tagged ErrTransient are retried.
	Retryable func(error) bool
}

// Retry runs op with exponential backoff until it succeeds, the attempt
// limit is reached, or the error is classified as permanent. The delay
// doubles per attempt, capped at MaxDelay.
func Retry(ctx context.Context, cfg RetryConfig, op func(context.Context) error) error {
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	base := cfg.BaseDelay
	if base <= 0 {
		base = defaultRetryBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultRetryMaxDelay
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = func(err error) bool { return errors.Is(err, ErrTransient) }
	}
	sleep := cfg.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var lastErr error
	delay := base
	for attempt := 1; attempt <= attempts; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, delay); err != nil {
			return err
		}
		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, lastErr)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
