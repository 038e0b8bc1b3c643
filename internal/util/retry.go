package util

import (
	"context"
	"time"
)

// Retry executes fn up to attempts times with exponential backoff between
// failures. A nil result from shouldRetry means every error is retryable.
func Retry(ctx context.Context, attempts int, backoff time.Duration, shouldRetry func(error) bool, fn func() error) error {
	if attempts <= 1 {
		return fn()
	}
	wait := backoff
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		wait *= 2
		if wait > 5*time.Minute {
			wait = 5 * time.Minute
		}
	}
	return err
}
