package retry

import (
	"context"
	"time"
)

const baseDelay = 100 * time.Millisecond

// Do calls fn up to maxAttempts times with exponential backoff
// (100ms, 200ms, 400ms, ...), stopping early if ctx is cancelled.
// Returns the last error if all attempts fail.
func Do(ctx context.Context, maxAttempts int, fn func() error) error {
	var err error
	for i := 0; i < maxAttempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < maxAttempts-1 {
			select {
			case <-time.After(baseDelay * (1 << i)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return err
}

// DoResult is like Do but for functions that return a value.
func DoResult[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var result T
	var err error
	for i := 0; i < maxAttempts; i++ {
		if result, err = fn(); err == nil {
			return result, nil
		}
		if i < maxAttempts-1 {
			select {
			case <-time.After(baseDelay * (1 << i)):
			case <-ctx.Done():
				return result, ctx.Err()
			}
		}
	}
	return result, err
}
