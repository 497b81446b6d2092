package util

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Retry calls fn up to maxAttempts times, doubling the wait from baseDelay
// after each failure. An error for which retryable reports false is returned
// at once; a nil retryable treats every error as transient. Context errors
// are never retried, and a cancelled ctx cuts the wait short.
func Retry(ctx context.Context, maxAttempts int, baseDelay time.Duration, retryable func(error) bool, fn func() error) error {
	var err error
	delay := baseDelay

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = fn()
		if err == nil {
			return nil
		}
		if attempt == maxAttempts || isContextError(err) || (retryable != nil && !retryable(err)) {
			return err
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w (after attempt %d: %v)", ctx.Err(), attempt, err)
		case <-t.C:
		}
		delay *= 2
	}
	return err
}

// TransientStatus reports whether an HTTP status from a broker or market
// data API is worth another attempt: 429 and 5xx. Other 4xx are final.
func TransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
