package engine

import (
	"context"
	"errors"
	"time"

	"github.com/rendis/taskflow/internal/cancellation"
	"github.com/rendis/taskflow/pkg/schema"
)

// IsRetryableError classifies whether a failed task attempt may be retried.
// FlowErrors decide by code; a cancelled context means the process is
// shutting down and is never retried; anything else is retried and left to
// the policy's attempt limit.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return fe.IsRetryable()
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// WaitForRetry sleeps for delay between attempts. It returns the signal's
// CANCELLED error when the execution is cancelled during the wait and ctx's
// error when ctx ends first.
func WaitForRetry(ctx context.Context, delay time.Duration, signal *cancellation.Signal) error {
	if err := signal.Err(); err != nil {
		return err
	}
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-signal.Done():
		return signal.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}
