// Package queue holds executions waiting for a worker. Delivery is
// at-least-once: an entry handed to a consumer stays in flight until it is
// acknowledged, and Recover hands unacknowledged entries out again.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// Entry is one queued execution.
type Entry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	WorkflowID  string    `json:"workflow_id"`
	ExecutionID string    `json:"execution_id"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Attempts    int       `json:"attempts"`
}

// Queue is the execution queue contract shared by every backend.
// Implementations are safe for concurrent use.
type Queue interface {
	// Enqueue adds an entry. It is a no-op when the execution already has a
	// pending or in-flight entry and never blocks on consumers.
	Enqueue(ctx context.Context, e Entry) error
	// DequeueAll streams entries until ctx is done; the channel is closed then.
	// Several consumers may stream concurrently; each entry goes to one of them.
	DequeueAll(ctx context.Context) <-chan Entry
	// MarkCompleted acknowledges a delivered entry as done.
	MarkCompleted(ctx context.Context, executionID string) error
	// MarkFailed acknowledges a delivered entry as failed.
	MarkFailed(ctx context.Context, executionID, reason string) error
	// Extend renews the visibility window of the execution's in-flight entry
	// so that Recover leaves it alone. It fails with CONFLICT when the entry is
	// no longer in flight.
	Extend(ctx context.Context, executionID string) error
	// Recover returns delivered but unacknowledged entries to the queue.
	Recover(ctx context.Context) (int, error)
}

// Config tunes the polling backends.
type Config struct {
	// PollInterval is how long an idle consumer waits before polling again.
	PollInterval time.Duration
	// VisibilityTimeout limits Recover to entries in flight for at least this
	// long. Zero recovers every in-flight entry.
	VisibilityTimeout time.Duration
	Logger            *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Entry states.
const (
	statePending   = "pending"
	stateInflight  = "inflight"
	stateCompleted = "completed"
	stateFailed    = "failed"
)

// ackDecision reports whether an entry in state current may be acknowledged
// with outcome. A repeated ack with the same outcome returns (false, nil).
func ackDecision(executionID, current, outcome string) (apply bool, err error) {
	switch current {
	case stateInflight:
		return true, nil
	case outcome:
		return false, nil
	case statePending:
		return false, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s has not been delivered", executionID).
			WithDetails(map[string]any{"execution_id": executionID, "state": current})
	default:
		return false, schema.NewErrorf(schema.ErrCodeConflict,
			"execution %s was already acknowledged as %s", executionID, current).
			WithDetails(map[string]any{"execution_id": executionID, "state": current})
	}
}

func notInFlight(executionID, state string) error {
	return schema.NewErrorf(schema.ErrCodeConflict, "execution %s is not in flight", executionID).
		WithDetails(map[string]any{"execution_id": executionID, "state": state})
}

func entryNotFound(executionID string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "no queue entry for execution %s", executionID).
		WithDetails(map[string]any{"execution_id": executionID})
}

func queueError(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeQueue, "%s: %v", op, err).WithCause(err)
}
