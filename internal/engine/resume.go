package engine

import (
	"context"

	"github.com/rendis/taskflow/internal/metrics"
	"github.com/rendis/taskflow/internal/queue"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// QueueResumer resumes executions by putting them back on the queue. The
// worker that dequeues the entry moves the execution from paused to running.
// It holds no reference to the orchestrator, so the approval gate can be
// built before it.
type QueueResumer struct {
	store   store.Store
	queue   queue.Queue
	metrics *metrics.Metrics
}

// NewQueueResumer creates a resumer over s and q.
func NewQueueResumer(s store.Store, q queue.Queue, m *metrics.Metrics) *QueueResumer {
	return &QueueResumer{store: s, queue: q, metrics: m}
}

// ResumeExecution enqueues a paused execution. Pending and running executions
// are already queued or active and are left alone; finished ones are rejected
// with INVALID_TRANSITION.
func (r *QueueResumer) ResumeExecution(ctx context.Context, userID, workflowID, executionID string) error {
	exec, err := loadOwnedExecution(ctx, r.store, userID, workflowID, executionID)
	if err != nil {
		return err
	}
	switch {
	case exec.Status == schema.ExecutionPaused:
		if err := r.queue.Enqueue(ctx, queue.Entry{
			UserID:      exec.UserID,
			WorkflowID:  exec.WorkflowID,
			ExecutionID: exec.ID,
		}); err != nil {
			return err
		}
		r.metrics.Enqueued()
		return nil
	case exec.Status.IsTerminal():
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %s is already %s", exec.ID, exec.Status).
			WithDetails(map[string]any{"execution_id": exec.ID, "status": string(exec.Status)})
	default:
		return nil
	}
}

// loadOwnedExecution loads an execution and checks it belongs to userID and
// workflowID. A mismatch is reported as NOT_FOUND.
func loadOwnedExecution(ctx context.Context, s store.Store, userID, workflowID, executionID string) (*store.Execution, error) {
	exec, err := s.GetExecution(ctx, executionID)
	if err != nil {
		return nil, wrapStoreError("load execution", err)
	}
	if exec.UserID != userID || exec.WorkflowID != workflowID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "execution %s not found", executionID).
			WithDetails(map[string]any{"execution_id": executionID})
	}
	return exec, nil
}
