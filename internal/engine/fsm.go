package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// TransitionHook is called before or after a state transition. subject is the
// execution ID for execution transitions and the task name for task transitions.
type TransitionHook func(ctx context.Context, subject, from, to string) error

// EventRecorder is satisfied by store.EventLog; used by FSMs to emit history on transitions.
type EventRecorder interface {
	Record(ctx context.Context, executionID, taskName, eventType string, payload any) (*store.Event, error)
}

type hookKey struct {
	from, to string
}

type hooks struct {
	mu     sync.RWMutex
	before map[hookKey][]TransitionHook
	after  map[hookKey][]TransitionHook
}

func newHooks() hooks {
	return hooks{
		before: make(map[hookKey][]TransitionHook),
		after:  make(map[hookKey][]TransitionHook),
	}
}

func (h *hooks) add(before bool, from, to string, hook TransitionHook) {
	h.mu.Lock()
	defer h.mu.Unlock()
	key := hookKey{from, to}
	if before {
		h.before[key] = append(h.before[key], hook)
	} else {
		h.after[key] = append(h.after[key], hook)
	}
}

func (h *hooks) run(ctx context.Context, before bool, subject, from, to string) error {
	h.mu.RLock()
	var list []TransitionHook
	if before {
		list = h.before[hookKey{from, to}]
	} else {
		list = h.after[hookKey{from, to}]
	}
	h.mu.RUnlock()
	for _, hook := range list {
		if err := hook(ctx, subject, from, to); err != nil {
			return err
		}
	}
	return nil
}

// --- Execution FSM ---

// ExecutionFSM validates, persists and records execution status changes.
// Persistence is a compare-and-set on the current status, so a transition
// lost to a concurrent writer fails with CONFLICT.
type ExecutionFSM struct {
	store  store.Store
	events EventRecorder
	logger *slog.Logger
	hooks  hooks
}

// NewExecutionFSM creates an ExecutionFSM over s that records history via events.
func NewExecutionFSM(s store.Store, events EventRecorder, logger *slog.Logger) *ExecutionFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecutionFSM{store: s, events: events, logger: logger, hooks: newHooks()}
}

// OnBefore registers a hook called before an execution transition is persisted.
// A hook error aborts the transition.
func (f *ExecutionFSM) OnBefore(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.hooks.add(true, string(from), string(to), hook)
}

// OnAfter registers a hook called after an execution transition is persisted.
func (f *ExecutionFSM) OnAfter(from, to schema.ExecutionStatus, hook TransitionHook) {
	f.hooks.add(false, string(from), string(to), hook)
}

// Transition moves execution id from one status to another. Terminal targets
// stamp the end time, the first move to running stamps the start time.
func (f *ExecutionFSM) Transition(ctx context.Context, id string, from, to schema.ExecutionStatus, update store.ExecutionUpdate, payload any) error {
	if !isValidExecutionTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid execution transition: %s -> %s", from, to).
			WithDetails(map[string]any{"execution_id": id, "from": string(from), "to": string(to)})
	}
	if err := f.hooks.run(ctx, true, id, string(from), string(to)); err != nil {
		return err
	}

	now := time.Now().UTC()
	if to == schema.ExecutionRunning && from == schema.ExecutionPending && update.ExecutionStart == nil {
		update.ExecutionStart = &now
	}
	if to.IsTerminal() && update.ExecutionEnd == nil {
		update.ExecutionEnd = &now
	}
	if err := f.store.TransitionExecution(ctx, id, from, to, update); err != nil {
		return wrapStoreError("transition execution", err)
	}

	if eventType := executionEventType(from, to); eventType != "" {
		if _, err := f.events.Record(ctx, id, "", eventType, payload); err != nil {
			f.logger.WarnContext(ctx, "record execution event failed",
				"execution_id", id, "event", eventType, "error", err)
		}
	}
	return f.hooks.run(ctx, false, id, string(from), string(to))
}

func isValidExecutionTransition(from, to schema.ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func executionEventType(from, to schema.ExecutionStatus) string {
	switch to {
	case schema.ExecutionRunning:
		if from == schema.ExecutionPaused {
			return schema.EventExecutionResumed
		}
		return schema.EventExecutionStarted
	case schema.ExecutionPaused:
		return schema.EventExecutionPaused
	case schema.ExecutionCompleted:
		return schema.EventExecutionCompleted
	case schema.ExecutionFailed:
		return schema.EventExecutionFailed
	case schema.ExecutionCancelled:
		return schema.EventExecutionCancelled
	default:
		return ""
	}
}

// --- Task FSM ---

// TaskFSM validates, persists and records task status changes.
type TaskFSM struct {
	store  store.Store
	events EventRecorder
	logger *slog.Logger
	hooks  hooks
}

// NewTaskFSM creates a TaskFSM over s that records history via events.
func NewTaskFSM(s store.Store, events EventRecorder, logger *slog.Logger) *TaskFSM {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskFSM{store: s, events: events, logger: logger, hooks: newHooks()}
}

// OnBefore registers a hook called before a task transition is persisted.
func (f *TaskFSM) OnBefore(from, to schema.TaskStatus, hook TransitionHook) {
	f.hooks.add(true, string(from), string(to), hook)
}

// OnAfter registers a hook called after a task transition is persisted.
func (f *TaskFSM) OnAfter(from, to schema.TaskStatus, hook TransitionHook) {
	f.hooks.add(false, string(from), string(to), hook)
}

// Transition moves a task of an execution between statuses. update.Status is
// overwritten with to.
func (f *TaskFSM) Transition(ctx context.Context, executionID, task string, from, to schema.TaskStatus, update store.TaskUpdate, payload any) error {
	if !isValidTaskTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, to).
			WithTask(task).
			WithDetails(map[string]any{"execution_id": executionID, "from": string(from), "to": string(to)})
	}
	if err := f.hooks.run(ctx, true, task, string(from), string(to)); err != nil {
		return err
	}

	update.Status = to
	now := time.Now().UTC()
	if to == schema.TaskRunning && update.StartTime == nil {
		update.StartTime = &now
	}
	if to.IsTerminal() && update.EndTime == nil {
		update.EndTime = &now
	}
	if err := f.store.UpdateTaskExecution(ctx, executionID, task, from, update); err != nil {
		return wrapStoreError("update task", err)
	}

	if eventType := taskEventType(to); eventType != "" {
		if _, err := f.events.Record(ctx, executionID, task, eventType, payload); err != nil {
			f.logger.WarnContext(ctx, "record task event failed",
				"execution_id", executionID, "task", task, "event", eventType, "error", err)
		}
	}
	return f.hooks.run(ctx, false, task, string(from), string(to))
}

func isValidTaskTransition(from, to schema.TaskStatus) bool {
	for _, a := range ValidTaskTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func taskEventType(to schema.TaskStatus) string {
	switch to {
	case schema.TaskRunning:
		return schema.EventTaskStarted
	case schema.TaskCompleted:
		return schema.EventTaskCompleted
	case schema.TaskFailed:
		return schema.EventTaskFailed
	case schema.TaskSkipped:
		return schema.EventTaskSkipped
	case schema.TaskRetrying:
		return schema.EventTaskRetrying
	default:
		return ""
	}
}

// wrapStoreError keeps FlowErrors (NOT_FOUND, CONFLICT) and wraps
// infrastructure failures as STORE_ERROR.
func wrapStoreError(op string, err error) error {
	if schema.ErrorCode(err) != "" {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

// --- Transition tables ---

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[schema.ExecutionStatus][]schema.ExecutionStatus{
	schema.ExecutionPending:   {schema.ExecutionRunning, schema.ExecutionCancelled},
	schema.ExecutionRunning:   {schema.ExecutionPaused, schema.ExecutionCompleted, schema.ExecutionFailed, schema.ExecutionCancelled},
	schema.ExecutionPaused:    {schema.ExecutionRunning, schema.ExecutionCancelled, schema.ExecutionFailed},
	schema.ExecutionCompleted: {},
	schema.ExecutionFailed:    {},
	schema.ExecutionCancelled: {},
}

// ValidTaskTransitions defines the allowed state transitions for tasks.
var ValidTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskPending:   {schema.TaskRunning, schema.TaskSkipped, schema.TaskFailed},
	schema.TaskRunning:   {schema.TaskCompleted, schema.TaskFailed, schema.TaskRetrying},
	schema.TaskRetrying:  {schema.TaskRunning, schema.TaskFailed},
	schema.TaskCompleted: {},
	schema.TaskFailed:    {},
	schema.TaskSkipped:   {},
}
