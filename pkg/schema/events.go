package schema

// Event type constants for the per-execution audit log.
const (
	EventExecutionCreated   = "execution_created"
	EventExecutionStarted   = "execution_started"
	EventExecutionPaused    = "execution_paused"
	EventExecutionResumed   = "execution_resumed"
	EventExecutionCompleted = "execution_completed"
	EventExecutionFailed    = "execution_failed"
	EventExecutionCancelled = "execution_cancelled"
	EventExecutionTimedOut  = "execution_timed_out"
	EventExecutionRecovered = "execution_recovered"

	EventTaskStarted   = "task_started"
	EventTaskCompleted = "task_completed"
	EventTaskFailed    = "task_failed"
	EventTaskSkipped   = "task_skipped"
	EventTaskRetrying  = "task_retrying"

	EventApprovalRequested = "approval_requested"
	EventApprovalApproved  = "approval_approved"
	EventApprovalRejected  = "approval_rejected"

	EventConditionEvaluated     = "condition_evaluated"
	EventCompensationTriggered  = "compensation_triggered"
	EventCircuitBreakerOpen     = "circuit_breaker_open"
	EventCircuitBreakerHalfOpen = "circuit_breaker_half_open"
	EventCircuitBreakerClosed   = "circuit_breaker_closed"

	EventTriggerFired = "trigger_fired"
)

// ExecutionStatus represents the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are possible.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// TaskStatus represents the lifecycle state of a single task execution.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskRetrying  TaskStatus = "retrying"
	TaskSkipped   TaskStatus = "skipped"
)

// IsTerminal reports whether the task has settled.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// ApprovalStatus represents the state of a manual approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// TriggerType identifies how executions of a workflow are started.
type TriggerType string

const (
	TriggerManual TriggerType = "manual"
	TriggerTime   TriggerType = "time"
	TriggerEvent  TriggerType = "event"
)

// TriggerStatus is the enablement state of a trigger.
type TriggerStatus string

const (
	TriggerActive   TriggerStatus = "active"
	TriggerDisabled TriggerStatus = "disabled"
)
