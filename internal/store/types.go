package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// Workflow is a registered, versioned workflow definition owned by a user.
type Workflow struct {
	ID          string                    `json:"id"`
	UserID      string                    `json:"user_id"`
	Name        string                    `json:"name"`
	Description string                    `json:"description,omitempty"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	Version     int                       `json:"version"`
	CreatedAt   time.Time                 `json:"created_at"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Execution is one run of a workflow.
type Execution struct {
	ID              string                 `json:"id"`
	WorkflowID      string                 `json:"workflow_id"`
	UserID          string                 `json:"user_id"`
	WorkflowVersion int                    `json:"workflow_version"`
	Status          schema.ExecutionStatus `json:"status"`
	Variables       map[string]any         `json:"variables,omitempty"`
	TriggerID       string                 `json:"trigger_id,omitempty"`
	ErrorCode       string                 `json:"error_code,omitempty"`
	Error           string                 `json:"error,omitempty"`
	ExecutionStart  *time.Time             `json:"execution_start,omitempty"`
	ExecutionEnd    *time.Time             `json:"execution_end,omitempty"`
	Version         int64                  `json:"version"`
	CreatedAt       time.Time              `json:"created_at"`
	UpdatedAt       time.Time              `json:"updated_at"`
}

// ExecutionUpdate holds the optional fields written alongside a status transition.
type ExecutionUpdate struct {
	ErrorCode      *string
	Error          *string
	ExecutionStart *time.Time
	ExecutionEnd   *time.Time
}

// ExecutionFilter controls execution listing.
type ExecutionFilter struct {
	UserID     string
	WorkflowID string
	Status     *schema.ExecutionStatus
	Limit      int
	Offset     int
}

// TaskExecution is the state of one task within one execution.
type TaskExecution struct {
	ExecutionID string            `json:"execution_id"`
	TaskName    string            `json:"task_name"`
	Status      schema.TaskStatus `json:"status"`
	Attempts    int               `json:"attempts"`
	StartTime   *time.Time        `json:"start_time,omitempty"`
	EndTime     *time.Time        `json:"end_time,omitempty"`
	Message     string            `json:"message,omitempty"`
	Output      json.RawMessage   `json:"output,omitempty"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// TaskUpdate describes a task state change. Status is mandatory.
type TaskUpdate struct {
	Status    schema.TaskStatus
	Attempts  *int
	StartTime *time.Time
	EndTime   *time.Time
	Message   *string
	Output    json.RawMessage
}

// Approval is a manual approval request for one task of one execution.
type Approval struct {
	ID           string                `json:"id"`
	ExecutionID  string                `json:"execution_id"`
	TaskName     string                `json:"task_name"`
	Approvers    []string              `json:"approvers,omitempty"`
	Instructions string                `json:"instructions,omitempty"`
	Status       schema.ApprovalStatus `json:"status"`
	RequestedAt  time.Time             `json:"requested_at"`
	ResolvedBy   string                `json:"resolved_by,omitempty"`
	ResolvedAt   *time.Time            `json:"resolved_at,omitempty"`
	Comment      string                `json:"comment,omitempty"`
}

// ApprovalResolution is the outcome recorded by ResolveApproval.
type ApprovalResolution struct {
	Status     schema.ApprovalStatus
	ResolvedBy string
	Comment    string
	ResolvedAt time.Time
}

// ApprovalFilter controls approval listing.
type ApprovalFilter struct {
	ExecutionID string
	TaskName    string
	Status      *schema.ApprovalStatus
	Limit       int
}

// Trigger starts executions of a workflow on a schedule, on demand or on a named event.
type Trigger struct {
	ID          string               `json:"id"`
	WorkflowID  string               `json:"workflow_id"`
	UserID      string               `json:"user_id"`
	Type        schema.TriggerType   `json:"type"`
	Status      schema.TriggerStatus `json:"status"`
	Properties  TriggerProperties    `json:"properties"`
	Variables   map[string]any       `json:"variables,omitempty"`
	LastFiredAt *time.Time           `json:"last_fired_at,omitempty"`
	NextFireAt  *time.Time           `json:"next_fire_at,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// TriggerProperties carries the type-specific trigger settings.
type TriggerProperties struct {
	Cron   string `json:"cron,omitempty"`
	Event  string `json:"event,omitempty"`
	Filter string `json:"filter,omitempty"`
}

// TriggerFilter controls trigger listing.
type TriggerFilter struct {
	UserID     string
	WorkflowID string
	Type       *schema.TriggerType
	Status     *schema.TriggerStatus
	Event      string
	Limit      int
}

// Event is an immutable entry in an execution's history.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	TaskName    string          `json:"task_name,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// Artifact kinds.
const (
	ArtifactKindLog      = "log"
	ArtifactKindArtifact = "artifact"
)

// Artifact is an opaque blob attached to a task execution.
type Artifact struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	TaskName    string    `json:"task_name"`
	Kind        string    `json:"kind"`
	Name        string    `json:"name"`
	ContentType string    `json:"content_type,omitempty"`
	Data        []byte    `json:"data"`
	CreatedAt   time.Time `json:"created_at"`
}

// WorkflowFilter controls workflow listing.
type WorkflowFilter struct {
	UserID string
	Name   string
	Limit  int
	Offset int
}
