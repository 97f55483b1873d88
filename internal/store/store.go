package store

import (
	"context"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows (versioned per user and name)
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Executions
	CreateExecution(ctx context.Context, exec *Execution, tasks []*TaskExecution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)
	TransitionExecution(ctx context.Context, id string, from, to schema.ExecutionStatus, update ExecutionUpdate) error

	// Task executions
	GetTaskExecution(ctx context.Context, executionID, taskName string) (*TaskExecution, error)
	ListTaskExecutions(ctx context.Context, executionID string) ([]*TaskExecution, error)
	UpdateTaskExecution(ctx context.Context, executionID, taskName string, from schema.TaskStatus, update TaskUpdate) error
	ResetInFlightTasks(ctx context.Context, executionID string) (int, error)

	// Approvals
	CreateApproval(ctx context.Context, a *Approval) error
	GetApproval(ctx context.Context, id string) (*Approval, error)
	LatestApproval(ctx context.Context, executionID, taskName string) (*Approval, error)
	ResolveApproval(ctx context.Context, id string, res ApprovalResolution) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error)

	// Triggers
	CreateTrigger(ctx context.Context, t *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	ListTriggers(ctx context.Context, filter TriggerFilter) ([]*Trigger, error)
	SetTriggerStatus(ctx context.Context, id string, status schema.TriggerStatus) error
	RecordTriggerFire(ctx context.Context, id string, expectedLast *time.Time, firedAt time.Time, next *time.Time) error
	RevertTriggerFire(ctx context.Context, id string, firedAt time.Time, previous, next *time.Time) error
	DeleteTrigger(ctx context.Context, id string) error

	// Execution history (append-only)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)

	// Task artifacts and logs
	AppendArtifact(ctx context.Context, a *Artifact) error
	ListArtifacts(ctx context.Context, executionID, taskName string) ([]*Artifact, error)

	// Tenant secrets (values are stored as given; encryption is the vault's job)
	PutSecret(ctx context.Context, tenant, key string, value []byte) error
	GetSecret(ctx context.Context, tenant, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, tenant, key string) error
	ListSecrets(ctx context.Context, tenant string) ([]string, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
