// Package service exposes the operations users invoke on taskflow: workflow
// registration, execution control, approvals, history queries and triggers.
// Every operation is scoped to the calling tenant; records owned by another
// tenant are reported as NOT_FOUND.
package service

import (
	"context"
	"errors"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rendis/taskflow/internal/approval"
	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/scheduler"
	"github.com/rendis/taskflow/internal/secrets"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/validation"
	"github.com/rendis/taskflow/pkg/schema"
)

// DefaultListLimit caps list queries that do not set a limit.
const DefaultListLimit = 100

// Config wires the service. Store, Engine and Validator are required.
type Config struct {
	Store     store.Store
	Engine    *engine.Orchestrator
	Validator validation.Validator
	Vault     secrets.Vault // nil = secret management unavailable
	Logger    *slog.Logger
}

// Service implements the exposed operations.
type Service struct {
	store     store.Store
	engine    *engine.Orchestrator
	gate      *approval.Gate
	validator validation.Validator
	vault     secrets.Vault
	firer     *scheduler.Firer
	router    *scheduler.EventRouter
	logger    *slog.Logger
}

// New creates a Service from cfg.
func New(cfg Config) (*Service, error) {
	if cfg.Store == nil || cfg.Engine == nil || cfg.Validator == nil {
		return nil, errors.New("service: store, engine and validator are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		store:     cfg.Store,
		engine:    cfg.Engine,
		gate:      cfg.Engine.Gate(),
		validator: cfg.Validator,
		vault:     cfg.Vault,
		firer:     scheduler.NewFirer(cfg.Store, cfg.Engine, cfg.Logger),
		router:    scheduler.NewEventRouter(cfg.Store, cfg.Engine, cfg.Engine.Metrics(), cfg.Logger),
		logger:    cfg.Logger,
	}, nil
}

// --- Workflows ---

// RegisterWorkflow validates def and stores it under userID. Registering a
// name the user already owns replaces the definition and bumps its version;
// executions already created keep running against the version they recorded.
func (s *Service) RegisterWorkflow(ctx context.Context, userID string, def schema.WorkflowDefinition) (*store.Workflow, error) {
	if userID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "user id is required")
	}
	if err := s.validator.ValidateDefinition(&def); err != nil {
		return nil, err
	}
	wf := &store.Workflow{
		ID:          uuid.New().String(),
		UserID:      userID,
		Name:        def.Name,
		Description: def.Description,
		Definition:  def,
	}
	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		return nil, storeError("save workflow", err)
	}
	ctx = logging.WithWorkflowID(logging.WithUserID(ctx, userID), wf.ID)
	logging.LogWith(ctx, s.logger).Info("workflow registered", "name", wf.Name, "version", wf.Version)
	return wf, nil
}

// GetWorkflow returns a workflow owned by userID.
func (s *Service) GetWorkflow(ctx context.Context, userID, workflowID string) (*store.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, storeError("load workflow", err)
	}
	if wf.UserID != userID {
		return nil, notFound("workflow", workflowID)
	}
	return wf, nil
}

// ListWorkflows returns the workflows of userID.
func (s *Service) ListWorkflows(ctx context.Context, userID string, limit int) ([]*store.Workflow, error) {
	wfs, err := s.store.ListWorkflows(ctx, store.WorkflowFilter{UserID: userID, Limit: listLimit(limit)})
	if err != nil {
		return nil, storeError("list workflows", err)
	}
	return wfs, nil
}

// DeleteWorkflow removes a workflow together with its executions and triggers.
func (s *Service) DeleteWorkflow(ctx context.Context, userID, workflowID string) error {
	if _, err := s.GetWorkflow(ctx, userID, workflowID); err != nil {
		return err
	}
	return storeError("delete workflow", s.store.DeleteWorkflow(ctx, workflowID))
}

// --- Executions ---

// ExecutionOptions customise CreateExecution.
type ExecutionOptions struct {
	// Variables override the workflow's default variables.
	Variables map[string]any
}

// CreateExecution creates an execution of the workflow and queues it. An
// execution that was created but could not be queued is still returned; the
// startup sweep queues it.
func (s *Service) CreateExecution(ctx context.Context, userID, workflowID string, opts ExecutionOptions) (string, error) {
	wf, err := s.GetWorkflow(ctx, userID, workflowID)
	if err != nil {
		return "", err
	}
	exec, err := s.engine.Start(ctx, wf, engine.StartOptions{Variables: opts.Variables})
	if exec == nil {
		return "", err
	}
	if err != nil {
		ctx = logging.WithExecution(ctx, userID, workflowID, exec.ID)
		logging.LogWith(ctx, s.logger).Warn("execution created but not queued", "error", err)
	}
	return exec.ID, nil
}

// ResumeExecution re-queues a paused execution. Pending and running
// executions are left alone; finished ones are INVALID_TRANSITION.
func (s *Service) ResumeExecution(ctx context.Context, userID, workflowID, executionID string) error {
	return s.engine.Resumer().ResumeExecution(ctx, userID, workflowID, executionID)
}

// CancelExecution stops an execution. In-flight tasks finish cooperatively.
func (s *Service) CancelExecution(ctx context.Context, userID, workflowID, executionID, reason string) error {
	return s.engine.Cancel(ctx, userID, workflowID, executionID, reason)
}

// ExecutionDetail is an execution with its task states and open approvals.
type ExecutionDetail struct {
	*store.Execution
	Tasks     []*store.TaskExecution `json:"tasks"`
	Approvals []*store.Approval      `json:"pending_approvals,omitempty"`
}

// GetExecution returns the execution with its tasks and pending approvals.
func (s *Service) GetExecution(ctx context.Context, userID, workflowID, executionID string) (*ExecutionDetail, error) {
	exec, err := s.ownedExecution(ctx, userID, workflowID, executionID)
	if err != nil {
		return nil, err
	}
	detail := &ExecutionDetail{Execution: exec}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tasks, err := s.store.ListTaskExecutions(gctx, exec.ID)
		if err != nil {
			return storeError("list tasks", err)
		}
		detail.Tasks = tasks
		return nil
	})
	g.Go(func() error {
		pending := schema.ApprovalPending
		approvals, err := s.store.ListApprovals(gctx, store.ApprovalFilter{ExecutionID: exec.ID, Status: &pending})
		if err != nil {
			return storeError("list approvals", err)
		}
		detail.Approvals = approvals
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return detail, nil
}

// ExecutionQuery filters ListExecutions.
type ExecutionQuery struct {
	WorkflowID string
	Status     *schema.ExecutionStatus
	Limit      int
	Offset     int
}

// ListExecutions returns the executions of userID, newest first.
func (s *Service) ListExecutions(ctx context.Context, userID string, q ExecutionQuery) ([]*store.Execution, error) {
	execs, err := s.store.ListExecutions(ctx, store.ExecutionFilter{
		UserID:     userID,
		WorkflowID: q.WorkflowID,
		Status:     q.Status,
		Limit:      listLimit(q.Limit),
		Offset:     q.Offset,
	})
	if err != nil {
		return nil, storeError("list executions", err)
	}
	return execs, nil
}

// ListTaskHistory returns the task states of an execution.
func (s *Service) ListTaskHistory(ctx context.Context, userID, workflowID, executionID string) ([]*store.TaskExecution, error) {
	if _, err := s.ownedExecution(ctx, userID, workflowID, executionID); err != nil {
		return nil, err
	}
	tasks, err := s.store.ListTaskExecutions(ctx, executionID)
	if err != nil {
		return nil, storeError("list tasks", err)
	}
	return tasks, nil
}

// ListArtifacts returns the logs and artifacts an execution's tasks produced.
// An empty taskName lists every task's.
func (s *Service) ListArtifacts(ctx context.Context, userID, workflowID, executionID, taskName string) ([]*store.Artifact, error) {
	if _, err := s.ownedExecution(ctx, userID, workflowID, executionID); err != nil {
		return nil, err
	}
	arts, err := s.store.ListArtifacts(ctx, executionID, taskName)
	if err != nil {
		return nil, storeError("list artifacts", err)
	}
	return arts, nil
}

// ListEvents returns the execution's history after sequence since.
func (s *Service) ListEvents(ctx context.Context, userID, workflowID, executionID string, since int64) ([]*store.Event, error) {
	if _, err := s.ownedExecution(ctx, userID, workflowID, executionID); err != nil {
		return nil, err
	}
	events, err := s.store.GetEvents(ctx, executionID, since)
	if err != nil {
		return nil, storeError("list events", err)
	}
	return events, nil
}

// ListApprovals returns the approval requests of an execution, optionally
// only those with the given status.
func (s *Service) ListApprovals(ctx context.Context, userID, workflowID, executionID string, status *schema.ApprovalStatus) ([]*store.Approval, error) {
	if _, err := s.ownedExecution(ctx, userID, workflowID, executionID); err != nil {
		return nil, err
	}
	approvals, err := s.store.ListApprovals(ctx, store.ApprovalFilter{ExecutionID: executionID, Status: status})
	if err != nil {
		return nil, storeError("list approvals", err)
	}
	return approvals, nil
}

// --- Approvals ---

// DecisionOptions carry the approver's identity and comment.
type DecisionOptions struct {
	// ResolvedBy defaults to the calling user.
	ResolvedBy string
	Comment    string
}

// Approve resolves an approval request as approved and resumes the execution.
func (s *Service) Approve(ctx context.Context, userID, workflowID, executionID, approvalID string, opts DecisionOptions) error {
	_, err := s.gate.Approve(ctx, decision(userID, workflowID, executionID, approvalID, opts))
	return err
}

// Reject resolves an approval request as rejected; the task fails.
func (s *Service) Reject(ctx context.Context, userID, workflowID, executionID, approvalID string, opts DecisionOptions) error {
	_, err := s.gate.Reject(ctx, decision(userID, workflowID, executionID, approvalID, opts))
	return err
}

func decision(userID, workflowID, executionID, approvalID string, opts DecisionOptions) approval.Decision {
	return approval.Decision{
		UserID:      userID,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		ApprovalID:  approvalID,
		ResolvedBy:  opts.ResolvedBy,
		Comment:     opts.Comment,
	}
}

// --- Secrets ---

// PutSecret stores an encrypted tenant secret.
func (s *Service) PutSecret(ctx context.Context, userID, key, value string) error {
	if s.vault == nil {
		return errNoVault
	}
	if key == "" {
		return schema.NewError(schema.ErrCodeValidation, "secret key is required")
	}
	return s.vault.Store(ctx, userID, key, []byte(value))
}

// DeleteSecret removes a tenant secret.
func (s *Service) DeleteSecret(ctx context.Context, userID, key string) error {
	if s.vault == nil {
		return errNoVault
	}
	return s.vault.Delete(ctx, userID, key)
}

// ListSecrets returns the keys of a tenant's secrets, never their values.
func (s *Service) ListSecrets(ctx context.Context, userID string) ([]string, error) {
	if s.vault == nil {
		return nil, errNoVault
	}
	return s.vault.List(ctx, userID)
}

var errNoVault = schema.NewError(schema.ErrCodeVault, "secret vault is not configured")

// --- helpers ---

func (s *Service) ownedExecution(ctx context.Context, userID, workflowID, executionID string) (*store.Execution, error) {
	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, storeError("load execution", err)
	}
	if exec.UserID != userID || exec.WorkflowID != workflowID {
		return nil, notFound("execution", executionID)
	}
	return exec, nil
}

func notFound(kind, id string) error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %s not found", kind, id).
		WithDetails(map[string]any{kind + "_id": id})
}

// storeError passes FlowErrors through and wraps anything else as STORE_ERROR.
func storeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}

func listLimit(n int) int {
	if n <= 0 {
		return DefaultListLimit
	}
	return n
}
