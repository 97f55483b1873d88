// Package approval implements the manual approval gate: at most one pending
// request per (execution, task), resolved exactly once, with the resolution
// handed back to the orchestrator through a Resumer.
package approval

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/taskflow/internal/metrics"
	"github.com/rendis/taskflow/internal/notify"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// Resumer re-drives a paused execution once one of its approvals resolves.
type Resumer interface {
	ResumeExecution(ctx context.Context, userID, workflowID, executionID string) error
}

// Request asks for sign-off on one task of one execution.
type Request struct {
	UserID       string
	WorkflowID   string
	ExecutionID  string
	TaskName     string
	Approvers    []string
	Instructions string
}

// Decision resolves an approval request. ResolvedBy defaults to UserID.
type Decision struct {
	UserID      string
	WorkflowID  string
	ExecutionID string
	ApprovalID  string
	ResolvedBy  string
	Comment     string
}

// Config holds the gate's collaborators. Store and Resumer are required.
type Config struct {
	Store    store.Store
	Resumer  Resumer
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Gate tracks and resolves approval requests.
type Gate struct {
	store    store.Store
	events   *store.EventLog
	resumer  Resumer
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewGate creates a gate from cfg.
func NewGate(cfg Config) *Gate {
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Nop{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Gate{
		store:    cfg.Store,
		events:   store.NewEventLog(cfg.Store),
		resumer:  cfg.Resumer,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// RequestApproval creates a pending request for the task. A second request
// while one is pending returns CONFLICT.
func (g *Gate) RequestApproval(ctx context.Context, req Request) (*store.Approval, error) {
	a := &store.Approval{
		ID:           uuid.New().String(),
		ExecutionID:  req.ExecutionID,
		TaskName:     req.TaskName,
		Approvers:    req.Approvers,
		Instructions: req.Instructions,
		RequestedAt:  time.Now().UTC(),
	}
	if err := g.store.CreateApproval(ctx, a); err != nil {
		return nil, storeError("create approval", err)
	}
	g.metrics.ApprovalRequested()

	if _, err := g.events.Record(ctx, req.ExecutionID, req.TaskName, schema.EventApprovalRequested, map[string]any{
		"approval_id": a.ID,
		"approvers":   a.Approvers,
	}); err != nil {
		g.logger.WarnContext(ctx, "record approval request", "approval_id", a.ID, "error", err)
	}

	// Fire-and-forget; delivery problems never fail the execution.
	if err := g.notifier.Notify(ctx, notify.Notification{
		Kind:         notify.KindApprovalRequested,
		UserID:       req.UserID,
		WorkflowID:   req.WorkflowID,
		ExecutionID:  req.ExecutionID,
		TaskName:     req.TaskName,
		ApprovalID:   a.ID,
		Approvers:    a.Approvers,
		Instructions: a.Instructions,
		Timestamp:    a.RequestedAt,
	}); err != nil {
		g.logger.WarnContext(ctx, "approval notification failed", "approval_id", a.ID, "error", err)
	}
	return a, nil
}

// Lookup returns the latest request for the task, or nil when none exists.
func (g *Gate) Lookup(ctx context.Context, executionID, taskName string) (*store.Approval, error) {
	a, err := g.store.LatestApproval(ctx, executionID, taskName)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storeError("load approval", err)
	}
	return a, nil
}

// Approve resolves the request as approved and resumes the execution.
func (g *Gate) Approve(ctx context.Context, d Decision) (*store.Approval, error) {
	return g.resolve(ctx, d, schema.ApprovalApproved)
}

// Reject resolves the request as rejected and resumes the execution, which
// then fails the gated task.
func (g *Gate) Reject(ctx context.Context, d Decision) (*store.Approval, error) {
	return g.resolve(ctx, d, schema.ApprovalRejected)
}

func (g *Gate) resolve(ctx context.Context, d Decision, status schema.ApprovalStatus) (*store.Approval, error) {
	a, err := g.authorize(ctx, d)
	if err != nil {
		return nil, err
	}

	resolvedBy := d.ResolvedBy
	if resolvedBy == "" {
		resolvedBy = d.UserID
	}
	if len(a.Approvers) > 0 && !slices.Contains(a.Approvers, resolvedBy) {
		return nil, schema.NewErrorf(schema.ErrCodeForbidden, "%q is not an approver for task %s", resolvedBy, a.TaskName).
			WithTask(a.TaskName).
			WithDetails(map[string]any{"approval_id": a.ID, "approvers": a.Approvers})
	}

	now := time.Now().UTC()
	if err := g.store.ResolveApproval(ctx, a.ID, store.ApprovalResolution{
		Status:     status,
		ResolvedBy: resolvedBy,
		Comment:    d.Comment,
		ResolvedAt: now,
	}); err != nil {
		return nil, storeError("resolve approval", err)
	}
	a.Status = status
	a.ResolvedBy = resolvedBy
	a.ResolvedAt = &now
	a.Comment = d.Comment
	g.metrics.ApprovalResolved(string(status))

	eventType := schema.EventApprovalApproved
	if status == schema.ApprovalRejected {
		eventType = schema.EventApprovalRejected
	}
	if _, err := g.events.Record(ctx, a.ExecutionID, a.TaskName, eventType, map[string]any{
		"approval_id": a.ID,
		"resolved_by": resolvedBy,
		"comment":     d.Comment,
	}); err != nil {
		g.logger.WarnContext(ctx, "record approval resolution", "approval_id", a.ID, "error", err)
	}

	// Only the caller that won the resolution gets here, so the execution is
	// resumed at most once per request.
	err = g.resumer.ResumeExecution(ctx, d.UserID, d.WorkflowID, d.ExecutionID)
	if schema.HasCode(err, schema.ErrCodeInvalidTransition) {
		// The execution finished (or was cancelled) while waiting.
		g.logger.InfoContext(ctx, "approval resolved for finished execution",
			"approval_id", a.ID, "execution_id", a.ExecutionID)
		return a, nil
	}
	if err != nil {
		return a, err
	}
	return a, nil
}

// authorize loads the request and checks it belongs to the caller's execution.
// Mismatches report NOT_FOUND so tenants cannot discover each other's IDs.
func (g *Gate) authorize(ctx context.Context, d Decision) (*store.Approval, error) {
	notFound := schema.NewErrorf(schema.ErrCodeNotFound, "approval %s not found", d.ApprovalID).
		WithDetails(map[string]any{"approval_id": d.ApprovalID})

	a, err := g.store.GetApproval(ctx, d.ApprovalID)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, storeError("load approval", err)
	}
	if a.ExecutionID != d.ExecutionID {
		return nil, notFound
	}

	exec, err := g.store.GetExecution(ctx, d.ExecutionID)
	if schema.HasCode(err, schema.ErrCodeNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, storeError("load execution", err)
	}
	if exec.UserID != d.UserID || exec.WorkflowID != d.WorkflowID {
		return nil, notFound
	}
	return a, nil
}

// storeError passes structured errors through and wraps the rest as STORE_ERROR.
func storeError(op string, err error) error {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		return err
	}
	return schema.NewErrorf(schema.ErrCodeStore, "%s: %v", op, err).WithCause(err)
}
