// Package notify delivers approval requests and terminal execution states to
// interested parties. Delivery is best-effort: a failing notifier never fails
// the workflow that produced the notification.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	KindApprovalRequested Kind = "approval_requested"
	KindExecutionFinished Kind = "execution_finished"
)

// Notification is the payload handed to notifiers.
type Notification struct {
	Kind         Kind      `json:"kind"`
	UserID       string    `json:"user_id"`
	WorkflowID   string    `json:"workflow_id"`
	ExecutionID  string    `json:"execution_id"`
	TaskName     string    `json:"task_name,omitempty"`
	ApprovalID   string    `json:"approval_id,omitempty"`
	Approvers    []string  `json:"approvers,omitempty"`
	Instructions string    `json:"instructions,omitempty"`
	Status       string    `json:"status,omitempty"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Payload renders the notification as a generic map for push transports.
func (n Notification) Payload() map[string]any {
	p := map[string]any{
		"kind":         string(n.Kind),
		"user_id":      n.UserID,
		"workflow_id":  n.WorkflowID,
		"execution_id": n.ExecutionID,
		"timestamp":    n.Timestamp.Format(time.RFC3339Nano),
	}
	if n.TaskName != "" {
		p["task_name"] = n.TaskName
	}
	if n.ApprovalID != "" {
		p["approval_id"] = n.ApprovalID
		p["approvers"] = n.Approvers
		p["instructions"] = n.Instructions
	}
	if n.Status != "" {
		p["status"] = n.Status
	}
	if n.Error != "" {
		p["error"] = n.Error
	}
	return p
}

// Notifier delivers one notification.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, Notification) error { return nil }

// LogNotifier writes notifications to a structured logger.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a notifier that logs at info level.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogNotifier{logger: logger}
}

func (l *LogNotifier) Notify(ctx context.Context, n Notification) error {
	attrs := []any{
		"kind", n.Kind,
		"user_id", n.UserID,
		"workflow_id", n.WorkflowID,
		"execution_id", n.ExecutionID,
	}
	if n.TaskName != "" {
		attrs = append(attrs, "task", n.TaskName)
	}
	if n.ApprovalID != "" {
		attrs = append(attrs, "approval_id", n.ApprovalID, "approvers", n.Approvers)
	}
	if n.Status != "" {
		attrs = append(attrs, "status", n.Status)
	}
	if n.Error != "" {
		attrs = append(attrs, "error", n.Error)
	}
	l.logger.InfoContext(ctx, "notification", attrs...)
	return nil
}

// Multi fans a notification out to every notifier, joining their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, nt := range m {
		if err := nt.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async runs the wrapped notifier on its own goroutine so callers never wait
// on delivery. Errors and panics are logged and dropped.
type Async struct {
	next    Notifier
	logger  *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewAsync wraps next. timeout bounds each delivery; zero means 10s.
func NewAsync(next Notifier, logger *slog.Logger, timeout time.Duration) *Async {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Async{next: next, logger: logger, timeout: timeout}
}

// Notify schedules delivery and returns immediately.
func (a *Async) Notify(ctx context.Context, n Notification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("notifier panicked", "kind", n.Kind, "execution_id", n.ExecutionID, "panic", r)
			}
		}()
		// Detached from the caller so delivery outlives the request that caused it.
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.timeout)
		defer cancel()
		if err := a.next.Notify(dctx, n); err != nil {
			a.logger.Warn("notification delivery failed", "kind", n.Kind, "execution_id", n.ExecutionID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every scheduled delivery has finished.
func (a *Async) Wait() {
	a.wg.Wait()
}
