package service

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/scheduler"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// now is replaced in tests.
var now = func() time.Time { return time.Now().UTC() }

// TriggerSpec describes a trigger to create.
type TriggerSpec struct {
	Type schema.TriggerType
	// Cron is required for time triggers.
	Cron string
	// Event names the event an event trigger listens to; Filter optionally
	// narrows it with an expression over `event` and `payload`.
	Event     string
	Filter    string
	Variables map[string]any
	Disabled  bool
}

// CreateTrigger validates spec and attaches a trigger to a workflow owned by
// userID.
func (s *Service) CreateTrigger(ctx context.Context, userID, workflowID string, spec TriggerSpec) (*store.Trigger, error) {
	if _, err := s.GetWorkflow(ctx, userID, workflowID); err != nil {
		return nil, err
	}

	t := &store.Trigger{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		UserID:     userID,
		Type:       spec.Type,
		Status:     schema.TriggerActive,
		Variables:  spec.Variables,
	}
	if spec.Disabled {
		t.Status = schema.TriggerDisabled
	}

	switch spec.Type {
	case schema.TriggerTime:
		sched, err := scheduler.ParseCron(spec.Cron)
		if err != nil {
			return nil, err
		}
		next := sched.Next(now())
		t.NextFireAt = &next
		t.Properties.Cron = spec.Cron
	case schema.TriggerEvent:
		if spec.Event == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "event trigger requires an event name")
		}
		if err := s.router.CheckFilter(spec.Filter); err != nil {
			return nil, err
		}
		t.Properties.Event = spec.Event
		t.Properties.Filter = spec.Filter
	case schema.TriggerManual:
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger type %q", spec.Type).
			WithDetails(map[string]any{"type": string(spec.Type)})
	}

	if err := s.store.CreateTrigger(ctx, t); err != nil {
		return nil, storeError("create trigger", err)
	}
	ctx = logging.WithWorkflowID(logging.WithUserID(ctx, userID), workflowID)
	logging.LogWith(ctx, s.logger).Info("trigger created", "trigger_id", t.ID, "type", t.Type)
	return t, nil
}

// GetTrigger returns a trigger owned by userID.
func (s *Service) GetTrigger(ctx context.Context, userID, triggerID string) (*store.Trigger, error) {
	t, err := s.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return nil, storeError("load trigger", err)
	}
	if t.UserID != userID {
		return nil, notFound("trigger", triggerID)
	}
	return t, nil
}

// ListTriggers returns the triggers of userID, optionally of one workflow.
func (s *Service) ListTriggers(ctx context.Context, userID, workflowID string) ([]*store.Trigger, error) {
	ts, err := s.store.ListTriggers(ctx, store.TriggerFilter{UserID: userID, WorkflowID: workflowID})
	if err != nil {
		return nil, storeError("list triggers", err)
	}
	return ts, nil
}

// SetTriggerStatus enables or disables a trigger.
func (s *Service) SetTriggerStatus(ctx context.Context, userID, triggerID string, status schema.TriggerStatus) error {
	if status != schema.TriggerActive && status != schema.TriggerDisabled {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger status %q", status)
	}
	if _, err := s.GetTrigger(ctx, userID, triggerID); err != nil {
		return err
	}
	return storeError("set trigger status", s.store.SetTriggerStatus(ctx, triggerID, status))
}

// DeleteTrigger removes a trigger.
func (s *Service) DeleteTrigger(ctx context.Context, userID, triggerID string) error {
	if _, err := s.GetTrigger(ctx, userID, triggerID); err != nil {
		return err
	}
	return storeError("delete trigger", s.store.DeleteTrigger(ctx, triggerID))
}

// FireTrigger starts an execution from an active manual trigger. vars
// override the trigger's variables.
func (s *Service) FireTrigger(ctx context.Context, userID, triggerID string, vars map[string]any) (string, error) {
	t, err := s.GetTrigger(ctx, userID, triggerID)
	if err != nil {
		return "", err
	}
	if t.Type != schema.TriggerManual {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "trigger %s is a %s trigger", t.ID, t.Type)
	}
	if t.Status != schema.TriggerActive {
		return "", schema.NewErrorf(schema.ErrCodeInvalidTransition, "trigger %s is %s", t.ID, t.Status)
	}
	exec, err := s.firer.Fire(ctx, t, vars, nil)
	if err != nil {
		return "", err
	}
	return exec.ID, nil
}

// PublishEvent fires the user's event triggers that match the event and
// returns the IDs of the executions started.
func (s *Service) PublishEvent(ctx context.Context, userID, event string, payload map[string]any) ([]string, error) {
	return s.router.Publish(ctx, userID, event, payload)
}
