package scheduler

import (
	"context"
	"log/slog"
	"maps"

	"go.opentelemetry.io/otel/trace"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/logging"
	"github.com/rendis/taskflow/internal/metrics"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// Firer starts executions on behalf of triggers of any type.
type Firer struct {
	store   store.Store
	starter Starter
	events  *store.EventLog
	logger  *slog.Logger
}

// NewFirer creates a Firer that starts executions through starter.
func NewFirer(s store.Store, starter Starter, logger *slog.Logger) *Firer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Firer{store: s, starter: starter, events: store.NewEventLog(s), logger: logger}
}

// Fire starts an execution of the trigger's workflow and records the fire in
// the execution's history. extra variables override the trigger's. An
// execution created but not queued is returned with a nil error: the startup
// sweep queues it.
func (f *Firer) Fire(ctx context.Context, t *store.Trigger, extra, payload map[string]any) (*store.Execution, error) {
	ctx, span := metrics.Tracer().Start(ctx, "trigger "+string(t.Type), trace.WithAttributes(
		metrics.AttrUserID.String(t.UserID),
		metrics.AttrWorkflowID.String(t.WorkflowID),
		metrics.AttrTriggerID.String(t.ID),
	))
	var spanErr error
	defer func() { metrics.EndSpan(span, spanErr) }()

	wf, err := f.store.GetWorkflow(ctx, t.WorkflowID)
	if err != nil {
		spanErr = err
		return nil, err
	}
	if wf.UserID != t.UserID {
		spanErr = schema.NewErrorf(schema.ErrCodeNotFound, "workflow %s not found", t.WorkflowID)
		return nil, spanErr
	}

	vars := make(map[string]any, len(t.Variables)+len(extra))
	maps.Copy(vars, t.Variables)
	maps.Copy(vars, extra)
	exec, err := f.starter.Start(ctx, wf, engine.StartOptions{Variables: vars, TriggerID: t.ID})
	if exec == nil {
		spanErr = err
		return nil, err
	}
	ctx = logging.WithExecution(ctx, exec.UserID, exec.WorkflowID, exec.ID)
	log := logging.LogWith(ctx, f.logger)
	if err != nil {
		log.Warn("triggered execution not queued", "trigger_id", t.ID, "error", err)
	}

	if payload == nil {
		payload = map[string]any{}
	}
	payload["trigger_id"] = t.ID
	payload["type"] = string(t.Type)
	if _, err := f.events.Record(ctx, exec.ID, "", schema.EventTriggerFired, payload); err != nil {
		log.Warn("record trigger event failed", "error", err)
	}
	log.Info("trigger fired", "trigger_id", t.ID, "type", t.Type)
	return exec, nil
}
