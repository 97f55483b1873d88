package scheduler

import (
	"context"
	"log/slog"

	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/internal/metrics"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/pkg/schema"
)

// EventRouter fires the event triggers of a tenant that match a published
// event. A trigger's filter is an expr-lang expression over `event` (the event
// name) and `payload`; an empty filter matches every event of that name.
type EventRouter struct {
	store   store.Store
	firer   *Firer
	filters *expressions.ExprEngine
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewEventRouter creates a router that starts executions through starter.
func NewEventRouter(s store.Store, starter Starter, m *metrics.Metrics, logger *slog.Logger) *EventRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRouter{
		store:   s,
		firer:   NewFirer(s, starter, logger),
		filters: expressions.NewExprEngine(),
		metrics: m,
		logger:  logger,
	}
}

// CheckFilter reports whether filter compiles.
func (r *EventRouter) CheckFilter(filter string) error {
	if filter == "" {
		return nil
	}
	if err := r.filters.Check(filter); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid event filter: %v", err).WithCause(err)
	}
	return nil
}

// Publish delivers event to the active event triggers of userID and returns
// the IDs of the executions started. Started executions see the event as the
// variable `event` ({"name": ..., "payload": ...}). A trigger whose filter
// fails to evaluate is skipped.
func (r *EventRouter) Publish(ctx context.Context, userID, event string, payload map[string]any) ([]string, error) {
	if event == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "event name is required")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	typ, status := schema.TriggerEvent, schema.TriggerActive
	triggers, err := r.store.ListTriggers(ctx, store.TriggerFilter{
		UserID: userID,
		Type:   &typ,
		Status: &status,
		Event:  event,
	})
	if err != nil {
		return nil, err
	}

	data := map[string]any{"event": event, "payload": payload}
	var started []string
	for _, t := range triggers {
		ok, err := r.filters.Match(ctx, t.Properties.Filter, data)
		if err != nil {
			r.metrics.TriggerError("filter")
			r.logger.WarnContext(ctx, "event filter failed", "trigger_id", t.ID, "event", event, "error", err)
			continue
		}
		if !ok {
			continue
		}
		exec, err := r.firer.Fire(ctx, t,
			map[string]any{"event": map[string]any{"name": event, "payload": payload}},
			map[string]any{"event": event})
		if err != nil {
			r.metrics.TriggerError("start")
			r.logger.WarnContext(ctx, "event trigger not fired", "trigger_id", t.ID, "event", event, "error", err)
			continue
		}
		r.metrics.TriggerFired(string(t.Type))
		started = append(started, exec.ID)
	}
	return started, nil
}
