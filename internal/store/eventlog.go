package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/taskflow/pkg/schema"
)

// EventLog records and reads execution history on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide history operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Record appends an event of the given type. payload is marshalled to JSON
// unless it is nil or already a json.RawMessage.
func (el *EventLog) Record(ctx context.Context, executionID, taskName, eventType string, payload any) (*Event, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	e := &Event{
		ExecutionID: executionID,
		TaskName:    taskName,
		Type:        eventType,
		Payload:     raw,
		Timestamp:   time.Now().UTC(),
	}
	if err := el.store.AppendEvent(ctx, e); err != nil {
		return nil, err
	}
	return e, nil
}

// History returns every event of an execution with sequence > since.
// A gap in the sequence is reported as a STORE_ERROR.
func (el *EventLog) History(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	events, err := el.store.GetEvents(ctx, executionID, since)
	if err != nil {
		return nil, err
	}
	for i, e := range events {
		expected := since + int64(i) + 1
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}
	return events, nil
}

// TaskTimeline folds an execution's history into the last task-level event
// type seen for every task.
func (el *EventLog) TaskTimeline(ctx context.Context, executionID string) (map[string]string, error) {
	events, err := el.History(ctx, executionID, 0)
	if err != nil {
		return nil, err
	}
	timeline := make(map[string]string)
	for _, e := range events {
		if e.TaskName == "" {
			continue
		}
		timeline[e.TaskName] = e.Type
	}
	return timeline, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	default:
		return json.Marshal(p)
	}
}
