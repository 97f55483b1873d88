package expressions

import (
	"encoding/json"
	"sync"

	"github.com/rendis/taskflow/pkg/schema"
)

// Scope is the immutable snapshot an expression is evaluated against.
type Scope struct {
	Outputs   map[string]any    // task name -> output
	Variables map[string]any    // workflow variables
	Secrets   map[string]string // resolved tenant secrets
}

// ScopeBuilder accumulates task outputs as an execution progresses and hands
// out isolated snapshots for parameter resolution.
//
// Outputs are frozen (deep-copied) on insert and cannot be replaced, so a
// snapshot taken by one task is never mutated by a sibling completing.
type ScopeBuilder struct {
	mu        sync.RWMutex
	outputs   map[string]any
	variables map[string]any
}

// NewScopeBuilder creates a ScopeBuilder with the workflow variables.
func NewScopeBuilder(variables map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		outputs:   make(map[string]any),
		variables: deepCopyMap(variables),
	}
}

// AddOutput registers a completed task's output. Registering the same task
// twice is an error.
func (sb *ScopeBuilder) AddOutput(task string, output any) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.outputs[task]; exists {
		return schema.NewErrorf(schema.ErrCodeExpression,
			"output of task %q already registered", task)
	}
	sb.outputs[task] = deepCopyAny(output)
	return nil
}

// AddRawOutput registers a JSON-encoded output, typically loaded from the store.
func (sb *ScopeBuilder) AddRawOutput(task string, raw json.RawMessage) error {
	var v any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return schema.NewErrorf(schema.ErrCodeExpression, "decode output of task %q", task).WithCause(err)
		}
	}
	return sb.AddOutput(task, v)
}

// Has reports whether task has produced output.
func (sb *ScopeBuilder) Has(task string) bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	_, ok := sb.outputs[task]
	return ok
}

// Snapshot returns a Scope that is safe to use while further outputs are added.
func (sb *ScopeBuilder) Snapshot(secrets map[string]string) *Scope {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	return &Scope{
		Outputs:   deepCopyMap(sb.outputs),
		Variables: deepCopyMap(sb.variables),
		Secrets:   secrets,
	}
}

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies maps and slices. Primitives are
// returned as is.
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		cp := make(map[string]any, len(val))
		for k, item := range val {
			cp[k] = deepCopyAny(item)
		}
		return cp
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	case json.RawMessage:
		if val == nil {
			return nil
		}
		cp := make(json.RawMessage, len(val))
		copy(cp, val)
		return cp
	default:
		return v
	}
}
