// Package executors holds the task executor contract, the type-keyed
// registry the orchestrator resolves executors from, and the built-in types.
package executors

import (
	"context"
	"time"

	"github.com/rendis/taskflow/internal/cancellation"
)

// Executor runs one task attempt.
type Executor interface {
	Type() string
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Describer is implemented by executors that document themselves.
type Describer interface {
	Description() string
}

// Request is what an executor receives for one attempt. Parameters are fully
// resolved: no $[...] expressions remain.
type Request struct {
	UserID      string
	WorkflowID  string
	ExecutionID string
	TaskName    string
	Attempt     int
	Parameters  map[string]any
	// Timeout is the task's timeout, zero when unbounded. ctx already
	// carries the matching deadline.
	Timeout time.Duration
	// Signal fires when the execution is cancelled. Long-running executors
	// should stop promptly once it does.
	Signal *cancellation.Signal
}

// Result is what a successful attempt produces.
type Result struct {
	Output    any
	Logs      []string
	Artifacts []Artifact
}

// Artifact is an opaque blob produced by an attempt.
type Artifact struct {
	Name        string
	ContentType string
	Data        []byte
}

// Info summarises a registered executor.
type Info struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}
