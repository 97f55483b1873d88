package schema

import "time"

// WorkflowDefinition is the declarative workflow format submitted by tenants.
// It is immutable per registered version.
type WorkflowDefinition struct {
	Name          string         `json:"name" yaml:"name"`
	Description   string         `json:"description,omitempty" yaml:"description,omitempty"`
	Configuration Configuration  `json:"configuration,omitempty" yaml:"configuration,omitempty"`
	Variables     map[string]any `json:"variables,omitempty" yaml:"variables,omitempty"`
	Tasks         []Task         `json:"tasks" yaml:"tasks"`
}

// Configuration holds execution-wide settings.
type Configuration struct {
	DegreeOfParallelism int           `json:"degree_of_parallelism,omitempty" yaml:"degree_of_parallelism,omitempty"`
	TimeoutMs           int64         `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	ErrorHandling       ErrorHandling `json:"error_handling,omitempty" yaml:"error_handling,omitempty"`
}

// ErrorHandling selects what happens to independent branches after an
// uncompensated task failure.
type ErrorHandling string

const (
	// ErrorHandlingContinue skips the failed task's dependents and lets
	// independent branches finish before the execution fails.
	ErrorHandlingContinue ErrorHandling = "continue"
	// ErrorHandlingFailFast stops starting new tasks on the first
	// uncompensated failure.
	ErrorHandlingFailFast ErrorHandling = "fail_fast"
)

// Task is a single named unit of work within a workflow definition.
type Task struct {
	Name           string          `json:"name" yaml:"name"`
	Type           string          `json:"type" yaml:"type"`
	Parameters     map[string]any  `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	Dependencies   []string        `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	RetryPolicy    *RetryPolicy    `json:"retry_policy,omitempty" yaml:"retry_policy,omitempty"`
	TimeoutMs      int64           `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	ManualApproval *ManualApproval `json:"manual_approval,omitempty" yaml:"manual_approval,omitempty"`
	RunOnFailureOf string          `json:"run_on_failure_of,omitempty" yaml:"run_on_failure_of,omitempty"`
	Condition      string          `json:"condition,omitempty" yaml:"condition,omitempty"`             // CEL guard
	OutputSelector string          `json:"output_selector,omitempty" yaml:"output_selector,omitempty"` // jq
}

// RetryPolicy configures fixed-delay retries for a task.
type RetryPolicy struct {
	MaxAttempts int   `json:"max_attempts" yaml:"max_attempts"` // total attempts, including the first
	DelayMs     int64 `json:"delay_ms,omitempty" yaml:"delay_ms,omitempty"`
}

// ManualApproval gates a task behind a human sign-off.
type ManualApproval struct {
	Enabled      bool     `json:"enabled" yaml:"enabled"`
	Approvers    []string `json:"approvers,omitempty" yaml:"approvers,omitempty"`
	Instructions string   `json:"instructions,omitempty" yaml:"instructions,omitempty"`
}

// Parallelism returns the effective degree of parallelism (at least 1).
func (c Configuration) Parallelism() int {
	if c.DegreeOfParallelism <= 0 {
		return 1
	}
	return c.DegreeOfParallelism
}

// Timeout returns the execution-wide timeout, or 0 when unset.
func (c Configuration) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// FailFast reports whether the first uncompensated failure stops scheduling.
func (c Configuration) FailFast() bool {
	return c.ErrorHandling == ErrorHandlingFailFast
}

// Attempts returns the total number of attempts allowed (at least 1).
func (p *RetryPolicy) Attempts() int {
	if p == nil || p.MaxAttempts <= 0 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the fixed delay between attempts.
func (p *RetryPolicy) Delay() time.Duration {
	if p == nil || p.DelayMs <= 0 {
		return 0
	}
	return time.Duration(p.DelayMs) * time.Millisecond
}

// Timeout returns the per-attempt timeout, or 0 when unset.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutMs) * time.Millisecond
}

// RequiresApproval reports whether the task is gated by a manual approval.
func (t *Task) RequiresApproval() bool {
	return t.ManualApproval != nil && t.ManualApproval.Enabled
}

// IsCompensator reports whether the task only runs when another task fails.
func (t *Task) IsCompensator() bool {
	return t.RunOnFailureOf != ""
}

// Task returns the task with the given name.
func (d *WorkflowDefinition) Task(name string) (*Task, bool) {
	for i := range d.Tasks {
		if d.Tasks[i].Name == name {
			return &d.Tasks[i], true
		}
	}
	return nil, false
}

// Compensators returns, for each task name, the tasks that run on its failure.
func (d *WorkflowDefinition) Compensators() map[string][]string {
	out := make(map[string][]string)
	for _, t := range d.Tasks {
		if t.RunOnFailureOf != "" {
			out[t.RunOnFailureOf] = append(out[t.RunOnFailureOf], t.Name)
		}
	}
	return out
}
