package validation

import "github.com/rendis/taskflow/pkg/schema"

// Validator checks workflow definitions for correctness before any execution
// of them is created.
type Validator interface {
	ValidateDefinition(def *schema.WorkflowDefinition) error
}

// ExecutorLookup reports whether an executor is registered for a task type.
// Satisfied by *executors.Registry.
type ExecutorLookup interface {
	Has(taskType string) bool
}
