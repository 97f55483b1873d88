package validation

import (
	"fmt"

	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/pkg/schema"
)

// maxSensibleAttempts is the retry count above which a warning is emitted.
const maxSensibleAttempts = 10

// semanticChecker holds the engines used to compile embedded expressions.
type semanticChecker struct {
	executors ExecutorLookup
	cel       *expressions.CELEngine
	jq        *expressions.GoJQEngine
	eval      *expressions.Evaluator
}

// validateSemantic performs semantic analysis on the workflow definition.
// Checks: executor types registered, compensation links sane, conditions,
// output selectors and parameter expressions compile, Outputs references name
// real tasks.
func (c *semanticChecker) validateSemantic(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	names := make(map[string]bool, len(def.Tasks))
	for _, t := range def.Tasks {
		names[t.Name] = true
	}

	for i := range def.Tasks {
		path := fmt.Sprintf("tasks[%d]", i)
		c.validateTask(def, &def.Tasks[i], path, names, result)
	}

	return result
}

func (c *semanticChecker) validateTask(def *schema.WorkflowDefinition, t *schema.Task, path string, names map[string]bool, result *schema.ValidationResult) {
	if c.executors != nil && !c.executors.Has(t.Type) {
		result.AddIssue(path+".type", schema.ErrCodeExecutorUnavailable,
			fmt.Sprintf("no executor registered for task type %q", t.Type),
			map[string]any{"task": t.Name, "type": t.Type})
	}

	if t.RunOnFailureOf != "" {
		if t.RunOnFailureOf == t.Name {
			result.AddError(path+".run_on_failure_of", schema.ErrCodeValidation,
				fmt.Sprintf("task %q cannot compensate itself", t.Name))
		}
		if target, ok := def.Task(t.RunOnFailureOf); ok && target.RunOnFailureOf != "" {
			result.AddWarning(path+".run_on_failure_of", schema.ErrCodeValidation,
				fmt.Sprintf("task %q compensates %q, which is itself a compensator", t.Name, target.Name))
		}
	}

	for j, dep := range t.Dependencies {
		if dep == t.RunOnFailureOf {
			result.AddError(fmt.Sprintf("%s.dependencies[%d]", path, j), schema.ErrCodeValidation,
				fmt.Sprintf("task %q both depends on and compensates %q", t.Name, dep))
		}
	}

	if t.Condition != "" && c.cel != nil {
		if err := c.cel.Check(t.Condition); err != nil {
			result.AddError(path+".condition", schema.ErrCodeValidation, err.Error())
		}
	}

	if t.OutputSelector != "" && c.jq != nil {
		if err := c.jq.Check(t.OutputSelector); err != nil {
			result.AddError(path+".output_selector", schema.ErrCodeValidation, err.Error())
		}
	}

	if err := c.eval.Check(t.Parameters); err != nil {
		result.AddError(path+".parameters", schema.ErrCodeValidation, err.Error())
	} else if refs, _, err := c.eval.References(t.Parameters); err == nil {
		for _, ref := range refs {
			if !names[ref] {
				result.AddIssue(path+".parameters", schema.ErrCodeUnknownDependency,
					fmt.Sprintf("parameter references output of unknown task %q", ref),
					map[string]any{"task": t.Name, "dependency": ref})
			}
		}
	}

	for _, s := range expressions.Unclosed(t.Parameters) {
		result.AddWarning(path+".parameters", schema.ErrCodeExpression,
			fmt.Sprintf("%q has a $[ without a closing bracket and is used as literal text", s))
	}

	if t.RetryPolicy.Attempts() > maxSensibleAttempts {
		result.AddWarning(path+".retry_policy.max_attempts", schema.ErrCodeValidation,
			fmt.Sprintf("high attempt count (%d) may cause excessive delays", t.RetryPolicy.Attempts()))
	}

	if wf := def.Configuration.TimeoutMs; wf > 0 && t.TimeoutMs > wf {
		result.AddWarning(path+".timeout_ms", schema.ErrCodeValidation,
			fmt.Sprintf("task timeout (%dms) exceeds workflow timeout (%dms); the workflow deadline fires first", t.TimeoutMs, wf))
	}

	if t.ManualApproval != nil && !t.ManualApproval.Enabled && len(t.ManualApproval.Approvers) > 0 {
		result.AddWarning(path+".manual_approval", schema.ErrCodeValidation,
			"approvers are listed but manual approval is disabled")
	}
}
