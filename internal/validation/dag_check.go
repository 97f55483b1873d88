package validation

import (
	"errors"
	"fmt"

	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/internal/graph"
	"github.com/rendis/taskflow/pkg/schema"
)

// validateDAG runs the graph validator (duplicate names, unknown
// dependencies, cycles) and, on a valid graph, checks that every Outputs('x')
// reference points at an upstream task.
func validateDAG(def *schema.WorkflowDefinition, eval *expressions.Evaluator) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	g, err := graph.Build(def.Tasks)
	if err != nil {
		var fe *schema.FlowError
		if errors.As(err, &fe) {
			result.AddIssue("tasks", fe.Code, fe.Message, fe.Details)
		} else {
			result.AddError("tasks", schema.ErrCodeValidation, err.Error())
		}
		return result
	}

	for i, t := range def.Tasks {
		refs, _, err := eval.References(t.Parameters)
		if err != nil {
			continue // reported by the semantic stage
		}
		if len(refs) == 0 {
			continue
		}
		upstream := ancestors(g, t.Name)
		for _, ref := range refs {
			if _, known := g.Tasks[ref]; !known || upstream[ref] {
				continue
			}
			result.AddWarning(fmt.Sprintf("tasks[%d].parameters", i), schema.ErrCodeValidation,
				fmt.Sprintf("task %q reads the output of %q, which is not upstream of it; the reference may be unresolved at run time", t.Name, ref))
		}
	}

	return result
}

// ancestors returns every task name reachable from name through dependency
// edges. A compensator's failed target counts, though its output is usually
// absent.
func ancestors(g *graph.Graph, name string) map[string]bool {
	seen := map[string]bool{}
	queue := append([]string(nil), g.Edges[name]...)
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		queue = append(queue, g.Edges[n]...)
	}
	return seen
}
