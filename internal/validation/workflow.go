package validation

import (
	"fmt"

	"github.com/rendis/taskflow/internal/expressions"
	"github.com/rendis/taskflow/pkg/schema"
)

// WorkflowValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Graph (duplicates, unknown dependencies, cycles, upstream references)
// 3. Semantic (executor types, compensation links, embedded expressions)
type WorkflowValidator struct {
	jsonSchema *JSONSchemaValidator
	semantic   *semanticChecker
}

// NewWorkflowValidator creates a WorkflowValidator.
// lookup may be nil to skip executor existence checks.
func NewWorkflowValidator(lookup ExecutorLookup) (*WorkflowValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	celEngine, err := expressions.NewCELEngine()
	if err != nil {
		return nil, fmt.Errorf("create CEL engine: %w", err)
	}
	return &WorkflowValidator{
		jsonSchema: jsv,
		semantic: &semanticChecker{
			executors: lookup,
			cel:       celEngine,
			jq:        expressions.NewGoJQEngine(),
			eval:      expressions.NewEvaluator(),
		},
	}, nil
}

// Validate runs the full pipeline and returns an aggregated result.
// Structural errors short-circuit: graph and semantic stages are skipped.
func (wv *WorkflowValidator) Validate(def *schema.WorkflowDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeValidation, "workflow definition is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(wv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	// Stage 2: Graph.
	result.Merge(validateDAG(def, wv.semantic.eval))

	// Stage 3: Semantic.
	result.Merge(wv.semantic.validateSemantic(def))

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (wv *WorkflowValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	return wv.Validate(def).ToError()
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	flowErr, ok := err.(*schema.FlowError)
	if !ok {
		result.AddError("/", schema.ErrCodeValidation, err.Error())
		return result
	}

	if flowErr.Details != nil {
		if violations, ok := flowErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeValidation, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeValidation, flowErr.Message)
	return result
}
