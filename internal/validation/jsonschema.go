package validation

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rendis/taskflow/pkg/schema"
	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const workflowSchemaURL = "https://taskflow.dev/schemas/workflow.json"

// workflowSchemaJSON is the JSON Schema for WorkflowDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://taskflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["name", "tasks"],
  "properties": {
    "name": { "type": "string", "minLength": 1 },
    "description": { "type": "string" },
    "configuration": { "$ref": "#/$defs/configuration" },
    "variables": { "type": "object" },
    "tasks": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/task" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "configuration": {
      "type": "object",
      "properties": {
        "degree_of_parallelism": { "type": "integer", "minimum": 0 },
        "timeout_ms": { "type": "integer", "minimum": 0 },
        "error_handling": { "type": "string", "enum": ["continue", "fail_fast"] }
      },
      "additionalProperties": false
    },
    "task": {
      "type": "object",
      "required": ["name", "type"],
      "properties": {
        "name": { "type": "string", "minLength": 1, "pattern": "^[A-Za-z0-9_.-]+$" },
        "type": { "type": "string", "minLength": 1 },
        "parameters": { "type": "object" },
        "dependencies": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "retry_policy": { "$ref": "#/$defs/retry_policy" },
        "timeout_ms": { "type": "integer", "minimum": 0 },
        "manual_approval": { "$ref": "#/$defs/manual_approval" },
        "run_on_failure_of": { "type": "string" },
        "condition": { "type": "string" },
        "output_selector": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry_policy": {
      "type": "object",
      "required": ["max_attempts"],
      "properties": {
        "max_attempts": { "type": "integer", "minimum": 1 },
        "delay_ms": { "type": "integer", "minimum": 0 }
      },
      "additionalProperties": false
    },
    "manual_approval": {
      "type": "object",
      "required": ["enabled"],
      "properties": {
        "enabled": { "type": "boolean" },
        "approvers": {
          "type": "array",
          "items": { "type": "string", "minLength": 1 }
        },
        "instructions": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks the shape of a WorkflowDefinition against the
// embedded Draft 2020-12 schema. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema
}

// NewJSONSchemaValidator creates a new JSONSchemaValidator with the workflow schema pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource(workflowSchemaURL, schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile(workflowSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &JSONSchemaValidator{workflowSchema: wfSchema}, nil
}

// ValidateDefinition validates a WorkflowDefinition against the workflow JSON Schema.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}
	return v.validateDoc(doc)
}

// ValidateRaw validates a raw JSON document, before it is decoded into a
// WorkflowDefinition. Unknown fields are reported here rather than silently
// dropped by decoding.
func (v *JSONSchemaValidator) ValidateRaw(raw []byte) error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is not valid JSON").WithCause(err)
	}
	return v.validateDoc(doc)
}

func (v *JSONSchemaValidator) validateDoc(doc any) error {
	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toFlowError converts a jsonschema.ValidationError into a FlowError whose
// details list every leaf violation.
func toFlowError(err error) *schema.FlowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error messages
// with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
