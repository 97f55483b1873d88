package validation

import (
	"testing"

	"github.com/rendis/taskflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockExecutorLookup implements ExecutorLookup for tests.
type mockExecutorLookup struct {
	registered map[string]bool
}

func (m *mockExecutorLookup) Has(name string) bool {
	return m.registered[name]
}

func newMockLookup(names ...string) *mockExecutorLookup {
	m := &mockExecutorLookup{registered: make(map[string]bool)}
	for _, n := range names {
		m.registered[n] = true
	}
	return m
}

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	v, err := NewWorkflowValidator(newMockLookup("noop", "http"))
	require.NoError(t, err)
	return v
}

func diamond() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		Name:          "diamond",
		Configuration: schema.Configuration{DegreeOfParallelism: 2},
		Tasks: []schema.Task{
			{Name: "A", Type: "noop"},
			{Name: "B", Type: "noop", Dependencies: []string{"A"},
				Parameters: map[string]any{"v": "$[Outputs('A').value]"}},
			{Name: "C", Type: "http", Dependencies: []string{"A"},
				RetryPolicy: &schema.RetryPolicy{MaxAttempts: 3, DelayMs: 10}},
			{Name: "D", Type: "noop", Dependencies: []string{"B", "C"},
				Condition: `outputs.B.ok == true`, OutputSelector: `.result`},
		},
	}
}

func TestValidate_Valid(t *testing.T) {
	v := newValidator(t)
	result := v.Validate(diamond())
	assert.True(t, result.Valid(), "%+v", result.Errors)
	assert.Empty(t, result.Warnings)
	assert.NoError(t, v.ValidateDefinition(diamond()))
}

func TestValidate_Nil(t *testing.T) {
	v := newValidator(t)
	assert.True(t, schema.HasCode(v.ValidateDefinition(nil), schema.ErrCodeValidation))
}

func TestValidate_StructuralShortCircuits(t *testing.T) {
	v := newValidator(t)
	def := &schema.WorkflowDefinition{
		Name:  "bad",
		Tasks: []schema.Task{{Name: "a", Type: "ghost", Dependencies: []string{"a"}}},
		Configuration: schema.Configuration{
			ErrorHandling: "explode",
		},
	}
	result := v.Validate(def)
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.Equal(t, "/", e.Path, "only structural issues are reported")
	}
}

func TestValidate_StructuralErrors(t *testing.T) {
	v := newValidator(t)

	cases := map[string]*schema.WorkflowDefinition{
		"missing name":  {Tasks: []schema.Task{{Name: "a", Type: "noop"}}},
		"no tasks":      {Name: "x"},
		"missing type":  {Name: "x", Tasks: []schema.Task{{Name: "a"}}},
		"bad task name": {Name: "x", Tasks: []schema.Task{{Name: "has space", Type: "noop"}}},
		"zero attempts": {Name: "x", Tasks: []schema.Task{{Name: "a", Type: "noop", RetryPolicy: &schema.RetryPolicy{}}}},
		"negative dop":  {Name: "x", Configuration: schema.Configuration{DegreeOfParallelism: -1}, Tasks: []schema.Task{{Name: "a", Type: "noop"}}},
	}
	for name, def := range cases {
		t.Run(name, func(t *testing.T) {
			err := v.ValidateDefinition(def)
			assert.True(t, schema.HasCode(err, schema.ErrCodeValidation), "%v", err)
		})
	}
}

func TestValidate_CycleReportsTasks(t *testing.T) {
	v := newValidator(t)
	def := &schema.WorkflowDefinition{
		Name: "cyclic",
		Tasks: []schema.Task{
			{Name: "start", Type: "noop"},
			{Name: "a", Type: "noop", Dependencies: []string{"start", "c"}},
			{Name: "b", Type: "noop", Dependencies: []string{"a"}},
			{Name: "c", Type: "noop", Dependencies: []string{"b"}},
			{Name: "tail", Type: "noop", Dependencies: []string{"c"}},
		},
	}

	err := v.ValidateDefinition(def)
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeCycleDetected, fe.Code)
	assert.Equal(t, []string{"a", "b", "c"}, fe.Details["tasks"])
}

func TestValidate_DuplicateAndUnknown(t *testing.T) {
	v := newValidator(t)

	dup := &schema.WorkflowDefinition{Name: "dup", Tasks: []schema.Task{
		{Name: "a", Type: "noop"}, {Name: "a", Type: "noop"},
	}}
	assert.True(t, schema.HasCode(v.ValidateDefinition(dup), schema.ErrCodeDuplicateTask))

	unknown := &schema.WorkflowDefinition{Name: "unk", Tasks: []schema.Task{
		{Name: "a", Type: "noop", Dependencies: []string{"zzz"}},
	}}
	err := v.ValidateDefinition(unknown)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeUnknownDependency, fe.Code)
	assert.Equal(t, "zzz", fe.Details["dependency"])
}

func TestValidate_UnknownExecutorType(t *testing.T) {
	v := newValidator(t)
	def := diamond()
	def.Tasks[2].Type = "ftp"

	err := v.ValidateDefinition(def)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeExecutorUnavailable, fe.Code)
	assert.Equal(t, "ftp", fe.Details["type"])
	assert.False(t, fe.IsRetryable())
}

func TestValidate_NilLookupSkipsExecutorCheck(t *testing.T) {
	v, err := NewWorkflowValidator(nil)
	require.NoError(t, err)
	def := diamond()
	def.Tasks[0].Type = "anything"
	assert.NoError(t, v.ValidateDefinition(def))
}

func TestValidate_EmbeddedExpressions(t *testing.T) {
	v := newValidator(t)

	badCondition := diamond()
	badCondition.Tasks[3].Condition = "outputs.B.ok =="
	result := v.Validate(badCondition)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "tasks[3].condition", result.Errors[0].Path)

	badSelector := diamond()
	badSelector.Tasks[3].OutputSelector = ".result |"
	result = v.Validate(badSelector)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "tasks[3].output_selector", result.Errors[0].Path)

	badParam := diamond()
	badParam.Tasks[1].Parameters = map[string]any{"v": "$[Outputs(A)]"}
	result = v.Validate(badParam)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "tasks[1].parameters", result.Errors[0].Path)

	unclosed := diamond()
	unclosed.Tasks[1].Parameters = map[string]any{"v": "$[Outputs('A'"}
	result = v.Validate(unclosed)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "tasks[1].parameters", result.Warnings[0].Path)
	assert.Equal(t, schema.ErrCodeExpression, result.Warnings[0].Code)

	unknownRef := diamond()
	unknownRef.Tasks[1].Parameters = map[string]any{"v": "$[Outputs('Z').x]"}
	err := v.ValidateDefinition(unknownRef)
	assert.True(t, schema.HasCode(err, schema.ErrCodeUnknownDependency))
}

func TestValidate_NonUpstreamReferenceWarns(t *testing.T) {
	v := newValidator(t)
	def := diamond()
	def.Tasks[1].Parameters = map[string]any{"v": "$[Outputs('C').x]"}

	result := v.Validate(def)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Equal(t, "tasks[1].parameters", result.Warnings[0].Path)
}

func TestValidate_Compensation(t *testing.T) {
	v := newValidator(t)

	ok := diamond()
	ok.Tasks = append(ok.Tasks, schema.Task{Name: "undo_c", Type: "noop", RunOnFailureOf: "C"})
	assert.NoError(t, v.ValidateDefinition(ok))

	self := diamond()
	self.Tasks = append(self.Tasks, schema.Task{Name: "undo", Type: "noop", RunOnFailureOf: "undo"})
	assert.Error(t, v.ValidateDefinition(self))

	both := diamond()
	both.Tasks = append(both.Tasks, schema.Task{Name: "undo", Type: "noop", Dependencies: []string{"C"}, RunOnFailureOf: "C"})
	result := v.Validate(both)
	require.False(t, result.Valid())
	assert.True(t, result.HasCode(schema.ErrCodeValidation))
}

func TestValidate_Warnings(t *testing.T) {
	v := newValidator(t)
	def := diamond()
	def.Configuration.TimeoutMs = 1000
	def.Tasks[0].TimeoutMs = 5000
	def.Tasks[2].RetryPolicy = &schema.RetryPolicy{MaxAttempts: 50}
	def.Tasks[1].ManualApproval = &schema.ManualApproval{Approvers: []string{"alice"}}

	result := v.Validate(def)
	assert.True(t, result.Valid())
	assert.Len(t, result.Warnings, 3)
}
