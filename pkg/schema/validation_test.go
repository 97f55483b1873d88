package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationResult_EmptyIsValid(t *testing.T) {
	r := &ValidationResult{}
	assert.True(t, r.Valid())
}

func TestValidationResult_AddError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("tasks[0].type", ErrCodeValidation, "executor type not registered")

	assert.False(t, r.Valid())
	require.Len(t, r.Errors, 1)
	assert.Equal(t, "tasks[0].type", r.Errors[0].Path)
	assert.Equal(t, ErrCodeValidation, r.Errors[0].Code)
	assert.Equal(t, "executor type not registered", r.Errors[0].Message)
	assert.Equal(t, SeverityError, r.Errors[0].Severity)
}

func TestValidationResult_AddWarning(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("tasks[1].retry_policy.max_attempts", ErrCodeValidation, "high retry count")

	assert.True(t, r.Valid(), "warnings alone should not make result invalid")
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, SeverityWarning, r.Warnings[0].Severity)
}

func TestValidationResult_Merge(t *testing.T) {
	r1 := &ValidationResult{}
	r1.AddError("/", ErrCodeValidation, "err1")
	r1.AddWarning("/", ErrCodeValidation, "warn1")

	r2 := &ValidationResult{}
	r2.AddError("tasks[0]", ErrCodeCycleDetected, "err2")
	r2.AddWarning("tasks[1]", ErrCodeValidation, "warn2")

	r1.Merge(r2)

	assert.Len(t, r1.Errors, 2)
	assert.Len(t, r1.Warnings, 2)
}

func TestValidationResult_MergeNil(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err")
	r.Merge(nil)
	assert.Len(t, r.Errors, 1)
}

func TestValidationResult_ToError_Valid(t *testing.T) {
	r := &ValidationResult{}
	r.AddWarning("/", ErrCodeValidation, "just a warning")
	assert.Nil(t, r.ToError())
}

func TestValidationResult_ToError_SingleError(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("tasks[0].type", ErrCodeValidation, "executor type not registered")

	err := r.ToError()
	require.NotNil(t, err)

	flowErr, ok := err.(*FlowError)
	require.True(t, ok)
	assert.Equal(t, ErrCodeValidation, flowErr.Code)
	assert.Equal(t, "executor type not registered", flowErr.Message)
	assert.Equal(t, 1, flowErr.Details["error_count"])
}

func TestValidationResult_ToError_MultipleErrors(t *testing.T) {
	r := &ValidationResult{}
	r.AddError("/", ErrCodeValidation, "err1")
	r.AddError("/", ErrCodeValidation, "err2")
	r.AddWarning("/", ErrCodeValidation, "warn1")

	err := r.ToError()
	require.NotNil(t, err)

	flowErr, ok := err.(*FlowError)
	require.True(t, ok)
	assert.Contains(t, flowErr.Message, "2 errors")
	assert.Equal(t, 2, flowErr.Details["error_count"])
	assert.Equal(t, 1, flowErr.Details["warning_count"])
}

func TestValidationResult_ToError_SingleErrorKeepsCode(t *testing.T) {
	r := &ValidationResult{}
	r.AddIssue("tasks", ErrCodeCycleDetected, "cycle detected", map[string]any{"tasks": []string{"a", "b"}})

	err := r.ToError()
	require.Error(t, err)
	assert.True(t, HasCode(err, ErrCodeCycleDetected))
	assert.Equal(t, []string{"a", "b"}, err.(*FlowError).Details["tasks"])
	assert.True(t, r.HasCode(ErrCodeCycleDetected))
	assert.False(t, r.HasCode(ErrCodeDuplicateTask))
}
