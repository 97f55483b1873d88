package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", UserID(ctx))
	assert.Equal(t, "", ExecutionID(ctx))

	ctx = WithExecution(ctx, "alice", "wf-123", "exec-1")
	ctx = WithTask(ctx, "fetch")

	assert.Equal(t, "alice", UserID(ctx))
	assert.Equal(t, "wf-123", WorkflowID(ctx))
	assert.Equal(t, "exec-1", ExecutionID(ctx))
	assert.Equal(t, "fetch", Task(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithExecution(context.Background(), "alice", "wf-abc", "exec-x")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "user_id=alice")
	assert.Contains(t, output, "workflow_id=wf-abc")
	assert.Contains(t, output, "execution_id=exec-x")
	assert.NotContains(t, output, "task=")
}

func TestLogWithEmptyContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	LogWith(context.Background(), logger).Info("no context")

	output := buf.String()
	assert.NotContains(t, output, "workflow_id")
	assert.Contains(t, output, "no context")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner))

	ctx := WithTask(WithExecution(context.Background(), "alice", "wf-auto", "exec-auto"), "B")
	logger.InfoContext(ctx, "auto inject")

	output := buf.String()
	assert.Contains(t, output, `"user_id":"alice"`)
	assert.Contains(t, output, `"workflow_id":"wf-auto"`)
	assert.Contains(t, output, `"execution_id":"exec-auto"`)
	assert.Contains(t, output, `"task":"B"`)
}

func TestCorrelationHandlerWithAttrs(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner).WithAttrs([]slog.Attr{slog.String("component", "engine")}))

	logger.InfoContext(WithExecutionID(context.Background(), "exec-attr"), "with attrs")

	output := buf.String()
	assert.Contains(t, output, `"execution_id":"exec-attr"`)
	assert.Contains(t, output, `"component":"engine"`)
}

func TestCorrelationHandlerWithGroup(t *testing.T) {
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(NewCorrelationHandler(inner).WithGroup("engine"))

	logger.InfoContext(WithWorkflowID(context.Background(), "wf-grp"), "grouped", "key", "val")

	output := buf.String()
	assert.Contains(t, output, "wf-grp")
	assert.Contains(t, output, "grouped")
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("warn", "json", &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.WarnContext(WithUserID(context.Background(), "bob"), "kept")

	assert.NotContains(t, buf.String(), "dropped")
	assert.Contains(t, buf.String(), `"user_id":"bob"`)

	_, err = NewLogger("loud", "text", &buf)
	assert.Error(t, err)
	_, err = NewLogger("info", "xml", &buf)
	assert.Error(t, err)
}

func TestNewLeveledLogger_ChangesLevel(t *testing.T) {
	var buf bytes.Buffer
	var level slog.LevelVar
	level.Set(slog.LevelWarn)
	logger, err := NewLeveledLogger(&level, "text", &buf)
	require.NoError(t, err)

	logger.Info("before")
	level.Set(slog.LevelDebug)
	logger.Debug("after")

	assert.NotContains(t, buf.String(), "before")
	assert.Contains(t, buf.String(), "after")
}
