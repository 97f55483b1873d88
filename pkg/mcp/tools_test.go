package mcp

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/internal/engine"
	"github.com/rendis/taskflow/internal/executors"
	"github.com/rendis/taskflow/internal/queue"
	"github.com/rendis/taskflow/internal/secrets"
	"github.com/rendis/taskflow/internal/service"
	"github.com/rendis/taskflow/internal/store"
	"github.com/rendis/taskflow/internal/validation"
)

// newTestServer wires a server over a real service, temp database and a
// running dispatcher.
func newTestServer(t *testing.T) *TaskflowServer {
	t.Helper()
	ctx := context.Background()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(ctx))
	t.Cleanup(func() { _ = s.Close() })

	reg := executors.NewRegistry()
	require.NoError(t, executors.RegisterBuiltins(reg, executors.HTTPConfig{}))
	vault, err := secrets.NewAESVault(s, secrets.VaultConfig{MasterKey: make([]byte, 32)})
	require.NoError(t, err)

	q := queue.NewMemoryQueue(queue.Config{VisibilityTimeout: time.Minute})
	orch, err := engine.New(engine.Config{
		Store:                s,
		Queue:                q,
		Executors:            reg,
		Secrets:              vault,
		ApprovalPollInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	validator, err := validation.NewWorkflowValidator(reg)
	require.NoError(t, err)
	svc, err := service.New(service.Config{Store: s, Engine: orch, Validator: validator, Vault: vault})
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	d := engine.NewDispatcher(q, orch, engine.DispatcherConfig{Workers: 2})
	go func() {
		defer close(done)
		_ = d.Run(runCtx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return NewTaskflowServer(ServerDeps{Service: svc})
}

// --- Helpers ---

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func extractText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	return mcp.GetTextFromContent(result.Content[0])
}

func unmarshalResult(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.False(t, result.IsError, "unexpected tool error: %s", extractText(t, result))
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(extractText(t, result)), &m))
	return m
}

func call(t *testing.T, s *TaskflowServer, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) *mcp.CallToolResult {
	t.Helper()
	result, err := handler(context.Background(), buildRequest("", args))
	require.NoError(t, err)
	return result
}

func diamondDef(name string) map[string]any {
	return map[string]any{
		"name":          name,
		"configuration": map[string]any{"degree_of_parallelism": 2},
		"tasks": []any{
			map[string]any{"name": "a", "type": "noop"},
			map[string]any{"name": "b", "type": "noop", "dependencies": []any{"a"}},
			map[string]any{"name": "c", "type": "noop", "dependencies": []any{"a"}},
			map[string]any{"name": "d", "type": "noop", "dependencies": []any{"b", "c"}},
		},
	}
}

func register(t *testing.T, s *TaskflowServer, user string, def map[string]any) string {
	t.Helper()
	m := unmarshalResult(t, call(t, s, s.handleRegister, map[string]any{"user_id": user, "definition": def}))
	return m["workflow_id"].(string)
}

func waitStatus(t *testing.T, s *TaskflowServer, user, workflowID, executionID, want string) map[string]any {
	t.Helper()
	var last map[string]any
	require.Eventually(t, func() bool {
		res := call(t, s, s.handleStatus, map[string]any{"user_id": user, "workflow_id": workflowID, "execution_id": executionID})
		if res.IsError {
			return false
		}
		require.NoError(t, json.Unmarshal([]byte(extractText(t, res)), &last))
		return last["status"] == want
	}, 5*time.Second, 10*time.Millisecond, "execution never reached %s", want)
	return last
}

// --- Tests ---

func TestHandleRegister(t *testing.T) {
	s := newTestServer(t)

	first := unmarshalResult(t, call(t, s, s.handleRegister, map[string]any{"user_id": "alice", "definition": diamondDef("deploy")}))
	assert.Equal(t, "deploy", first["name"])
	assert.Equal(t, float64(1), first["version"])

	again := unmarshalResult(t, call(t, s, s.handleRegister, map[string]any{"user_id": "alice", "definition": diamondDef("deploy")}))
	assert.Equal(t, first["workflow_id"], again["workflow_id"])
	assert.Equal(t, float64(2), again["version"])
}

func TestHandleRegister_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing user", map[string]any{"definition": diamondDef("x")}, "user_id is required"},
		{"missing definition", map[string]any{"user_id": "alice"}, "definition is required"},
		{"cycle", map[string]any{"user_id": "alice", "definition": map[string]any{
			"name": "loop",
			"tasks": []any{
				map[string]any{"name": "a", "type": "noop", "dependencies": []any{"b"}},
				map[string]any{"name": "b", "type": "noop", "dependencies": []any{"a"}},
			},
		}}, "CYCLE_DETECTED"},
		{"unknown executor", map[string]any{"user_id": "alice", "definition": map[string]any{
			"name":  "odd",
			"tasks": []any{map[string]any{"name": "a", "type": "teleport"}},
		}}, "EXECUTOR_UNAVAILABLE"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := call(t, s, s.handleRegister, tc.args)
			assert.True(t, res.IsError)
			assert.Contains(t, extractText(t, res), tc.want)
		})
	}
}

func TestHandleRun_CompletesAndQueries(t *testing.T) {
	s := newTestServer(t)
	wfID := register(t, s, "alice", diamondDef("diamond"))

	run := unmarshalResult(t, call(t, s, s.handleRun, map[string]any{
		"user_id":     "alice",
		"workflow_id": wfID,
		"variables":   map[string]any{"env": "staging"},
	}))
	execID := run["execution_id"].(string)
	require.NotEmpty(t, execID)
	assert.Equal(t, "pending", run["status"])

	status := waitStatus(t, s, "alice", wfID, execID, "completed")
	assert.Len(t, status["tasks"], 4)

	execs := unmarshalResult(t, call(t, s, s.handleQuery, map[string]any{
		"user_id":  "alice",
		"resource": "executions",
		"filter":   map[string]any{"workflow_id": wfID, "status": "completed"},
	}))
	assert.Len(t, execs["executions"], 1)

	events := unmarshalResult(t, call(t, s, s.handleQuery, map[string]any{
		"user_id":  "alice",
		"resource": "events",
		"filter":   map[string]any{"workflow_id": wfID, "execution_id": execID},
	}))
	assert.NotEmpty(t, events["events"])

	tasks := unmarshalResult(t, call(t, s, s.handleQuery, map[string]any{
		"user_id":  "alice",
		"resource": "tasks",
		"filter":   map[string]any{"workflow_id": wfID, "execution_id": execID},
	}))
	assert.Len(t, tasks["tasks"], 4)

	// Another tenant sees nothing.
	res := call(t, s, s.handleStatus, map[string]any{"user_id": "bob", "workflow_id": wfID, "execution_id": execID})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "NOT_FOUND")

	bobs := unmarshalResult(t, call(t, s, s.handleQuery, map[string]any{"user_id": "bob", "resource": "workflows"}))
	assert.Empty(t, bobs["workflows"])
}

func TestHandleQuery_Errors(t *testing.T) {
	s := newTestServer(t)

	res := call(t, s, s.handleQuery, map[string]any{"user_id": "alice", "resource": "agents"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "unknown resource type")

	res = call(t, s, s.handleQuery, map[string]any{"user_id": "alice", "resource": "events"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "requires 'workflow_id' and 'execution_id'")
}

func TestHandleApprove(t *testing.T) {
	s := newTestServer(t)
	wfID := register(t, s, "alice", map[string]any{
		"name": "gated",
		"tasks": []any{
			map[string]any{"name": "build", "type": "noop"},
			map[string]any{
				"name":            "deploy",
				"type":            "noop",
				"dependencies":    []any{"build"},
				"manual_approval": map[string]any{"enabled": true, "instructions": "ship it?"},
			},
		},
	})
	run := unmarshalResult(t, call(t, s, s.handleRun, map[string]any{"user_id": "alice", "workflow_id": wfID}))
	execID := run["execution_id"].(string)

	var approvalID string
	require.Eventually(t, func() bool {
		res := call(t, s, s.handleQuery, map[string]any{
			"user_id":  "alice",
			"resource": "approvals",
			"filter":   map[string]any{"workflow_id": wfID, "execution_id": execID, "status": "pending"},
		})
		if res.IsError {
			return false
		}
		var m map[string][]map[string]any
		require.NoError(t, json.Unmarshal([]byte(extractText(t, res)), &m))
		if len(m["approvals"]) == 0 {
			return false
		}
		approvalID = m["approvals"][0]["id"].(string)
		return true
	}, 5*time.Second, 10*time.Millisecond)

	args := map[string]any{
		"user_id":      "alice",
		"workflow_id":  wfID,
		"execution_id": execID,
		"approval_id":  approvalID,
		"decision":     "approve",
		"comment":      "lgtm",
	}
	ok := unmarshalResult(t, call(t, s, s.handleApprove, args))
	assert.Equal(t, true, ok["ok"])

	res := call(t, s, s.handleApprove, args)
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "ALREADY_RESOLVED")

	waitStatus(t, s, "alice", wfID, execID, "completed")
}

func TestHandleControl(t *testing.T) {
	s := newTestServer(t)
	wfID := register(t, s, "alice", map[string]any{
		"name":  "slow",
		"tasks": []any{map[string]any{"name": "wait", "type": "delay", "parameters": map[string]any{"duration": "10s"}}},
	})
	run := unmarshalResult(t, call(t, s, s.handleRun, map[string]any{"user_id": "alice", "workflow_id": wfID}))
	execID := run["execution_id"].(string)
	waitStatus(t, s, "alice", wfID, execID, "running")

	res := call(t, s, s.handleControl, map[string]any{
		"user_id": "alice", "workflow_id": wfID, "execution_id": execID, "action": "pause",
	})
	assert.True(t, res.IsError)

	unmarshalResult(t, call(t, s, s.handleControl, map[string]any{
		"user_id": "alice", "workflow_id": wfID, "execution_id": execID, "action": "cancel", "reason": "operator",
	}))
	waitStatus(t, s, "alice", wfID, execID, "cancelled")

	res = call(t, s, s.handleControl, map[string]any{
		"user_id": "alice", "workflow_id": wfID, "execution_id": execID, "action": "resume",
	})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "INVALID_TRANSITION")
}

func TestHandleTrigger_Lifecycle(t *testing.T) {
	s := newTestServer(t)
	wfID := register(t, s, "alice", diamondDef("triggered"))

	res := call(t, s, s.handleTrigger, map[string]any{
		"user_id": "alice", "action": "create", "workflow_id": wfID, "type": "time", "cron": "whenever",
	})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "VALIDATION_ERROR")

	created := unmarshalResult(t, call(t, s, s.handleTrigger, map[string]any{
		"user_id": "alice", "action": "create", "workflow_id": wfID,
		"variables": map[string]any{"source": "manual"},
	}))
	triggerID := created["id"].(string)
	assert.Equal(t, "manual", created["type"])

	fired := unmarshalResult(t, call(t, s, s.handleTrigger, map[string]any{
		"user_id": "alice", "action": "fire", "trigger_id": triggerID,
	}))
	execID := fired["execution_id"].(string)
	status := waitStatus(t, s, "alice", wfID, execID, "completed")
	assert.Equal(t, triggerID, status["trigger_id"])

	unmarshalResult(t, call(t, s, s.handleTrigger, map[string]any{"user_id": "alice", "action": "disable", "trigger_id": triggerID}))
	res = call(t, s, s.handleTrigger, map[string]any{"user_id": "alice", "action": "fire", "trigger_id": triggerID})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "INVALID_TRANSITION")

	listed := unmarshalResult(t, call(t, s, s.handleTrigger, map[string]any{"user_id": "alice", "action": "list", "workflow_id": wfID}))
	assert.Len(t, listed["triggers"], 1)

	unmarshalResult(t, call(t, s, s.handleTrigger, map[string]any{"user_id": "alice", "action": "delete", "trigger_id": triggerID}))
	listed = unmarshalResult(t, call(t, s, s.handleTrigger, map[string]any{"user_id": "alice", "action": "list"}))
	assert.Empty(t, listed["triggers"])
}

func TestHandlePublish(t *testing.T) {
	s := newTestServer(t)
	wfID := register(t, s, "alice", diamondDef("on-push"))
	unmarshalResult(t, call(t, s, s.handleTrigger, map[string]any{
		"user_id": "alice", "action": "create", "workflow_id": wfID,
		"type": "event", "event": "push", "filter": `payload.ref == "main"`,
	}))

	miss := unmarshalResult(t, call(t, s, s.handlePublish, map[string]any{
		"user_id": "alice", "event": "push", "payload": map[string]any{"ref": "dev"},
	}))
	assert.Empty(t, miss["execution_ids"])

	hit := unmarshalResult(t, call(t, s, s.handlePublish, map[string]any{
		"user_id": "alice", "event": "push", "payload": map[string]any{"ref": "main"},
	}))
	ids := hit["execution_ids"].([]any)
	require.Len(t, ids, 1)
	waitStatus(t, s, "alice", wfID, ids[0].(string), "completed")
}

func TestHandleSecret(t *testing.T) {
	s := newTestServer(t)

	unmarshalResult(t, call(t, s, s.handleSecret, map[string]any{"user_id": "alice", "action": "put", "key": "token", "value": "s3cret"}))
	listed := unmarshalResult(t, call(t, s, s.handleSecret, map[string]any{"user_id": "alice", "action": "list"}))
	assert.Equal(t, []any{"token"}, listed["keys"])
	assert.NotContains(t, extractText(t, call(t, s, s.handleSecret, map[string]any{"user_id": "alice", "action": "list"})), "s3cret")

	res := call(t, s, s.handleSecret, map[string]any{"user_id": "alice", "action": "put", "key": "token"})
	assert.True(t, res.IsError)
	assert.Contains(t, extractText(t, res), "value is required")

	unmarshalResult(t, call(t, s, s.handleSecret, map[string]any{"user_id": "alice", "action": "delete", "key": "token"}))
	listed = unmarshalResult(t, call(t, s, s.handleSecret, map[string]any{"user_id": "alice", "action": "list"}))
	assert.Empty(t, listed["keys"])
}

func TestCaptureSession(t *testing.T) {
	s := newTestServer(t)
	sess := newFakeSession("session-42")
	ctx := s.mcpServer.WithContext(context.Background(), sess)

	res, err := s.handleQuery(ctx, buildRequest("taskflow.query", map[string]any{"user_id": "alice", "resource": "workflows"}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, []string{"session-42"}, s.sessions.SessionsFor("alice"))
}

func TestExtractInt(t *testing.T) {
	filter := map[string]any{"f": float64(7), "i": 3, "s": "12", "bad": "x"}
	assert.Equal(t, 7, extractInt(filter, "f", 0))
	assert.Equal(t, 3, extractInt(filter, "i", 0))
	assert.Equal(t, 12, extractInt(filter, "s", 0))
	assert.Equal(t, 5, extractInt(filter, "bad", 5))
	assert.Equal(t, 5, extractInt(nil, "f", 5))
}
