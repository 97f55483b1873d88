package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskflow/internal/service"
	"github.com/rendis/taskflow/pkg/schema"
)

// handleRegister validates and stores a workflow definition.
func (s *TaskflowServer) handleRegister(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, errRes := s.caller(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	// Round-trip through JSON to get a typed definition.
	defBytes, err := json.Marshal(defRaw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(defBytes, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", err)), nil
	}

	wf, err := s.svc.RegisterWorkflow(ctx, userID, def)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("register failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"workflow_id": wf.ID,
		"name":        wf.Name,
		"version":     wf.Version,
	})
}

// handleRun queues a new execution.
func (s *TaskflowServer) handleRun(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, errRes := s.caller(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}

	id, err := s.svc.CreateExecution(ctx, userID, workflowID, service.ExecutionOptions{
		Variables: mcp.ParseStringMap(req, "variables", nil),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("run failed: %v", err)), nil
	}
	return marshalResult(map[string]any{
		"workflow_id":  workflowID,
		"execution_id": id,
		"status":       schema.ExecutionPending,
	})
}

// handleStatus returns an execution with its tasks and open approvals.
func (s *TaskflowServer) handleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, errRes := s.caller(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	workflowID, executionID, errRes := executionRef(req)
	if errRes != nil {
		return errRes, nil
	}

	detail, err := s.svc.GetExecution(ctx, userID, workflowID, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status query failed: %v", err)), nil
	}
	return marshalResult(detail)
}

// handleControl resumes or cancels an execution.
func (s *TaskflowServer) handleControl(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, errRes := s.caller(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	workflowID, executionID, errRes := executionRef(req)
	if errRes != nil {
		return errRes, nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "resume":
		err = s.svc.ResumeExecution(ctx, userID, workflowID, executionID)
	case "cancel":
		err = s.svc.CancelExecution(ctx, userID, workflowID, executionID, req.GetString("reason", ""))
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err)), nil
	}
	return marshalResult(map[string]any{
		"ok":           true,
		"execution_id": executionID,
		"action":       action,
	})
}

// handleApprove records an approval decision.
func (s *TaskflowServer) handleApprove(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, errRes := s.caller(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	workflowID, executionID, errRes := executionRef(req)
	if errRes != nil {
		return errRes, nil
	}
	approvalID, err := req.RequireString("approval_id")
	if err != nil {
		return mcp.NewToolResultError("approval_id is required"), nil
	}
	decision, err := req.RequireString("decision")
	if err != nil {
		return mcp.NewToolResultError("decision is required"), nil
	}

	opts := service.DecisionOptions{
		ResolvedBy: req.GetString("resolved_by", ""),
		Comment:    req.GetString("comment", ""),
	}
	switch decision {
	case "approve":
		err = s.svc.Approve(ctx, userID, workflowID, executionID, approvalID, opts)
	case "reject":
		err = s.svc.Reject(ctx, userID, workflowID, executionID, approvalID, opts)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown decision: %s", decision)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", decision, err)), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"approval_id": approvalID,
		"decision":    decision,
	})
}

// handleQuery lists one kind of resource.
func (s *TaskflowServer) handleQuery(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, errRes := s.caller(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	resource, err := req.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("resource is required"), nil
	}
	filter := mcp.ParseStringMap(req, "filter", nil)
	workflowID := extractString(filter, "workflow_id")
	executionID := extractString(filter, "execution_id")

	needExecution := func() *mcp.CallToolResult {
		if workflowID == "" || executionID == "" {
			return mcp.NewToolResultError(fmt.Sprintf("%s query requires 'workflow_id' and 'execution_id' in filter", resource))
		}
		return nil
	}

	var result any
	switch resource {
	case "workflows":
		result, err = s.svc.ListWorkflows(ctx, userID, extractInt(filter, "limit", 0))
	case "executions":
		q := service.ExecutionQuery{
			WorkflowID: workflowID,
			Limit:      extractInt(filter, "limit", 0),
			Offset:     extractInt(filter, "offset", 0),
		}
		if status := extractString(filter, "status"); status != "" {
			st := schema.ExecutionStatus(status)
			q.Status = &st
		}
		result, err = s.svc.ListExecutions(ctx, userID, q)
	case "tasks":
		if r := needExecution(); r != nil {
			return r, nil
		}
		result, err = s.svc.ListTaskHistory(ctx, userID, workflowID, executionID)
	case "events":
		if r := needExecution(); r != nil {
			return r, nil
		}
		result, err = s.svc.ListEvents(ctx, userID, workflowID, executionID, int64(extractInt(filter, "since", 0)))
	case "artifacts":
		if r := needExecution(); r != nil {
			return r, nil
		}
		result, err = s.svc.ListArtifacts(ctx, userID, workflowID, executionID, extractString(filter, "task"))
	case "approvals":
		if r := needExecution(); r != nil {
			return r, nil
		}
		var status *schema.ApprovalStatus
		if v := extractString(filter, "status"); v != "" {
			st := schema.ApprovalStatus(v)
			status = &st
		}
		result, err = s.svc.ListApprovals(ctx, userID, workflowID, executionID, status)
	case "triggers":
		result, err = s.svc.ListTriggers(ctx, userID, workflowID)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown resource type: %s", resource)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("query failed: %v", err)), nil
	}
	return marshalResult(map[string]any{resource: result})
}

// handleTrigger manages triggers.
func (s *TaskflowServer) handleTrigger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, errRes := s.caller(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	switch action {
	case "create":
		workflowID, err := req.RequireString("workflow_id")
		if err != nil {
			return mcp.NewToolResultError("workflow_id is required"), nil
		}
		t, err := s.svc.CreateTrigger(ctx, userID, workflowID, service.TriggerSpec{
			Type:      schema.TriggerType(req.GetString("type", string(schema.TriggerManual))),
			Cron:      req.GetString("cron", ""),
			Event:     req.GetString("event", ""),
			Filter:    req.GetString("filter", ""),
			Variables: mcp.ParseStringMap(req, "variables", nil),
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("create failed: %v", err)), nil
		}
		return marshalResult(t)
	case "list":
		ts, err := s.svc.ListTriggers(ctx, userID, req.GetString("workflow_id", ""))
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"triggers": ts})
	}

	triggerID, err := req.RequireString("trigger_id")
	if err != nil {
		return mcp.NewToolResultError("trigger_id is required"), nil
	}
	out := map[string]any{"ok": true, "trigger_id": triggerID, "action": action}
	switch action {
	case "enable":
		err = s.svc.SetTriggerStatus(ctx, userID, triggerID, schema.TriggerActive)
	case "disable":
		err = s.svc.SetTriggerStatus(ctx, userID, triggerID, schema.TriggerDisabled)
	case "delete":
		err = s.svc.DeleteTrigger(ctx, userID, triggerID)
	case "fire":
		var id string
		id, err = s.svc.FireTrigger(ctx, userID, triggerID, mcp.ParseStringMap(req, "variables", nil))
		out["execution_id"] = id
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err)), nil
	}
	return marshalResult(out)
}

// handlePublish routes an event to matching event triggers.
func (s *TaskflowServer) handlePublish(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, errRes := s.caller(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	event, err := req.RequireString("event")
	if err != nil {
		return mcp.NewToolResultError("event is required"), nil
	}

	ids, err := s.svc.PublishEvent(ctx, userID, event, mcp.ParseStringMap(req, "payload", nil))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("publish failed: %v", err)), nil
	}
	return marshalResult(map[string]any{"event": event, "execution_ids": ids})
}

// handleSecret manages the tenant's vault entries. Values are never returned.
func (s *TaskflowServer) handleSecret(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID, errRes := s.caller(ctx, req)
	if errRes != nil {
		return errRes, nil
	}
	action, err := req.RequireString("action")
	if err != nil {
		return mcp.NewToolResultError("action is required"), nil
	}

	if action == "list" {
		keys, err := s.svc.ListSecrets(ctx, userID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("list failed: %v", err)), nil
		}
		return marshalResult(map[string]any{"keys": keys})
	}

	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError("key is required"), nil
	}
	switch action {
	case "put":
		value, verr := req.RequireString("value")
		if verr != nil {
			return mcp.NewToolResultError("value is required"), nil
		}
		err = s.svc.PutSecret(ctx, userID, key, value)
	case "delete":
		err = s.svc.DeleteSecret(ctx, userID, key)
	default:
		return mcp.NewToolResultError(fmt.Sprintf("unknown action: %s", action)), nil
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s failed: %v", action, err)), nil
	}
	return marshalResult(map[string]any{"ok": true, "key": key, "action": action})
}

// --- Internal helpers ---

// caller extracts user_id and maps it to the current session so
// notifications for the tenant reach this client.
func (s *TaskflowServer) caller(ctx context.Context, req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	userID, err := req.RequireString("user_id")
	if err != nil || userID == "" {
		return "", mcp.NewToolResultError("user_id is required")
	}
	s.captureSession(ctx, userID)
	return userID, nil
}

func executionRef(req mcp.CallToolRequest) (workflowID, executionID string, errRes *mcp.CallToolResult) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return "", "", mcp.NewToolResultError("workflow_id is required")
	}
	executionID, err = req.RequireString("execution_id")
	if err != nil {
		return "", "", mcp.NewToolResultError("execution_id is required")
	}
	return workflowID, executionID, nil
}

// extractInt safely extracts an integer from a filter map.
func extractInt(filter map[string]any, key string, defaultVal int) int {
	if filter == nil {
		return defaultVal
	}
	v, ok := filter[key]
	if !ok {
		return defaultVal
	}
	switch val := v.(type) {
	case float64:
		return int(val)
	case int:
		return val
	case string:
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func extractString(filter map[string]any, key string) string {
	s, _ := filter[key].(string)
	return s
}

// captureSession maps the tenant to its current MCP session for notifications.
func (s *TaskflowServer) captureSession(ctx context.Context, userID string) {
	if session := server.ClientSessionFromContext(ctx); session != nil {
		s.sessions.Register(userID, session.SessionID())
	}
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
