package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/taskflow/internal/service"
)

// ServerDeps holds the dependencies for creating a TaskflowServer.
type ServerDeps struct {
	Service  *service.Service
	Sessions *SessionRegistry
	// Notifier, when set, is attached to the built server so pushes reach
	// the sessions captured by tool calls.
	Notifier *MCPNotifier
	Version  string
	Logger   *slog.Logger
}

// TaskflowServer wraps an MCP server with taskflow tool handlers.
type TaskflowServer struct {
	svc       *service.Service
	sessions  *SessionRegistry
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewTaskflowServer creates a TaskflowServer with every tool registered.
func NewTaskflowServer(deps ServerDeps) *TaskflowServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = NewSessionRegistry()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &TaskflowServer{
		svc:      deps.Service,
		sessions: sessions,
		logger:   logger,
	}

	mcpSrv := server.NewMCPServer(
		"taskflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(s.hooks()),
		server.WithInstructions("Taskflow runs multi-tenant task workflows. Register a definition with taskflow.register, start it with taskflow.run, "+
			"follow it with taskflow.status and taskflow.query, answer approval requests with taskflow.approve, and schedule it with taskflow.trigger. "+
			"Every call is scoped to user_id."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	if deps.Notifier != nil {
		deps.Notifier.Attach(mcpSrv)
	}
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *TaskflowServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *TaskflowServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// hooks forget sessions when their client goes away.
func (s *TaskflowServer) hooks() *server.Hooks {
	h := &server.Hooks{}
	h.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})
	return h
}

func (s *TaskflowServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: registerTool(), Handler: s.handleRegister},
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: controlTool(), Handler: s.handleControl},
		{Tool: approveTool(), Handler: s.handleApprove},
		{Tool: queryTool(), Handler: s.handleQuery},
		{Tool: triggerTool(), Handler: s.handleTrigger},
		{Tool: publishTool(), Handler: s.handlePublish},
		{Tool: secretTool(), Handler: s.handleSecret},
	}
}

// --- Tool definitions ---

func userIDParam() mcp.ToolOption {
	return mcp.WithString("user_id", mcp.Required(), mcp.Description("Tenant the call acts for"))
}

func registerTool() mcp.Tool {
	return mcp.NewTool("taskflow.register",
		mcp.WithDescription("Register or update a workflow definition"),
		userIDParam(),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition: name, tasks, variables, degree_of_parallelism, timeout, error_handling")),
	)
}

func runTool() mcp.Tool {
	return mcp.NewTool("taskflow.run",
		mcp.WithDescription("Start an execution of a registered workflow"),
		userIDParam(),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to execute")),
		mcp.WithObject("variables", mcp.Description("Variables overriding the workflow defaults")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("taskflow.status",
		mcp.WithDescription("Get an execution with its task states and pending approvals"),
		userIDParam(),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
	)
}

func controlTool() mcp.Tool {
	return mcp.NewTool("taskflow.control",
		mcp.WithDescription("Resume a paused execution or cancel a running one"),
		userIDParam(),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("resume", "cancel"),
			mcp.Description("Control action"),
		),
		mcp.WithString("reason", mcp.Description("Cancellation reason")),
	)
}

func approveTool() mcp.Tool {
	return mcp.NewTool("taskflow.approve",
		mcp.WithDescription("Approve or reject a pending approval request"),
		userIDParam(),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("approval_id", mcp.Required(), mcp.Description("ID of the approval request")),
		mcp.WithString("decision", mcp.Required(),
			mcp.Enum("approve", "reject"),
			mcp.Description("Decision to record"),
		),
		mcp.WithString("resolved_by", mcp.Description("Approver identity (default: user_id)")),
		mcp.WithString("comment", mcp.Description("Comment stored with the decision")),
	)
}

func queryTool() mcp.Tool {
	return mcp.NewTool("taskflow.query",
		mcp.WithDescription("Query workflows, executions, tasks, events, artifacts, approvals, or triggers"),
		userIDParam(),
		mcp.WithString("resource", mcp.Required(),
			mcp.Enum("workflows", "executions", "tasks", "events", "artifacts", "approvals", "triggers"),
			mcp.Description("Type of resource to query"),
		),
		mcp.WithObject("filter", mcp.Description("Filter criteria (workflow_id, execution_id, task, status, since, limit, offset)")),
	)
}

func triggerTool() mcp.Tool {
	return mcp.NewTool("taskflow.trigger",
		mcp.WithDescription("Create, toggle, delete, fire, or list workflow triggers"),
		userIDParam(),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("create", "enable", "disable", "delete", "fire", "list"),
			mcp.Description("Trigger action"),
		),
		mcp.WithString("workflow_id", mcp.Description("Workflow the trigger starts (create, list)")),
		mcp.WithString("trigger_id", mcp.Description("Target trigger (enable, disable, delete, fire)")),
		mcp.WithString("type", mcp.Enum("manual", "time", "event"), mcp.Description("Trigger type (create)")),
		mcp.WithString("cron", mcp.Description("Cron schedule for time triggers")),
		mcp.WithString("event", mcp.Description("Event name for event triggers")),
		mcp.WithString("filter", mcp.Description("Expression over event and payload narrowing an event trigger")),
		mcp.WithObject("variables", mcp.Description("Execution variables (create, fire)")),
	)
}

func publishTool() mcp.Tool {
	return mcp.NewTool("taskflow.publish",
		mcp.WithDescription("Publish an event to the tenant's event triggers"),
		userIDParam(),
		mcp.WithString("event", mcp.Required(), mcp.Description("Event name")),
		mcp.WithObject("payload", mcp.Description("Event payload")),
	)
}

func secretTool() mcp.Tool {
	return mcp.NewTool("taskflow.secret",
		mcp.WithDescription("Store, delete, or list the tenant's secrets"),
		userIDParam(),
		mcp.WithString("action", mcp.Required(),
			mcp.Enum("put", "delete", "list"),
			mcp.Description("Secret action"),
		),
		mcp.WithString("key", mcp.Description("Secret key (put, delete)")),
		mcp.WithString("value", mcp.Description("Secret value (put)")),
	)
}
