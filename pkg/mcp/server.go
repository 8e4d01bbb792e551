package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepwise/internal/engine"
	"github.com/rendis/stepwise/internal/entity"
	"github.com/rendis/stepwise/internal/scheduler"
	"github.com/rendis/stepwise/internal/steps"
	"github.com/rendis/stepwise/internal/store"
	"github.com/rendis/stepwise/internal/validation"
	"github.com/rendis/stepwise/pkg/schema"
)

// Executor runs and inspects workflow runs. *engine.Engine satisfies it.
type Executor interface {
	Run(ctx context.Context, req engine.Request) (*engine.Result, error)
	Start(ctx context.Context, req engine.Request) (string, error)
	Wait(ctx context.Context, runID string) (*engine.Result, error)
	Resume(ctx context.Context, runID string, ent entity.Entity) (*engine.Result, error)
	Cancel(ctx context.Context, runID string) error
	Status(ctx context.Context, runID string) (*engine.RunStatus, error)
	List(ctx context.Context, filter store.SnapshotFilter) ([]*schema.Snapshot, error)
}

// EntityResolver finds entities by id. *blueprint.Deployment satisfies it.
type EntityResolver interface {
	Find(id string) entity.Entity
}

// Triggers lists and fires workflow sensors and policies.
// *scheduler.Manager satisfies it.
type Triggers interface {
	List() []scheduler.Status
	Fire(ctx context.Context, id string) (string, error)
}

// ServerDeps holds the dependencies for creating a Server. Entities and
// Triggers are optional.
type ServerDeps struct {
	Executor Executor
	Registry *steps.Registry
	Entities EntityResolver
	Triggers Triggers
	Version  string
	Logger   *slog.Logger
}

// Server wraps an MCP server with stepwise tool handlers.
type Server struct {
	executor  Executor
	registry  *steps.Registry
	entities  EntityResolver
	triggers  Triggers
	validator *validation.WorkflowValidator
	sessions  *SessionRegistry
	notifier  AgentNotifier
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) (*Server, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	var types validation.TypeLookup
	if deps.Registry != nil {
		types = deps.Registry
	}
	wv, err := validation.NewWorkflowValidator(types)
	if err != nil {
		return nil, err
	}

	s := &Server{
		executor:  deps.Executor,
		registry:  deps.Registry,
		entities:  deps.Entities,
		triggers:  deps.Triggers,
		validator: wv,
		sessions:  NewSessionRegistry(),
		logger:    logger,
	}

	mcpSrv := server.NewMCPServer(
		"stepwise",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithHooks(s.hooks()),
		server.WithInstructions("Stepwise runs declarative workflows against managed entities. Use stepwise.validate to check a workflow, stepwise.run to execute it (async with agent_id to be notified on completion), stepwise.status and stepwise.list to inspect runs, stepwise.cancel and stepwise.resume to control them, stepwise.types for available step types and stepwise.triggers for sensors and policies."),
	)
	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s, nil
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// hooks drop session mappings when a client goes away.
func (s *Server) hooks() *server.Hooks {
	h := &server.Hooks{}
	h.AddOnUnregisterSession(func(_ context.Context, session server.ClientSession) {
		s.sessions.Remove(session.SessionID())
	})
	return h
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: validateTool(), Handler: s.handleValidate},
		{Tool: typesTool(), Handler: s.handleTypes},
		{Tool: triggersTool(), Handler: s.handleTriggers},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("stepwise.run",
		mcp.WithDescription("Execute a workflow, optionally against an entity"),
		mcp.WithObject("workflow", mcp.Description("Workflow definition object (steps, input, output, on-error, ...)")),
		mcp.WithString("workflow_yaml", mcp.Description("Workflow definition as YAML, used when workflow is not given")),
		mcp.WithString("entity_id", mcp.Description("Entity the workflow runs against")),
		mcp.WithObject("input", mcp.Description("Input values for the workflow")),
		mcp.WithBoolean("async", mcp.Description("Return the run id immediately instead of waiting for the result")),
		mcp.WithString("agent_id", mcp.Description("ID of the calling agent; async runs notify it on completion")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("stepwise.status",
		mcp.WithDescription("Get a run's snapshot, step states and events"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
		mcp.WithBoolean("diagram", mcp.Description("Include a Mermaid flowchart of the run's steps colored by status")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("stepwise.list",
		mcp.WithDescription("List persisted runs"),
		mcp.WithObject("filter", mcp.Description("Filter criteria (status, workflow, entity_id, parent_run_id, top_level, since, limit, offset)")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("stepwise.cancel",
		mcp.WithDescription("Cancel a run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to cancel")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("stepwise.resume",
		mcp.WithDescription("Resume an interrupted run from its persisted cursor"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
		mcp.WithString("entity_id", mcp.Description("Entity the run was started on")),
	)
}

func validateTool() mcp.Tool {
	return mcp.NewTool("stepwise.validate",
		mcp.WithDescription("Validate a workflow definition without running it"),
		mcp.WithObject("workflow", mcp.Description("Workflow definition object")),
		mcp.WithString("workflow_yaml", mcp.Description("Workflow definition as YAML")),
	)
}

func typesTool() mcp.Tool {
	return mcp.NewTool("stepwise.types",
		mcp.WithDescription("List built-in and custom step types"),
	)
}

func triggersTool() mcp.Tool {
	return mcp.NewTool("stepwise.triggers",
		mcp.WithDescription("List workflow sensors and policies, or fire one"),
		mcp.WithString("fire", mcp.Description("Registration id to fire now")),
	)
}
