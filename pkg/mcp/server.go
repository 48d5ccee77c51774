package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/internal/engine"
	"github.com/rendis/stepflow/internal/loader"
	"github.com/rendis/stepflow/internal/logging"
	"github.com/rendis/stepflow/internal/scheduler"
	"github.com/rendis/stepflow/internal/store"
	"github.com/rendis/stepflow/pkg/schema"
)

// Runtime is the part of the engine the tools drive.
type Runtime interface {
	Run(ctx context.Context, name string, inputs map[string]any) *schema.WorkflowResult
	Go(ctx context.Context, name string, inputs map[string]any) (<-chan *schema.WorkflowResult, error)
	Register(def *engine.Definition) error
	Get(name string) (*engine.Definition, bool)
	List() []*engine.Definition
	History() []*schema.WorkflowRun
	RunRecord(runID string) (*schema.WorkflowRun, bool)
	Stats() schema.Stats
	PoolMetrics() engine.PoolMetrics
}

// ServerDeps holds the dependencies for creating a Server. Only Runtime is
// required; tools backed by a nil dependency report it as unavailable.
type ServerDeps struct {
	Runtime   Runtime
	Loader    *loader.Loader
	Actions   *actions.Registry
	Archive   store.Archive
	Events    *store.EventLog
	Scheduler *scheduler.Scheduler
	Logger    *slog.Logger
	Version   string
}

// Server exposes the engine as MCP tools.
type Server struct {
	runtime   Runtime
	loader    *loader.Loader
	actions   *actions.Registry
	archive   store.Archive
	events    *store.EventLog
	scheduler *scheduler.Scheduler
	logger    *slog.Logger

	sessions  *SessionRegistry
	notifier  Notifier
	mcpServer *server.MCPServer
}

// NewServer creates a Server with every tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	version := deps.Version
	if version == "" {
		version = "dev"
	}

	s := &Server{
		runtime:   deps.Runtime,
		loader:    deps.Loader,
		actions:   deps.Actions,
		archive:   deps.Archive,
		events:    deps.Events,
		scheduler: deps.Scheduler,
		logger:    logger,
		sessions:  NewSessionRegistry(),
	}

	mcpSrv := server.NewMCPServer(
		"stepflow",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Stepflow runs named, sequential workflows. Use stepflow.list to discover workflows, "+
			"stepflow.run to execute one, stepflow.define to register a new definition, stepflow.history and "+
			"stepflow.status to inspect runs, stepflow.stats for aggregate outcomes, and stepflow.diagram to "+
			"visualize a workflow or a run."),
	)
	mcpSrv.AddTools(s.tools()...)

	s.mcpServer = mcpSrv
	s.notifier = NewMCPNotifier(mcpSrv, s.sessions)
	return s
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

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: historyTool(), Handler: s.handleHistory},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: statsTool(), Handler: s.handleStats},
		{Tool: actionsTool(), Handler: s.handleActions},
		{Tool: eventsTool(), Handler: s.handleEvents},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}
