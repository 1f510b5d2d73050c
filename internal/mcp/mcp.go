// Package mcp implements the Model Context Protocol server for adagent.
//
// The MCP server exposes the same agent operations as the HTTP API through
// MCP tools, resources and prompts, so an assistant can trigger ingestion,
// inspect the run ledger and request dry-run proposals without going through
// the REST surface.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jshorwitz/ai-adwords/internal/agent"
	"github.com/jshorwitz/ai-adwords/internal/model"
	"github.com/jshorwitz/ai-adwords/internal/runner"
)

// JobRunner dispatches agent jobs. *runner.Runner satisfies it.
type JobRunner interface {
	Registry() *agent.Registry
	Execute(ctx context.Context, req runner.Request) (runner.Outcome, error)
	ExecuteAsync(ctx context.Context, req runner.Request) (runner.Outcome, error)
	Cancel(runID uuid.UUID) bool
}

// Store is the read side of the run ledger. *storage.DB satisfies it.
type Store interface {
	GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error)
	ListRuns(ctx context.Context, agentName string, limit, offset int) ([]model.AgentRun, int, error)
	ListWatermarks(ctx context.Context, agentName string) ([]model.Watermark, error)
}

// Server wraps the mcp-go server with adagent's runner and ledger.
type Server struct {
	mcpServer *mcpserver.MCPServer
	runner    JobRunner
	db        Store
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts registered.
func New(r JobRunner, db Store, logger *slog.Logger, version string) *Server {
	s := &Server{
		runner: r,
		db:     db,
		logger: logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"adagent",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResult(v any) *mcplib.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error())
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}
}
