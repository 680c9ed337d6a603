// Package mcp exposes the context manager's read surface over the Model
// Context Protocol, so MCP-compatible agents can pull their own brief and
// search long-term memory without the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/aos-labs/contextd/internal/model"
	"github.com/aos-labs/contextd/internal/service"
)

// Server wraps the MCP server around the service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	svc       *service.Service
	logger    *slog.Logger
}

// New creates and configures the MCP server with all tools registered.
func New(svc *service.Service, version string, logger *slog.Logger) *Server {
	s := &Server{svc: svc, logger: logger}

	s.mcpServer = mcpserver.NewMCPServer(
		"contextd",
		version,
		mcpserver.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("context_brief",
			mcplib.WithDescription("Render the deterministic context brief for a run: objective, criteria, constraints, pinned and sliding context, retrieved long-term memory, and status."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("run_id",
				mcplib.Description("Run identifier"),
				mcplib.Required(),
			),
		),
		s.handleBrief,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("get_working_set",
			mcplib.WithDescription("Fetch the full working-set document for a run, including its current _update_seq for optimistic patching."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("run_id",
				mcplib.Description("Run identifier"),
				mcplib.Required(),
			),
		),
		s.handleGetWS,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("search_memory",
			mcplib.WithDescription("Search committed long-term memory with keyword matching and scope/type filters. Ordering is deterministic."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithString("run_id",
				mcplib.Description("Run identifier used to resolve non-global scopes"),
				mcplib.Required(),
			),
			mcplib.WithString("query",
				mcplib.Description("Keyword query over memory content"),
			),
			mcplib.WithString("scope",
				mcplib.Description("Optional scope filter: global, run, task, or thread"),
			),
			mcplib.WithString("type",
				mcplib.Description("Optional type filter: fact, preference, skill, or other"),
			),
			mcplib.WithNumber("top_k",
				mcplib.Description("Maximum results to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(8),
			),
		),
		s.handleSearch,
	)
}

func (s *Server) handleBrief(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	out, err := s.svc.ContextBrief(ctx, runID)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	return mcplib.NewToolResultText(out), nil
}

func (s *Server) handleGetWS(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	ws, err := s.svc.GetWS(ctx, runID)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	data, err := json.MarshalIndent(ws, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal working set: %w", err)
	}
	return mcplib.NewToolResultText(string(data)), nil
}

func (s *Server) handleSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	q := model.SearchQuery{
		Text: request.GetString("query", ""),
		TopK: int(request.GetFloat("top_k", 8)),
	}
	if v := request.GetString("scope", ""); v != "" {
		scope := model.MemoryScope(v)
		q.Scope = &scope
	}
	if v := request.GetString("type", ""); v != "" {
		typ := model.MemoryType(v)
		q.Type = &typ
	}

	resp, err := s.svc.SearchMemory(ctx, runID, q)
	if err != nil {
		return mcplib.NewToolResultError(err.Error()), nil
	}
	data, err := json.MarshalIndent(resp.Results, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal results: %w", err)
	}
	return mcplib.NewToolResultText(string(data)), nil
}
