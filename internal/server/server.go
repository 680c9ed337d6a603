package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/aos-labs/contextd/internal/service"
)

// Server is the contextd HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds dependencies and settings for creating a Server.
type Config struct {
	Service      *service.Service
	Logger       *slog.Logger
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string

	// Optional MCP server, mounted at /mcp when set.
	MCPServer *mcpserver.MCPServer
}

// New creates a new HTTP server with all routes configured.
func New(cfg Config) *Server {
	h := NewHandlers(cfg.Service, cfg.Logger, cfg.Version)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("POST /v1/runs/boot", h.HandleBoot)
	mux.HandleFunc("GET /v1/runs/{run_id}/ws", h.HandleGetWS)
	mux.HandleFunc("POST /v1/runs/{run_id}/patch", h.HandleApplyPatch)
	mux.HandleFunc("POST /v1/runs/{run_id}/memory/propose", h.HandleProposeMemory)
	mux.HandleFunc("POST /v1/runs/{run_id}/memory/commit", h.HandleCommitMemory)
	mux.HandleFunc("GET /v1/runs/{run_id}/memory/search", h.HandleSearchMemory)
	mux.HandleFunc("POST /v1/runs/{run_id}/milestone", h.HandleMilestone)
	mux.HandleFunc("POST /v1/runs/{run_id}/resume/snapshot", h.HandleResumeSnapshot)
	mux.HandleFunc("POST /v1/resume/load", h.HandleResumeLoad)

	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	root := requestIDMiddleware(loggingMiddleware(cfg.Logger, mux))

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      root,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: root,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe starts serving until the listener fails or Shutdown runs.
func (s *Server) ListenAndServe() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
