package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/jshorwitz/ai-adwords/internal/ratelimit"
)

// Server is the adagent HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, Broker, MCPServer, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	DB     Store
	Runner JobRunner
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter   ratelimit.Limiter
	Broker    *Broker
	MCPServer *mcpserver.MCPServer

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	RealMutations       bool
	OpenAPISpec         []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(HandlersDeps{
		DB:                  cfg.DB,
		Runner:              cfg.Runner,
		Broker:              cfg.Broker,
		Logger:              cfg.Logger,
		Version:             cfg.Version,
		RealMutations:       cfg.RealMutations,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	// Manual triggers are throttled per client; reads are not.
	executeRL := ratelimit.Middleware(cfg.Limiter, func(r *http.Request) string {
		return "api:execute:" + ratelimit.IPKeyFunc(r)
	}, reqIDFunc, cfg.Logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/agents", h.HandleListAgents)
	mux.Handle("POST /v1/agents/{name}/execute", executeRL(http.HandlerFunc(h.HandleExecute)))
	mux.HandleFunc("GET /v1/agents/{name}/runs", h.HandleListAgentRuns)
	mux.HandleFunc("GET /v1/agents/{name}/watermarks", h.HandleListWatermarks)

	mux.HandleFunc("GET /v1/runs/stream", h.HandleSubscribe)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", h.HandleCancelRun)
	mux.HandleFunc("GET /v1/jobs/{job_id}", h.HandleGetJob)

	// MCP StreamableHTTP transport.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", mcpserver.NewStreamableHTTPServer(cfg.MCPServer))
	}

	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
