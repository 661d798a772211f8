// Package server implements the HTTP API for Kobo: run submission and
// queries, approvals, council sessions, autonomy scores, and SSE/WebSocket
// event streams. The MCP tool surface is mounted at /mcp.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kobo/internal/auth"
	"github.com/ashita-ai/kobo/internal/eventbus"
	"github.com/ashita-ai/kobo/internal/ratelimit"
	"github.com/ashita-ai/kobo/internal/service/approvals"
	"github.com/ashita-ai/kobo/internal/service/council"
	"github.com/ashita-ai/kobo/internal/service/metrics"
	"github.com/ashita-ai/kobo/internal/service/orchestrator"
	"github.com/ashita-ai/kobo/internal/storage"
)

// Server is the Kobo HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): JWTMgr, MCPServer, Outbox, Generator, RateLimiter.
type ServerConfig struct {
	// Required dependencies.
	Store      storage.Store
	Dispatcher *orchestrator.Dispatcher
	Roles      *orchestrator.Roles
	Approvals  *approvals.Service
	Council    *council.Service
	Metrics    *metrics.Service
	Bus        *eventbus.Bus
	Logger     *slog.Logger

	// Optional dependencies (nil = disabled).
	JWTMgr    *auth.JWTManager // nil runs every request as auth.DevClaims
	MCPServer *mcpserver.MCPServer
	Outbox    OutboxStats
	Generator Pinger

	// RateLimiter throttles run submission and council sessions per caller.
	RateLimiter    ratelimit.Limiter
	RateLimitRetry time.Duration

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := NewHandlers(cfg)

	mux := http.NewServeMux()
	handle := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, routeSpan(fn))
	}
	// limited marks the generation-heavy routes: rate limited per caller and
	// exempt from the write timeout.
	limited := func(fn http.HandlerFunc) http.HandlerFunc { return generationDeadline(fn).ServeHTTP }
	if cfg.RateLimiter != nil {
		mw := ratelimit.Middleware(cfg.RateLimiter, callerKey, cfg.RateLimitRetry, writeRateLimited, cfg.Logger)
		limited = func(fn http.HandlerFunc) http.HandlerFunc { return generationDeadline(mw(fn)).ServeHTTP }
	}

	// Runs.
	handle("POST /v1/agent-runs", limited(h.HandleSubmitRun))
	handle("GET /v1/agent-runs", h.HandleListRuns)
	handle("GET /v1/agent-runs/{run_id}", h.HandleGetRun)
	handle("GET /v1/agent-runs/{run_id}/timeline", h.HandleRunTimeline)
	handle("GET /v1/tasks/{task_id}/timeline", h.HandleTaskTimeline)
	handle("GET /v1/agents", h.HandleListAgents)

	// Approvals.
	handle("POST /v1/approvals", h.HandleCreateApproval)
	handle("GET /v1/approvals", h.HandleListApprovals)
	handle("GET /v1/approvals/{approval_id}", h.HandleGetApproval)
	handle("POST /v1/approvals/{approval_id}/approve", h.HandleDecideApproval(approvals.Approve))
	handle("POST /v1/approvals/{approval_id}/reject", h.HandleDecideApproval(approvals.Reject))
	handle("POST /v1/approvals/{approval_id}/authorize", h.HandleAuthorizeApproval)
	handle("GET /v1/audit", h.HandleListAudit)
	handle("GET /v1/policy", h.HandleGetPolicy)

	// Council.
	handle("POST /v1/council/sessions", limited(h.HandleCouncilSession))
	handle("GET /v1/decisions/{decision_id}", h.HandleGetDecision)
	handle("POST /v1/decisions/{decision_id}/final", h.HandleFinalDecision)

	// Autonomy.
	handle("GET /v1/autonomy-scores", h.HandleAutonomyScores)

	// Events: outbox diagnostics plus live streams (no write deadline).
	handle("GET /v1/events", h.HandleListEvents)
	handle("GET /v1/workspaces/{workspace_id}/events", h.HandleSubscribe)
	handle("GET /v1/workspaces/{workspace_id}/ws", h.HandleWebSocket)

	// MCP StreamableHTTP transport (auth required). Tool calls can run the
	// full pipeline, so the write timeout does not apply.
	if cfg.MCPServer != nil {
		mux.Handle("/mcp", routeSpan(generationDeadline(mcpserver.NewStreamableHTTPServer(cfg.MCPServer))))
	}

	// Health (no auth).
	handle("GET /health", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → body limit → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(cfg.JWTMgr, handler)
	handler = bodyLimitMiddleware(cfg.MaxRequestBodyBytes, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins listening for HTTP requests. It returns
// http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
