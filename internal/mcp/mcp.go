// Package mcp implements the Model Context Protocol server for Kobo.
//
// The MCP server exposes the same operations as the HTTP API through tools,
// resources and prompts, so MCP-compatible agents can submit runs, read
// timelines, request approvals and convene the council. Workspace access is
// checked against the claims the HTTP auth middleware places on the context.
package mcp

import (
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/kobo/internal/service/approvals"
	"github.com/ashita-ai/kobo/internal/service/council"
	"github.com/ashita-ai/kobo/internal/service/metrics"
	"github.com/ashita-ai/kobo/internal/service/orchestrator"
	"github.com/ashita-ai/kobo/internal/storage"
)

// Deps are the services the MCP surface calls into.
type Deps struct {
	Store      storage.RunStore
	Dispatcher *orchestrator.Dispatcher
	Roles      *orchestrator.Roles
	Approvals  *approvals.Service
	Council    *council.Service
	Metrics    *metrics.Service
}

// Server wraps the MCP server with Kobo's service layer.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	store      storage.RunStore
	dispatcher *orchestrator.Dispatcher
	roles      *orchestrator.Roles
	approvals  *approvals.Service
	council    *council.Service
	metrics    *metrics.Service
	logger     *slog.Logger
}

// New creates and configures a new MCP server with all tools, resources and
// prompts registered.
func New(deps Deps, logger *slog.Logger, version string) *Server {
	s := &Server{
		store:      deps.Store,
		dispatcher: deps.Dispatcher,
		roles:      deps.Roles,
		approvals:  deps.Approvals,
		council:    deps.Council,
		metrics:    deps.Metrics,
		logger:     logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"kobo",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(serverInstructions),
		mcpserver.WithRecovery(),
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

const serverInstructions = `Kobo runs role-based agents through a grounded, staged pipeline.

Submit work with kobo_submit_run and inspect what happened with
kobo_get_timeline. Runs that cannot ground their output finish failed with
open questions; answer them and submit again.

Anything that writes to an external system (opening a PR, posting to Slack,
filing an issue) needs a human decision first: create a request with
kobo_create_approval, wait for approval, then confirm with
kobo_authorize_action before acting.`

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

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
