package mcp

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kobo/internal/ctxutil"
)

const (
	agentsURI       = "kobo://agents"
	policyURI       = "kobo://policy"
	timelinePrefix  = "kobo://runs/"
	timelineSuffix  = "/timeline"
	timelineURIForm = timelinePrefix + "{id}" + timelineSuffix
)

func (s *Server) registerResources() {
	// kobo://agents: registered role profiles.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			agentsURI,
			"Agent Roles",
			mcplib.WithResourceDescription("Role profiles runs can be submitted against"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgents,
	)

	// kobo://policy: action types that need human approval.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			policyURI,
			"Approval Policy",
			mcplib.WithResourceDescription("Action types that require an approved request before they run"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePolicy,
	)

	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			timelineURIForm,
			"Run Timeline",
			mcplib.WithTemplateDescription("Stage-by-stage timeline of a run"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleRunTimeline,
	)
}

func (s *Server) handleAgents(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonResource(agentsURI, s.roles.List())
}

func (s *Server) handlePolicy(_ context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	return jsonResource(policyURI, map[string]any{
		"gated_actions": s.approvals.Policy().Gated(),
	})
}

func (s *Server) handleRunTimeline(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	raw := strings.TrimSuffix(strings.TrimPrefix(uri, timelinePrefix), timelineSuffix)
	runID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("mcp: invalid timeline URI: %s", uri)
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil || !ctxutil.ClaimsFromContext(ctx).CanAccess(run.WorkspaceID) {
		return nil, fmt.Errorf("mcp: run %s not found", runID)
	}
	entries, err := s.store.ListTimeline(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("mcp: run timeline: %w", err)
	}
	return jsonResource(uri, map[string]any{
		"run":      run,
		"timeline": entries,
	})
}
