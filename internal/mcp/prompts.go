package mcp

import (
	"context"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// run-brief: frames a goal for a specific role before submitting it.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("run-brief",
			mcplib.WithPromptDescription("Frame a goal for an agent role and submit it as a grounded run"),
			mcplib.WithArgument("role_key",
				mcplib.ArgumentDescription("Role to run, e.g. growth or legal_officer"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("goal",
				mcplib.ArgumentDescription("What the agent should produce"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleRunBriefPrompt,
	)

	// agent-setup: system prompt snippet explaining the Kobo workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining runs, approvals and the council"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleRunBriefPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	roleKey := request.Params.Arguments["role_key"]
	goal := request.Params.Arguments["goal"]
	if roleKey == "" || goal == "" {
		return nil, fmt.Errorf("role_key and goal arguments are required")
	}
	role, ok := s.roles.Lookup(roleKey)
	if !ok {
		return nil, fmt.Errorf("unknown role %q (known: %s)", roleKey, strings.Join(s.roles.Keys(), ", "))
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Brief for %s: %s", role.DisplayName, goal),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`You are handing work to %s, the %s (%s).

Goal: %s

1. MAKE SURE the workspace has evidence for this goal. Runs without evidence
   abstain and return open_questions instead of an answer.

2. CALL kobo_submit_run with role_key="%s" and the goal above. Pass task_id
   when the evidence is attached to a task, and stakes_level="high" or
   "irreversible" when a wrong answer would be costly.

3. READ the result:
   - status "completed": use output.executive_summary and
     output.grounded_claims. Check output.confidence_score and
     output.review_flags.
   - status "failed": answer output.open_questions, add evidence, and submit again.

4. If the run proposes an external write, CALL kobo_create_approval and wait
   for a human before acting.`, role.DisplayName, role.Title, role.Tone, goal, role.Key),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Kobo agent workflow",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `You have access to Kobo, an orchestrator for role-based agents. Every run is
grounded in workspace evidence, scored for confidence, and recorded stage by
stage so there is always a trail of what happened.

## Runs

Call kobo_submit_run with a role and a goal. Kobo routes, plans, retrieves
evidence, generates, critiques and verifies. A run that cannot cite evidence
does not guess: it fails with open_questions. Read kobo_get_timeline to see
each stage.

## External writes need a human

Opening PRs, pushing commits, filing issues and posting messages are gated.

1. kobo_create_approval with the action type and a one-line summary.
2. Wait for a human to approve (kobo_decide_approval is for humans).
3. kobo_authorize_action right before acting. If authorized is false, stop.

## Hard questions

kobo_council convenes several perspectives and returns a recommendation with
dissenting views, a confidence and an action plan. A human records the final
decision.

## Autonomy

kobo_autonomy_scores reports how often each role's runs complete and how often
each action type is approved. Treat a low tier as a reason to ask first.`,
				},
			},
		},
	}, nil
}
