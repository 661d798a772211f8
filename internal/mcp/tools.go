package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/kobo/internal/ctxutil"
	"github.com/ashita-ai/kobo/internal/model"
	"github.com/ashita-ai/kobo/internal/policy"
	"github.com/ashita-ai/kobo/internal/service/approvals"
	"github.com/ashita-ai/kobo/internal/service/metrics"
)

func (s *Server) registerTools() {
	// kobo_submit_run: run a role against a goal and wait for the result.
	s.mcpServer.AddTool(
		mcplib.NewTool("kobo_submit_run",
			mcplib.WithDescription(`Run a Kobo agent role against a goal and return the finished run.

The run walks router, planner, retrieval, execution, critic, verifier,
approval gate and committer stages. Output that cannot be grounded in the
workspace's evidence finishes failed with open_questions instead of guessing.

Only one run per (workspace, task, role) may be active at a time.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("workspace_id", mcplib.Description("Workspace UUID"), mcplib.Required()),
			mcplib.WithString("role_key",
				mcplib.Description("Agent role, e.g. project_manager, growth, finance, legal_officer, critic, researcher"),
				mcplib.Required(),
			),
			mcplib.WithString("goal", mcplib.Description("What the agent should produce"), mcplib.Required()),
			mcplib.WithString("task_id", mcplib.Description("Optional task UUID whose evidence grounds the run")),
			mcplib.WithString("stakes_level",
				mcplib.Description("How costly a wrong answer would be"),
				mcplib.Enum(string(model.StakesLow), string(model.StakesMedium), string(model.StakesHigh), string(model.StakesIrreversible)),
			),
		),
		s.handleSubmitRun,
	)

	// kobo_get_timeline: stage-by-stage record of a run.
	s.mcpServer.AddTool(
		mcplib.NewTool("kobo_get_timeline",
			mcplib.WithDescription("Return a run and its timeline entries in stage order."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("run_id", mcplib.Description("Run UUID"), mcplib.Required()),
		),
		s.handleGetTimeline,
	)

	// kobo_create_approval: ask a human to allow an external write.
	s.mcpServer.AddTool(
		mcplib.NewTool("kobo_create_approval",
			mcplib.WithDescription(`Request human approval for an action that writes to an external system.

WHEN TO USE: before opening a PR, pushing a commit, filing or updating an
issue, or posting a message. The response says whether the action type is
gated (requires_gate).`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("workspace_id", mcplib.Description("Workspace UUID"), mcplib.Required()),
			mcplib.WithString("action_type", mcplib.Description("Action type, e.g. github.create_pr or slack.post_message"), mcplib.Required()),
			mcplib.WithString("target", mcplib.Description("What the action writes to, e.g. a repository or channel")),
			mcplib.WithString("summary", mcplib.Description("One line describing the change")),
			mcplib.WithString("diff_preview", mcplib.Description("Optional preview of the change")),
			mcplib.WithString("task_id", mcplib.Description("Optional task UUID")),
		),
		s.handleCreateApproval,
	)

	// kobo_decide_approval: record a human verdict.
	s.mcpServer.AddTool(
		mcplib.NewTool("kobo_decide_approval",
			mcplib.WithDescription("Approve or reject a pending approval request. A request can be decided once."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("approval_id", mcplib.Description("Approval request UUID"), mcplib.Required()),
			mcplib.WithString("decision", mcplib.Description("approve or reject"), mcplib.Required(), mcplib.Enum("approve", "reject")),
			mcplib.WithString("note", mcplib.Description("Optional note stored with the decision")),
		),
		s.handleDecideApproval,
	)

	// kobo_authorize_action: confirm a gated action may run now.
	s.mcpServer.AddTool(
		mcplib.NewTool("kobo_authorize_action",
			mcplib.WithDescription(`Check that the action behind an approval request may be performed now.

Gated action types are only authorized once approved; anything else is a
policy violation and the action must not be performed.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("approval_id", mcplib.Description("Approval request UUID"), mcplib.Required()),
		),
		s.handleAuthorizeAction,
	)

	// kobo_council: multi-perspective deliberation.
	s.mcpServer.AddTool(
		mcplib.NewTool("kobo_council",
			mcplib.WithDescription("Convene the council on a question and return the decision artifact: recommendation, dissenting views, confidence and action plan."),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("workspace_id", mcplib.Description("Workspace UUID"), mcplib.Required()),
			mcplib.WithString("question", mcplib.Description("The question to deliberate"), mcplib.Required()),
			mcplib.WithString("task_id", mcplib.Description("Optional task UUID")),
		),
		s.handleCouncil,
	)

	// kobo_autonomy_scores: earned latitude per role or action type.
	s.mcpServer.AddTool(
		mcplib.NewTool("kobo_autonomy_scores",
			mcplib.WithDescription("Return autonomy scores (success rate, 95% lower bound, tier) per role, or per action type when action_type is given."),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("workspace_id", mcplib.Description("Workspace UUID"), mcplib.Required()),
			mcplib.WithString("role_key", mcplib.Description("Optional role filter")),
			mcplib.WithString("action_type", mcplib.Description("Optional action type; switches to approval outcomes")),
		),
		s.handleAutonomyScores,
	)
}

func (s *Server) handleSubmitRun(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, res := workspaceArg(ctx, request)
	if res != nil {
		return res, nil
	}
	taskID, err := optionalUUIDArg(request, "task_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}

	run, err := s.dispatcher.Submit(ctx, model.RunRequest{
		WorkspaceID: ws,
		TaskID:      taskID,
		RoleKey:     request.GetString("role_key", ""),
		Goal:        request.GetString("goal", ""),
		StakesLevel: model.StakesLevel(request.GetString("stakes_level", "")),
	})
	if err != nil {
		if run.ID == uuid.Nil {
			return errorResult(fmt.Sprintf("run not started: %v", err)), nil
		}
		s.logger.Error("mcp: run faulted", "run_id", run.ID, "error", err)
	}
	return jsonResult(run), nil
}

func (s *Server) handleGetTimeline(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	runID, err := uuid.Parse(request.GetString("run_id", ""))
	if err != nil {
		return errorResult("run_id must be a UUID"), nil
	}
	run, err := s.store.GetRun(ctx, runID)
	if err != nil || !ctxutil.ClaimsFromContext(ctx).CanAccess(run.WorkspaceID) {
		return errorResult("run not found"), nil
	}
	entries, err := s.store.ListTimeline(ctx, runID)
	if err != nil {
		return errorResult(fmt.Sprintf("read timeline: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"run":      run,
		"timeline": entries,
	}), nil
}

func (s *Server) handleCreateApproval(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, res := workspaceArg(ctx, request)
	if res != nil {
		return res, nil
	}
	taskID, err := optionalUUIDArg(request, "task_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	in := model.CreateApprovalRequest{
		WorkspaceID: ws,
		TaskID:      taskID,
		ActionPlan: model.ActionPlan{
			ActionType: request.GetString("action_type", ""),
			Target:     request.GetString("target", ""),
			Summary:    request.GetString("summary", ""),
		},
	}
	if preview := request.GetString("diff_preview", ""); preview != "" {
		in.DiffPreview = &preview
	}

	a, err := s.approvals.Create(ctx, in)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"approval":      a,
		"requires_gate": s.approvals.Policy().RequiresGate(a.ActionPlan.ActionType),
	}), nil
}

func (s *Server) handleDecideApproval(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	a, res := s.approvalArg(ctx, request)
	if res != nil {
		return res, nil
	}
	decision, err := approvals.ParseDecision(request.GetString("decision", ""))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	var note *string
	if n := request.GetString("note", ""); n != "" {
		note = &n
	}
	decided, err := s.approvals.Decide(ctx, a.ID, decision, note, ctxutil.Actor(ctx))
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(decided), nil
}

func (s *Server) handleAuthorizeAction(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	a, res := s.approvalArg(ctx, request)
	if res != nil {
		return res, nil
	}
	if _, err := s.approvals.Authorize(ctx, a.ID); err != nil {
		if errors.Is(err, policy.ErrViolation) {
			return jsonResult(map[string]any{
				"authorized": false,
				"reason":     err.Error(),
			}), nil
		}
		return errorResult(err.Error()), nil
	}
	return jsonResult(map[string]any{
		"authorized":  true,
		"action_type": a.ActionPlan.ActionType,
		"status":      a.Status,
	}), nil
}

func (s *Server) handleCouncil(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, res := workspaceArg(ctx, request)
	if res != nil {
		return res, nil
	}
	taskID, err := optionalUUIDArg(request, "task_id")
	if err != nil {
		return errorResult(err.Error()), nil
	}
	d, err := s.council.Deliberate(ctx, ws, request.GetString("question", ""), taskID)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(d), nil
}

func (s *Server) handleAutonomyScores(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ws, res := workspaceArg(ctx, request)
	if res != nil {
		return res, nil
	}
	scores, err := s.metrics.Scores(ctx, metrics.Query{
		WorkspaceID: ws,
		RoleKey:     request.GetString("role_key", ""),
		ActionType:  request.GetString("action_type", ""),
	})
	if err != nil {
		return errorResult(fmt.Sprintf("autonomy scores: %v", err)), nil
	}
	return jsonResult(map[string]any{
		"scores": scores,
		"total":  len(scores),
	}), nil
}

// workspaceArg parses workspace_id and checks the caller's membership. A
// non-nil result is the error to return to the client.
func workspaceArg(ctx context.Context, request mcplib.CallToolRequest) (uuid.UUID, *mcplib.CallToolResult) {
	ws, err := uuid.Parse(request.GetString("workspace_id", ""))
	if err != nil {
		return uuid.Nil, errorResult("workspace_id must be a UUID")
	}
	if !ctxutil.ClaimsFromContext(ctx).CanAccess(ws) {
		return uuid.Nil, errorResult("no access to workspace")
	}
	return ws, nil
}

func (s *Server) approvalArg(ctx context.Context, request mcplib.CallToolRequest) (model.ApprovalRequest, *mcplib.CallToolResult) {
	id, err := uuid.Parse(request.GetString("approval_id", ""))
	if err != nil {
		return model.ApprovalRequest{}, errorResult("approval_id must be a UUID")
	}
	a, err := s.approvals.Get(ctx, id)
	if err != nil || !ctxutil.ClaimsFromContext(ctx).CanAccess(a.WorkspaceID) {
		return model.ApprovalRequest{}, errorResult("approval request not found")
	}
	return a, nil
}

func optionalUUIDArg(request mcplib.CallToolRequest, key string) (*uuid.UUID, error) {
	raw := request.GetString(key, "")
	if raw == "" {
		return nil, nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be a UUID", key)
	}
	return &id, nil
}
