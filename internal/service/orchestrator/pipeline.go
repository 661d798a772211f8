package orchestrator

import (
	"context"
	"fmt"

	"github.com/ashita-ai/kobo/internal/confidence"
	"github.com/ashita-ai/kobo/internal/model"
)

// evidenceLimit bounds how much context the retrieve stage loads.
const evidenceLimit = 50

// runState carries one run through the pipeline. Only the goroutine
// executing the run touches it.
type runState struct {
	run      model.AgentRun
	req      model.RunRequest
	evidence []model.Evidence

	output    model.AgentOutput
	generated bool
	// status is the terminal status chosen by the verifier.
	status model.RunStatus
}

// stageFunc performs a stage's work and returns the metadata recorded on
// its timeline entry.
type stageFunc func(ctx context.Context, st *runState) (map[string]any, error)

// stage describes one timeline entry of the pipeline. The entry is appended
// after exec returns; a nil exec records the entry without doing work, and a
// nil status records it as completed. finish, when set, runs after the entry
// is stored.
type stage struct {
	name    model.Stage
	title   string
	summary string
	exec    stageFunc
	status  func(st *runState) model.EntryStatus
	finish  func(ctx context.Context, st *runState) error
}

// StageError reports which stage faulted.
type StageError struct {
	Stage model.Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// defaultPipeline returns the stage descriptors in execution order. The
// execute stage appears twice so its entries bracket the generation call.
func (o *Orchestrator) defaultPipeline() []stage {
	return []stage{
		{
			name:    model.StageRouter,
			title:   "Routing",
			summary: "Classified request and selected execution path.",
			exec:    o.route,
		},
		{
			name:    model.StagePlanner,
			title:   "Planning",
			summary: "Built staged execution plan with risk checks.",
			exec:    o.plan,
		},
		{
			name:    model.StageRetrieve,
			title:   "Retrieval",
			summary: "Collected contextual evidence before generation.",
			exec:    o.retrieve,
		},
		{
			name:    model.StageExecute,
			title:   "Execution",
			summary: "Generated draft output from retrieved context.",
			status:  func(*runState) model.EntryStatus { return model.EntryRunning },
		},
		{
			name:    model.StageExecute,
			title:   "Execution complete",
			summary: "Draft output generated.",
			exec:    o.generate,
		},
		{
			name:    model.StageCritic,
			title:   "Critic pass",
			summary: "Checked unsupported claims and contradictions.",
			exec:    o.critique,
		},
		{
			name:    model.StageVerifier,
			title:   "Verifier pass",
			summary: "Validated confidence and schema constraints.",
			exec:    o.verify,
			status: func(st *runState) model.EntryStatus {
				if st.status == model.RunStatusCompleted {
					return model.EntryCompleted
				}
				return model.EntryAbstained
			},
		},
		{
			name:    model.StageApprovalGate,
			title:   "Approval gate",
			summary: "No external write action requested; no human gate required.",
		},
		{
			name:    model.StageCommitter,
			title:   "Committer",
			summary: "Run finalized and published.",
			exec:    o.commit,
			finish:  o.finishRun,
			status: func(st *runState) model.EntryStatus {
				if st.status == model.RunStatusCompleted {
					return model.EntryCompleted
				}
				return model.EntryFailed
			},
		},
	}
}

func (o *Orchestrator) route(_ context.Context, st *runState) (map[string]any, error) {
	_, known := o.runtime.Roles().Lookup(st.req.RoleKey)
	return map[string]any{"role_key": st.req.RoleKey, "known_role": known}, nil
}

func (o *Orchestrator) plan(_ context.Context, st *runState) (map[string]any, error) {
	return map[string]any{"stakes_level": string(st.req.StakesLevel)}, nil
}

func (o *Orchestrator) retrieve(ctx context.Context, st *runState) (map[string]any, error) {
	evidence, err := o.store.ListEvidence(ctx, st.req.WorkspaceID, st.req.TaskID, evidenceLimit)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	total, err := o.store.CountEvidence(ctx, st.req.WorkspaceID, st.req.TaskID)
	if err != nil {
		return nil, fmt.Errorf("count evidence: %w", err)
	}
	st.evidence = evidence
	return map[string]any{"evidence_count": total, "evidence_loaded": len(evidence)}, nil
}

func (o *Orchestrator) generate(ctx context.Context, st *runState) (map[string]any, error) {
	st.output = o.runtime.Run(ctx, st.req, st.evidence)
	st.generated = true
	md := map[string]any{
		"open_questions":    len(st.output.OpenQuestions),
		"executive_summary": st.output.ExecutiveSummary,
	}
	if st.output.ModelUsed != nil {
		md["model_used"] = *st.output.ModelUsed
	}
	return md, nil
}

func (o *Orchestrator) critique(_ context.Context, st *runState) (map[string]any, error) {
	return map[string]any{"review_flags": st.output.ReviewFlags}, nil
}

func (o *Orchestrator) verify(_ context.Context, st *runState) (map[string]any, error) {
	score := st.output.ConfidenceScore
	if score < 0 || score > 1 {
		return nil, fmt.Errorf("confidence %v outside [0,1]", score)
	}
	st.status = model.RunStatusFailed
	if confidence.Passes(score) {
		st.status = model.RunStatusCompleted
	}
	return map[string]any{"confidence_score": score}, nil
}

func (o *Orchestrator) commit(_ context.Context, st *runState) (map[string]any, error) {
	return map[string]any{
		"final_status":      string(st.status),
		"executive_summary": st.output.ExecutiveSummary,
		"open_questions":    st.output.OpenQuestions,
		"review_flags":      st.output.ReviewFlags,
	}, nil
}

// finishRun is the last write of a run. Until it succeeds the run is still
// running, so any earlier fault can still mark it failed.
func (o *Orchestrator) finishRun(ctx context.Context, st *runState) error {
	output := st.output
	run, err := o.store.FinishRun(ctx, st.run.ID, st.status, &output)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	st.run = run
	return nil
}
