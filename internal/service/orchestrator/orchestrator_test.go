package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kobo/internal/eventbus"
	"github.com/ashita-ai/kobo/internal/model"
	"github.com/ashita-ai/kobo/internal/service/generation"
	"github.com/ashita-ai/kobo/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeGen returns a canned result and records the prompts it saw.
type fakeGen struct {
	result  generation.Result
	panics  bool
	prompts []string
}

func (g *fakeGen) Generate(_ context.Context, prompt string, _ float64) generation.Result {
	g.prompts = append(g.prompts, prompt)
	if g.panics {
		panic("backend exploded")
	}
	return g.result
}

func (g *fakeGen) DefaultTemperature() float64 { return 0.2 }

// faultyStore injects failures into a MemStore.
type faultyStore struct {
	*storage.MemStore
	evidenceErr error
	// failAppendAt fails the n-th AppendTimeline call (1-based); 0 disables.
	failAppendAt int
	appends      int
}

func (s *faultyStore) ListEvidence(ctx context.Context, ws uuid.UUID, task *uuid.UUID, limit int) ([]model.Evidence, error) {
	if s.evidenceErr != nil {
		return nil, s.evidenceErr
	}
	return s.MemStore.ListEvidence(ctx, ws, task, limit)
}

func (s *faultyStore) AppendTimeline(ctx context.Context, e model.TimelineEntry) error {
	s.appends++
	if s.failAppendAt > 0 && s.appends == s.failAppendAt {
		return errors.New("disk full")
	}
	return s.MemStore.AppendTimeline(ctx, e)
}

type fixture struct {
	store *storage.MemStore
	bus   *eventbus.Bus
	gen   *fakeGen
	orch  *Orchestrator
}

func newFixture(t *testing.T, store Store, mem *storage.MemStore) *fixture {
	t.Helper()
	gen := &fakeGen{result: generation.Result{Text: "## Plan\n- ship it", Model: "qwen3:1.7b-q4_K_M"}}
	bus := eventbus.New(nil, testLogger(), 0)
	return &fixture{
		store: mem,
		bus:   bus,
		gen:   gen,
		orch:  New(store, bus, NewRuntime(gen, nil), testLogger()),
	}
}

func newMemFixture(t *testing.T) *fixture {
	mem := storage.NewMemStore(0)
	return newFixture(t, mem, mem)
}

func (f *fixture) addEvidence(t *testing.T, ws uuid.UUID, task *uuid.UUID) {
	t.Helper()
	require.NoError(t, f.store.AddEvidence(context.Background(), model.Evidence{
		ID:          uuid.New(),
		WorkspaceID: ws,
		TaskID:      task,
		Claim:       "Launch checklist approved by ops",
		SourceType:  "task",
		SourceRef:   "task:launch",
		Confidence:  0.83,
		CreatedAt:   time.Now().UTC(),
	}))
}

func drain(sub *eventbus.Subscription) []model.Event {
	var out []model.Event
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func stagesOf(entries []model.TimelineEntry) []model.Stage {
	out := make([]model.Stage, len(entries))
	for i, e := range entries {
		out[i] = e.Stage
	}
	return out
}

var wantStages = []model.Stage{
	model.StageRouter,
	model.StagePlanner,
	model.StageRetrieve,
	model.StageExecute,
	model.StageExecute,
	model.StageCritic,
	model.StageVerifier,
	model.StageApprovalGate,
	model.StageCommitter,
}

func TestExecuteGroundedRunCompletes(t *testing.T) {
	ctx := context.Background()
	f := newMemFixture(t)
	ws, task := uuid.New(), uuid.New()
	f.addEvidence(t, ws, &task)
	sub := f.bus.Subscribe(ws)
	defer sub.Close()

	run, err := f.orch.Execute(ctx, model.RunRequest{
		WorkspaceID: ws,
		TaskID:      &task,
		RoleKey:     "project_manager",
		Goal:        "Plan the beta launch",
	})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleted, run.Status)
	assert.Equal(t, model.StakesMedium, run.StakesLevel)
	require.NotNil(t, run.Output)
	assert.InDelta(t, 0.8115, run.Output.ConfidenceScore, 1e-9)
	assert.Empty(t, run.Output.OpenQuestions)
	assert.Empty(t, run.Output.ReviewFlags)
	assert.Equal(t, "project_manager produced an actionable draft.", run.Output.ExecutiveSummary)
	require.Len(t, run.Output.GroundedClaims, 1)
	assert.Len(t, run.Output.GroundedClaims[0].EvidenceLinks, 1)
	require.NotNil(t, run.Output.ModelUsed)
	assert.Equal(t, "qwen3:1.7b-q4_K_M", *run.Output.ModelUsed)

	entries, err := f.store.ListTimeline(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, wantStages, stagesOf(entries))
	for _, e := range entries {
		assert.Equal(t, run.ID, e.RunID)
		assert.Equal(t, "project_manager", e.AgentRole)
		require.NotNil(t, e.TaskID)
		assert.Equal(t, task, *e.TaskID)
	}
	assert.Equal(t, model.EntryRunning, entries[3].Status)
	assert.Equal(t, model.EntryCompleted, entries[4].Status)
	assert.Equal(t, 1, entries[2].Metadata["evidence_count"])
	assert.Equal(t, model.EntryCompleted, entries[6].Status)
	assert.Equal(t, model.EntryCompleted, entries[8].Status)

	stored, err := f.store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusCompleted, stored.Status)

	events := drain(sub)
	require.Len(t, events, 1+len(wantStages)+1)
	assert.Equal(t, model.EventRunStarted, events[0].Type)
	for i, e := range events[1 : len(events)-1] {
		assert.Equal(t, model.EventRunStage, e.Type)
		assert.Equal(t, string(wantStages[i]), e.Payload["stage"])
	}
	terminal := events[len(events)-1]
	assert.Equal(t, model.EventRunCompleted, terminal.Type)
	assert.Equal(t, run.ID, terminal.Payload["run_id"])
	assert.Equal(t, "completed", terminal.Payload["status"])
	assert.InDelta(t, 0.8115, terminal.Payload["confidence"], 1e-9)
}

func TestExecuteWithoutEvidenceAbstains(t *testing.T) {
	ctx := context.Background()
	f := newMemFixture(t)
	ws := uuid.New()
	sub := f.bus.Subscribe(ws)
	defer sub.Close()

	run, err := f.orch.Execute(ctx, model.RunRequest{WorkspaceID: ws, RoleKey: "finance", Goal: "Estimate Q3 burn"})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.InDelta(t, 0.6675, run.Output.ConfidenceScore, 1e-9)
	assert.Equal(t, []string{clarificationQuestion}, run.Output.OpenQuestions)
	assert.Contains(t, run.Output.ReviewFlags, FlagAbstained)
	assert.Contains(t, run.Output.ReviewFlags, FlagUngrounded)
	assert.Empty(t, run.Output.GroundedClaims)

	entries, err := f.store.ListTimeline(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, wantStages, stagesOf(entries))
	assert.Equal(t, model.EntryAbstained, entries[6].Status)
	assert.Equal(t, model.EntryFailed, entries[8].Status)
	assert.Equal(t, "failed", entries[8].Metadata["final_status"])

	events := drain(sub)
	terminal := events[len(events)-1]
	assert.Equal(t, model.EventRunEscalated, terminal.Type)
	assert.Equal(t, []string{clarificationQuestion}, terminal.Payload["open_questions"])
}

func TestExecuteFallbackScoresBelowThreshold(t *testing.T) {
	ctx := context.Background()
	f := newMemFixture(t)
	ws := uuid.New()
	f.addEvidence(t, ws, nil)
	f.gen.result = generation.Result{Text: `{"summary": "fallback"}`, Fallback: true}

	run, err := f.orch.Execute(ctx, model.RunRequest{WorkspaceID: ws, RoleKey: "growth", Goal: "Find a channel"})
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.InDelta(t, 0.225, run.Output.ConfidenceScore, 1e-9)
	assert.Nil(t, run.Output.ModelUsed)
	assert.Empty(t, run.Output.GroundedClaims)
	assert.Contains(t, run.Output.ReviewFlags, FlagGenerationFallback)
	assert.Equal(t, `{"summary": "fallback"}`, run.Output.FullContent)
}

func TestExecuteStageFaultLeavesFailedEntry(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemStore(0)
	fs := &faultyStore{MemStore: mem, evidenceErr: errors.New("connection reset")}
	f := newFixture(t, fs, mem)
	ws := uuid.New()
	sub := f.bus.Subscribe(ws)
	defer sub.Close()

	run, err := f.orch.Execute(ctx, model.RunRequest{WorkspaceID: ws, RoleKey: "critic", Goal: "Review the plan"})
	require.Error(t, err)
	var se *StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, model.StageRetrieve, se.Stage)
	assert.Equal(t, model.RunStatusFailed, run.Status)

	entries, err := mem.ListTimeline(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	last := entries[len(entries)-1]
	assert.Equal(t, model.StageCommitter, last.Stage)
	assert.Equal(t, model.EntryFailed, last.Status)
	assert.Equal(t, "retrieve", last.Metadata["failed_stage"])
	assert.Contains(t, last.Metadata["error"], "connection reset")

	stored, err := mem.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, stored.Status)

	events := drain(sub)
	terminal := events[len(events)-1]
	assert.Equal(t, model.EventRunEscalated, terminal.Type)
	assert.Contains(t, terminal.Payload["error"], "connection reset")
}

func TestExecuteTimelineWriteFault(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemStore(0)
	fs := &faultyStore{MemStore: mem, failAppendAt: 6}
	f := newFixture(t, fs, mem)
	ws := uuid.New()
	f.addEvidence(t, ws, nil)

	run, err := f.orch.Execute(ctx, model.RunRequest{WorkspaceID: ws, RoleKey: "researcher", Goal: "Summarize sources"})
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)

	entries, err := mem.ListTimeline(ctx, run.ID)
	require.NoError(t, err)
	// Five stages succeeded, the critic write failed, then the fault entry.
	require.Len(t, entries, 6)
	last := entries[5]
	assert.Equal(t, model.StageCommitter, last.Stage)
	assert.Equal(t, model.EntryFailed, last.Status)
	assert.Equal(t, "critic", last.Metadata["failed_stage"])

	// The output generated before the fault is kept on the failed run.
	stored, err := mem.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Output)
	assert.InDelta(t, 0.8115, stored.Output.ConfidenceScore, 1e-9)
}

func TestExecuteCommitterWriteFaultFailsRun(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemStore(0)
	// Eight stage entries succeed; the committer's write is the ninth.
	fs := &faultyStore{MemStore: mem, failAppendAt: 9}
	f := newFixture(t, fs, mem)
	ws := uuid.New()
	f.addEvidence(t, ws, nil)
	sub := f.bus.Subscribe(ws)
	defer sub.Close()

	run, err := f.orch.Execute(ctx, model.RunRequest{WorkspaceID: ws, RoleKey: "growth", Goal: "Draft the launch plan"})
	require.Error(t, err)
	assert.Equal(t, model.RunStatusFailed, run.Status)

	stored, err := mem.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, stored.Status)

	entries, err := mem.ListTimeline(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, entries, 9)
	last := entries[8]
	assert.Equal(t, model.StageCommitter, last.Stage)
	assert.Equal(t, model.EntryFailed, last.Status)
	assert.Equal(t, "committer", last.Metadata["failed_stage"])
	assert.Equal(t, "failed", last.Metadata["final_status"])

	events := drain(sub)
	require.NotEmpty(t, events)
	terminal := events[len(events)-1]
	assert.Equal(t, model.EventRunEscalated, terminal.Type)
	assert.Equal(t, "failed", terminal.Payload["status"])
}

func TestExecuteCountsAllEvidence(t *testing.T) {
	ctx := context.Background()
	f := newMemFixture(t)
	ws := uuid.New()
	for range evidenceLimit + 5 {
		f.addEvidence(t, ws, nil)
	}

	run, err := f.orch.Execute(ctx, model.RunRequest{WorkspaceID: ws, RoleKey: "researcher", Goal: "Summarize sources"})
	require.NoError(t, err)

	entries, err := f.store.ListTimeline(ctx, run.ID)
	require.NoError(t, err)
	retrieve := entries[2]
	require.Equal(t, model.StageRetrieve, retrieve.Stage)
	assert.Equal(t, evidenceLimit+5, retrieve.Metadata["evidence_count"])
	assert.Equal(t, evidenceLimit, retrieve.Metadata["evidence_loaded"])
}

func TestExecuteRecoversPanic(t *testing.T) {
	ctx := context.Background()
	f := newMemFixture(t)
	f.gen.panics = true
	ws := uuid.New()

	run, err := f.orch.Execute(ctx, model.RunRequest{WorkspaceID: ws, RoleKey: "legal_officer", Goal: "Check the contract"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend exploded")
	assert.Equal(t, model.RunStatusFailed, run.Status)

	entries, err := f.store.ListTimeline(ctx, run.ID)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, model.StageCommitter, last.Stage)
	assert.Equal(t, model.EntryFailed, last.Status)
	assert.Equal(t, "execute", last.Metadata["failed_stage"])
	assert.Nil(t, run.Output)
}

func TestExecuteRejectsInvalidRequest(t *testing.T) {
	f := newMemFixture(t)
	cases := []model.RunRequest{
		{RoleKey: "finance", Goal: "x"},
		{WorkspaceID: uuid.New(), RoleKey: "Finance!", Goal: "x"},
		{WorkspaceID: uuid.New(), RoleKey: "finance"},
		{WorkspaceID: uuid.New(), RoleKey: "finance", Goal: "x", StakesLevel: "apocalyptic"},
	}
	for _, req := range cases {
		_, err := f.orch.Execute(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest)
	}
	assert.Empty(t, f.gen.prompts)
}

func TestExecuteStakesLevelRecorded(t *testing.T) {
	ctx := context.Background()
	f := newMemFixture(t)
	run, err := f.orch.Execute(ctx, model.RunRequest{
		WorkspaceID: uuid.New(), RoleKey: "finance", Goal: "Approve vendor", StakesLevel: model.StakesIrreversible,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StakesIrreversible, run.StakesLevel)

	entries, err := f.store.ListTimeline(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, "irreversible", entries[1].Metadata["stakes_level"])
}

func TestBuildPrompt(t *testing.T) {
	rt := NewRuntime(&fakeGen{}, nil)

	p := rt.BuildPrompt("finance", "Cut cloud spend")
	assert.True(t, strings.HasPrefix(p, "Evaluate budgets and financial risks with conservative assumptions.\n\n"))
	assert.Contains(t, p, "You are KOBO finance. Follow grounded-first execution.\nGoal: Cut cloud spend\n")
	assert.True(t, strings.HasSuffix(p, "Do not invent external facts."))

	unknown := rt.BuildPrompt("ops_bot", "Restart")
	assert.True(t, strings.HasPrefix(unknown, "You are KOBO ops_bot."))
}

func TestRolesRegisterAndList(t *testing.T) {
	r := NewRoles(nil)
	assert.Len(t, r.List(), len(DefaultRoles))
	assert.Equal(t, "project_manager", r.List()[0].Key)

	require.NoError(t, r.Register(model.RoleProfile{Key: "ops", DisplayName: "Ops", SystemPrompt: "Keep it running."}))
	p, ok := r.Lookup("ops")
	require.True(t, ok)
	assert.Equal(t, "Keep it running.", p.SystemPrompt)
	assert.Contains(t, r.Keys(), "ops")

	assert.Error(t, r.Register(model.RoleProfile{Key: "Bad Key"}))
}
