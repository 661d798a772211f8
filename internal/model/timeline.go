package model

import (
	"time"

	"github.com/google/uuid"
)

// Stage names a step of the run pipeline.
type Stage string

const (
	StageRouter       Stage = "router"
	StagePlanner      Stage = "planner"
	StageRetrieve     Stage = "retrieve"
	StageExecute      Stage = "execute"
	StageCritic       Stage = "critic"
	StageVerifier     Stage = "verifier"
	StageApprovalGate Stage = "approval_gate"
	StageCommitter    Stage = "committer"
)

// EntryStatus is the outcome recorded on a timeline entry.
type EntryStatus string

const (
	EntryRunning   EntryStatus = "running"
	EntryCompleted EntryStatus = "completed"
	EntryFailed    EntryStatus = "failed"
	EntryAbstained EntryStatus = "abstained"
)

// TimelineEntry records one pipeline stage transition. Entries are
// append-only and ordered by CreatedAt within a run.
type TimelineEntry struct {
	ID          uuid.UUID      `json:"id"`
	RunID       uuid.UUID      `json:"run_id"`
	WorkspaceID uuid.UUID      `json:"workspace_id"`
	TaskID      *uuid.UUID     `json:"task_id,omitempty"`
	Stage       Stage          `json:"stage"`
	AgentRole   string         `json:"agent_role"`
	Status      EntryStatus    `json:"status"`
	Title       string         `json:"title"`
	Summary     string         `json:"summary"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}
