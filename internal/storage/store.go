// Package storage persists runs, timelines, approvals, council decisions,
// evidence and the event outbox.
//
// Two implementations satisfy Store: MemStore, a process-local store used in
// development and tests, and DB, backed by PostgreSQL through pgx.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobo/internal/model"
)

// Store is the persistence contract shared by the services.
type Store interface {
	RunStore
	ApprovalStore
	DecisionStore

	// ListEvidence returns evidence for a workspace, newest first. When taskID
	// is non-nil only evidence attached to that task is returned.
	ListEvidence(ctx context.Context, workspaceID uuid.UUID, taskID *uuid.UUID, limit int) ([]model.Evidence, error)
	// CountEvidence counts the same set ListEvidence draws from, unbounded.
	CountEvidence(ctx context.Context, workspaceID uuid.UUID, taskID *uuid.UUID) (int, error)
	AddEvidence(ctx context.Context, ev model.Evidence) error

	// InsertEvents persists a batch of outbox events in order.
	InsertEvents(ctx context.Context, events []model.Event) (int64, error)
	// ListEvents returns outbox events for a workspace, newest first.
	ListEvents(ctx context.Context, workspaceID uuid.UUID, limit int) ([]model.Event, error)

	Ping(ctx context.Context) error
}

// RunStore holds agent runs and their timelines.
type RunStore interface {
	CreateRun(ctx context.Context, run model.AgentRun) error
	// FinishRun sets the terminal status and output. Returns ErrConflict when
	// the run is already terminal.
	FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, output *model.AgentOutput) (model.AgentRun, error)
	GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error)
	ListRuns(ctx context.Context, f RunFilter) ([]model.AgentRun, error)
	// RunOutcomes groups terminal runs of a workspace by role. Success means
	// the run completed. An empty roleKey returns every role.
	RunOutcomes(ctx context.Context, workspaceID uuid.UUID, roleKey string) ([]Outcome, error)

	// AppendTimeline adds an entry. Returns ErrNotFound when the run does not exist.
	AppendTimeline(ctx context.Context, e model.TimelineEntry) error
	// ListTimeline returns a run's entries in creation order.
	ListTimeline(ctx context.Context, runID uuid.UUID) ([]model.TimelineEntry, error)
	// ListTaskTimeline returns the entries of every run for a task in creation order.
	ListTaskTimeline(ctx context.Context, workspaceID, taskID uuid.UUID) ([]model.TimelineEntry, error)
}

// ApprovalStore holds approval requests and their audit trail.
type ApprovalStore interface {
	CreateApproval(ctx context.Context, a model.ApprovalRequest) error
	GetApproval(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error)
	ListApprovals(ctx context.Context, workspaceID uuid.UUID, status model.ApprovalStatus) ([]model.ApprovalRequest, error)
	// DecideApproval moves a pending request to d.Status and records audit in
	// one step. Returns ErrConflict when the request is no longer pending.
	DecideApproval(ctx context.Context, d ApprovalDecision, audit model.AuditRecord) (model.ApprovalRequest, error)
	ListAudit(ctx context.Context, workspaceID uuid.UUID, limit int) ([]model.AuditRecord, error)
	// ApprovalOutcomes groups decided approvals of a workspace by action
	// type. Success means approved. An empty actionType returns every type.
	ApprovalOutcomes(ctx context.Context, workspaceID uuid.UUID, actionType string) ([]Outcome, error)
}

// DecisionStore holds council decision artifacts.
type DecisionStore interface {
	CreateDecision(ctx context.Context, d model.DecisionArtifact) error
	GetDecision(ctx context.Context, id uuid.UUID) (model.DecisionArtifact, error)
	// SetFinalDecision records the human decision. Returns ErrConflict when
	// it was already recorded.
	SetFinalDecision(ctx context.Context, f FinalDecision) (model.DecisionArtifact, error)
}

// RunFilter narrows ListRuns. Zero values mean no constraint.
type RunFilter struct {
	WorkspaceID uuid.UUID
	TaskID      *uuid.UUID
	RoleKey     string
	Status      model.RunStatus
	Limit       int
}

// Outcome is a success tally for one role or action type.
type Outcome struct {
	Key       string
	Successes int
	Total     int
}

// ApprovalDecision is the input to DecideApproval.
type ApprovalDecision struct {
	ID        uuid.UUID
	Status    model.ApprovalStatus
	Note      *string
	DecidedBy string
	DecidedAt time.Time
}

// FinalDecision is the input to SetFinalDecision.
type FinalDecision struct {
	ID            uuid.UUID
	FinalDecision string
	Rationale     string
	DecidedBy     string
	DecidedAt     time.Time
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	return min(limit, maxListLimit)
}
