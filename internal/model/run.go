// Package model defines the core domain types for Kobo.
//
// Types mirror the persisted records (runs, timeline entries, approvals,
// decisions, events) and the JSON shapes served by the HTTP and MCP
// surfaces. Identities are UUIDs and timestamps are UTC.
package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of an agent run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCanceled  RunStatus = "canceled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCanceled:
		return true
	default:
		return false
	}
}

// StakesLevel grades how much damage a wrong answer could do.
type StakesLevel string

const (
	StakesLow          StakesLevel = "low"
	StakesMedium       StakesLevel = "medium"
	StakesHigh         StakesLevel = "high"
	StakesIrreversible StakesLevel = "irreversible"
)

// ParseStakesLevel validates s. An empty string defaults to medium.
func ParseStakesLevel(s string) (StakesLevel, error) {
	switch StakesLevel(s) {
	case "":
		return StakesMedium, nil
	case StakesLow, StakesMedium, StakesHigh, StakesIrreversible:
		return StakesLevel(s), nil
	default:
		return "", fmt.Errorf("stakes_level must be one of low, medium, high, irreversible (got %q)", s)
	}
}

// AgentRun is one execution of an agent role against a goal.
// Created by the orchestrator in running status; the terminal status and
// output are written exactly once when the pipeline finishes.
type AgentRun struct {
	ID          uuid.UUID    `json:"id"`
	WorkspaceID uuid.UUID    `json:"workspace_id"`
	TaskID      *uuid.UUID   `json:"task_id,omitempty"`
	RoleKey     string       `json:"role_key"`
	Goal        string       `json:"goal"`
	StakesLevel StakesLevel  `json:"stakes_level"`
	Status      RunStatus    `json:"status"`
	Output      *AgentOutput `json:"output,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// RunRequest is the input to a single orchestrated run.
type RunRequest struct {
	WorkspaceID uuid.UUID   `json:"workspace_id"`
	TaskID      *uuid.UUID  `json:"task_id,omitempty"`
	RoleKey     string      `json:"role_key"`
	Goal        string      `json:"goal"`
	StakesLevel StakesLevel `json:"stakes_level,omitempty"`
}

// Validate checks the request shape and applies the stakes default.
func (r *RunRequest) Validate() error {
	if r.WorkspaceID == uuid.Nil {
		return fmt.Errorf("workspace_id is required")
	}
	if err := ValidateRoleKey(r.RoleKey); err != nil {
		return err
	}
	if len(r.Goal) == 0 {
		return fmt.Errorf("goal is required")
	}
	if len(r.Goal) > MaxGoalLen {
		return fmt.Errorf("goal exceeds maximum length of %d bytes", MaxGoalLen)
	}
	stakes, err := ParseStakesLevel(string(r.StakesLevel))
	if err != nil {
		return err
	}
	r.StakesLevel = stakes
	return nil
}

// RunKey identifies the (workspace, task, role) triple that should have at
// most one active run.
type RunKey struct {
	WorkspaceID uuid.UUID
	TaskID      uuid.UUID // uuid.Nil when the run has no task.
	RoleKey     string
}

// Key returns the active-run key for the request.
func (r RunRequest) Key() RunKey {
	k := RunKey{WorkspaceID: r.WorkspaceID, RoleKey: r.RoleKey}
	if r.TaskID != nil {
		k.TaskID = *r.TaskID
	}
	return k
}

// AgentOutput is the artifact a run produces. Immutable once attached.
type AgentOutput struct {
	ExecutiveSummary    string              `json:"executive_summary"`
	FullContent         string              `json:"full_content"`
	GroundedClaims      []GroundedClaim     `json:"grounded_claims"`
	Assumptions         []Assumption        `json:"assumptions"`
	ConfidenceScore     float64             `json:"confidence_score"`
	ConfidenceBreakdown ConfidenceBreakdown `json:"confidence_breakdown"`
	OpenQuestions       []string            `json:"open_questions"`
	ReviewFlags         []string            `json:"review_flags"`
	ModelUsed           *string             `json:"model_used,omitempty"`
}

// GroundedClaim pairs an assertion with the evidence supporting it.
type GroundedClaim struct {
	Claim         string        `json:"claim"`
	EvidenceLinks []EvidenceRef `json:"evidence_links"`
}

// EvidenceRef points at one piece of workspace evidence.
type EvidenceRef struct {
	ID         uuid.UUID `json:"id"`
	SourceType string    `json:"source_type"`
	SourceRef  string    `json:"source_ref"`
	Confidence float64   `json:"confidence"`
}

// RiskLevel tags an assumption.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Assumption is something the output takes for granted.
type Assumption struct {
	Text                   string    `json:"text"`
	Type                   string    `json:"type"`
	Risk                   RiskLevel `json:"risk"`
	VerificationSuggestion string    `json:"verification_suggestion"`
}

// ConfidenceBreakdown holds the signals behind a confidence score and their
// weighted contributions. The three *Score terms sum to Overall.
type ConfidenceBreakdown struct {
	SourceRatio  float64 `json:"source_ratio"`
	Consistency  float64 `json:"consistency"`
	VerifierRisk float64 `json:"verifier_risk"`

	SourceScore      float64 `json:"source_score"`
	ConsistencyScore float64 `json:"consistency_score"`
	VerifierScore    float64 `json:"verifier_score"`
	Overall          float64 `json:"overall"`
}

// Evidence is a contextual item the retrieve stage can ground a run in.
// Owned by the workspace CRUD layer; the core only reads it.
type Evidence struct {
	ID          uuid.UUID  `json:"id"`
	WorkspaceID uuid.UUID  `json:"workspace_id"`
	TaskID      *uuid.UUID `json:"task_id,omitempty"`
	Claim       string     `json:"claim"`
	SourceType  string     `json:"source_type"`
	SourceRef   string     `json:"source_ref"`
	Confidence  float64    `json:"confidence"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Ref returns the reference form used in grounded claims.
func (e Evidence) Ref() EvidenceRef {
	return EvidenceRef{ID: e.ID, SourceType: e.SourceType, SourceRef: e.SourceRef, Confidence: e.Confidence}
}
