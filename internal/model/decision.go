package model

import (
	"time"

	"github.com/google/uuid"
)

// ActionStep is one item of a decision's action plan.
type ActionStep struct {
	Step             string `json:"step"`
	Owner            string `json:"owner"`
	RequiresApproval bool   `json:"requires_approval"`
}

// DecisionArtifact is the record produced by a council deliberation.
// FinalDecision and Rationale are set at most once by a human.
type DecisionArtifact struct {
	ID              uuid.UUID           `json:"id"`
	WorkspaceID     uuid.UUID           `json:"workspace_id"`
	TaskID          *uuid.UUID          `json:"task_id,omitempty"`
	Question        string              `json:"question"`
	Recommendation  string              `json:"recommendation"`
	ConsensusScore  float64             `json:"consensus_score"`
	DissentingViews []string            `json:"dissenting_views"`
	Confidence      ConfidenceBreakdown `json:"confidence"`
	ActionPlan      []ActionStep        `json:"action_plan"`
	FinalDecision   *string             `json:"final_decision,omitempty"`
	Rationale       *string             `json:"rationale,omitempty"`
	DecidedBy       string              `json:"decided_by,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	DecidedAt       *time.Time          `json:"decided_at,omitempty"`
}
