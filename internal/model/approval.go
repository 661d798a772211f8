package model

import (
	"time"

	"github.com/google/uuid"
)

// ApprovalStatus is the human decision state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Valid reports whether s is a known approval status.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalPending, ApprovalApproved, ApprovalRejected:
		return true
	}
	return false
}

// ActionPlan describes the external write an approval would allow.
type ActionPlan struct {
	ActionType string         `json:"action_type"`
	Target     string         `json:"target"`
	Summary    string         `json:"summary"`
	Payload    map[string]any `json:"payload"`
}

// ApprovalRequest asks a human to allow an action with external effects.
// Transitions pending to approved or rejected exactly once.
type ApprovalRequest struct {
	ID           uuid.UUID      `json:"id"`
	WorkspaceID  uuid.UUID      `json:"workspace_id"`
	TaskID       *uuid.UUID     `json:"task_id,omitempty"`
	Status       ApprovalStatus `json:"status"`
	ActionPlan   ActionPlan     `json:"action_plan"`
	DiffPreview  *string        `json:"diff_preview,omitempty"`
	DecisionNote *string        `json:"decision_note,omitempty"`
	DecidedBy    string         `json:"decided_by,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	DecidedAt    *time.Time     `json:"decided_at,omitempty"`
}

// AuditRecord is an immutable log line for a human-driven mutation.
type AuditRecord struct {
	ID          uuid.UUID      `json:"id"`
	WorkspaceID uuid.UUID      `json:"workspace_id"`
	Actor       string         `json:"actor"`
	Action      string         `json:"action"`
	TargetID    uuid.UUID      `json:"target_id"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}
