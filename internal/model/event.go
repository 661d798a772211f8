package model

import (
	"time"

	"github.com/google/uuid"
)

// Event types published on the bus.
const (
	EventRunStarted     = "agent.run.started"
	EventRunStage       = "agent.run.stage"
	EventRunCompleted   = "run.completed"
	EventRunEscalated   = "run.escalated"
	EventApprovalReq    = "approval.requested"
	EventApprovalOK     = "approval.approved"
	EventApprovalDenied = "approval.rejected"
	EventCouncilDone    = "council.session.completed"
)

// Event is a workspace-scoped notification. Immutable after creation.
type Event struct {
	ID          uuid.UUID      `json:"id"`
	Type        string         `json:"type"`
	WorkspaceID uuid.UUID      `json:"workspace_id"`
	Payload     map[string]any `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
}
