package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput    = "INVALID_INPUT"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeConflict        = "CONFLICT"
	ErrCodePolicyViolation = "POLICY_VIOLATION"
	ErrCodeRateLimited     = "RATE_LIMITED"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// CreateApprovalRequest is the request body for POST /v1/approvals.
type CreateApprovalRequest struct {
	WorkspaceID uuid.UUID  `json:"workspace_id"`
	TaskID      *uuid.UUID `json:"task_id,omitempty"`
	ActionPlan  ActionPlan `json:"action_plan"`
	DiffPreview *string    `json:"diff_preview,omitempty"`
}

// ApprovalDecisionRequest is the request body for approve/reject.
type ApprovalDecisionRequest struct {
	Note *string `json:"note,omitempty"`
}

// CouncilRequest is the request body for POST /v1/council/sessions.
type CouncilRequest struct {
	WorkspaceID uuid.UUID  `json:"workspace_id"`
	TaskID      *uuid.UUID `json:"task_id,omitempty"`
	Question    string     `json:"question"`
}

// FinalDecisionRequest is the request body for POST /v1/decisions/{id}/final.
type FinalDecisionRequest struct {
	FinalDecision string `json:"final_decision"`
	Rationale     string `json:"rationale"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Storage     string `json:"storage"`
	Ollama      string `json:"ollama,omitempty"`
	OutboxDepth int    `json:"outbox_depth"`
	Subscribers int    `json:"subscribers"`
	Uptime      int64  `json:"uptime_seconds"`
}
