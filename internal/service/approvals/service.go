// Package approvals manages the human approval lifecycle for actions that
// write to external systems.
//
// Requests start pending and move to approved or rejected exactly once. Every
// decision writes an audit record in the same store operation and publishes
// an event. Authorize is the gate callers consult before performing the
// action: it enforces the approval policy against the request's current
// status.
package approvals

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/kobo/internal/model"
	"github.com/ashita-ai/kobo/internal/policy"
	"github.com/ashita-ai/kobo/internal/storage"
	"github.com/ashita-ai/kobo/internal/telemetry"
)

var (
	// ErrInvalidDecision is returned for a decision other than approve or reject.
	ErrInvalidDecision = errors.New("decision must be approve or reject")
	// ErrInvalidRequest wraps malformed create input.
	ErrInvalidRequest = errors.New("invalid approval request")
)

// Audit actions.
const (
	AuditApprove = "approval.approve"
	AuditReject  = "approval.reject"
)

const maxActionTypeLen = 128

// Decision is a human verdict on a pending request.
type Decision string

const (
	Approve Decision = "approve"
	Reject  Decision = "reject"
)

// ParseDecision validates s.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case Approve, Reject:
		return d, nil
	default:
		return "", fmt.Errorf("%w (got %q)", ErrInvalidDecision, s)
	}
}

// Store is the persistence the service needs.
type Store interface {
	CreateApproval(ctx context.Context, a model.ApprovalRequest) error
	GetApproval(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error)
	ListApprovals(ctx context.Context, workspaceID uuid.UUID, status model.ApprovalStatus) ([]model.ApprovalRequest, error)
	DecideApproval(ctx context.Context, d storage.ApprovalDecision, audit model.AuditRecord) (model.ApprovalRequest, error)
	ListAudit(ctx context.Context, workspaceID uuid.UUID, limit int) ([]model.AuditRecord, error)
}

// Publisher emits workspace events.
type Publisher interface {
	Publish(ctx context.Context, eventType string, workspaceID uuid.UUID, payload map[string]any) (model.Event, error)
}

// Policy decides which actions need sign-off. *policy.Policy satisfies it.
type Policy interface {
	RequiresGate(actionType string) bool
	Enforce(actionType string, status model.ApprovalStatus) error
	Gated() []string
}

var _ Policy = (*policy.Policy)(nil)

// Service encapsulates approval logic shared by HTTP and MCP handlers.
type Service struct {
	store  Store
	policy Policy
	bus    Publisher
	logger *slog.Logger
	now    func() time.Time

	decisions metric.Int64Counter
}

// New creates a Service.
func New(store Store, pol Policy, bus Publisher, logger *slog.Logger) *Service {
	meter := telemetry.Meter("kobo/approvals")
	decisions, _ := meter.Int64Counter("kobo.approvals.decisions",
		metric.WithDescription("Approval decisions by outcome"),
	)
	return &Service{
		store:     store,
		policy:    pol,
		bus:       bus,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		decisions: decisions,
	}
}

// Policy returns the policy the service enforces.
func (s *Service) Policy() Policy { return s.policy }

// Create records a pending request and announces it.
func (s *Service) Create(ctx context.Context, in model.CreateApprovalRequest) (model.ApprovalRequest, error) {
	in.ActionPlan.ActionType = strings.TrimSpace(in.ActionPlan.ActionType)
	switch {
	case in.WorkspaceID == uuid.Nil:
		return model.ApprovalRequest{}, fmt.Errorf("approvals: %w: workspace_id is required", ErrInvalidRequest)
	case in.ActionPlan.ActionType == "":
		return model.ApprovalRequest{}, fmt.Errorf("approvals: %w: action_plan.action_type is required", ErrInvalidRequest)
	case len(in.ActionPlan.ActionType) > maxActionTypeLen:
		return model.ApprovalRequest{}, fmt.Errorf("approvals: %w: action_plan.action_type exceeds %d bytes", ErrInvalidRequest, maxActionTypeLen)
	}
	if in.ActionPlan.Payload == nil {
		in.ActionPlan.Payload = map[string]any{}
	}

	a := model.ApprovalRequest{
		ID:          uuid.New(),
		WorkspaceID: in.WorkspaceID,
		TaskID:      in.TaskID,
		Status:      model.ApprovalPending,
		ActionPlan:  in.ActionPlan,
		DiffPreview: in.DiffPreview,
		CreatedAt:   s.now(),
	}
	if err := s.store.CreateApproval(ctx, a); err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("approvals: create: %w", err)
	}
	s.publish(ctx, a.WorkspaceID, model.EventApprovalReq, map[string]any{
		"approval_id":   a.ID,
		"action_type":   a.ActionPlan.ActionType,
		"requires_gate": s.policy.RequiresGate(a.ActionPlan.ActionType),
	})
	return a, nil
}

// Get returns one request.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error) {
	a, err := s.store.GetApproval(ctx, id)
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("approvals: get: %w", err)
	}
	return a, nil
}

// List returns a workspace's requests, optionally filtered by status.
func (s *Service) List(ctx context.Context, workspaceID uuid.UUID, status model.ApprovalStatus) ([]model.ApprovalRequest, error) {
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("approvals: %w: unknown status %q", ErrInvalidRequest, status)
	}
	out, err := s.store.ListApprovals(ctx, workspaceID, status)
	if err != nil {
		return nil, fmt.Errorf("approvals: list: %w", err)
	}
	if out == nil {
		out = []model.ApprovalRequest{}
	}
	return out, nil
}

// Audit returns a workspace's audit trail, newest first.
func (s *Service) Audit(ctx context.Context, workspaceID uuid.UUID, limit int) ([]model.AuditRecord, error) {
	out, err := s.store.ListAudit(ctx, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("approvals: audit: %w", err)
	}
	return out, nil
}

// Decide applies a human decision to a pending request. Approving first
// passes the request through the policy, so a refusal wraps
// policy.ErrViolation. A request that is no longer pending yields
// storage.ErrConflict; a missing one storage.ErrNotFound.
func (s *Service) Decide(ctx context.Context, id uuid.UUID, decision Decision, note *string, actor string) (model.ApprovalRequest, error) {
	status, auditAction := model.ApprovalApproved, AuditApprove
	switch decision {
	case Approve:
	case Reject:
		status, auditAction = model.ApprovalRejected, AuditReject
	default:
		return model.ApprovalRequest{}, fmt.Errorf("approvals: %w (got %q)", ErrInvalidDecision, decision)
	}

	current, err := s.store.GetApproval(ctx, id)
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("approvals: decide: %w", err)
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("kobo.approval_id", id.String()),
		attribute.String("kobo.action_type", current.ActionPlan.ActionType),
		attribute.String("kobo.decision", string(decision)),
	)
	// The policy has the last word on the approve transition itself.
	if status == model.ApprovalApproved {
		if err := s.policy.Enforce(current.ActionPlan.ActionType, status); err != nil {
			return model.ApprovalRequest{}, fmt.Errorf("approvals: decide %s: %w", id, err)
		}
	}

	now := s.now()
	metadata := map[string]any{
		"action_type":   current.ActionPlan.ActionType,
		"status":        string(status),
		"requires_gate": s.policy.RequiresGate(current.ActionPlan.ActionType),
	}
	if note != nil {
		metadata["note"] = *note
	}
	decided, err := s.store.DecideApproval(ctx,
		storage.ApprovalDecision{ID: id, Status: status, Note: note, DecidedBy: actor, DecidedAt: now},
		model.AuditRecord{
			ID:          uuid.New(),
			WorkspaceID: current.WorkspaceID,
			Actor:       actor,
			Action:      auditAction,
			TargetID:    id,
			Metadata:    metadata,
			CreatedAt:   now,
		},
	)
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("approvals: decide: %w", err)
	}

	if s.decisions != nil {
		s.decisions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
	eventType := model.EventApprovalOK
	if status == model.ApprovalRejected {
		eventType = model.EventApprovalDenied
	}
	s.publish(ctx, decided.WorkspaceID, eventType, map[string]any{
		"approval_id": decided.ID,
		"action_type": decided.ActionPlan.ActionType,
		"decided_by":  actor,
	})
	s.logger.Info("approvals: decided",
		"approval_id", decided.ID,
		"workspace_id", decided.WorkspaceID,
		"action_type", decided.ActionPlan.ActionType,
		"status", status,
	)
	return decided, nil
}

// Authorize reports whether the request's action may be performed now.
// Gated actions require an approved request; the returned error wraps
// policy.ErrViolation otherwise.
func (s *Service) Authorize(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error) {
	a, err := s.store.GetApproval(ctx, id)
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("approvals: authorize: %w", err)
	}
	if err := s.policy.Enforce(a.ActionPlan.ActionType, a.Status); err != nil {
		return a, fmt.Errorf("approvals: authorize %s: %w", id, err)
	}
	return a, nil
}

func (s *Service) publish(ctx context.Context, workspaceID uuid.UUID, eventType string, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish(ctx, eventType, workspaceID, payload); err != nil {
		s.logger.Warn("approvals: publish event", "type", eventType, "error", err)
	}
}
