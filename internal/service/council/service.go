// Package council runs a reduced multi-perspective deliberation and records
// the outcome as a decision artifact.
//
// Perspectives are gathered concurrently with the workspace evidence. The
// artifact's confidence comes from the same scorer the run orchestrator uses,
// and a human may record the final decision on it exactly once.
package council

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kobo/internal/confidence"
	"github.com/ashita-ai/kobo/internal/model"
	"github.com/ashita-ai/kobo/internal/storage"
)

// ErrInvalidRequest wraps malformed deliberation or final-decision input.
var ErrInvalidRequest = errors.New("invalid council request")

const (
	maxQuestionLen = 4096
	evidenceLimit  = 50

	// ConsensusScore is the agreement reported for every session.
	ConsensusScore = 0.71

	recommendation = "Proceed with feature-flag rollout and human approval for external writes."
)

// Council signals: strong sourcing, moderate agreement, low verifier risk.
const (
	sourceRatio  = 0.9
	consistency  = 0.78
	verifierRisk = 0.12
)

// Perspective produces one dissenting view on a question. An empty view is
// omitted from the artifact.
type Perspective struct {
	Role string
	View func(ctx context.Context, question string) (string, error)
}

func fixedView(s string) func(context.Context, string) (string, error) {
	return func(context.Context, string) (string, error) { return s, nil }
}

// DefaultPerspectives are the builder and critic stances.
var DefaultPerspectives = []Perspective{
	{Role: "builder", View: fixedView("Builder prefers staged rollout over immediate release.")},
	{Role: "critic", View: fixedView("Critic requires explicit rollback plan in action plan.")},
}

var defaultActionPlan = []model.ActionStep{
	{Step: "Ship behind a feature flag to an internal cohort.", Owner: "builder"},
	{Step: "Attach an explicit rollback plan.", Owner: "critic"},
	{Step: "Request human approval before any external write.", Owner: "project_manager", RequiresApproval: true},
}

// Store is the persistence the service needs.
type Store interface {
	CreateDecision(ctx context.Context, d model.DecisionArtifact) error
	GetDecision(ctx context.Context, id uuid.UUID) (model.DecisionArtifact, error)
	SetFinalDecision(ctx context.Context, f storage.FinalDecision) (model.DecisionArtifact, error)
	ListEvidence(ctx context.Context, workspaceID uuid.UUID, taskID *uuid.UUID, limit int) ([]model.Evidence, error)
}

// Publisher emits workspace events.
type Publisher interface {
	Publish(ctx context.Context, eventType string, workspaceID uuid.UUID, payload map[string]any) (model.Event, error)
}

// Service runs council sessions.
type Service struct {
	store        Store
	bus          Publisher
	logger       *slog.Logger
	perspectives []Perspective
	now          func() time.Time
	tracer       trace.Tracer
}

// New creates a Service. A nil perspectives slice selects DefaultPerspectives.
func New(store Store, bus Publisher, perspectives []Perspective, logger *slog.Logger) *Service {
	if perspectives == nil {
		perspectives = DefaultPerspectives
	}
	return &Service{
		store:        store,
		bus:          bus,
		logger:       logger,
		perspectives: perspectives,
		now:          func() time.Time { return time.Now().UTC() },
		tracer:       otel.Tracer("kobo/council"),
	}
}

// Deliberate gathers every perspective, scores the session and persists the
// resulting artifact.
func (s *Service) Deliberate(ctx context.Context, workspaceID uuid.UUID, question string, taskID *uuid.UUID) (model.DecisionArtifact, error) {
	question = strings.TrimSpace(question)
	switch {
	case workspaceID == uuid.Nil:
		return model.DecisionArtifact{}, fmt.Errorf("council: %w: workspace_id is required", ErrInvalidRequest)
	case question == "":
		return model.DecisionArtifact{}, fmt.Errorf("council: %w: question is required", ErrInvalidRequest)
	case len(question) > maxQuestionLen:
		return model.DecisionArtifact{}, fmt.Errorf("council: %w: question exceeds %d bytes", ErrInvalidRequest, maxQuestionLen)
	}

	ctx, span := s.tracer.Start(ctx, "council.deliberate", trace.WithAttributes(
		attribute.String("kobo.workspace_id", workspaceID.String()),
		attribute.Int("kobo.perspectives", len(s.perspectives)),
	))
	defer span.End()

	views := make([]string, len(s.perspectives))
	var evidence []model.Evidence
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		evidence, err = s.store.ListEvidence(gctx, workspaceID, taskID, evidenceLimit)
		if err != nil {
			return fmt.Errorf("list evidence: %w", err)
		}
		return nil
	})
	for i, p := range s.perspectives {
		g.Go(func() error {
			v, err := p.View(gctx, question)
			if err != nil {
				return fmt.Errorf("%s perspective: %w", p.Role, err)
			}
			views[i] = strings.TrimSpace(v)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return model.DecisionArtifact{}, fmt.Errorf("council: deliberate: %w", err)
	}

	dissenting := make([]string, 0, len(views))
	for _, v := range views {
		if v != "" {
			dissenting = append(dissenting, v)
		}
	}

	d := model.DecisionArtifact{
		ID:              uuid.New(),
		WorkspaceID:     workspaceID,
		TaskID:          taskID,
		Question:        question,
		Recommendation:  recommendation,
		ConsensusScore:  ConsensusScore,
		DissentingViews: dissenting,
		Confidence:      confidence.Score(sourceRatio, consistency, verifierRisk),
		ActionPlan:      defaultActionPlan,
		CreatedAt:       s.now(),
	}
	if err := s.store.CreateDecision(ctx, d); err != nil {
		return model.DecisionArtifact{}, fmt.Errorf("council: create decision: %w", err)
	}

	s.publish(ctx, workspaceID, map[string]any{
		"decision_id":     d.ID,
		"task_id":         taskID,
		"confidence":      d.Confidence.Overall,
		"consensus_score": d.ConsensusScore,
		"evidence_count":  len(evidence),
	})
	s.logger.Info("council: session completed",
		"decision_id", d.ID,
		"workspace_id", workspaceID,
		"dissenting_views", len(dissenting),
		"evidence_count", len(evidence),
	)
	return d, nil
}

// Get returns a decision artifact.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.DecisionArtifact, error) {
	d, err := s.store.GetDecision(ctx, id)
	if err != nil {
		return model.DecisionArtifact{}, fmt.Errorf("council: get decision: %w", err)
	}
	return d, nil
}

// Finalize records the human decision. A second call yields storage.ErrConflict.
func (s *Service) Finalize(ctx context.Context, id uuid.UUID, in model.FinalDecisionRequest, actor string) (model.DecisionArtifact, error) {
	in.FinalDecision = strings.TrimSpace(in.FinalDecision)
	if in.FinalDecision == "" {
		return model.DecisionArtifact{}, fmt.Errorf("council: %w: final_decision is required", ErrInvalidRequest)
	}
	d, err := s.store.SetFinalDecision(ctx, storage.FinalDecision{
		ID:            id,
		FinalDecision: in.FinalDecision,
		Rationale:     strings.TrimSpace(in.Rationale),
		DecidedBy:     actor,
		DecidedAt:     s.now(),
	})
	if err != nil {
		return model.DecisionArtifact{}, fmt.Errorf("council: finalize: %w", err)
	}
	return d, nil
}

func (s *Service) publish(ctx context.Context, workspaceID uuid.UUID, payload map[string]any) {
	if s.bus == nil {
		return
	}
	if _, err := s.bus.Publish(ctx, model.EventCouncilDone, workspaceID, payload); err != nil {
		s.logger.Warn("council: publish event", "error", err)
	}
}
