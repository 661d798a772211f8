// Package metrics derives autonomy scores from stored outcomes.
package metrics

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobo/internal/autonomy"
	"github.com/ashita-ai/kobo/internal/model"
	"github.com/ashita-ai/kobo/internal/storage"
)

// Store supplies outcome tallies.
type Store interface {
	RunOutcomes(ctx context.Context, workspaceID uuid.UUID, roleKey string) ([]storage.Outcome, error)
	ApprovalOutcomes(ctx context.Context, workspaceID uuid.UUID, actionType string) ([]storage.Outcome, error)
}

// Service computes autonomy scores.
type Service struct {
	store Store
}

// New creates a Service.
func New(store Store) *Service {
	return &Service{store: store}
}

// Query selects which scores to compute. With ActionType set, scores are
// per action type from decided approvals (approved counts as success).
// Otherwise they are per role from terminal runs (completed counts as
// success). RoleKey narrows role scores and labels action scores.
type Query struct {
	WorkspaceID uuid.UUID
	RoleKey     string
	ActionType  string
}

// Scores returns one score per role or action type, sorted by key. Asking
// for a specific key with no history yields a single zero-sample score.
func (s *Service) Scores(ctx context.Context, q Query) ([]model.AutonomyScore, error) {
	if q.ActionType != "" {
		outcomes, err := s.store.ApprovalOutcomes(ctx, q.WorkspaceID, q.ActionType)
		if err != nil {
			return nil, fmt.Errorf("metrics: approval outcomes: %w", err)
		}
		if len(outcomes) == 0 {
			return []model.AutonomyScore{autonomy.Score(q.RoleKey, q.ActionType, 0, 0)}, nil
		}
		out := make([]model.AutonomyScore, 0, len(outcomes))
		for _, o := range outcomes {
			out = append(out, autonomy.Score(q.RoleKey, o.Key, o.Successes, o.Total))
		}
		return out, nil
	}

	outcomes, err := s.store.RunOutcomes(ctx, q.WorkspaceID, q.RoleKey)
	if err != nil {
		return nil, fmt.Errorf("metrics: run outcomes: %w", err)
	}
	if len(outcomes) == 0 && q.RoleKey != "" {
		return []model.AutonomyScore{autonomy.Score(q.RoleKey, "", 0, 0)}, nil
	}
	out := make([]model.AutonomyScore, 0, len(outcomes))
	for _, o := range outcomes {
		out = append(out, autonomy.Score(o.Key, "", o.Successes, o.Total))
	}
	return out, nil
}
