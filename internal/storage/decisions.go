package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kobo/internal/model"
)

const decisionColumns = `id, workspace_id, task_id, question, recommendation, consensus_score,
	dissenting_views, confidence, action_plan, final_decision, rationale, decided_by, created_at, decided_at`

// CreateDecision inserts a council decision artifact.
func (db *DB) CreateDecision(ctx context.Context, d model.DecisionArtifact) error {
	views := d.DissentingViews
	if views == nil {
		views = []string{}
	}
	plan := d.ActionPlan
	if plan == nil {
		plan = []model.ActionStep{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO decision_artifacts (`+decisionColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		d.ID, d.WorkspaceID, d.TaskID, d.Question, d.Recommendation, d.ConsensusScore,
		views, d.Confidence, plan, d.FinalDecision, d.Rationale, d.DecidedBy, d.CreatedAt, d.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create decision: %w", err)
	}
	return nil
}

// GetDecision retrieves a decision artifact by ID.
func (db *DB) GetDecision(ctx context.Context, id uuid.UUID) (model.DecisionArtifact, error) {
	d, err := scanDecision(db.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decision_artifacts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DecisionArtifact{}, fmt.Errorf("storage: get decision %s: %w", id, ErrNotFound)
		}
		return model.DecisionArtifact{}, fmt.Errorf("storage: get decision: %w", err)
	}
	return d, nil
}

// SetFinalDecision records the human decision once.
func (db *DB) SetFinalDecision(ctx context.Context, f FinalDecision) (model.DecisionArtifact, error) {
	d, err := scanDecision(db.pool.QueryRow(ctx,
		`UPDATE decision_artifacts
		 SET final_decision = $1, rationale = $2, decided_by = $3, decided_at = $4
		 WHERE id = $5 AND final_decision IS NULL
		 RETURNING `+decisionColumns,
		f.FinalDecision, f.Rationale, f.DecidedBy, f.DecidedAt, f.ID,
	))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.DecisionArtifact{}, fmt.Errorf("storage: set final decision: %w", err)
	}
	if _, getErr := db.GetDecision(ctx, f.ID); getErr != nil {
		return model.DecisionArtifact{}, fmt.Errorf("storage: set final decision %s: %w", f.ID, ErrNotFound)
	}
	return model.DecisionArtifact{}, fmt.Errorf("storage: decision %s already finalized: %w", f.ID, ErrConflict)
}

func scanDecision(row pgx.Row) (model.DecisionArtifact, error) {
	var d model.DecisionArtifact
	err := row.Scan(
		&d.ID, &d.WorkspaceID, &d.TaskID, &d.Question, &d.Recommendation, &d.ConsensusScore,
		&d.DissentingViews, &d.Confidence, &d.ActionPlan, &d.FinalDecision, &d.Rationale,
		&d.DecidedBy, &d.CreatedAt, &d.DecidedAt,
	)
	return d, err
}
