package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ashita-ai/kobo/internal/model"
)

// AddEvidence inserts an evidence item.
func (db *DB) AddEvidence(ctx context.Context, ev model.Evidence) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO evidence (id, workspace_id, task_id, claim, source_type, source_ref, confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		ev.ID, ev.WorkspaceID, ev.TaskID, ev.Claim, ev.SourceType, ev.SourceRef, ev.Confidence, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: add evidence: %w", err)
	}
	return nil
}

// ListEvidence returns a workspace's evidence, newest first, optionally
// restricted to one task.
func (db *DB) ListEvidence(ctx context.Context, workspaceID uuid.UUID, taskID *uuid.UUID, limit int) ([]model.Evidence, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, workspace_id, task_id, claim, source_type, source_ref, confidence, created_at
		 FROM evidence
		 WHERE workspace_id = $1 AND ($2::uuid IS NULL OR task_id = $2)
		 ORDER BY created_at DESC
		 LIMIT $3`,
		workspaceID, taskID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list evidence: %w", err)
	}
	defer rows.Close()

	var out []model.Evidence
	for rows.Next() {
		var ev model.Evidence
		if err := rows.Scan(
			&ev.ID, &ev.WorkspaceID, &ev.TaskID, &ev.Claim, &ev.SourceType,
			&ev.SourceRef, &ev.Confidence, &ev.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountEvidence counts a workspace's evidence, optionally restricted to one
// task.
func (db *DB) CountEvidence(ctx context.Context, workspaceID uuid.UUID, taskID *uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM evidence
		 WHERE workspace_id = $1 AND ($2::uuid IS NULL OR task_id = $2)`,
		workspaceID, taskID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count evidence: %w", err)
	}
	return n, nil
}
