package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kobo/internal/model"
)

func insertAudit(ctx context.Context, tx pgx.Tx, r model.AuditRecord) error {
	metadata := r.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO audit_log (id, workspace_id, actor, action, target_id, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.WorkspaceID, r.Actor, r.Action, r.TargetID, metadata, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// ListAudit returns a workspace's audit records, newest first.
func (db *DB) ListAudit(ctx context.Context, workspaceID uuid.UUID, limit int) ([]model.AuditRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, workspace_id, actor, action, target_id, metadata, created_at
		 FROM audit_log WHERE workspace_id = $1
		 ORDER BY created_at DESC LIMIT $2`,
		workspaceID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var r model.AuditRecord
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Actor, &r.Action, &r.TargetID, &r.Metadata, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
