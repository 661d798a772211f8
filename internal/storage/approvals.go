package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kobo/internal/model"
)

const approvalColumns = `id, workspace_id, task_id, status, action_type, target, summary, payload,
	diff_preview, decision_note, decided_by, created_at, decided_at`

// CreateApproval inserts a pending approval request.
func (db *DB) CreateApproval(ctx context.Context, a model.ApprovalRequest) error {
	payload := a.ActionPlan.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO approval_requests (`+approvalColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.WorkspaceID, a.TaskID, string(a.Status), a.ActionPlan.ActionType,
		a.ActionPlan.Target, a.ActionPlan.Summary, payload,
		a.DiffPreview, a.DecisionNote, a.DecidedBy, a.CreatedAt, a.DecidedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create approval: %w", err)
	}
	return nil
}

// GetApproval retrieves an approval request by ID.
func (db *DB) GetApproval(ctx context.Context, id uuid.UUID) (model.ApprovalRequest, error) {
	a, err := scanApproval(db.pool.QueryRow(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ApprovalRequest{}, fmt.Errorf("storage: get approval %s: %w", id, ErrNotFound)
		}
		return model.ApprovalRequest{}, fmt.Errorf("storage: get approval: %w", err)
	}
	return a, nil
}

// ListApprovals returns a workspace's approval requests, newest first.
// An empty status returns every status.
func (db *DB) ListApprovals(ctx context.Context, workspaceID uuid.UUID, status model.ApprovalStatus) ([]model.ApprovalRequest, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE workspace_id = $1 AND ($2::text = '' OR status = $2)
		 ORDER BY created_at DESC
		 LIMIT $3`,
		workspaceID, string(status), maxListLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list approvals: %w", err)
	}
	defer rows.Close()

	var out []model.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DecideApproval transitions a pending request and writes the audit record
// in the same transaction.
func (db *DB) DecideApproval(ctx context.Context, d ApprovalDecision, audit model.AuditRecord) (model.ApprovalRequest, error) {
	var out model.ApprovalRequest
	err := db.inTx(ctx, func(tx pgx.Tx) error {
		a, err := scanApproval(tx.QueryRow(ctx,
			`UPDATE approval_requests
			 SET status = $1, decision_note = $2, decided_by = $3, decided_at = $4
			 WHERE id = $5 AND status = 'pending'
			 RETURNING `+approvalColumns,
			string(d.Status), d.Note, d.DecidedBy, d.DecidedAt, d.ID,
		))
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if err := tx.QueryRow(ctx,
				`SELECT EXISTS (SELECT 1 FROM approval_requests WHERE id = $1)`, d.ID,
			).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("approval %s: %w", d.ID, ErrNotFound)
			}
			return fmt.Errorf("approval %s is no longer pending: %w", d.ID, ErrConflict)
		}
		if err != nil {
			return err
		}
		if err := insertAudit(ctx, tx, audit); err != nil {
			return err
		}
		out = a
		return nil
	})
	if err != nil {
		return model.ApprovalRequest{}, fmt.Errorf("storage: decide approval: %w", err)
	}
	return out, nil
}

// ApprovalOutcomes tallies decided approvals per action type.
func (db *DB) ApprovalOutcomes(ctx context.Context, workspaceID uuid.UUID, actionType string) ([]Outcome, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT action_type,
		        COUNT(*) FILTER (WHERE status = 'approved'),
		        COUNT(*)
		 FROM approval_requests
		 WHERE workspace_id = $1
		   AND status IN ('approved', 'rejected')
		   AND ($2::text = '' OR action_type = $2)
		 GROUP BY action_type
		 ORDER BY action_type`,
		workspaceID, actionType,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: approval outcomes: %w", err)
	}
	return collectOutcomes(rows)
}

func scanApproval(row pgx.Row) (model.ApprovalRequest, error) {
	var a model.ApprovalRequest
	err := row.Scan(
		&a.ID, &a.WorkspaceID, &a.TaskID, &a.Status, &a.ActionPlan.ActionType,
		&a.ActionPlan.Target, &a.ActionPlan.Summary, &a.ActionPlan.Payload,
		&a.DiffPreview, &a.DecisionNote, &a.DecidedBy, &a.CreatedAt, &a.DecidedAt,
	)
	return a, err
}
