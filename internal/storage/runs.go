package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kobo/internal/model"
)

const runColumns = `id, workspace_id, task_id, role_key, goal, stakes_level, status, output, created_at, updated_at`

// CreateRun inserts a new agent run.
func (db *DB) CreateRun(ctx context.Context, run model.AgentRun) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO agent_runs (`+runColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.ID, run.WorkspaceID, run.TaskID, run.RoleKey, run.Goal,
		string(run.StakesLevel), string(run.Status), run.Output, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// FinishRun sets the terminal status and output of a non-terminal run.
func (db *DB) FinishRun(ctx context.Context, id uuid.UUID, status model.RunStatus, output *model.AgentOutput) (model.AgentRun, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE agent_runs SET status = $1, output = $2, updated_at = $3
		 WHERE id = $4 AND status IN ('queued', 'running')
		 RETURNING `+runColumns,
		string(status), output, time.Now().UTC(), id,
	)
	run, err := scanRun(row)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return model.AgentRun{}, fmt.Errorf("storage: finish run: %w", err)
	}
	// Distinguish a missing run from one that already finished.
	if _, getErr := db.GetRun(ctx, id); getErr != nil {
		return model.AgentRun{}, fmt.Errorf("storage: finish run %s: %w", id, ErrNotFound)
	}
	return model.AgentRun{}, fmt.Errorf("storage: finish run %s already terminal: %w", id, ErrConflict)
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.AgentRun, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM agent_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AgentRun{}, fmt.Errorf("storage: get run %s: %w", id, ErrNotFound)
		}
		return model.AgentRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs matching f, newest first.
func (db *DB) ListRuns(ctx context.Context, f RunFilter) ([]model.AgentRun, error) {
	var roleKey, status *string
	if f.RoleKey != "" {
		roleKey = &f.RoleKey
	}
	if f.Status != "" {
		s := string(f.Status)
		status = &s
	}
	var workspaceID *uuid.UUID
	if f.WorkspaceID != uuid.Nil {
		workspaceID = &f.WorkspaceID
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+runColumns+` FROM agent_runs
		 WHERE ($1::uuid IS NULL OR workspace_id = $1)
		   AND ($2::uuid IS NULL OR task_id = $2)
		   AND ($3::text IS NULL OR role_key = $3)
		   AND ($4::text IS NULL OR status = $4)
		 ORDER BY created_at DESC
		 LIMIT $5`,
		workspaceID, f.TaskID, roleKey, status, clampLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.AgentRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// RunOutcomes tallies terminal runs per role for a workspace.
func (db *DB) RunOutcomes(ctx context.Context, workspaceID uuid.UUID, roleKey string) ([]Outcome, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT role_key,
		        COUNT(*) FILTER (WHERE status = 'completed'),
		        COUNT(*)
		 FROM agent_runs
		 WHERE workspace_id = $1
		   AND status IN ('completed', 'failed', 'canceled')
		   AND ($2::text = '' OR role_key = $2)
		 GROUP BY role_key
		 ORDER BY role_key`,
		workspaceID, roleKey,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: run outcomes: %w", err)
	}
	return collectOutcomes(rows)
}

func scanRun(row pgx.Row) (model.AgentRun, error) {
	var r model.AgentRun
	err := row.Scan(
		&r.ID, &r.WorkspaceID, &r.TaskID, &r.RoleKey, &r.Goal,
		&r.StakesLevel, &r.Status, &r.Output, &r.CreatedAt, &r.UpdatedAt,
	)
	return r, err
}

func collectOutcomes(rows pgx.Rows) ([]Outcome, error) {
	defer rows.Close()
	var out []Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.Key, &o.Successes, &o.Total); err != nil {
			return nil, fmt.Errorf("storage: scan outcome: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
