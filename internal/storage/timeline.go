package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ashita-ai/kobo/internal/model"
)

const timelineColumns = `id, run_id, workspace_id, task_id, stage, agent_role, status, title, summary, metadata, created_at`

// AppendTimeline inserts a timeline entry. The foreign key on run_id turns a
// missing run into ErrNotFound.
func (db *DB) AppendTimeline(ctx context.Context, e model.TimelineEntry) error {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO run_timeline (`+timelineColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, e.RunID, e.WorkspaceID, e.TaskID, string(e.Stage), e.AgentRole, string(e.Status),
		e.Title, e.Summary, metadata, e.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("storage: append timeline for run %s: %w", e.RunID, ErrNotFound)
		}
		return fmt.Errorf("storage: append timeline: %w", err)
	}
	return nil
}

// ListTimeline returns a run's entries ordered by creation.
func (db *DB) ListTimeline(ctx context.Context, runID uuid.UUID) ([]model.TimelineEntry, error) {
	var exists bool
	if err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agent_runs WHERE id = $1)`, runID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("storage: list timeline: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("storage: list timeline for run %s: %w", runID, ErrNotFound)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT `+timelineColumns+` FROM run_timeline
		 WHERE run_id = $1
		 ORDER BY created_at, seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("storage: list timeline: %w", err)
	}
	return collectTimeline(rows)
}

// ListTaskTimeline returns the entries of every run for a task.
func (db *DB) ListTaskTimeline(ctx context.Context, workspaceID, taskID uuid.UUID) ([]model.TimelineEntry, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+timelineColumns+` FROM run_timeline
		 WHERE workspace_id = $1 AND task_id = $2
		 ORDER BY created_at, seq`, workspaceID, taskID)
	if err != nil {
		return nil, fmt.Errorf("storage: list task timeline: %w", err)
	}
	return collectTimeline(rows)
}

func collectTimeline(rows pgx.Rows) ([]model.TimelineEntry, error) {
	defer rows.Close()
	entries := []model.TimelineEntry{}
	for rows.Next() {
		var e model.TimelineEntry
		if err := rows.Scan(
			&e.ID, &e.RunID, &e.WorkspaceID, &e.TaskID, &e.Stage, &e.AgentRole, &e.Status,
			&e.Title, &e.Summary, &e.Metadata, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan timeline entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
