package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kobo/internal/model"
)

// InsertEvents writes outbox events using the COPY protocol. Events are
// inserted in slice order so the seq column preserves publish order.
func (db *DB) InsertEvents(ctx context.Context, events []model.Event) (int64, error) {
	if len(events) == 0 {
		return 0, nil
	}

	columns := []string{"id", "type", "workspace_id", "payload", "created_at"}
	rows := make([][]any, len(events))
	for i, e := range events {
		payload := e.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		rows[i] = []any{e.ID, e.Type, e.WorkspaceID, payload, e.CreatedAt}
	}

	// A hung Postgres must not block the outbox flush loop indefinitely.
	copyCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	n, err := db.pool.CopyFrom(copyCtx, pgx.Identifier{"events"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return 0, fmt.Errorf("storage: copy events: %w", err)
	}
	return n, nil
}

// ListEvents returns a workspace's outbox events, newest first.
func (db *DB) ListEvents(ctx context.Context, workspaceID uuid.UUID, limit int) ([]model.Event, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, type, workspace_id, payload, created_at
		 FROM events WHERE workspace_id = $1
		 ORDER BY created_at DESC, seq DESC
		 LIMIT $2`,
		workspaceID, clampLimit(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var out []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.WorkspaceID, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
