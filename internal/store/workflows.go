package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/farlabs/agentmesh/internal/workflow"
)

// Save upserts a workflow row, serializing its steps as JSONB. Satisfies
// workflow.Store.
func (s *Store) Save(ctx context.Context, wf *workflow.Workflow) error {
	steps, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	wfCtx, err := json.Marshal(wf.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO workflows (id, name, requester, room, status, current_step, steps, context, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id)
		DO UPDATE SET status = $5, current_step = $6, steps = $7, context = $8`,
		wf.ID, wf.Name, wf.Requester, wf.Room, wf.Status, wf.CurrentStep, steps, wfCtx, wf.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}
	return nil
}

// GetWorkflow loads a single workflow by id. Returns nil with no error when
// the id is unknown.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	var steps, wfCtx []byte
	err := s.db.QueryRow(ctx, `
		SELECT id, name, requester, room, status, current_step, steps, context, created_at
		FROM workflows WHERE id = $1`, id,
	).Scan(&wf.ID, &wf.Name, &wf.Requester, &wf.Room, &wf.Status, &wf.CurrentStep, &steps, &wfCtx, &wf.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	if err := json.Unmarshal(steps, &wf.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if len(wfCtx) > 0 {
		if err := json.Unmarshal(wfCtx, &wf.Context); err != nil {
			return nil, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	return &wf, nil
}

// RecentWorkflows lists the most recently created workflows.
func (s *Store) RecentWorkflows(ctx context.Context, limit int) ([]*workflow.Workflow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, name, requester, room, status, current_step, steps, context, created_at
		FROM workflows
		ORDER BY created_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*workflow.Workflow
	for rows.Next() {
		var wf workflow.Workflow
		var steps, wfCtx []byte
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Requester, &wf.Room, &wf.Status, &wf.CurrentStep, &steps, &wfCtx, &wf.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		if err := json.Unmarshal(steps, &wf.Steps); err != nil {
			return nil, fmt.Errorf("unmarshal steps: %w", err)
		}
		if len(wfCtx) > 0 {
			json.Unmarshal(wfCtx, &wf.Context)
		}
		out = append(out, &wf)
	}
	return out, nil
}
