package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
)

// UpsertStage writes one stage attempt row, keyed (run_id, stage_name,
// attempt). The orchestrator inserts a RUNNING row at stage start and
// upserts the terminal state over it.
func (r *Repository) UpsertStage(ctx context.Context, stage *contracts.RunStage) error {
	details, err := encodeJSON(orEmptyMap(stage.Details))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO run_stages
			(run_id, stage_name, attempt, status, error_code, details, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, stage_name, attempt) DO UPDATE SET
			status = EXCLUDED.status,
			error_code = EXCLUDED.error_code,
			details = EXCLUDED.details,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at`,
		stage.RunID, stage.StageName, stage.Attempt, stage.Status,
		stage.ErrorCode, details,
		encodeTimePtr(stage.StartedAt), encodeTimePtr(stage.FinishedAt))
	if err != nil {
		return fmt.Errorf("upsert stage: %w", err)
	}
	return nil
}

// ListStages returns every stage attempt of a run in pipeline execution
// order (start time, then attempt).
func (r *Repository) ListStages(ctx context.Context, runID string) ([]*contracts.RunStage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT run_id, stage_name, attempt, status, error_code, details,
		       started_at, finished_at
		FROM run_stages WHERE run_id = $1
		ORDER BY started_at ASC, attempt ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var stages []*contracts.RunStage
	for rows.Next() {
		stage, err := scanStage(rows)
		if err != nil {
			return nil, err
		}
		stages = append(stages, stage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	return stages, nil
}

func scanStage(row rowScanner) (*contracts.RunStage, error) {
	var (
		stage      contracts.RunStage
		details    sql.NullString
		startedAt  sql.NullString
		finishedAt sql.NullString
	)
	err := row.Scan(&stage.RunID, &stage.StageName, &stage.Attempt,
		&stage.Status, &stage.ErrorCode, &details, &startedAt, &finishedAt)
	if err != nil {
		return nil, fmt.Errorf("scan stage: %w", err)
	}
	if err := decodeJSON(details, &stage.Details); err != nil {
		return nil, err
	}
	stage.StartedAt = decodeTimePtr(startedAt)
	stage.FinishedAt = decodeTimePtr(finishedAt)
	return &stage, nil
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
