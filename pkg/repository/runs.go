package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
)

const runColumns = `id, document_id, tenant_id, replay_of_run_id, idempotency_key,
	status, requested_by, model_name, route_name, error_code,
	review_decision, review_reason_codes, decision_log, result,
	validation_issues, cancel_requested, created_at, updated_at, finished_at`

// CreateRun inserts a new run row, usually in status QUEUED.
func (r *Repository) CreateRun(ctx context.Context, run *contracts.Run) error {
	now := r.now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	if run.UpdatedAt.IsZero() {
		run.UpdatedAt = now
	}
	reasonCodes, err := encodeJSON(orEmptySlice(run.ReviewReasonCodes))
	if err != nil {
		return err
	}
	issues, err := encodeJSON(orEmptyIssues(run.ValidationIssues))
	if err != nil {
		return err
	}
	result, err := encodeJSON(run.Result)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		run.ID, run.DocumentID, run.TenantID, run.ReplayOfRunID,
		nullIfEmpty(run.IdempotencyKey), string(run.Status), run.RequestedBy,
		run.ModelName, run.RouteName, run.ErrorCode, run.ReviewDecision,
		reasonCodes, nullIfEmpty(string(run.DecisionLog)), nullIfEmpty(result),
		issues, boolToInt(run.CancelRequested),
		encodeTime(run.CreatedAt), encodeTime(run.UpdatedAt),
		encodeTimePtr(run.FinishedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun loads one run by id.
func (r *Repository) GetRun(ctx context.Context, id string) (*contracts.Run, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	return scanRun(row)
}

// GetTenantRun loads one run scoped to a tenant.
func (r *Repository) GetTenantRun(ctx context.Context, id, tenantID string) (*contracts.Run, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return scanRun(row)
}

// GetRunByIdempotencyKey returns the run previously admitted under the key,
// or ErrNotFound.
func (r *Repository) GetRunByIdempotencyKey(ctx context.Context, tenantID, key string) (*contracts.Run, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE tenant_id = $1 AND idempotency_key = $2`,
		tenantID, key)
	return scanRun(row)
}

// CountTenantRunsByStatus counts a tenant's runs in the given status.
func (r *Repository) CountTenantRunsByStatus(ctx context.Context, tenantID string, status contracts.Status) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE tenant_id = $1 AND status = $2`,
		tenantID, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// CountRunsByStatus counts runs in the given status across all tenants.
func (r *Repository) CountRunsByStatus(ctx context.Context, status contracts.Status) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs WHERE status = $1`, string(status)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}
	return n, nil
}

// ListQueuedRuns returns up to limit QUEUED runs, oldest first.
func (r *Repository) ListQueuedRuns(ctx context.Context, limit int) ([]*contracts.Run, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE status = $1
		 ORDER BY created_at ASC, id ASC LIMIT $2`,
		string(contracts.StatusQueued), limit)
	if err != nil {
		return nil, fmt.Errorf("list queued runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var runs []*contracts.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list queued runs: %w", err)
	}
	return runs, nil
}

// ListRunsForDocument returns a document's runs, newest first.
func (r *Repository) ListRunsForDocument(ctx context.Context, documentID, tenantID string) ([]*contracts.Run, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE document_id = $1 AND tenant_id = $2
		 ORDER BY created_at DESC, id DESC`, documentID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list document runs: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var runs []*contracts.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list document runs: %w", err)
	}
	return runs, nil
}

// UpdateRun writes the run's mutable fields back to the row. cancel_requested
// is deliberately excluded: only RequestCancel sets it, so an in-memory
// snapshot taken before a concurrent cancel can never write the flag back to
// false.
func (r *Repository) UpdateRun(ctx context.Context, run *contracts.Run) error {
	run.UpdatedAt = r.now()
	reasonCodes, err := encodeJSON(orEmptySlice(run.ReviewReasonCodes))
	if err != nil {
		return err
	}
	issues, err := encodeJSON(orEmptyIssues(run.ValidationIssues))
	if err != nil {
		return err
	}
	result, err := encodeJSON(run.Result)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET
			status = $1, model_name = $2, route_name = $3, error_code = $4,
			review_decision = $5, review_reason_codes = $6, decision_log = $7,
			result = $8, validation_issues = $9,
			updated_at = $10, finished_at = $11
		WHERE id = $12`,
		string(run.Status), run.ModelName, run.RouteName, run.ErrorCode,
		run.ReviewDecision, reasonCodes, nullIfEmpty(string(run.DecisionLog)),
		nullIfEmpty(result), issues,
		encodeTime(run.UpdatedAt), encodeTimePtr(run.FinishedAt), run.ID)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return requireAffected(res)
}

// RequestCancel flips the run's cancel flag. The orchestrator honors it at
// the next stage boundary.
func (r *Repository) RequestCancel(ctx context.Context, id, tenantID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET cancel_requested = 1, updated_at = $1
		WHERE id = $2 AND tenant_id = $3`,
		encodeTime(r.now()), id, tenantID)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	return requireAffected(res)
}

// ClaimQueuedRun transitions a QUEUED run to RUNNING. It returns ErrNotFound
// when the run was already claimed or moved, which makes pickup race-free
// across workers.
func (r *Repository) ClaimQueuedRun(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE runs SET status = $1, updated_at = $2
		WHERE id = $3 AND status = $4`,
		string(contracts.StatusRunning), encodeTime(r.now()),
		id, string(contracts.StatusQueued))
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}
	return requireAffected(res)
}

func scanRun(row rowScanner) (*contracts.Run, error) {
	var (
		run            contracts.Run
		idempotencyKey sql.NullString
		reasonCodes    sql.NullString
		decisionLog    sql.NullString
		result         sql.NullString
		issues         sql.NullString
		cancelFlag     int
		createdAt      string
		updatedAt      string
		finishedAt     sql.NullString
	)
	err := row.Scan(&run.ID, &run.DocumentID, &run.TenantID, &run.ReplayOfRunID,
		&idempotencyKey, &run.Status, &run.RequestedBy, &run.ModelName,
		&run.RouteName, &run.ErrorCode, &run.ReviewDecision, &reasonCodes,
		&decisionLog, &result, &issues, &cancelFlag,
		&createdAt, &updatedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.IdempotencyKey = idempotencyKey.String
	if err := decodeJSON(reasonCodes, &run.ReviewReasonCodes); err != nil {
		return nil, err
	}
	if decisionLog.Valid && decisionLog.String != "" {
		run.DecisionLog = []byte(decisionLog.String)
	}
	if err := decodeJSON(result, &run.Result); err != nil {
		return nil, err
	}
	if err := decodeJSON(issues, &run.ValidationIssues); err != nil {
		return nil, err
	}
	run.CancelRequested = cancelFlag != 0
	run.CreatedAt = decodeTime(createdAt)
	run.UpdatedAt = decodeTime(updatedAt)
	run.FinishedAt = decodeTimePtr(finishedAt)
	return &run, nil
}

func orEmptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func orEmptyIssues(s []contracts.Issue) []contracts.Issue {
	if s == nil {
		return []contracts.Issue{}
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
