package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
)

const quarantineColumns = `id, document_id, tenant_id, stage, status,
	reason_codes, details, storage_path, reprocess_count,
	last_reprocessed_at, resolved_at, created_at, updated_at`

// CreateQuarantineItem inserts a new quarantine row for a document.
func (r *Repository) CreateQuarantineItem(ctx context.Context, item *contracts.QuarantineItem) error {
	now := r.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = now
	}
	reasonCodes, err := encodeJSON(orEmptySlice(item.ReasonCodes))
	if err != nil {
		return err
	}
	details, err := encodeJSON(orEmptyMap(item.Details))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO quarantine_items (`+quarantineColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		item.ID, item.DocumentID, item.TenantID, item.Stage, item.Status,
		reasonCodes, details, item.StoragePath, item.ReprocessCount,
		encodeTimePtr(item.LastReprocessedAt), encodeTimePtr(item.ResolvedAt),
		encodeTime(item.CreatedAt), encodeTime(item.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert quarantine item: %w", err)
	}
	return nil
}

// GetQuarantineItem loads one quarantine item scoped to a tenant.
func (r *Repository) GetQuarantineItem(ctx context.Context, id, tenantID string) (*contracts.QuarantineItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+quarantineColumns+` FROM quarantine_items
		 WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return scanQuarantineItem(row)
}

// OpenQuarantineForDocument returns the newest unresolved quarantine item
// for a document, or ErrNotFound when the document has none open.
func (r *Repository) OpenQuarantineForDocument(ctx context.Context, documentID, tenantID string) (*contracts.QuarantineItem, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+quarantineColumns+` FROM quarantine_items
		 WHERE document_id = $1 AND tenant_id = $2 AND resolved_at IS NULL
		 ORDER BY created_at DESC, id DESC LIMIT 1`, documentID, tenantID)
	return scanQuarantineItem(row)
}

// ListQuarantineItems returns a tenant's quarantine items, newest first.
func (r *Repository) ListQuarantineItems(ctx context.Context, tenantID string, limit int) ([]*contracts.QuarantineItem, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+quarantineColumns+` FROM quarantine_items
		 WHERE tenant_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2`,
		tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list quarantine items: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var items []*contracts.QuarantineItem
	for rows.Next() {
		item, err := scanQuarantineItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list quarantine items: %w", err)
	}
	return items, nil
}

// MarkQuarantineReprocessed bumps the reprocess counter and timestamp.
func (r *Repository) MarkQuarantineReprocessed(ctx context.Context, id, tenantID string) error {
	now := encodeTime(r.now())
	res, err := r.db.ExecContext(ctx, `
		UPDATE quarantine_items
		SET reprocess_count = reprocess_count + 1,
		    last_reprocessed_at = $1, updated_at = $1
		WHERE id = $2 AND tenant_id = $3`, now, id, tenantID)
	if err != nil {
		return fmt.Errorf("mark quarantine reprocessed: %w", err)
	}
	return requireAffected(res)
}

// ResolveQuarantineItem closes an open quarantine item.
func (r *Repository) ResolveQuarantineItem(ctx context.Context, id, tenantID string) error {
	now := encodeTime(r.now())
	res, err := r.db.ExecContext(ctx, `
		UPDATE quarantine_items SET resolved_at = $1, updated_at = $1
		WHERE id = $2 AND tenant_id = $3 AND resolved_at IS NULL`,
		now, id, tenantID)
	if err != nil {
		return fmt.Errorf("resolve quarantine item: %w", err)
	}
	return requireAffected(res)
}

func scanQuarantineItem(row rowScanner) (*contracts.QuarantineItem, error) {
	var (
		item             contracts.QuarantineItem
		reasonCodes      sql.NullString
		details          sql.NullString
		lastReprocessed  sql.NullString
		resolvedAt       sql.NullString
		createdAt        string
		updatedAt        string
	)
	err := row.Scan(&item.ID, &item.DocumentID, &item.TenantID, &item.Stage,
		&item.Status, &reasonCodes, &details, &item.StoragePath,
		&item.ReprocessCount, &lastReprocessed, &resolvedAt,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan quarantine item: %w", err)
	}
	if err := decodeJSON(reasonCodes, &item.ReasonCodes); err != nil {
		return nil, err
	}
	if err := decodeJSON(details, &item.Details); err != nil {
		return nil, err
	}
	item.LastReprocessedAt = decodeTimePtr(lastReprocessed)
	item.ResolvedAt = decodeTimePtr(resolvedAt)
	item.CreatedAt = decodeTime(createdAt)
	item.UpdatedAt = decodeTime(updatedAt)
	return &item, nil
}
