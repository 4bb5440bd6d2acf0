package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
)

// CreateDocument inserts a new document row.
func (r *Repository) CreateDocument(ctx context.Context, doc *contracts.Document) error {
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO documents
			(id, tenant_id, filename, content_type, size_bytes, storage_path,
			 language, ingestion_status, quality_tier, quality_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		doc.ID, doc.TenantID, doc.Filename, doc.ContentType, doc.SizeBytes,
		doc.StoragePath, doc.Language, doc.IngestionStatus, doc.QualityTier,
		doc.QualityScore, encodeTime(doc.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument loads one document scoped to a tenant.
func (r *Repository) GetDocument(ctx context.Context, id, tenantID string) (*contracts.Document, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, filename, content_type, size_bytes, storage_path,
		       language, ingestion_status, quality_tier, quality_score, created_at
		FROM documents WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	return scanDocument(row)
}

// UpdateDocumentIngestion records the ingestion contract verdict.
func (r *Repository) UpdateDocumentIngestion(ctx context.Context, id, tenantID, status, tier string, score *float64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE documents
		SET ingestion_status = $1, quality_tier = $2, quality_score = $3
		WHERE id = $4 AND tenant_id = $5`,
		status, tier, score, id, tenantID)
	if err != nil {
		return fmt.Errorf("update document ingestion: %w", err)
	}
	return requireAffected(res)
}

// UpdateDocumentStoragePath points a document at a new blob key, used when
// a quarantined original is moved into the quarantine area.
func (r *Repository) UpdateDocumentStoragePath(ctx context.Context, id, tenantID, storagePath string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE documents SET storage_path = $1 WHERE id = $2 AND tenant_id = $3`,
		storagePath, id, tenantID)
	if err != nil {
		return fmt.Errorf("update document storage path: %w", err)
	}
	return requireAffected(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*contracts.Document, error) {
	var (
		doc       contracts.Document
		createdAt string
	)
	err := row.Scan(&doc.ID, &doc.TenantID, &doc.Filename, &doc.ContentType,
		&doc.SizeBytes, &doc.StoragePath, &doc.Language, &doc.IngestionStatus,
		&doc.QualityTier, &doc.QualityScore, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	doc.CreatedAt = decodeTime(createdAt)
	return &doc, nil
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
