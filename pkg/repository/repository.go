// Package repository persists documents, runs, stage attempts and quarantine
// items behind database/sql. SQL is written with $N placeholders and a
// portable column set so the same statements run on SQLite and PostgreSQL;
// drivers are registered by the importing binary.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// Repository wraps a *sql.DB with the pipeline's persistence operations.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// New wraps an open database handle.
func New(db *sql.DB) *Repository {
	return &Repository{db: db, now: time.Now}
}

// DB exposes the underlying handle for transactions the caller manages.
func (r *Repository) DB() *sql.DB { return r.db }

// ResolveDriver maps a database URL to (driverName, dsn).
// Supported schemes: sqlite:// (modernc driver "sqlite") and
// postgres:// / postgresql:// (lib/pq driver "postgres").
func ResolveDriver(databaseURL string) (driver, dsn string, err error) {
	switch {
	case strings.HasPrefix(databaseURL, "sqlite://"):
		return "sqlite", strings.TrimPrefix(databaseURL, "sqlite://"), nil
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		return "postgres", databaseURL, nil
	default:
		return "", "", fmt.Errorf("unsupported database url: %s", databaseURL)
	}
}

// Open resolves the driver for databaseURL and opens the handle. The caller
// must have linked the matching driver package.
func Open(databaseURL string) (*sql.DB, error) {
	driver, dsn, err := ResolveDriver(databaseURL)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if driver == "sqlite" {
		// SQLite serializes writers; a single pooled connection avoids
		// SQLITE_BUSY under concurrent workers.
		db.SetMaxOpenConns(1)
	}
	return db, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		filename TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size_bytes BIGINT NOT NULL,
		storage_path TEXT NOT NULL,
		language TEXT NOT NULL DEFAULT '',
		ingestion_status TEXT NOT NULL,
		quality_tier TEXT NOT NULL DEFAULT '',
		quality_score DOUBLE PRECISION,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents (tenant_id)`,
	`CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		replay_of_run_id TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		status TEXT NOT NULL,
		requested_by TEXT NOT NULL DEFAULT '',
		model_name TEXT NOT NULL DEFAULT '',
		route_name TEXT NOT NULL DEFAULT '',
		error_code TEXT NOT NULL DEFAULT '',
		review_decision TEXT NOT NULL DEFAULT '',
		review_reason_codes TEXT NOT NULL DEFAULT '[]',
		decision_log TEXT,
		result TEXT,
		validation_issues TEXT NOT NULL DEFAULT '[]',
		cancel_requested INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		finished_at TEXT
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idempotency
		ON runs (tenant_id, idempotency_key) WHERE idempotency_key IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS idx_runs_tenant_status ON runs (tenant_id, status)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs (status, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_runs_document ON runs (document_id)`,
	`CREATE TABLE IF NOT EXISTS run_stages (
		run_id TEXT NOT NULL,
		stage_name TEXT NOT NULL,
		attempt INTEGER NOT NULL,
		status TEXT NOT NULL,
		error_code TEXT NOT NULL DEFAULT '',
		details TEXT NOT NULL DEFAULT '{}',
		started_at TEXT,
		finished_at TEXT,
		PRIMARY KEY (run_id, stage_name, attempt)
	)`,
	`CREATE TABLE IF NOT EXISTS quarantine_items (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		stage TEXT NOT NULL,
		status TEXT NOT NULL,
		reason_codes TEXT NOT NULL DEFAULT '[]',
		details TEXT NOT NULL DEFAULT '{}',
		storage_path TEXT NOT NULL DEFAULT '',
		reprocess_count INTEGER NOT NULL DEFAULT 0,
		last_reprocessed_at TEXT,
		resolved_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_quarantine_document ON quarantine_items (document_id, tenant_id)`,
	`CREATE INDEX IF NOT EXISTS idx_quarantine_tenant ON quarantine_items (tenant_id)`,
}

// InitSchema creates all tables and indexes if they do not exist.
func (r *Repository) InitSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// Timestamps are persisted as RFC 3339 text so both backends round-trip
// identically.

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func decodeTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := decodeTime(s.String)
	return &t
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode json column: %w", err)
	}
	return string(b), nil
}

func decodeJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" || s.String == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), v); err != nil {
		return fmt.Errorf("decode json column: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
