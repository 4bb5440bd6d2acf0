// Package contracts defines the shared domain types for the InvoiceMind
// extraction pipeline: documents, runs, stages, quarantine items and the
// Invoice v1 result record.
package contracts

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Run.
type Status string

const (
	StatusQueued      Status = "QUEUED"
	StatusRunning     Status = "RUNNING"
	StatusSuccess     Status = "SUCCESS"
	StatusWarn        Status = "WARN"
	StatusNeedsReview Status = "NEEDS_REVIEW"
	StatusFailed      Status = "FAILED"
	StatusCancelled   Status = "CANCELLED"
)

// IsTerminal reports whether the status forbids further transitions.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusWarn, StatusNeedsReview, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Stage names, in pipeline order.
const (
	StagePreprocess = "PREPROCESS"
	StageOCR        = "OCR"
	StageExtract    = "EXTRACT"
	StageValidate   = "VALIDATE"
	StagePersist    = "PERSIST"
	StageExport     = "EXPORT"
)

// Stages is the canonical pipeline order.
var Stages = []string{StagePreprocess, StageOCR, StageExtract, StageValidate, StagePersist, StageExport}

// Ingestion outcome of an uploaded document.
const (
	IngestionAccepted    = "ACCEPTED"
	IngestionQuarantined = "QUARANTINED"
	IngestionRejected    = "REJECTED"
)

// Review decisions emitted by the policy engine.
const (
	DecisionAutoApproved = "AUTO_APPROVED"
	DecisionNeedsReview  = "NEEDS_REVIEW"
)

// Quality tiers assigned by the ingestion contract.
const (
	TierHigh   = "HIGH"
	TierMedium = "MEDIUM"
	TierLow    = "LOW"
)

// Document is an uploaded payload plus its ingestion verdict. Ingestion
// fields are set once by the contract and never change afterwards.
type Document struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	Filename        string    `json:"filename"`
	ContentType     string    `json:"content_type"`
	SizeBytes       int64     `json:"size_bytes"`
	StoragePath     string    `json:"storage_path"`
	Language        string    `json:"language"`
	IngestionStatus string    `json:"ingestion_status"`
	QualityTier     string    `json:"quality_tier,omitempty"`
	QualityScore    *float64  `json:"quality_score,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// Run is one pass of a document through the six-stage pipeline.
type Run struct {
	ID                string          `json:"id"`
	DocumentID        string          `json:"document_id"`
	TenantID          string          `json:"tenant_id"`
	ReplayOfRunID     string          `json:"replay_of_run_id,omitempty"`
	IdempotencyKey    string          `json:"idempotency_key,omitempty"`
	Status            Status          `json:"status"`
	RequestedBy       string          `json:"requested_by"`
	ModelName         string          `json:"model_name,omitempty"`
	RouteName         string          `json:"route_name,omitempty"`
	ErrorCode         string          `json:"error_code,omitempty"`
	ReviewDecision    string          `json:"review_decision,omitempty"`
	ReviewReasonCodes []string        `json:"review_reason_codes,omitempty"`
	DecisionLog       json.RawMessage `json:"decision_log,omitempty"`
	Result            *Invoice        `json:"result,omitempty"`
	ValidationIssues  []Issue         `json:"validation_issues,omitempty"`
	CancelRequested   bool            `json:"cancel_requested"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	FinishedAt        *time.Time      `json:"finished_at,omitempty"`
}

// RunStage records one attempt of one stage within a run.
// (run_id, stage_name, attempt) is unique.
type RunStage struct {
	RunID      string         `json:"run_id"`
	StageName  string         `json:"stage_name"`
	Status     string         `json:"status"`
	Attempt    int            `json:"attempt"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

// Stage row statuses.
const (
	StageStatusRunning   = "RUNNING"
	StageStatusSuccess   = "SUCCESS"
	StageStatusFailed    = "FAILED"
	StageStatusCancelled = "CANCELLED"
)

// QuarantineItem holds a document that failed the ingestion contract.
// An item is open until resolved_at is set; open items block run creation.
type QuarantineItem struct {
	ID                string         `json:"id"`
	DocumentID        string         `json:"document_id"`
	TenantID          string         `json:"tenant_id"`
	Stage             string         `json:"stage"`
	Status            string         `json:"status"`
	ReasonCodes       []string       `json:"reason_codes"`
	Details           map[string]any `json:"details,omitempty"`
	StoragePath       string         `json:"storage_path"`
	ReprocessCount    int            `json:"reprocess_count"`
	LastReprocessedAt *time.Time     `json:"last_reprocessed_at,omitempty"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Issue severities.
const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// Issue is a single validation finding against an extraction result.
type Issue struct {
	Code     string `json:"code"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// HasSeverity reports whether any issue carries the given severity.
func HasSeverity(issues []Issue, severity string) bool {
	for _, issue := range issues {
		if issue.Severity == severity {
			return true
		}
	}
	return false
}

// Evidence is a source pointer backing an extracted value.
type Evidence struct {
	Page    int    `json:"page"`
	Snippet string `json:"snippet"`
}

// Invoice is the structured extraction output (schema invoice_v1).
// Money fields are pointers so that absence is distinguishable from zero.
type Invoice struct {
	SchemaVersion  string                `json:"schema_version"`
	VendorName     string                `json:"vendor_name"`
	InvoiceNo      string                `json:"invoice_no"`
	InvoiceDate    string                `json:"invoice_date"`
	Subtotal       *float64              `json:"subtotal,omitempty"`
	Tax            *float64              `json:"tax,omitempty"`
	Total          *float64              `json:"total,omitempty"`
	Currency       string                `json:"currency"`
	VendorTaxID    string                `json:"vendor_tax_id,omitempty"`
	DueDate        string                `json:"due_date,omitempty"`
	PaymentTerms   string                `json:"payment_terms,omitempty"`
	Evidence       []Evidence            `json:"evidence,omitempty"`
	FieldEvidence  map[string][]Evidence `json:"field_evidence,omitempty"`
	ExtractionMeta map[string]any        `json:"extraction_meta,omitempty"`
}

// Field returns a named invoice field for catalog-driven gate checks.
// Absent string fields come back as "", absent money fields as nil.
func (inv *Invoice) Field(name string) any {
	if inv == nil {
		return nil
	}
	switch name {
	case "vendor_name":
		return inv.VendorName
	case "invoice_no":
		return inv.InvoiceNo
	case "invoice_date":
		return inv.InvoiceDate
	case "subtotal":
		return floatOrNil(inv.Subtotal)
	case "tax":
		return floatOrNil(inv.Tax)
	case "total":
		return floatOrNil(inv.Total)
	case "currency":
		return inv.Currency
	case "vendor_tax_id":
		return inv.VendorTaxID
	case "due_date":
		return inv.DueDate
	case "payment_terms":
		return inv.PaymentTerms
	}
	return nil
}

func floatOrNil(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

// Float64 returns a pointer to v; shorthand for building Invoice literals.
func Float64(v float64) *float64 { return &v }

// OCRResult is what an OCR provider returns for a document.
type OCRResult struct {
	Text       string         `json:"text"`
	Provider   string         `json:"provider"`
	Confidence float64        `json:"confidence"`
	Details    map[string]any `json:"details,omitempty"`
}

// ExtractionResult is what the structured extractor returns.
type ExtractionResult struct {
	ModelName  string         `json:"model_name"`
	RouteName  string         `json:"route_name"`
	Provider   string         `json:"provider"`
	Confidence float64        `json:"confidence"`
	Result     *Invoice       `json:"result"`
	Details    map[string]any `json:"details,omitempty"`
}
