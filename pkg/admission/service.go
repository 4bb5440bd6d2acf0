// Package admission is the write-side service layer: document upload through
// the ingestion contract, run creation with idempotency and queue
// backpressure, cancellation, replay, and quarantine reprocessing.
package admission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/invoicemind-labs/invoicemind/pkg/audit"
	"github.com/invoicemind-labs/invoicemind/pkg/blob"
	"github.com/invoicemind-labs/invoicemind/pkg/config"
	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
	"github.com/invoicemind-labs/invoicemind/pkg/extraction"
	"github.com/invoicemind-labs/invoicemind/pkg/ingest"
	"github.com/invoicemind-labs/invoicemind/pkg/metrics"
	"github.com/invoicemind-labs/invoicemind/pkg/repository"
)

// Sentinel errors the API layer maps onto HTTP statuses.
var (
	ErrDocumentNotFound    = errors.New("document not found")
	ErrRunNotFound         = errors.New("run not found")
	ErrQuarantineNotFound  = errors.New("quarantine item not found")
	ErrDocumentNotEligible = errors.New("document is not eligible for processing")
	ErrRunNotCancellable   = errors.New("run is already in a terminal state")
	ErrQueueFull           = errors.New("run queue is full")
)

// CreateRunResult is the outcome of a run creation request.
type CreateRunResult struct {
	Run      *contracts.Run
	Existing bool // replayed an idempotency key
	Warning  string
}

// Service wires the ingestion contract, repository, blob store, audit chain
// and metrics behind the write operations.
type Service struct {
	cfg      *config.Config
	repo     *repository.Repository
	blobs    blob.Store
	contract *ingest.Contract
	chain    *audit.Chain
	metrics  *metrics.Registry
	logger   *slog.Logger
	now      func() time.Time
	newID    func() string
}

// New builds the admission service.
func New(cfg *config.Config, repo *repository.Repository, blobs blob.Store,
	chain *audit.Chain, reg *metrics.Registry) *Service {
	return &Service{
		cfg:      cfg,
		repo:     repo,
		blobs:    blobs,
		contract: ingest.New(cfg),
		chain:    chain,
		metrics:  reg,
		logger:   slog.Default().With("component", "admission"),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// UploadDocument runs the payload through the ingestion contract and persists
// the outcome. Accepted documents land under raw/; rejected and quarantined
// originals land under the date-partitioned quarantine area with a sidecar
// meta file and an open quarantine item, which blocks run creation.
func (s *Service) UploadDocument(ctx context.Context, tenantID, filename, contentType string,
	payload []byte) (*contracts.Document, *contracts.QuarantineItem, error) {
	verdict := s.contract.Evaluate(payload, filename, contentType)

	doc := &contracts.Document{
		ID:           s.newID(),
		TenantID:     tenantID,
		Filename:     filename,
		ContentType:  contentType,
		SizeBytes:    int64(len(payload)),
		Language:     extraction.DetectLanguage(filename),
		QualityTier:  verdict.QualityTier,
		QualityScore: verdict.QualityScore,
	}

	if verdict.Decision == ingest.DecisionAccept {
		doc.IngestionStatus = contracts.IngestionAccepted
		doc.StoragePath = blob.RawKey(doc.ID, filename)
		if err := s.blobs.Put(ctx, doc.StoragePath, payload); err != nil {
			return nil, nil, fmt.Errorf("store upload: %w", err)
		}
		if err := s.repo.CreateDocument(ctx, doc); err != nil {
			return nil, nil, err
		}
		if _, err := s.chain.Append("document_ingested", "", map[string]any{
			"tenant_id":    tenantID,
			"document_id":  doc.ID,
			"filename":     filename,
			"quality_tier": doc.QualityTier,
		}); err != nil {
			s.logger.Warn("audit append failed", "error", err)
		}
		return doc, nil, nil
	}

	// Reject and quarantine both keep the original in the quarantine area and
	// open an item; the ingestion status records which verdict it was.
	at := s.now()
	doc.IngestionStatus = contracts.IngestionQuarantined
	if verdict.Decision == ingest.DecisionReject {
		doc.IngestionStatus = contracts.IngestionRejected
	}
	doc.StoragePath = blob.QuarantineKey(tenantID, at, doc.ID, filename)
	if err := s.blobs.Put(ctx, doc.StoragePath, payload); err != nil {
		return nil, nil, fmt.Errorf("store quarantined upload: %w", err)
	}
	itemStatus := verdict.QuarantineStatus()
	if itemStatus == "" {
		itemStatus = "QUARANTINED_UNKNOWN"
	}
	item := &contracts.QuarantineItem{
		ID:          s.newID(),
		DocumentID:  doc.ID,
		TenantID:    tenantID,
		Stage:       verdict.Stage,
		Status:      itemStatus,
		ReasonCodes: verdict.ReasonCodes,
		Details:     verdict.Details,
		StoragePath: doc.StoragePath,
	}
	meta, err := json.MarshalIndent(map[string]any{
		"document_id":    doc.ID,
		"filename":       filename,
		"content_type":   contentType,
		"stage":          item.Stage,
		"status":         item.Status,
		"reason_codes":   item.ReasonCodes,
		"quarantined_at": at.UTC().Format(time.RFC3339),
	}, "", "  ")
	if err == nil {
		if err := s.blobs.Put(ctx, blob.QuarantineMetaKey(tenantID, at, doc.ID), meta); err != nil {
			s.logger.Warn("quarantine meta write failed", "document_id", doc.ID, "error", err)
		}
	}
	if err := s.repo.CreateDocument(ctx, doc); err != nil {
		return nil, nil, err
	}
	if err := s.repo.CreateQuarantineItem(ctx, item); err != nil {
		return nil, nil, err
	}
	s.metrics.Inc(metrics.QuarantineCreated)
	event := "document_quarantined"
	if verdict.Decision == ingest.DecisionReject {
		event = "document_rejected"
	}
	if _, err := s.chain.Append(event, "", map[string]any{
		"tenant_id":    tenantID,
		"document_id":  doc.ID,
		"stage":        item.Stage,
		"status":       item.Status,
		"reason_codes": item.ReasonCodes,
	}); err != nil {
		s.logger.Warn("audit append failed", "error", err)
	}
	return doc, item, nil
}

// CreateRun enqueues a pipeline run for an accepted document. An idempotency
// key replays the run it first created. Queue depth past the reject threshold
// refuses the request; past the warn threshold it is accepted with a warning.
func (s *Service) CreateRun(ctx context.Context, tenantID, documentID, requestedBy,
	idempotencyKey string) (*CreateRunResult, error) {
	return s.createRun(ctx, tenantID, documentID, requestedBy, idempotencyKey, "")
}

func (s *Service) createRun(ctx context.Context, tenantID, documentID, requestedBy,
	idempotencyKey, replayOfRunID string) (*CreateRunResult, error) {
	doc, err := s.repo.GetDocument(ctx, documentID, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, err
	}
	if doc.IngestionStatus != contracts.IngestionAccepted {
		return nil, fmt.Errorf("%w: ingestion status %s", ErrDocumentNotEligible, doc.IngestionStatus)
	}
	if open, err := s.repo.OpenQuarantineForDocument(ctx, documentID, tenantID); err == nil && open != nil {
		return nil, fmt.Errorf("%w: open quarantine item %s", ErrDocumentNotEligible, open.ID)
	} else if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	if idempotencyKey != "" {
		existing, err := s.repo.GetRunByIdempotencyKey(ctx, tenantID, idempotencyKey)
		if err == nil {
			return &CreateRunResult{Run: existing, Existing: true}, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	depth, err := s.repo.CountTenantRunsByStatus(ctx, tenantID, contracts.StatusQueued)
	if err != nil {
		return nil, err
	}
	if depth >= s.cfg.QueueRejectDepth {
		return nil, fmt.Errorf("%w: %d runs queued", ErrQueueFull, depth)
	}
	var warning string
	if depth >= s.cfg.QueueWarnDepth {
		warning = fmt.Sprintf("queue depth %d at or above warn threshold %d; processing may be delayed",
			depth, s.cfg.QueueWarnDepth)
		s.logger.Warn("queue backpressure", "tenant_id", tenantID, "depth", depth)
	}

	run := &contracts.Run{
		ID:             s.newID(),
		DocumentID:     documentID,
		TenantID:       tenantID,
		ReplayOfRunID:  replayOfRunID,
		IdempotencyKey: idempotencyKey,
		Status:         contracts.StatusQueued,
		RequestedBy:    requestedBy,
	}
	if err := s.repo.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	s.metrics.Inc(metrics.RunCreated)
	s.metrics.SetGauge(metrics.QueueDepth, float64(depth+1))
	if _, err := s.chain.Append("run_created", run.ID, map[string]any{
		"tenant_id":    tenantID,
		"document_id":  documentID,
		"requested_by": requestedBy,
	}); err != nil {
		s.logger.Warn("audit append failed", "error", err)
	}
	return &CreateRunResult{Run: run, Warning: warning}, nil
}

// CancelRun cancels a run. A QUEUED run flips straight to CANCELLED; a
// RUNNING run gets the cancel flag, which the orchestrator honors at the next
// stage boundary. Terminal runs are not cancellable.
func (s *Service) CancelRun(ctx context.Context, tenantID, runID string) (*contracts.Run, error) {
	run, err := s.repo.GetTenantRun(ctx, runID, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}

	switch {
	case run.Status == contracts.StatusQueued:
		if err := s.repo.RequestCancel(ctx, runID, tenantID); err != nil {
			return nil, err
		}
		run.Status = contracts.StatusCancelled
		run.CancelRequested = true
		finished := s.now()
		run.FinishedAt = &finished
		if err := s.repo.UpdateRun(ctx, run); err != nil {
			return nil, err
		}
		s.metrics.Inc(metrics.RunCancelled)
		if _, err := s.chain.Append("run_cancelled", run.ID, map[string]any{
			"tenant_id": tenantID,
			"from":      string(contracts.StatusQueued),
		}); err != nil {
			s.logger.Warn("audit append failed", "error", err)
		}
		return run, nil

	case run.Status == contracts.StatusRunning:
		if err := s.repo.RequestCancel(ctx, runID, tenantID); err != nil {
			return nil, err
		}
		run.CancelRequested = true
		if _, err := s.chain.Append("run_cancel_requested", run.ID, map[string]any{
			"tenant_id": tenantID,
		}); err != nil {
			s.logger.Warn("audit append failed", "error", err)
		}
		return run, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrRunNotCancellable, run.Status)
}

// ReplayRun enqueues a fresh run over the same document as a finished run.
// The new run records its lineage in replay_of_run_id.
func (s *Service) ReplayRun(ctx context.Context, tenantID, runID, requestedBy string) (*contracts.Run, error) {
	source, err := s.repo.GetTenantRun(ctx, runID, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	if !source.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: source run is %s", ErrDocumentNotEligible, source.Status)
	}

	// Lineage is written at insert; replay_of_run_id never changes afterwards.
	result, err := s.createRun(ctx, tenantID, source.DocumentID, requestedBy, "", source.ID)
	if err != nil {
		return nil, err
	}
	replay := result.Run
	if _, err := s.chain.Append("run_replayed", replay.ID, map[string]any{
		"tenant_id":        tenantID,
		"replay_of_run_id": source.ID,
		"document_id":      source.DocumentID,
	}); err != nil {
		s.logger.Warn("audit append failed", "error", err)
	}
	return replay, nil
}

// ReprocessQuarantine re-runs the ingestion contract over a quarantined
// original. A now-passing document is moved to ACCEPTED and its item resolved;
// a still-failing one keeps the open item with an updated reprocess count.
func (s *Service) ReprocessQuarantine(ctx context.Context, tenantID, itemID string) (*contracts.QuarantineItem, *contracts.Document, error) {
	item, err := s.repo.GetQuarantineItem(ctx, itemID, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrQuarantineNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	doc, err := s.repo.GetDocument(ctx, item.DocumentID, tenantID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil, ErrDocumentNotFound
	}
	if err != nil {
		return nil, nil, err
	}

	payload, err := s.blobs.Get(ctx, item.StoragePath)
	if err != nil {
		return nil, nil, fmt.Errorf("load quarantined original: %w", err)
	}
	verdict := s.contract.Evaluate(payload, doc.Filename, doc.ContentType)

	if err := s.repo.MarkQuarantineReprocessed(ctx, itemID, tenantID); err != nil {
		return nil, nil, err
	}
	s.metrics.Inc(metrics.QuarantineReprocessed)

	if verdict.Decision == ingest.DecisionAccept {
		rawKey := blob.RawKey(doc.ID, doc.Filename)
		if err := s.blobs.Put(ctx, rawKey, payload); err != nil {
			return nil, nil, fmt.Errorf("promote quarantined original: %w", err)
		}
		if err := s.repo.UpdateDocumentStoragePath(ctx, doc.ID, tenantID, rawKey); err != nil {
			return nil, nil, err
		}
		if err := s.repo.UpdateDocumentIngestion(ctx, doc.ID, tenantID,
			contracts.IngestionAccepted, verdict.QualityTier, verdict.QualityScore); err != nil {
			return nil, nil, err
		}
		if err := s.repo.ResolveQuarantineItem(ctx, itemID, tenantID); err != nil {
			return nil, nil, err
		}
		if _, err := s.chain.Append("quarantine_resolved", "", map[string]any{
			"tenant_id":   tenantID,
			"document_id": doc.ID,
			"item_id":     itemID,
		}); err != nil {
			s.logger.Warn("audit append failed", "error", err)
		}
	} else {
		if _, err := s.chain.Append("quarantine_reprocessed", "", map[string]any{
			"tenant_id":    tenantID,
			"document_id":  doc.ID,
			"item_id":      itemID,
			"decision":     verdict.Decision,
			"reason_codes": verdict.ReasonCodes,
		}); err != nil {
			s.logger.Warn("audit append failed", "error", err)
		}
	}

	item, err = s.repo.GetQuarantineItem(ctx, itemID, tenantID)
	if err != nil {
		return nil, nil, err
	}
	doc, err = s.repo.GetDocument(ctx, item.DocumentID, tenantID)
	if err != nil {
		return nil, nil, err
	}
	return item, doc, nil
}
