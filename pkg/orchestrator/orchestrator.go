// Package orchestrator drives a run through the six-stage pipeline:
// PREPROCESS, OCR, EXTRACT, VALIDATE, PERSIST, EXPORT. Stages execute under
// a per-stage timeout with bounded retries; cancellation and the run-level
// deadline are honored at stage boundaries.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/invoicemind-labs/invoicemind/pkg/audit"
	"github.com/invoicemind-labs/invoicemind/pkg/blob"
	"github.com/invoicemind-labs/invoicemind/pkg/config"
	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
	"github.com/invoicemind-labs/invoicemind/pkg/extraction"
	"github.com/invoicemind-labs/invoicemind/pkg/metrics"
	"github.com/invoicemind-labs/invoicemind/pkg/observability"
	"github.com/invoicemind-labs/invoicemind/pkg/policy"
	"github.com/invoicemind-labs/invoicemind/pkg/repository"
)

// Orchestrator executes queued runs. It is safe for concurrent use; each
// ProcessRun call owns one run end to end.
type Orchestrator struct {
	cfg       *config.Config
	repo      *repository.Repository
	blobs     blob.Store
	chain     *audit.Chain
	metrics   *metrics.Registry
	engine    *policy.Engine
	ocr       *extraction.OCRChain
	extractor *extraction.Extractor
	slos      *observability.SLOTracker
	logger    *slog.Logger
	sleep     func(time.Duration)
	now       func() time.Time
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithOCRChain swaps the OCR provider chain, e.g. to plug in an engine-backed
// provider or disable the deterministic fallback.
func WithOCRChain(chain *extraction.OCRChain) Option {
	return func(o *Orchestrator) { o.ocr = chain }
}

// WithSLOTracker records stage attempts and run outcomes into the tracker.
func WithSLOTracker(t *observability.SLOTracker) Option {
	return func(o *Orchestrator) { o.slos = t }
}

// New builds an orchestrator over the shared pipeline dependencies.
func New(cfg *config.Config, repo *repository.Repository, blobs blob.Store,
	chain *audit.Chain, reg *metrics.Registry, engine *policy.Engine, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		repo:      repo,
		blobs:     blobs,
		chain:     chain,
		metrics:   reg,
		engine:    engine,
		ocr:       extraction.DefaultOCRChain(),
		extractor: extraction.New(cfg),
		logger:    slog.Default().With("component", "orchestrator"),
		sleep:     time.Sleep,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// runContext carries intermediate stage outputs through one run.
type runContext struct {
	payload        []byte
	ocr            *contracts.OCRResult
	extraction     *contracts.ExtractionResult
	issues         []contracts.Issue
	qualityStatus  contracts.Status
	reasonCodes    []string
	reviewDecision string
	decisionLog    *policy.Decision
	qualityTier    string
	qualityScore   *float64
	workerID       string
}

// ProcessRun executes one run to a terminal state. Missing, terminal, and
// already-running runs are a no-op. The returned error reflects
// infrastructure failures only; pipeline failures land in the run row.
func (o *Orchestrator) ProcessRun(ctx context.Context, runID, workerID string) error {
	defer o.syncQueueDepth(ctx)

	run, err := o.repo.GetRun(ctx, runID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() || run.Status == contracts.StatusRunning {
		return nil
	}

	// Atomic QUEUED->RUNNING claim; losing the race to another worker or a
	// queued-cancel is a no-op.
	if err := o.repo.ClaimQueuedRun(ctx, runID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		return err
	}
	run.Status = contracts.StatusRunning
	run.RouteName = "ocr_llm_pipeline"
	if err := o.repo.UpdateRun(ctx, run); err != nil {
		return err
	}
	o.syncQueueDepth(ctx)
	logger := o.logger.With("run_id", run.ID, "worker_id", workerID)

	doc, err := o.repo.GetDocument(ctx, run.DocumentID, run.TenantID)
	if errors.Is(err, repository.ErrNotFound) {
		o.finishFailed(ctx, run, contracts.ErrCodeDocumentNotFound)
		return nil
	}
	if err != nil {
		return err
	}
	if doc.IngestionStatus != contracts.IngestionAccepted {
		o.finishFailed(ctx, run, contracts.ErrCodeDocumentQuarantined)
		return nil
	}

	rc := &runContext{
		qualityStatus:  contracts.StatusSuccess,
		reviewDecision: contracts.DecisionAutoApproved,
		qualityTier:    doc.QualityTier,
		qualityScore:   doc.QualityScore,
		workerID:       workerID,
	}
	started := o.now()

	for _, stage := range contracts.Stages {
		if err := o.checkCancelled(ctx, run, stage); err != nil {
			o.finishAborted(ctx, run, err)
			o.recordRunSLO(started, false)
			return nil
		}
		if err := o.checkRunDeadline(started, stage); err != nil {
			o.finishAborted(ctx, run, err)
			o.recordRunSLO(started, false)
			return nil
		}
		if err := o.executeStageWithRetry(ctx, run, doc, stage, rc, started); err != nil {
			o.finishAborted(ctx, run, err)
			o.recordRunSLO(started, false)
			return nil
		}
	}

	finalStatus := policy.StatusFromDecision(rc.reviewDecision, rc.issues)
	run.Status = finalStatus
	run.ModelName = rc.extraction.ModelName
	run.RouteName = rc.extraction.RouteName
	run.ErrorCode = ""
	run.ReviewDecision = rc.reviewDecision
	run.ReviewReasonCodes = rc.reasonCodes
	run.Result = rc.extraction.Result
	run.ValidationIssues = rc.issues
	if rc.decisionLog != nil {
		if encoded, err := json.Marshal(rc.decisionLog); err == nil {
			run.DecisionLog = encoded
		}
	}
	finished := o.now()
	run.FinishedAt = &finished
	if err := o.repo.UpdateRun(ctx, run); err != nil {
		return err
	}

	switch finalStatus {
	case contracts.StatusSuccess:
		o.metrics.Inc(metrics.RunSucceeded)
	case contracts.StatusWarn:
		o.metrics.Inc(metrics.RunWarn)
	case contracts.StatusNeedsReview:
		o.metrics.Inc(metrics.RunNeedsReview)
	}

	var decisionLogHash any
	if rc.decisionLog != nil {
		decisionLogHash = rc.decisionLog.InputsSnapshot.HashSHA256
	}
	if _, err := o.chain.Append("run_completed", run.ID, map[string]any{
		"status":            string(finalStatus),
		"model_name":        run.ModelName,
		"route_name":        run.RouteName,
		"issue_count":       len(rc.issues),
		"decision":          rc.reviewDecision,
		"reason_codes":      rc.reasonCodes,
		"decision_log_hash": decisionLogHash,
	}); err != nil {
		logger.Warn("audit append failed", "error", err)
	}

	o.writeDecisionArtifacts(ctx, run.ID, rc, logger)
	o.recordRunSLO(started, true)
	logger.Info("run completed", "status", string(finalStatus), "decision", rc.reviewDecision)
	return nil
}

func (o *Orchestrator) recordRunSLO(started time.Time, success bool) {
	if o.slos == nil {
		return
	}
	o.slos.Record(observability.SLOObservation{
		Operation: observability.RunOperation,
		Latency:   o.now().Sub(started),
		Success:   success,
	})
}

func (o *Orchestrator) recordStageSLO(stage string, latency time.Duration, success bool) {
	if o.slos == nil {
		return
	}
	o.slos.Record(observability.SLOObservation{
		Operation: stage,
		Latency:   latency,
		Success:   success,
	})
}

// finishAborted routes a stage-boundary failure to its terminal state.
func (o *Orchestrator) finishAborted(ctx context.Context, run *contracts.Run, stageErr error) {
	var se *contracts.StageError
	if !errors.As(stageErr, &se) {
		se = contracts.NewStageError(contracts.ErrCodeUnexpectedRuntime, false, stageErr.Error())
	}

	if se.Code == contracts.ErrCodeRunCancelled {
		o.finishTerminal(ctx, run, contracts.StatusCancelled, "")
		o.metrics.Inc(metrics.RunCancelled)
		if _, err := o.chain.Append("run_cancelled", run.ID, map[string]any{
			"error_code": se.Code,
		}); err != nil {
			o.logger.Warn("audit append failed", "error", err)
		}
		return
	}

	o.finishTerminal(ctx, run, contracts.StatusFailed, se.Code)
	o.metrics.Inc(metrics.RunFailed)
	if se.Code == contracts.ErrCodeRunTimeout {
		o.metrics.Inc(metrics.RunTimedOut)
	}
	if _, err := o.chain.Append("run_failed", run.ID, map[string]any{
		"error_code": se.Code,
	}); err != nil {
		o.logger.Warn("audit append failed", "error", err)
	}
}

func (o *Orchestrator) finishFailed(ctx context.Context, run *contracts.Run, errorCode string) {
	o.finishTerminal(ctx, run, contracts.StatusFailed, errorCode)
	o.metrics.Inc(metrics.RunFailed)
}

func (o *Orchestrator) finishTerminal(ctx context.Context, run *contracts.Run, status contracts.Status, errorCode string) {
	run.Status = status
	run.ErrorCode = errorCode
	finished := o.now()
	run.FinishedAt = &finished
	if err := o.repo.UpdateRun(ctx, run); err != nil {
		o.logger.Error("terminal update failed", "run_id", run.ID, "error", err)
	}
}

// checkCancelled reloads the cancel flag and, when set, records a CANCELLED
// stage row before aborting the run.
func (o *Orchestrator) checkCancelled(ctx context.Context, run *contracts.Run, stage string) error {
	fresh, err := o.repo.GetRun(ctx, run.ID)
	if err != nil {
		return err
	}
	run.CancelRequested = fresh.CancelRequested
	if !run.CancelRequested {
		return nil
	}
	finished := o.now()
	if err := o.repo.UpsertStage(ctx, &contracts.RunStage{
		RunID:      run.ID,
		StageName:  stage,
		Attempt:    1,
		Status:     contracts.StageStatusCancelled,
		Details:    map[string]any{"worker_id": hostname()},
		FinishedAt: &finished,
	}); err != nil {
		o.logger.Warn("cancel stage row failed", "run_id", run.ID, "error", err)
	}
	return contracts.NewStageError(contracts.ErrCodeRunCancelled, false, "cancelled before "+stage)
}

// checkRunDeadline enforces the run-level wall clock budget.
func (o *Orchestrator) checkRunDeadline(started time.Time, stage string) error {
	elapsed := o.now().Sub(started)
	if elapsed > o.cfg.RunTimeout() {
		return contracts.NewStageError(contracts.ErrCodeRunTimeout, false,
			"elapsed "+elapsed.Truncate(time.Millisecond).String()+" before "+stage)
	}
	return nil
}

func (o *Orchestrator) writeDecisionArtifacts(ctx context.Context, runID string, rc *runContext, logger *slog.Logger) {
	// Best effort: a run that completed should not fail over bookkeeping.
	if rc.decisionLog != nil {
		if data, err := json.MarshalIndent(rc.decisionLog, "", "  "); err == nil {
			if err := o.blobs.Put(ctx, blob.RunArtifactKey(runID, "quality_decision_log.json"), data); err != nil {
				logger.Warn("decision log artifact write failed", "error", err)
			}
		}
	}
	if len(rc.reasonCodes) > 0 {
		data, err := json.MarshalIndent(map[string]any{"reason_codes": rc.reasonCodes}, "", "  ")
		if err == nil {
			if err := o.blobs.Put(ctx, blob.RunArtifactKey(runID, "quality_reason_codes.json"), data); err != nil {
				logger.Warn("reason codes artifact write failed", "error", err)
			}
		}
	}
}

func (o *Orchestrator) syncQueueDepth(ctx context.Context) {
	queued, err := o.repo.CountRunsByStatus(ctx, contracts.StatusQueued)
	if err != nil {
		o.logger.Warn("queue depth sync failed", "error", err)
		return
	}
	o.metrics.SetGauge(metrics.QueueDepth, float64(queued))
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}
