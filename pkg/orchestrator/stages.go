package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/invoicemind-labs/invoicemind/pkg/blob"
	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
	"github.com/invoicemind-labs/invoicemind/pkg/extraction"
	"github.com/invoicemind-labs/invoicemind/pkg/metrics"
	"github.com/invoicemind-labs/invoicemind/pkg/policy"
)

// singleAttemptStages run exactly once; a retry would redo work that is not
// idempotent at the attempt level or cannot transiently fail.
var singleAttemptStages = map[string]bool{
	contracts.StagePreprocess: true,
	contracts.StageValidate:   true,
}

// timeoutRetryableStages may be re-attempted after a stage timeout.
var timeoutRetryableStages = map[string]bool{
	contracts.StageOCR:     true,
	contracts.StageExtract: true,
	contracts.StagePersist: true,
	contracts.StageExport:  true,
}

func (o *Orchestrator) maxAttempts(stage string) int {
	if singleAttemptStages[stage] {
		return 1
	}
	if o.cfg.MaxStageAttempts < 1 {
		return 1
	}
	return o.cfg.MaxStageAttempts
}

// executeStageWithRetry records one stage row per attempt and retries
// retryable failures with linear backoff up to the attempt budget.
func (o *Orchestrator) executeStageWithRetry(ctx context.Context, run *contracts.Run,
	doc *contracts.Document, stage string, rc *runContext, runStarted time.Time) error {
	maxAttempts := o.maxAttempts(stage)

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := o.checkCancelled(ctx, run, stage); err != nil {
			return err
		}
		if err := o.checkRunDeadline(runStarted, stage); err != nil {
			return err
		}

		startedAt := o.now()
		if err := o.repo.UpsertStage(ctx, &contracts.RunStage{
			RunID:     run.ID,
			StageName: stage,
			Attempt:   attempt,
			Status:    contracts.StageStatusRunning,
			Details:   map[string]any{"worker_id": rc.workerID},
			StartedAt: &startedAt,
		}); err != nil {
			return err
		}

		details, stageErr := o.runStageWithTimeout(ctx, stage, run, doc, rc)
		finishedAt := o.now()
		durationMS := roundTo(float64(finishedAt.Sub(startedAt).Microseconds())/1000.0, 2)
		o.recordStageSLO(stage, finishedAt.Sub(startedAt), stageErr == nil)

		if stageErr == nil {
			merged := map[string]any{
				"worker_id":   rc.workerID,
				"duration_ms": durationMS,
			}
			for k, v := range details {
				merged[k] = v
			}
			if err := o.repo.UpsertStage(ctx, &contracts.RunStage{
				RunID:      run.ID,
				StageName:  stage,
				Attempt:    attempt,
				Status:     contracts.StageStatusSuccess,
				Details:    merged,
				StartedAt:  &startedAt,
				FinishedAt: &finishedAt,
			}); err != nil {
				return err
			}
			return nil
		}

		se := asStageError(stageErr)
		if err := o.repo.UpsertStage(ctx, &contracts.RunStage{
			RunID:     run.ID,
			StageName: stage,
			Attempt:   attempt,
			Status:    contracts.StageStatusFailed,
			ErrorCode: se.Code,
			Details: map[string]any{
				"worker_id":   rc.workerID,
				"duration_ms": durationMS,
				"detail":      se.Detail,
			},
			StartedAt:  &startedAt,
			FinishedAt: &finishedAt,
		}); err != nil {
			return err
		}

		if se.Retryable && attempt < maxAttempts {
			o.metrics.Inc(metrics.StageRetried)
			o.logger.Warn("stage retrying",
				"run_id", run.ID, "stage", stage, "attempt", attempt, "error_code", se.Code)
			o.sleep(time.Duration(attempt) * 200 * time.Millisecond)
			continue
		}
		return se
	}
	return nil
}

// runStageWithTimeout bounds one attempt by the configured stage deadline.
// The stage goroutine keeps the context so in-flight work unwinds promptly.
func (o *Orchestrator) runStageWithTimeout(ctx context.Context, stage string,
	run *contracts.Run, doc *contracts.Document, rc *runContext) (map[string]any, error) {
	stageCtx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout())
	defer cancel()

	type outcome struct {
		details map[string]any
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		details, err := o.runStage(stageCtx, stage, run, doc, rc)
		done <- outcome{details: details, err: err}
	}()

	timeoutErr := func() error {
		return contracts.NewStageError(
			contracts.StageTimeoutCode(stage),
			timeoutRetryableStages[stage],
			fmt.Sprintf("stage %s exceeded %s", stage, o.cfg.StageTimeout()))
	}

	select {
	case out := <-done:
		// A stage that observed the deadline itself reports the same code as
		// one reaped here.
		if out.err != nil && errors.Is(out.err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, timeoutErr()
		}
		return out.details, out.err
	case <-stageCtx.Done():
		if errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, timeoutErr()
		}
		return nil, contracts.NewStageError(contracts.ErrCodeRunCancelled, false,
			"context cancelled during "+stage)
	}
}

func (o *Orchestrator) runStage(ctx context.Context, stage string,
	run *contracts.Run, doc *contracts.Document, rc *runContext) (map[string]any, error) {
	switch stage {
	case contracts.StagePreprocess:
		return o.stagePreprocess(ctx, run, doc, rc)
	case contracts.StageOCR:
		return o.stageOCR(ctx, run, doc, rc)
	case contracts.StageExtract:
		return o.stageExtract(ctx, doc, rc)
	case contracts.StageValidate:
		return o.stageValidate(doc, rc)
	case contracts.StagePersist:
		return o.stagePersist(ctx, run, rc)
	case contracts.StageExport:
		return o.stageExport(ctx, run, rc)
	}
	return nil, contracts.NewStageError(contracts.ErrCodeUnexpectedRuntime, false,
		"unknown stage "+stage)
}

func (o *Orchestrator) stagePreprocess(ctx context.Context, run *contracts.Run,
	doc *contracts.Document, rc *runContext) (map[string]any, error) {
	// The source blob may legitimately be absent; OCR then falls back to a
	// deterministic digest of the filename.
	var sizeBytes int64
	if payload, err := o.blobs.Get(ctx, doc.StoragePath); err == nil {
		rc.payload = payload
		sizeBytes = int64(len(payload))
	}

	summary := fmt.Sprintf("preprocess_ok|filename=%s|bytes=%d", doc.Filename, sizeBytes)
	if err := o.blobs.Put(ctx, blob.RunArtifactKey(run.ID, "preprocess.txt"), []byte(summary)); err != nil {
		return nil, contracts.NewStageError(contracts.ErrCodeStorageUnavailable, true, err.Error())
	}
	return map[string]any{
		"filename":   doc.Filename,
		"size_bytes": sizeBytes,
	}, nil
}

func (o *Orchestrator) stageOCR(ctx context.Context, run *contracts.Run,
	doc *contracts.Document, rc *runContext) (map[string]any, error) {
	result, err := o.ocr.Run(ctx, rc.payload, doc.Filename)
	if err != nil {
		return nil, asStageError(err)
	}
	rc.ocr = result

	if err := o.blobs.Put(ctx, blob.RunArtifactKey(run.ID, "ocr_text.txt"), []byte(result.Text)); err != nil {
		return nil, contracts.NewStageError(contracts.ErrCodeStorageUnavailable, true, err.Error())
	}
	meta, err := json.MarshalIndent(map[string]any{
		"provider":   result.Provider,
		"confidence": roundTo(result.Confidence, 4),
		"details":    result.Details,
	}, "", "  ")
	if err == nil {
		if err := o.blobs.Put(ctx, blob.RunArtifactKey(run.ID, "ocr_meta.json"), meta); err != nil {
			return nil, contracts.NewStageError(contracts.ErrCodeStorageUnavailable, true, err.Error())
		}
	}
	return map[string]any{
		"provider":   result.Provider,
		"confidence": roundTo(result.Confidence, 4),
	}, nil
}

func (o *Orchestrator) stageExtract(ctx context.Context, doc *contracts.Document,
	rc *runContext) (map[string]any, error) {
	if rc.ocr == nil {
		return nil, contracts.NewStageError(contracts.ErrCodeOCREmpty, false, "no OCR output")
	}
	language := doc.Language
	if language == "" {
		language = extraction.DetectLanguage(doc.Filename)
	}

	result, err := o.extractor.Run(ctx, rc.ocr, doc.Filename, language)
	if err != nil {
		return nil, asStageError(err)
	}
	rc.extraction = result
	return map[string]any{
		"provider":   result.Provider,
		"model_name": result.ModelName,
		"route_name": result.RouteName,
		"confidence": roundTo(result.Confidence, 4),
	}, nil
}

func (o *Orchestrator) stageValidate(doc *contracts.Document, rc *runContext) (map[string]any, error) {
	if rc.ocr == nil || rc.extraction == nil {
		return nil, contracts.NewStageError(contracts.ErrCodeValidationInput, false,
			"ocr or extraction output missing")
	}
	if err := validateInvoiceSchema(rc.extraction.Result); err != nil {
		return nil, contracts.NewStageError(contracts.ErrCodeResultSchemaInvalid, false, err.Error())
	}

	issues := extraction.ValidateResult(o.cfg, rc.extraction.Result,
		rc.extraction.Confidence, rc.ocr.Confidence)

	decision, err := o.engine.Evaluate(policy.Inputs{
		Result:               rc.extraction.Result,
		Issues:               issues,
		ExtractionConfidence: rc.extraction.Confidence,
		OCRConfidence:        rc.ocr.Confidence,
		QualityTier:          doc.QualityTier,
		QualityScore:         doc.QualityScore,
	})
	if err != nil {
		return nil, contracts.NewStageError(contracts.ErrCodeUnexpectedRuntime, false, err.Error())
	}

	rc.issues = issues
	rc.decisionLog = decision
	rc.reviewDecision = decision.Decision
	rc.reasonCodes = decision.ReasonCodes
	rc.qualityStatus = policy.StatusFromDecision(decision.Decision, issues)

	return map[string]any{
		"issue_count":          len(issues),
		"quality_status":       string(rc.qualityStatus),
		"review_decision":      rc.reviewDecision,
		"quality_reason_codes": rc.reasonCodes,
	}, nil
}

func (o *Orchestrator) stagePersist(ctx context.Context, run *contracts.Run,
	rc *runContext) (map[string]any, error) {
	if rc.ocr == nil || rc.extraction == nil {
		return nil, contracts.NewStageError(contracts.ErrCodePersistInput, false,
			"ocr or extraction output missing")
	}
	payload, err := json.MarshalIndent(map[string]any{
		"result":                rc.extraction.Result,
		"validation_issues":     rc.issues,
		"model_name":            rc.extraction.ModelName,
		"route_name":            rc.extraction.RouteName,
		"ocr_provider":          rc.ocr.Provider,
		"ocr_confidence":        roundTo(rc.ocr.Confidence, 4),
		"extraction_provider":   rc.extraction.Provider,
		"extraction_confidence": roundTo(rc.extraction.Confidence, 4),
		"quality_status":        string(rc.qualityStatus),
		"review_decision":       rc.reviewDecision,
		"quality_reason_codes":  rc.reasonCodes,
		"decision_log":          rc.decisionLog,
	}, "", "  ")
	if err != nil {
		return nil, contracts.NewStageError(contracts.ErrCodeUnexpectedRuntime, false, err.Error())
	}
	if err := o.blobs.Put(ctx, blob.RunOutputKey(run.ID, "result.json"), payload); err != nil {
		return nil, contracts.NewStageError(contracts.ErrCodeStorageUnavailable, true, err.Error())
	}
	return map[string]any{"output": "result.json"}, nil
}

func (o *Orchestrator) stageExport(ctx context.Context, run *contracts.Run,
	rc *runContext) (map[string]any, error) {
	summary, err := json.MarshalIndent(map[string]any{
		"run_id":               run.ID,
		"quality_status":       string(rc.qualityStatus),
		"review_decision":      rc.reviewDecision,
		"quality_reason_codes": rc.reasonCodes,
		"exported_at_unix":     o.now().Unix(),
	}, "", "  ")
	if err != nil {
		return nil, contracts.NewStageError(contracts.ErrCodeUnexpectedRuntime, false, err.Error())
	}
	if err := o.blobs.Put(ctx, blob.RunArtifactKey(run.ID, "export_summary.json"), summary); err != nil {
		return nil, contracts.NewStageError(contracts.ErrCodeStorageUnavailable, true, err.Error())
	}
	return map[string]any{"export_artifact": "export_summary.json"}, nil
}

func asStageError(err error) *contracts.StageError {
	var se *contracts.StageError
	if errors.As(err, &se) {
		return se
	}
	detail := strings.TrimSpace(err.Error())
	return contracts.NewStageError(contracts.ErrCodeUnexpectedRuntime, false, detail)
}

func roundTo(v float64, places int) float64 {
	shift := math.Pow(10, float64(places))
	return math.Round(v*shift) / shift
}
