package orchestrator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/invoicemind-labs/invoicemind/pkg/audit"
	"github.com/invoicemind-labs/invoicemind/pkg/blob"
	"github.com/invoicemind-labs/invoicemind/pkg/canonicalize"
	"github.com/invoicemind-labs/invoicemind/pkg/config"
	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
	"github.com/invoicemind-labs/invoicemind/pkg/extraction"
	"github.com/invoicemind-labs/invoicemind/pkg/metrics"
	"github.com/invoicemind-labs/invoicemind/pkg/policy"
	"github.com/invoicemind-labs/invoicemind/pkg/repository"
)

const sampleInvoiceText = `Acme Supplies
Invoice No: INV-2044
Date: 2026-02-09
Total: 162.00
Subtotal: 150.00
Tax: 12.00
Currency: USD
`

type harness struct {
	cfg   *config.Config
	repo  *repository.Repository
	blobs blob.Store
	chain *audit.Chain
	reg   *metrics.Registry
	orc   *Orchestrator
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	dir := t.TempDir()

	db, err := repository.Open("sqlite://" + filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	repo := repository.New(db)
	require.NoError(t, repo.InitSchema(context.Background()))

	store, err := blob.NewFileStore(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	cfg := config.Load()
	chain := audit.New(filepath.Join(dir, "audit.log"), nil, true, canonicalize.Hash)
	reg := metrics.NewRegistry()

	catalog, err := policy.LoadCatalog("")
	require.NoError(t, err)
	engine := policy.NewEngine(cfg, catalog)

	orc := New(cfg, repo, store, chain, reg, engine, opts...)
	orc.sleep = func(time.Duration) {}

	return &harness{cfg: cfg, repo: repo, blobs: store, chain: chain, reg: reg, orc: orc}
}

// seedRun stores an accepted text document plus a queued run and returns the
// run ID.
func (h *harness) seedRun(t *testing.T, payload string) (string, string) {
	t.Helper()
	ctx := context.Background()

	docID := uuid.NewString()
	key := blob.RawKey(docID, "invoice.txt")
	require.NoError(t, h.blobs.Put(ctx, key, []byte(payload)))

	score := 0.9
	doc := &contracts.Document{
		ID:              docID,
		TenantID:        "tenant-a",
		Filename:        "invoice.txt",
		ContentType:     "text/plain",
		SizeBytes:       int64(len(payload)),
		StoragePath:     key,
		Language:        "en",
		IngestionStatus: contracts.IngestionAccepted,
		QualityTier:     contracts.TierHigh,
		QualityScore:    &score,
	}
	require.NoError(t, h.repo.CreateDocument(ctx, doc))

	run := &contracts.Run{
		ID:          uuid.NewString(),
		DocumentID:  docID,
		TenantID:    "tenant-a",
		Status:      contracts.StatusQueued,
		RequestedBy: "tester",
	}
	require.NoError(t, h.repo.CreateRun(ctx, run))
	return run.ID, docID
}

func TestProcessRunHappyPath(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID, _ := h.seedRun(t, sampleInvoiceText)

	require.NoError(t, h.orc.ProcessRun(ctx, runID, "worker:test"))

	run, err := h.repo.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSuccess, run.Status)
	assert.Equal(t, contracts.DecisionAutoApproved, run.ReviewDecision)
	assert.Equal(t, "qwen2.5-7b-instruct", run.ModelName)
	assert.Equal(t, "ocr_llm_pipeline", run.RouteName)
	assert.Empty(t, run.ErrorCode)
	require.NotNil(t, run.FinishedAt)
	require.NotNil(t, run.Result)
	assert.Equal(t, "INV-2044", run.Result.InvoiceNo)
	assert.NotEmpty(t, run.DecisionLog)

	stages, err := h.repo.ListStages(ctx, runID)
	require.NoError(t, err)
	require.Len(t, stages, len(contracts.Stages))
	for _, stage := range stages {
		assert.Equal(t, contracts.StageStatusSuccess, stage.Status, stage.StageName)
		assert.Equal(t, "worker:test", stage.Details["worker_id"])
		assert.Contains(t, stage.Details, "duration_ms")
	}

	for _, name := range []string{"preprocess.txt", "ocr_text.txt", "ocr_meta.json",
		"export_summary.json", "quality_decision_log.json"} {
		ok, err := h.blobs.Exists(ctx, blob.RunArtifactKey(runID, name))
		require.NoError(t, err)
		assert.True(t, ok, name)
	}
	result, err := h.blobs.Get(ctx, blob.RunOutputKey(runID, "result.json"))
	require.NoError(t, err)
	var persisted map[string]any
	require.NoError(t, json.Unmarshal(result, &persisted))
	assert.Equal(t, "SUCCESS", persisted["quality_status"])
	assert.Equal(t, "plain_text_reader", persisted["ocr_provider"])

	assert.Equal(t, int64(1), h.reg.Counter(metrics.RunSucceeded))
	assert.Equal(t, 0.0, h.reg.Gauge(metrics.QueueDepth))

	events := h.chain.Read(10, "run_completed", runID)
	require.Len(t, events, 1)
	assert.Equal(t, "SUCCESS", events[0].Payload["status"])

	verification := h.chain.Verify()
	assert.True(t, verification.Valid)
}

type flakyOCR struct {
	failures int
	calls    int
}

func (*flakyOCR) Name() string { return "flaky_ocr" }

func (f *flakyOCR) Extract(_ context.Context, _ []byte, _ string) (*contracts.OCRResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, contracts.NewStageError(contracts.ErrCodeStorageUnavailable, true, "blob store down")
	}
	return &contracts.OCRResult{
		Text:       sampleInvoiceText,
		Provider:   "flaky_ocr",
		Confidence: 0.9,
	}, nil
}

func TestProcessRunRetriesTransientStageFailure(t *testing.T) {
	provider := &flakyOCR{failures: 1}
	h := newHarness(t, WithOCRChain(extraction.NewOCRChain(provider)))
	ctx := context.Background()
	runID, _ := h.seedRun(t, sampleInvoiceText)

	require.NoError(t, h.orc.ProcessRun(ctx, runID, "worker:test"))

	run, err := h.repo.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSuccess, run.Status)

	stages, err := h.repo.ListStages(ctx, runID)
	require.NoError(t, err)
	var ocrRows []*contracts.RunStage
	for _, stage := range stages {
		if stage.StageName == contracts.StageOCR {
			ocrRows = append(ocrRows, stage)
		}
	}
	require.Len(t, ocrRows, 2)
	assert.Equal(t, contracts.StageStatusFailed, ocrRows[0].Status)
	assert.Equal(t, contracts.ErrCodeStorageUnavailable, ocrRows[0].ErrorCode)
	assert.Equal(t, contracts.StageStatusSuccess, ocrRows[1].Status)
	assert.Equal(t, int64(1), h.reg.Counter(metrics.StageRetried))
}

func TestProcessRunFailsAfterRetryBudget(t *testing.T) {
	provider := &flakyOCR{failures: 10}
	h := newHarness(t, WithOCRChain(extraction.NewOCRChain(provider)))
	ctx := context.Background()
	runID, _ := h.seedRun(t, sampleInvoiceText)

	require.NoError(t, h.orc.ProcessRun(ctx, runID, "worker:test"))

	run, err := h.repo.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, run.Status)
	assert.Equal(t, contracts.ErrCodeStorageUnavailable, run.ErrorCode)
	require.NotNil(t, run.FinishedAt)
	assert.Equal(t, h.cfg.MaxStageAttempts, provider.calls)
	assert.Equal(t, int64(1), h.reg.Counter(metrics.RunFailed))

	events := h.chain.Read(10, "run_failed", runID)
	require.Len(t, events, 1)
	assert.Equal(t, contracts.ErrCodeStorageUnavailable, events[0].Payload["error_code"])
}

func TestProcessRunMissingDocumentFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	run := &contracts.Run{
		ID:          uuid.NewString(),
		DocumentID:  uuid.NewString(),
		TenantID:    "tenant-a",
		Status:      contracts.StatusQueued,
		RequestedBy: "tester",
	}
	require.NoError(t, h.repo.CreateRun(ctx, run))

	require.NoError(t, h.orc.ProcessRun(ctx, run.ID, "worker:test"))

	got, err := h.repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, got.Status)
	assert.Equal(t, contracts.ErrCodeDocumentNotFound, got.ErrorCode)
	assert.Equal(t, int64(1), h.reg.Counter(metrics.RunFailed))
}

func TestProcessRunQuarantinedDocumentFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID, docID := h.seedRun(t, sampleInvoiceText)
	require.NoError(t, h.repo.UpdateDocumentIngestion(ctx, docID, "tenant-a",
		contracts.IngestionQuarantined, contracts.TierLow, nil))

	require.NoError(t, h.orc.ProcessRun(ctx, runID, "worker:test"))

	run, err := h.repo.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, run.Status)
	assert.Equal(t, contracts.ErrCodeDocumentQuarantined, run.ErrorCode)
}

func TestProcessRunHonorsCancelRequest(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID, _ := h.seedRun(t, sampleInvoiceText)
	require.NoError(t, h.repo.RequestCancel(ctx, runID, "tenant-a"))

	require.NoError(t, h.orc.ProcessRun(ctx, runID, "worker:test"))

	run, err := h.repo.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCancelled, run.Status)
	assert.Empty(t, run.ErrorCode)
	require.NotNil(t, run.FinishedAt)

	stages, err := h.repo.ListStages(ctx, runID)
	require.NoError(t, err)
	require.Len(t, stages, 1)
	assert.Equal(t, contracts.StagePreprocess, stages[0].StageName)
	assert.Equal(t, contracts.StageStatusCancelled, stages[0].Status)

	assert.Equal(t, int64(1), h.reg.Counter(metrics.RunCancelled))
	events := h.chain.Read(10, "run_cancelled", runID)
	require.Len(t, events, 1)
}

func TestProcessRunWallClockBudget(t *testing.T) {
	h := newHarness(t)
	h.cfg.RunTimeoutSeconds = 0
	ctx := context.Background()
	runID, _ := h.seedRun(t, sampleInvoiceText)

	require.NoError(t, h.orc.ProcessRun(ctx, runID, "worker:test"))

	run, err := h.repo.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, run.Status)
	assert.Equal(t, contracts.ErrCodeRunTimeout, run.ErrorCode)
	assert.Equal(t, int64(1), h.reg.Counter(metrics.RunTimedOut))
	assert.Equal(t, int64(1), h.reg.Counter(metrics.RunFailed))
}

func TestProcessRunIsNoopForTerminalAndMissingRuns(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	runID, _ := h.seedRun(t, sampleInvoiceText)

	run, err := h.repo.GetRun(ctx, runID)
	require.NoError(t, err)
	run.Status = contracts.StatusSuccess
	require.NoError(t, h.repo.UpdateRun(ctx, run))

	require.NoError(t, h.orc.ProcessRun(ctx, runID, "worker:test"))
	require.NoError(t, h.orc.ProcessRun(ctx, uuid.NewString(), "worker:test"))

	got, err := h.repo.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSuccess, got.Status)
	stages, err := h.repo.ListStages(ctx, runID)
	require.NoError(t, err)
	assert.Empty(t, stages)
}

func TestProcessRunStageTimeout(t *testing.T) {
	slow := &slowOCR{delay: 1500 * time.Millisecond}
	h := newHarness(t, WithOCRChain(extraction.NewOCRChain(slow)))
	h.cfg.StageTimeoutSeconds = 1
	h.cfg.MaxStageAttempts = 1
	ctx := context.Background()
	runID, _ := h.seedRun(t, sampleInvoiceText)

	require.NoError(t, h.orc.ProcessRun(ctx, runID, "worker:test"))

	run, err := h.repo.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, run.Status)
	assert.Equal(t, "OCR_TIMEOUT", run.ErrorCode)
}

type slowOCR struct {
	delay time.Duration
}

func (*slowOCR) Name() string { return "slow_ocr" }

func (s *slowOCR) Extract(ctx context.Context, _ []byte, _ string) (*contracts.OCRResult, error) {
	select {
	case <-time.After(s.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &contracts.OCRResult{Text: "late", Provider: "slow_ocr", Confidence: 0.5}, nil
}

func TestValidateStageRejectsSchemaViolations(t *testing.T) {
	require.Error(t, validateInvoiceSchema(nil))
	require.Error(t, validateInvoiceSchema(&contracts.Invoice{SchemaVersion: "invoice_v2"}))

	good := &contracts.Invoice{
		SchemaVersion: "invoice_v1",
		VendorName:    "Acme Supplies",
		InvoiceNo:     "INV-2044",
		InvoiceDate:   "2026-02-09",
		Currency:      "USD",
	}
	require.NoError(t, validateInvoiceSchema(good))
}
