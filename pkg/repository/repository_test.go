package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := Open("sqlite://" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo := New(db)
	require.NoError(t, repo.InitSchema(context.Background()))
	return repo
}

func newTestDocument(tenantID string) *contracts.Document {
	return &contracts.Document{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		Filename:        "invoice.pdf",
		ContentType:     "application/pdf",
		SizeBytes:       2048,
		StoragePath:     "raw/doc/invoice.pdf",
		Language:        "en",
		IngestionStatus: contracts.IngestionAccepted,
	}
}

func TestResolveDriver(t *testing.T) {
	driver, dsn, err := ResolveDriver("sqlite://data/app.db")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", driver)
	assert.Equal(t, "data/app.db", dsn)

	driver, dsn, err = ResolveDriver("postgres://user:pw@host/db")
	require.NoError(t, err)
	assert.Equal(t, "postgres", driver)
	assert.Equal(t, "postgres://user:pw@host/db", dsn)

	_, _, err = ResolveDriver("mysql://host/db")
	assert.Error(t, err)
}

func TestDocumentRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := newTestDocument("tenant-a")
	require.NoError(t, repo.CreateDocument(ctx, doc))

	got, err := repo.GetDocument(ctx, doc.ID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, doc.Filename, got.Filename)
	assert.Equal(t, contracts.IngestionAccepted, got.IngestionStatus)
	assert.Nil(t, got.QualityScore)
	assert.False(t, got.CreatedAt.IsZero())

	score := 0.85
	require.NoError(t, repo.UpdateDocumentIngestion(ctx, doc.ID, "tenant-a",
		contracts.IngestionAccepted, contracts.TierHigh, &score))

	got, err = repo.GetDocument(ctx, doc.ID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, contracts.TierHigh, got.QualityTier)
	require.NotNil(t, got.QualityScore)
	assert.InDelta(t, 0.85, *got.QualityScore, 1e-9)
}

func TestGetDocumentIsTenantScoped(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	doc := newTestDocument("tenant-a")
	require.NoError(t, repo.CreateDocument(ctx, doc))

	_, err := repo.GetDocument(ctx, doc.ID, "tenant-b")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRunRoundTrip(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	run := &contracts.Run{
		ID:             uuid.NewString(),
		DocumentID:     uuid.NewString(),
		TenantID:       "tenant-a",
		IdempotencyKey: "key-1",
		Status:         contracts.StatusQueued,
		RequestedBy:    "ops",
	}
	require.NoError(t, repo.CreateRun(ctx, run))

	got, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusQueued, got.Status)
	assert.Equal(t, "key-1", got.IdempotencyKey)
	assert.False(t, got.CancelRequested)
	assert.Nil(t, got.FinishedAt)
	assert.Nil(t, got.Result)

	finished := time.Now().UTC()
	got.Status = contracts.StatusSuccess
	got.ModelName = "qwen2.5-7b-instruct"
	got.RouteName = "ocr_llm_pipeline"
	got.ReviewDecision = contracts.DecisionAutoApproved
	got.ReviewReasonCodes = []string{}
	got.Result = &contracts.Invoice{
		SchemaVersion: "invoice_v1",
		VendorName:    "Acme Corp",
		InvoiceNo:     "INV-100",
		InvoiceDate:   "2026-03-01",
		Subtotal:      contracts.Float64(100),
		Tax:           contracts.Float64(8),
		Total:         contracts.Float64(108),
		Currency:      "USD",
	}
	got.ValidationIssues = []contracts.Issue{
		{Code: "TOTAL_MISMATCH", Severity: contracts.SeverityWarning, Detail: "off by rounding"},
	}
	got.FinishedAt = &finished
	require.NoError(t, repo.UpdateRun(ctx, got))

	reloaded, err := repo.GetTenantRun(ctx, run.ID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSuccess, reloaded.Status)
	require.NotNil(t, reloaded.Result)
	assert.Equal(t, "Acme Corp", reloaded.Result.VendorName)
	require.NotNil(t, reloaded.Result.Total)
	assert.InDelta(t, 108, *reloaded.Result.Total, 1e-9)
	require.Len(t, reloaded.ValidationIssues, 1)
	assert.Equal(t, "TOTAL_MISMATCH", reloaded.ValidationIssues[0].Code)
	require.NotNil(t, reloaded.FinishedAt)
}

func TestIdempotencyKeyLookupAndUniqueness(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	run := &contracts.Run{
		ID:             uuid.NewString(),
		DocumentID:     uuid.NewString(),
		TenantID:       "tenant-a",
		IdempotencyKey: "retry-key",
		Status:         contracts.StatusQueued,
	}
	require.NoError(t, repo.CreateRun(ctx, run))

	got, err := repo.GetRunByIdempotencyKey(ctx, "tenant-a", "retry-key")
	require.NoError(t, err)
	assert.Equal(t, run.ID, got.ID)

	_, err = repo.GetRunByIdempotencyKey(ctx, "tenant-b", "retry-key")
	assert.ErrorIs(t, err, ErrNotFound)

	dup := &contracts.Run{
		ID:             uuid.NewString(),
		DocumentID:     run.DocumentID,
		TenantID:       "tenant-a",
		IdempotencyKey: "retry-key",
		Status:         contracts.StatusQueued,
	}
	assert.Error(t, repo.CreateRun(ctx, dup))

	// Runs without a key never collide.
	for i := 0; i < 2; i++ {
		require.NoError(t, repo.CreateRun(ctx, &contracts.Run{
			ID:         uuid.NewString(),
			DocumentID: run.DocumentID,
			TenantID:   "tenant-a",
			Status:     contracts.StatusQueued,
		}))
	}
}

func TestListQueuedRunsOldestFirst(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	base := time.Now().Add(-time.Hour)
	ids := make([]string, 3)
	for i := range ids {
		ids[i] = uuid.NewString()
		require.NoError(t, repo.CreateRun(ctx, &contracts.Run{
			ID:         ids[i],
			DocumentID: uuid.NewString(),
			TenantID:   "tenant-a",
			Status:     contracts.StatusQueued,
			CreatedAt:  base.Add(time.Duration(i) * time.Minute),
			UpdatedAt:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	queued, err := repo.ListQueuedRuns(ctx, 2)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, ids[0], queued[0].ID)
	assert.Equal(t, ids[1], queued[1].ID)
}

func TestCountTenantRunsByStatus(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.CreateRun(ctx, &contracts.Run{
			ID:         uuid.NewString(),
			DocumentID: uuid.NewString(),
			TenantID:   "tenant-a",
			Status:     contracts.StatusQueued,
		}))
	}
	require.NoError(t, repo.CreateRun(ctx, &contracts.Run{
		ID:         uuid.NewString(),
		DocumentID: uuid.NewString(),
		TenantID:   "tenant-b",
		Status:     contracts.StatusQueued,
	}))

	n, err := repo.CountTenantRunsByStatus(ctx, "tenant-a", contracts.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	total, err := repo.CountRunsByStatus(ctx, contracts.StatusQueued)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
}

func TestClaimQueuedRunIsRaceFree(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	run := &contracts.Run{
		ID:         uuid.NewString(),
		DocumentID: uuid.NewString(),
		TenantID:   "tenant-a",
		Status:     contracts.StatusQueued,
	}
	require.NoError(t, repo.CreateRun(ctx, run))

	require.NoError(t, repo.ClaimQueuedRun(ctx, run.ID))
	assert.ErrorIs(t, repo.ClaimQueuedRun(ctx, run.ID), ErrNotFound)

	got, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRunning, got.Status)
}

func TestRequestCancel(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	run := &contracts.Run{
		ID:         uuid.NewString(),
		DocumentID: uuid.NewString(),
		TenantID:   "tenant-a",
		Status:     contracts.StatusRunning,
	}
	require.NoError(t, repo.CreateRun(ctx, run))
	require.NoError(t, repo.RequestCancel(ctx, run.ID, "tenant-a"))

	got, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)

	assert.ErrorIs(t, repo.RequestCancel(ctx, run.ID, "tenant-b"), ErrNotFound)
}

func TestUpdateRunPreservesCancelFlag(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	run := &contracts.Run{
		ID:         uuid.NewString(),
		DocumentID: uuid.NewString(),
		TenantID:   "tenant-a",
		Status:     contracts.StatusQueued,
	}
	require.NoError(t, repo.CreateRun(ctx, run))

	// A worker loads the run, then a cancel lands before it writes back.
	snapshot, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	require.False(t, snapshot.CancelRequested)
	require.NoError(t, repo.RequestCancel(ctx, run.ID, "tenant-a"))

	snapshot.Status = contracts.StatusRunning
	snapshot.RouteName = "ocr_llm_pipeline"
	require.NoError(t, repo.UpdateRun(ctx, snapshot))

	got, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRunning, got.Status)
	assert.True(t, got.CancelRequested)
}

func TestStageUpsert(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	runID := uuid.NewString()
	started := time.Now().UTC()
	require.NoError(t, repo.UpsertStage(ctx, &contracts.RunStage{
		RunID:     runID,
		StageName: contracts.StageOCR,
		Attempt:   1,
		Status:    contracts.StageStatusRunning,
		StartedAt: &started,
	}))

	finished := started.Add(120 * time.Millisecond)
	require.NoError(t, repo.UpsertStage(ctx, &contracts.RunStage{
		RunID:      runID,
		StageName:  contracts.StageOCR,
		Attempt:    1,
		Status:     contracts.StageStatusSuccess,
		Details:    map[string]any{"provider": "deterministic_fallback", "duration_ms": 120},
		StartedAt:  &started,
		FinishedAt: &finished,
	}))
	require.NoError(t, repo.UpsertStage(ctx, &contracts.RunStage{
		RunID:     runID,
		StageName: contracts.StageOCR,
		Attempt:   2,
		Status:    contracts.StageStatusRunning,
		StartedAt: &finished,
	}))

	stages, err := repo.ListStages(ctx, runID)
	require.NoError(t, err)
	require.Len(t, stages, 2)
	assert.Equal(t, 1, stages[0].Attempt)
	assert.Equal(t, contracts.StageStatusSuccess, stages[0].Status)
	assert.Equal(t, "deterministic_fallback", stages[0].Details["provider"])
	assert.Equal(t, 2, stages[1].Attempt)
}

func TestQuarantineLifecycle(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	docID := uuid.NewString()
	item := &contracts.QuarantineItem{
		ID:          uuid.NewString(),
		DocumentID:  docID,
		TenantID:    "tenant-a",
		Stage:       "B",
		Status:      "QUARANTINED_PARSE_FAIL",
		ReasonCodes: []string{"ENCRYPTED_PDF_UNSUPPORTED"},
		Details:     map[string]any{"content_type": "application/pdf"},
		StoragePath: "quarantine/tenant-a/2026/03/07/" + docID + "/invoice.pdf",
	}
	require.NoError(t, repo.CreateQuarantineItem(ctx, item))

	open, err := repo.OpenQuarantineForDocument(ctx, docID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, item.ID, open.ID)
	assert.Equal(t, []string{"ENCRYPTED_PDF_UNSUPPORTED"}, open.ReasonCodes)
	assert.Equal(t, 0, open.ReprocessCount)

	require.NoError(t, repo.MarkQuarantineReprocessed(ctx, item.ID, "tenant-a"))
	got, err := repo.GetQuarantineItem(ctx, item.ID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, 1, got.ReprocessCount)
	require.NotNil(t, got.LastReprocessedAt)

	require.NoError(t, repo.ResolveQuarantineItem(ctx, item.ID, "tenant-a"))
	_, err = repo.OpenQuarantineForDocument(ctx, docID, "tenant-a")
	assert.ErrorIs(t, err, ErrNotFound)

	// Resolving twice is rejected.
	assert.ErrorIs(t, repo.ResolveQuarantineItem(ctx, item.ID, "tenant-a"), ErrNotFound)
}
