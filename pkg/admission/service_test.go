package admission

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/invoicemind-labs/invoicemind/pkg/audit"
	"github.com/invoicemind-labs/invoicemind/pkg/blob"
	"github.com/invoicemind-labs/invoicemind/pkg/canonicalize"
	"github.com/invoicemind-labs/invoicemind/pkg/config"
	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
	"github.com/invoicemind-labs/invoicemind/pkg/ingest"
	"github.com/invoicemind-labs/invoicemind/pkg/metrics"
	"github.com/invoicemind-labs/invoicemind/pkg/repository"
)

var samplePDF = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Page >>\nendobj\ntrailer\n")

type harness struct {
	cfg   *config.Config
	repo  *repository.Repository
	blobs blob.Store
	chain *audit.Chain
	reg   *metrics.Registry
	svc   *Service
}

func newHarness(t *testing.T) *harness {
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

	return &harness{
		cfg:   cfg,
		repo:  repo,
		blobs: store,
		chain: chain,
		reg:   reg,
		svc:   New(cfg, repo, store, chain, reg),
	}
}

func TestUploadAcceptedDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	doc, item, err := h.svc.UploadDocument(ctx, "tenant-a", "invoice.pdf", "application/pdf", samplePDF)
	require.NoError(t, err)
	assert.Nil(t, item)
	assert.Equal(t, contracts.IngestionAccepted, doc.IngestionStatus)
	assert.Equal(t, contracts.TierMedium, doc.QualityTier)
	assert.True(t, strings.HasPrefix(doc.StoragePath, "raw/"))

	stored, err := h.blobs.Get(ctx, doc.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, samplePDF, stored)

	got, err := h.repo.GetDocument(ctx, doc.ID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "invoice.pdf", got.Filename)

	events := h.chain.Read(10, "document_ingested", "")
	require.Len(t, events, 1)
	assert.Equal(t, doc.ID, events[0].Payload["document_id"])
}

func TestUploadRejectedMIME(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	doc, item, err := h.svc.UploadDocument(ctx,
		"tenant-a", "notes.txt", "text/plain", []byte("plain text"))
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, contracts.IngestionRejected, doc.IngestionStatus)
	assert.Equal(t, "A", item.Stage)
	assert.Contains(t, item.ReasonCodes, ingest.ReasonUnsupportedMIME)
	assert.True(t, strings.HasPrefix(doc.StoragePath, "quarantine/tenant-a/"))

	// The rejected document and its item survive a reload, and the open item
	// keeps runs from being created over the document.
	got, err := h.repo.GetDocument(ctx, doc.ID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, contracts.IngestionRejected, got.IngestionStatus)
	open, err := h.repo.OpenQuarantineForDocument(ctx, doc.ID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, item.ID, open.ID)

	_, err = h.svc.CreateRun(ctx, "tenant-a", doc.ID, "analyst", "")
	assert.ErrorIs(t, err, ErrDocumentNotEligible)

	assert.Equal(t, int64(1), h.reg.Counter(metrics.QuarantineCreated))
	events := h.chain.Read(10, "document_rejected", "")
	require.Len(t, events, 1)
	assert.Equal(t, doc.ID, events[0].Payload["document_id"])
}

func TestUploadQuarantinesOversizePayload(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxUploadSizeBytes = 8
	ctx := context.Background()

	doc, item, err := h.svc.UploadDocument(ctx, "tenant-a", "invoice.pdf", "application/pdf", samplePDF)
	require.NoError(t, err)
	require.NotNil(t, item)
	assert.Equal(t, contracts.IngestionQuarantined, doc.IngestionStatus)
	assert.Equal(t, "A", item.Stage)
	assert.Contains(t, item.ReasonCodes, ingest.ReasonFileTooLarge)
	assert.True(t, strings.HasPrefix(doc.StoragePath, "quarantine/tenant-a/"))

	// Original and sidecar meta are both kept for reprocessing.
	ok, err := h.blobs.Exists(ctx, item.StoragePath)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(1), h.reg.Counter(metrics.QuarantineCreated))

	open, err := h.repo.OpenQuarantineForDocument(ctx, doc.ID, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, item.ID, open.ID)
}

func TestCreateRunAndIdempotency(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc, _, err := h.svc.UploadDocument(ctx, "tenant-a", "invoice.pdf", "application/pdf", samplePDF)
	require.NoError(t, err)

	created, err := h.svc.CreateRun(ctx, "tenant-a", doc.ID, "analyst", "key-1")
	require.NoError(t, err)
	assert.False(t, created.Existing)
	assert.Empty(t, created.Warning)
	assert.Equal(t, contracts.StatusQueued, created.Run.Status)
	assert.Equal(t, int64(1), h.reg.Counter(metrics.RunCreated))

	replayed, err := h.svc.CreateRun(ctx, "tenant-a", doc.ID, "analyst", "key-1")
	require.NoError(t, err)
	assert.True(t, replayed.Existing)
	assert.Equal(t, created.Run.ID, replayed.Run.ID)
	assert.Equal(t, int64(1), h.reg.Counter(metrics.RunCreated))

	events := h.chain.Read(10, "run_created", created.Run.ID)
	assert.Len(t, events, 1)
}

func TestCreateRunQueueBackpressure(t *testing.T) {
	h := newHarness(t)
	h.cfg.QueueWarnDepth = 1
	h.cfg.QueueRejectDepth = 2
	ctx := context.Background()
	doc, _, err := h.svc.UploadDocument(ctx, "tenant-a", "invoice.pdf", "application/pdf", samplePDF)
	require.NoError(t, err)

	first, err := h.svc.CreateRun(ctx, "tenant-a", doc.ID, "analyst", "")
	require.NoError(t, err)
	assert.Empty(t, first.Warning)

	second, err := h.svc.CreateRun(ctx, "tenant-a", doc.ID, "analyst", "")
	require.NoError(t, err)
	assert.NotEmpty(t, second.Warning)

	_, err = h.svc.CreateRun(ctx, "tenant-a", doc.ID, "analyst", "")
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestCreateRunRequiresEligibleDocument(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.CreateRun(ctx, "tenant-a", "no-such-doc", "analyst", "")
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	h.cfg.MaxUploadSizeBytes = 8
	doc, _, err := h.svc.UploadDocument(ctx, "tenant-a", "invoice.pdf", "application/pdf", samplePDF)
	require.NoError(t, err)
	_, err = h.svc.CreateRun(ctx, "tenant-a", doc.ID, "analyst", "")
	assert.ErrorIs(t, err, ErrDocumentNotEligible)
}

func TestCancelRunStates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc, _, err := h.svc.UploadDocument(ctx, "tenant-a", "invoice.pdf", "application/pdf", samplePDF)
	require.NoError(t, err)

	// QUEUED cancels immediately.
	created, err := h.svc.CreateRun(ctx, "tenant-a", doc.ID, "analyst", "")
	require.NoError(t, err)
	cancelled, err := h.svc.CancelRun(ctx, "tenant-a", created.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.FinishedAt)
	assert.Equal(t, int64(1), h.reg.Counter(metrics.RunCancelled))

	stored, err := h.repo.GetRun(ctx, created.Run.ID)
	require.NoError(t, err)
	assert.True(t, stored.CancelRequested)

	// Terminal runs are not cancellable.
	_, err = h.svc.CancelRun(ctx, "tenant-a", created.Run.ID)
	assert.ErrorIs(t, err, ErrRunNotCancellable)

	// RUNNING gets the cancel flag for the orchestrator to honor.
	created, err = h.svc.CreateRun(ctx, "tenant-a", doc.ID, "analyst", "")
	require.NoError(t, err)
	run, err := h.repo.GetRun(ctx, created.Run.ID)
	require.NoError(t, err)
	run.Status = contracts.StatusRunning
	require.NoError(t, h.repo.UpdateRun(ctx, run))

	flagged, err := h.svc.CancelRun(ctx, "tenant-a", created.Run.ID)
	require.NoError(t, err)
	assert.True(t, flagged.CancelRequested)
	assert.Equal(t, contracts.StatusRunning, flagged.Status)

	fresh, err := h.repo.GetRun(ctx, created.Run.ID)
	require.NoError(t, err)
	assert.True(t, fresh.CancelRequested)

	assert.Len(t, h.chain.Read(10, "run_cancel_requested", created.Run.ID), 1)
}

func TestCancelRunUnknown(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.CancelRun(context.Background(), "tenant-a", "no-such-run")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestReplayRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	doc, _, err := h.svc.UploadDocument(ctx, "tenant-a", "invoice.pdf", "application/pdf", samplePDF)
	require.NoError(t, err)
	created, err := h.svc.CreateRun(ctx, "tenant-a", doc.ID, "analyst", "")
	require.NoError(t, err)

	// Replaying a non-terminal run is refused.
	_, err = h.svc.ReplayRun(ctx, "tenant-a", created.Run.ID, "analyst")
	require.Error(t, err)

	run, err := h.repo.GetRun(ctx, created.Run.ID)
	require.NoError(t, err)
	run.Status = contracts.StatusFailed
	require.NoError(t, h.repo.UpdateRun(ctx, run))

	replay, err := h.svc.ReplayRun(ctx, "tenant-a", created.Run.ID, "analyst")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusQueued, replay.Status)
	assert.Equal(t, created.Run.ID, replay.ReplayOfRunID)
	assert.Equal(t, doc.ID, replay.DocumentID)

	// Lineage is on the row itself, not just the returned value.
	stored, err := h.repo.GetRun(ctx, replay.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Run.ID, stored.ReplayOfRunID)

	assert.Len(t, h.chain.Read(10, "run_replayed", replay.ID), 1)
}

func TestReprocessQuarantineResolves(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxUploadSizeBytes = 8
	ctx := context.Background()

	doc, item, err := h.svc.UploadDocument(ctx, "tenant-a", "invoice.pdf", "application/pdf", samplePDF)
	require.NoError(t, err)
	require.NotNil(t, item)

	// Limit unchanged: the document stays quarantined, attempt is counted.
	gotItem, gotDoc, err := h.svc.ReprocessQuarantine(ctx, "tenant-a", item.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, gotItem.ReprocessCount)
	assert.Nil(t, gotItem.ResolvedAt)
	assert.Equal(t, contracts.IngestionQuarantined, gotDoc.IngestionStatus)

	// Limit raised: reprocessing accepts and resolves.
	h.cfg.MaxUploadSizeBytes = 25 * 1024 * 1024
	gotItem, gotDoc, err = h.svc.ReprocessQuarantine(ctx, "tenant-a", item.ID)
	require.NoError(t, err)
	assert.NotNil(t, gotItem.ResolvedAt)
	assert.Equal(t, contracts.IngestionAccepted, gotDoc.IngestionStatus)
	assert.True(t, strings.HasPrefix(gotDoc.StoragePath, "raw/"))
	assert.Equal(t, int64(2), h.reg.Counter(metrics.QuarantineReprocessed))

	ok, err := h.blobs.Exists(ctx, gotDoc.StoragePath)
	require.NoError(t, err)
	assert.True(t, ok)

	// Once accepted, runs can be created.
	_, err = h.svc.CreateRun(ctx, "tenant-a", doc.ID, "analyst", "")
	require.NoError(t, err)

	// And resolved items cannot be reprocessed into a double resolve.
	_, err = h.repo.OpenQuarantineForDocument(ctx, doc.ID, "tenant-a")
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

func TestReprocessQuarantineUnknown(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.svc.ReprocessQuarantine(context.Background(), "tenant-a", "no-such-item")
	assert.ErrorIs(t, err, ErrQuarantineNotFound)
}
