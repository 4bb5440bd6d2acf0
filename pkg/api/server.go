package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/invoicemind-labs/invoicemind/pkg/admission"
	"github.com/invoicemind-labs/invoicemind/pkg/audit"
	"github.com/invoicemind-labs/invoicemind/pkg/blob"
	"github.com/invoicemind-labs/invoicemind/pkg/config"
	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
	"github.com/invoicemind-labs/invoicemind/pkg/metrics"
	"github.com/invoicemind-labs/invoicemind/pkg/observability"
	"github.com/invoicemind-labs/invoicemind/pkg/orchestrator"
	"github.com/invoicemind-labs/invoicemind/pkg/policy"
	"github.com/invoicemind-labs/invoicemind/pkg/repository"
)

// Server exposes the InvoiceMind HTTP surface: auth, document upload, run
// lifecycle, quarantine, audit and metrics.
type Server struct {
	cfg     *config.Config
	repo    *repository.Repository
	blobs   blob.Store
	svc     *admission.Service
	orc     *orchestrator.Orchestrator
	chain   *audit.Chain
	metrics *metrics.Registry
	snap    *policy.VersionSnapshotter
	slos    *observability.SLOTracker
	auth    *Authenticator
	limiter RateLimiter
	logger  *slog.Logger
	procID  string
}

// NewServer wires the API over the shared components. orc may be nil when the
// deployment runs in pure worker mode.
func NewServer(cfg *config.Config, repo *repository.Repository, blobs blob.Store,
	svc *admission.Service, orc *orchestrator.Orchestrator, chain *audit.Chain,
	reg *metrics.Registry) (*Server, error) {
	authn, err := NewAuthenticator(cfg)
	if err != nil {
		return nil, err
	}
	limiter, err := NewRateLimiterFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Server{
		cfg:     cfg,
		repo:    repo,
		blobs:   blobs,
		svc:     svc,
		orc:     orc,
		chain:   chain,
		metrics: reg,
		snap:    policy.NewVersionSnapshotter(cfg),
		auth:    authn,
		limiter: limiter,
		logger:  slog.Default().With("component", "api"),
		procID:  fmt.Sprintf("api:%s", host),
	}, nil
}

// SetSLOTracker exposes the tracker on GET /api/slo. Optional; without it the
// endpoint serves an empty list.
func (s *Server) SetSLOTracker(t *observability.SLOTracker) {
	s.slos = t
}

// Handler builds the routed, authenticated, rate-limited handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)

	mux.HandleFunc("POST /api/documents", requireRole(RoleAnalyst, s.handleUploadDocument))
	mux.HandleFunc("GET /api/documents/{id}", requireRole(RoleViewer, s.handleGetDocument))
	mux.HandleFunc("GET /api/documents/{id}/runs", requireRole(RoleViewer, s.handleListDocumentRuns))

	mux.HandleFunc("POST /api/runs", requireRole(RoleAnalyst, s.handleCreateRun))
	mux.HandleFunc("GET /api/runs/{id}", requireRole(RoleViewer, s.handleGetRun))
	mux.HandleFunc("GET /api/runs/{id}/stages", requireRole(RoleViewer, s.handleListStages))
	mux.HandleFunc("POST /api/runs/{id}/cancel", requireRole(RoleAnalyst, s.handleCancelRun))
	mux.HandleFunc("POST /api/runs/{id}/replay", requireRole(RoleAnalyst, s.handleReplayRun))
	mux.HandleFunc("GET /api/runs/{id}/result", requireRole(RoleViewer, s.handleRunResult))
	mux.HandleFunc("GET /api/runs/{id}/export", requireRole(RoleViewer, s.handleRunExport))

	mux.HandleFunc("GET /api/quarantine", requireRole(RoleViewer, s.handleListQuarantine))
	mux.HandleFunc("POST /api/quarantine/{id}/reprocess", requireRole(RoleAdmin, s.handleReprocessQuarantine))

	mux.HandleFunc("GET /api/audit/events", requireRole(RoleAdmin, s.handleAuditEvents))
	mux.HandleFunc("GET /api/audit/verify", requireRole(RoleAdmin, s.handleAuditVerify))

	mux.HandleFunc("GET /api/metrics", requireRole(RoleViewer, s.handleMetrics))
	mux.HandleFunc("GET /api/slo", requireRole(RoleViewer, s.handleSLOStatus))
	mux.HandleFunc("GET /api/versions", requireRole(RoleViewer, s.handleVersionSnapshot))

	return s.auth.Middleware(rateLimitMiddleware(s.limiter, mux))
}

func tenantFrom(r *http.Request) string {
	if claims := ClaimsFrom(r.Context()); claims != nil {
		return claims.TenantID
	}
	return ""
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DB().PingContext(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "Service Unavailable", "database unreachable")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{
		"name":    s.cfg.AppName,
		"version": s.cfg.AppVersion,
	})
}

func (s *Server) handleVersionSnapshot(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.snap.Snapshot())
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	token, claims, err := s.auth.Login(req.Email, req.Password)
	if err != nil {
		WriteUnauthorized(w, "Invalid credentials")
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int(s.cfg.TokenExpiry.Seconds()),
		"tenant_id":    claims.TenantID,
		"roles":        claims.Roles,
	})
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	// Leave headroom over the contract limit so an oversize payload reaches
	// the contract and is quarantined with FILE_TOO_LARGE rather than
	// rejected opaquely at the transport.
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadSizeBytes*2)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadSizeBytes * 2); err != nil {
		WriteBadRequest(w, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		WriteBadRequest(w, "missing file field")
		return
	}
	defer file.Close() //nolint:errcheck
	payload, err := io.ReadAll(file)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	contentType := header.Header.Get("Content-Type")
	if ct := r.FormValue("content_type"); ct != "" {
		contentType = ct
	}

	doc, item, err := s.svc.UploadDocument(r.Context(), tenantFrom(r), header.Filename, contentType, payload)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	body := map[string]any{"document": doc}
	if item != nil {
		body["quarantine_item"] = item
	}
	WriteJSON(w, http.StatusCreated, body)
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.repo.GetDocument(r.Context(), r.PathValue("id"), tenantFrom(r))
	if errors.Is(err, repository.ErrNotFound) {
		WriteNotFound(w, "document not found")
		return
	}
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, doc)
}

func (s *Server) handleListDocumentRuns(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFrom(r)
	if _, err := s.repo.GetDocument(r.Context(), r.PathValue("id"), tenantID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			WriteNotFound(w, "document not found")
			return
		}
		WriteInternal(w, err)
		return
	}
	runs, err := s.repo.ListRunsForDocument(r.Context(), r.PathValue("id"), tenantID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DocumentID     string `json:"document_id"`
		IdempotencyKey string `json:"idempotency_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DocumentID == "" {
		WriteBadRequest(w, "document_id is required")
		return
	}
	claims := ClaimsFrom(r.Context())

	result, err := s.svc.CreateRun(r.Context(), claims.TenantID, req.DocumentID,
		claims.Subject, req.IdempotencyKey)
	switch {
	case errors.Is(err, admission.ErrDocumentNotFound):
		WriteNotFound(w, "document not found")
		return
	case errors.Is(err, admission.ErrDocumentNotEligible):
		WriteConflict(w, err.Error())
		return
	case errors.Is(err, admission.ErrQueueFull):
		WriteTooManyRequests(w, 30, "run queue is full; retry later")
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}

	status := http.StatusCreated
	if result.Existing {
		status = http.StatusOK
	} else {
		s.triggerProcessing(result.Run.ID)
	}
	body := map[string]any{"run": result.Run}
	if result.Warning != "" {
		body["warning"] = result.Warning
	}
	WriteJSON(w, status, body)
}

// triggerProcessing executes the run in-process when the deployment is not
// relying on a separate worker fleet.
func (s *Server) triggerProcessing(runID string) {
	if s.orc == nil || s.cfg.ExecutionMode == "worker" {
		return
	}
	go func() {
		if err := s.orc.ProcessRun(context.Background(), runID, s.procID); err != nil {
			s.logger.Error("background run processing failed", "run_id", runID, "error", err)
		}
	}()
}

func (s *Server) getTenantRun(w http.ResponseWriter, r *http.Request) *contracts.Run {
	run, err := s.repo.GetTenantRun(r.Context(), r.PathValue("id"), tenantFrom(r))
	if errors.Is(err, repository.ErrNotFound) {
		WriteNotFound(w, "run not found")
		return nil
	}
	if err != nil {
		WriteInternal(w, err)
		return nil
	}
	return run
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run := s.getTenantRun(w, r)
	if run == nil {
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleListStages(w http.ResponseWriter, r *http.Request) {
	run := s.getTenantRun(w, r)
	if run == nil {
		return
	}
	stages, err := s.repo.ListStages(r.Context(), run.ID)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"stages": stages})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.svc.CancelRun(r.Context(), tenantFrom(r), r.PathValue("id"))
	switch {
	case errors.Is(err, admission.ErrRunNotFound):
		WriteNotFound(w, "run not found")
		return
	case errors.Is(err, admission.ErrRunNotCancellable):
		WriteConflict(w, err.Error())
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, run)
}

func (s *Server) handleReplayRun(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFrom(r.Context())
	replay, err := s.svc.ReplayRun(r.Context(), claims.TenantID, r.PathValue("id"), claims.Subject)
	switch {
	case errors.Is(err, admission.ErrRunNotFound):
		WriteNotFound(w, "run not found")
		return
	case errors.Is(err, admission.ErrDocumentNotEligible):
		WriteConflict(w, err.Error())
		return
	case errors.Is(err, admission.ErrQueueFull):
		WriteTooManyRequests(w, 30, "run queue is full; retry later")
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}
	s.triggerProcessing(replay.ID)
	WriteJSON(w, http.StatusCreated, map[string]any{"run": replay})
}

func (s *Server) serveRunBlob(w http.ResponseWriter, r *http.Request, key, notReady string) {
	data, err := s.blobs.Get(r.Context(), key)
	if err != nil {
		WriteNotFound(w, notReady)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleRunResult(w http.ResponseWriter, r *http.Request) {
	run := s.getTenantRun(w, r)
	if run == nil {
		return
	}
	s.serveRunBlob(w, r, blob.RunOutputKey(run.ID, "result.json"),
		"run has not produced a result yet")
}

func (s *Server) handleRunExport(w http.ResponseWriter, r *http.Request) {
	run := s.getTenantRun(w, r)
	if run == nil {
		return
	}
	s.serveRunBlob(w, r, blob.RunArtifactKey(run.ID, "export_summary.json"),
		"run has not exported yet")
}

func (s *Server) handleListQuarantine(w http.ResponseWriter, r *http.Request) {
	items, err := s.repo.ListQuarantineItems(r.Context(), tenantFrom(r), 100)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleReprocessQuarantine(w http.ResponseWriter, r *http.Request) {
	item, doc, err := s.svc.ReprocessQuarantine(r.Context(), tenantFrom(r), r.PathValue("id"))
	switch {
	case errors.Is(err, admission.ErrQuarantineNotFound):
		WriteNotFound(w, "quarantine item not found")
		return
	case errors.Is(err, admission.ErrDocumentNotFound):
		WriteNotFound(w, "document not found")
		return
	case err != nil:
		WriteInternal(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"item": item, "document": doc})
}

func (s *Server) handleAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			WriteBadRequest(w, "limit must be an integer between 1 and 1000")
			return
		}
		limit = parsed
	}
	events := s.chain.Read(limit, r.URL.Query().Get("event_type"), r.URL.Query().Get("run_id"))
	WriteJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.chain.Verify())
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handleSLOStatus(w http.ResponseWriter, _ *http.Request) {
	if s.slos == nil {
		WriteJSON(w, http.StatusOK, map[string]any{"slos": []any{}})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"slos": s.slos.Statuses()})
}
