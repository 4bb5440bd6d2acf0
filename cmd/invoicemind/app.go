package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/invoicemind-labs/invoicemind/pkg/admission"
	"github.com/invoicemind-labs/invoicemind/pkg/audit"
	"github.com/invoicemind-labs/invoicemind/pkg/blob"
	"github.com/invoicemind-labs/invoicemind/pkg/canonicalize"
	"github.com/invoicemind-labs/invoicemind/pkg/config"
	"github.com/invoicemind-labs/invoicemind/pkg/metrics"
	"github.com/invoicemind-labs/invoicemind/pkg/observability"
	"github.com/invoicemind-labs/invoicemind/pkg/orchestrator"
	"github.com/invoicemind-labs/invoicemind/pkg/policy"
	"github.com/invoicemind-labs/invoicemind/pkg/repository"
)

// app holds the shared components behind both the API server and the worker.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	repo      *repository.Repository
	blobs     blob.Store
	chain     *audit.Chain
	metrics   *metrics.Registry
	engine    *policy.Engine
	svc       *admission.Service
	orc       *orchestrator.Orchestrator
	slos      *observability.SLOTracker
	telemetry *observability.Provider
}

func auditLogPath(cfg *config.Config) string {
	return filepath.Join(cfg.StorageRoot, "audit", "events.log")
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	db, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	repo := repository.New(db)
	if err := repo.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	blobs, err := blob.NewStoreFromConfig(ctx, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	chain := audit.New(auditLogPath(cfg), cfg.AuditMaskFields, cfg.AuditLogEnabled, canonicalize.Hash)
	reg := metrics.NewRegistry()

	telemetry, err := observability.New(ctx, observability.FromAppConfig(cfg), reg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	// An on-disk catalog under the config bundle overrides the embedded one.
	catalogPath := filepath.Join(cfg.ConfigBundleRoot, "metrics_definitions.yaml")
	if _, statErr := os.Stat(catalogPath); statErr != nil {
		catalogPath = ""
	}
	catalog, err := policy.LoadCatalog(catalogPath)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("load policy catalog: %w", err)
	}
	engine := policy.NewEngine(cfg, catalog)

	slos := observability.NewSLOTracker()
	orc := orchestrator.New(cfg, repo, blobs, chain, reg, engine,
		orchestrator.WithSLOTracker(slos))

	return &app{
		cfg:       cfg,
		db:        db,
		repo:      repo,
		blobs:     blobs,
		chain:     chain,
		metrics:   reg,
		engine:    engine,
		svc:       admission.New(cfg, repo, blobs, chain, reg),
		orc:       orc,
		slos:      slos,
		telemetry: telemetry,
	}, nil
}

func (a *app) Close(ctx context.Context) {
	if a.telemetry != nil {
		_ = a.telemetry.Shutdown(ctx)
	}
	if a.db != nil {
		_ = a.db.Close()
	}
}
