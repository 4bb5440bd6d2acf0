// Package worker polls the run queue and feeds claimed runs to the
// orchestrator. One worker process can run many poll loops over the same
// database; the claim is race-free, so runs are processed exactly once.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/invoicemind-labs/invoicemind/pkg/config"
	"github.com/invoicemind-labs/invoicemind/pkg/contracts"
	"github.com/invoicemind-labs/invoicemind/pkg/metrics"
	"github.com/invoicemind-labs/invoicemind/pkg/orchestrator"
	"github.com/invoicemind-labs/invoicemind/pkg/repository"
)

// Worker drains the QUEUED run backlog in small batches.
type Worker struct {
	cfg     *config.Config
	repo    *repository.Repository
	orc     *orchestrator.Orchestrator
	metrics *metrics.Registry
	logger  *slog.Logger
	id      string
}

// New builds a worker identified as worker:<hostname>.
func New(cfg *config.Config, repo *repository.Repository, orc *orchestrator.Orchestrator,
	reg *metrics.Registry) *Worker {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	id := fmt.Sprintf("worker:%s", host)
	return &Worker{
		cfg:     cfg,
		repo:    repo,
		orc:     orc,
		metrics: reg,
		logger:  slog.Default().With("component", "worker", "worker_id", id),
		id:      id,
	}
}

// ID returns the worker identity recorded on stage rows.
func (w *Worker) ID() string { return w.id }

// DrainOnce claims and processes up to one batch of queued runs, oldest
// first. Returns the number of runs processed.
func (w *Worker) DrainOnce(ctx context.Context) (int, error) {
	runs, err := w.repo.ListQueuedRuns(ctx, w.cfg.WorkerBatchSize)
	if err != nil {
		return 0, fmt.Errorf("list queued runs: %w", err)
	}

	processed := 0
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		// ProcessRun claims atomically; a run grabbed by another worker in
		// the meantime is a no-op here.
		if err := w.orc.ProcessRun(ctx, run.ID, w.id); err != nil {
			w.logger.Error("run processing failed", "run_id", run.ID, "error", err)
			continue
		}
		processed++
	}
	w.syncQueueDepth(ctx)
	return processed, nil
}

// Run polls until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("worker started",
		"poll_interval", w.cfg.WorkerPollInterval().String(),
		"batch_size", w.cfg.WorkerBatchSize)
	ticker := time.NewTicker(w.cfg.WorkerPollInterval())
	defer ticker.Stop()

	for {
		processed, err := w.DrainOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				w.logger.Info("worker stopping")
				return nil
			}
			w.logger.Error("drain failed", "error", err)
		}
		if processed > 0 {
			// Keep draining while there is work.
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info("worker stopping")
			return nil
		case <-ticker.C:
		}
	}
}

func (w *Worker) syncQueueDepth(ctx context.Context) {
	queued, err := w.repo.CountRunsByStatus(ctx, contracts.StatusQueued)
	if err != nil {
		return
	}
	w.metrics.SetGauge(metrics.QueueDepth, float64(queued))
}
