package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/invoicemind-labs/invoicemind/pkg/api"
	"github.com/invoicemind-labs/invoicemind/pkg/config"
	"github.com/invoicemind-labs/invoicemind/pkg/worker"
)

func runServer(_, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "main")
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	app, err := buildApp(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		app.Close(shutdownCtx)
	}()

	server, err := api.NewServer(cfg, app.repo, app.blobs, app.svc, app.orc, app.chain, app.metrics)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	server.SetSLOTracker(app.slos)

	// Hybrid deployments also drain the queue in-process, picking up runs
	// queued by other instances or left over from a restart.
	if cfg.ExecutionMode == "hybrid" {
		w := worker.New(cfg, app.repo, app.orc, app.metrics)
		go func() {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("worker loop exited", "error", err)
			}
		}()
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "execution_mode", cfg.ExecutionMode)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "server failed: %v\n", err)
			return 1
		}
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("graceful shutdown failed", "error", err)
		}
	}
	return 0
}
