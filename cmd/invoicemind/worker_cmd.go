package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/invoicemind-labs/invoicemind/pkg/config"
	"github.com/invoicemind-labs/invoicemind/pkg/worker"
)

func runWorkerCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("worker", flag.ContinueOnError)
	fs.SetOutput(stderr)
	once := fs.Bool("once", false, "drain a single batch and exit")
	pollSeconds := fs.Float64("poll-seconds", 0, "override the poll interval (seconds)")
	batch := fs.Int("batch", 0, "override the per-cycle batch size")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))

	cfg := config.Load()
	if *pollSeconds > 0 {
		cfg.WorkerPollSeconds = *pollSeconds
	}
	if *batch > 0 {
		cfg.WorkerBatchSize = *batch
	}
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

	w := worker.New(cfg, app.repo, app.orc, app.metrics)

	if *once {
		processed, err := w.DrainOnce(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "drain failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "processed %d run(s)\n", processed)
		return 0
	}

	if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(stderr, "worker failed: %v\n", err)
		return 1
	}
	return 0
}
