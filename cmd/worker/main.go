package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lalithlochan/ledgerdesk/internal/app"
	"github.com/lalithlochan/ledgerdesk/internal/config"
	"github.com/lalithlochan/ledgerdesk/internal/observ"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run processes notification jobs without serving HTTP. Real-time events
// raised by the dispatcher still reach gateway connections through the
// broadcast transport.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "worker")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting ledgerdesk worker",
		zap.String("env", cfg.Env),
		zap.String("queue_backend", cfg.QueueBackend),
		zap.Int("concurrency", cfg.WorkerConcurrency),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.NewPool().Run(gctx)
	})
	g.Go(func() error {
		return a.ReportPoolStats(gctx, 15*time.Second)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("worker stopped gracefully")
	return nil
}
