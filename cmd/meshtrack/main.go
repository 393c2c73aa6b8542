package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"meshtrack/internal/cli"
	"meshtrack/internal/config"
	"meshtrack/internal/gpu"
	"meshtrack/internal/logging"
	"meshtrack/internal/pipeline"
	"meshtrack/internal/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "meshtrack:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, err := logging.Setup(cfg)
	if err != nil {
		return err
	}

	dbPath, err := config.ExpandUser(cfg.Paths.DatabasePath)
	if err != nil {
		return err
	}
	store, err := storage.Open(cfg.Storage.Driver, dbPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	acc, err := gpu.FromConfig(cfg.Accelerator, log)
	if err != nil {
		return err
	}
	defer acc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipe := pipeline.New(ctx, cfg.Processing.ParallelJobs, log, store, cfg, acc)
	defer pipe.Stop()

	return cli.NewRootCmd(cfg, log, store, pipe).ExecuteContext(ctx)
}
