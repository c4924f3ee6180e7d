package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/afero"

	"github.com/taskmesh/taskmesh/internal/checkpoint"
	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/executor"
	"github.com/taskmesh/taskmesh/internal/logger"
	"github.com/taskmesh/taskmesh/internal/outbox"
	"github.com/taskmesh/taskmesh/internal/subprocess"
	"github.com/taskmesh/taskmesh/internal/worker"
	"github.com/taskmesh/taskmesh/pkg/client"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")

	registry := executor.NewRegistry()
	registry.Register("compute", executor.NewComputeHandler(0, cfg.Checkpoint.MaxLimit))

	// Re-exec'd as an isolated task-executor child (spec.md §9 fork
	// execution): run the one task fed on stdin and exit, never joining
	// the worker pool.
	if subprocess.IsChild() {
		subprocess.RunChild(context.Background(), registry)
		return
	}

	log := logger.Get()
	log.Info().Msg("Starting worker...")

	dispatcherClient, err := client.New(cfg.Worker.DispatcherURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create dispatcher client")
	}

	cache, err := outbox.New(afero.NewOsFs(), cfg.Cache.Dir, cfg.Cache.TTL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open outbound cache")
	}

	pool := worker.NewPool(&cfg.Worker, dispatcherClient, registry, cache)

	if cfg.Checkpoint.Enabled && cfg.Checkpoint.UseForkExecution {
		if runtime.GOOS != "linux" {
			log.Warn().Str("os", runtime.GOOS).Msg("fork execution requested but CRIU is Linux-only, ignoring")
		} else {
			mgr, err := checkpoint.NewCRIUManager(cfg.Checkpoint.Dir, pool.ID())
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to initialize checkpoint manager")
			}
			pool.WithForkExecutor(subprocess.NewExecutor(mgr, true, cfg.Checkpoint.Interval))
			log.Info().Msg("fork execution enabled")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker...")
	cancel()
	pool.Stop(context.Background())

	log.Info().Msg("Worker stopped")
}
