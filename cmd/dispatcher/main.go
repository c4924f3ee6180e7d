package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/taskmesh/taskmesh/internal/config"
	"github.com/taskmesh/taskmesh/internal/dispatcher"
	"github.com/taskmesh/taskmesh/internal/events"
	"github.com/taskmesh/taskmesh/internal/logger"
	"github.com/taskmesh/taskmesh/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.LogLevel, os.Getenv("ENV") != "production")
	log := logger.Get()
	log.Info().Msg("Starting dispatcher...")

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Store.Addr,
		Password: cfg.Store.Password,
		DB:       cfg.Store.DB,
	})
	defer redisClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Store.Timeout)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	cancel()

	taskStore := store.NewRedisStore(redisClient)
	publisher := events.NewRedisPubSub(redisClient)

	server := dispatcher.NewServer(cfg, redisClient, taskStore, publisher)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Dispatcher.Host, cfg.Dispatcher.Port),
		Handler:      server,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	server.Start(runCtx)

	go func() {
		log.Info().Str("addr", httpServer.Addr).Msg("dispatcher listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("dispatcher HTTP server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down dispatcher...")
	runCancel()
	server.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("dispatcher HTTP shutdown error")
	}

	log.Info().Msg("Dispatcher stopped")
}
