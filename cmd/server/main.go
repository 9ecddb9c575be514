// Package main is the entry point for the training-job orchestrator.
// The orchestrator accepts a price dataset, runs one external training
// worker at a time, tracks its progress from the worker's stdout and serves
// the results to the browser frontend.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/qtrainer/internal/config"
	"github.com/aristath/qtrainer/internal/di"
	"github.com/aristath/qtrainer/internal/server"
	"github.com/aristath/qtrainer/pkg/logger"
)

// main orchestrates startup:
// 1. Loads configuration from environment variables (.env supported)
// 2. Initializes logging
// 3. Wires all dependencies (state database, controller, supervisor, dataset)
// 4. Watches the result artifact and starts maintenance jobs
// 5. Starts the HTTP server
// 6. Waits for a shutdown signal, kills any running worker and shuts down
func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.DevMode,
	})
	logger.SetGlobalLogger(log)

	log.Info().
		Str("data_dir", cfg.DataDir).
		Str("worker", cfg.Worker.Command).
		Msg("Starting trainer")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wire all dependencies using DI container.
	// Persisted job and dataset state is restored here; a job that was
	// running when the process died is marked failed.
	container, jobs, err := di.Wire(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.StateDB.Close()

	// An artifact written outside a supervised job (or replaced by hand)
	// refreshes the results shown to clients.
	if err := container.ResultsStore.Watch(ctx, func() {
		container.Controller.RefreshResults()
	}); err != nil {
		log.Warn().Err(err).Msg("Result artifact watcher not started")
	}

	// Clear spool files left by an unclean shutdown before serving uploads.
	if err := container.Scheduler.RunNow(jobs.UploadsCleanup); err != nil {
		log.Warn().Err(err).Msg("Initial uploads cleanup failed")
	}
	container.Scheduler.Start()

	srv := server.New(server.Config{
		Log:       log,
		Config:    cfg,
		Container: container,
	})

	// Start server in goroutine
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	// Stop accepting requests first so no new job can start.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Jobs do not survive a restart; kill the worker rather than orphan it.
	if container.Controller.Stop() {
		log.Info().Msg("Running training job stopped")
	}
	if err := container.Supervisor.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Worker did not exit before shutdown deadline")
	}

	container.Scheduler.Stop()

	if container.Archiver != nil {
		if err := container.Archiver.Wait(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("Artifact upload interrupted by shutdown")
		}
	}

	if err := container.StateDB.WALCheckpoint("TRUNCATE"); err != nil {
		log.Warn().Err(err).Msg("Final WAL checkpoint failed")
	}

	log.Info().Msg("Server stopped")
}
