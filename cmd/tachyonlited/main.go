// Command tachyonlited runs the download engine's HTTP server: storage,
// rate limiter, scheduler, and snapshot publisher wired together and
// exposed over the command surface in internal/api.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tachyon-lite/internal/api"
	"tachyon-lite/internal/config"
	"tachyon-lite/internal/publisher"
	"tachyon-lite/internal/ratelimit"
	"tachyon-lite/internal/scheduler"
	"tachyon-lite/internal/storage"
	"tachyon-lite/internal/telemetry"
	"tachyon-lite/internal/worker"
)

func main() {
	dbPath := flag.String("db", "./data/tachyon-lite.db", "path to the sqlite database file")
	logDir := flag.String("log-dir", "./data/logs", "directory for the JSON log file")
	flag.Parse()

	logger, err := telemetry.New(os.Stdout, *logDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(logger, *dbPath); err != nil {
		logger.Error("fatal startup error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, dbPath string) error {
	store, err := storage.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer store.Close()

	cfg := config.New(store)
	settings, err := cfg.All()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	// Seed the recognized keys on first run so the settings table holds them.
	stored, err := store.GetSettings()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	for _, key := range []string{config.KeyGlobalRateLimitBps, config.KeyMaxConcurrent} {
		if _, ok := stored[key]; !ok {
			if err := store.SetSetting(key, settings[key]); err != nil {
				return fmt.Errorf("seed settings: %w", err)
			}
		}
	}

	downloadRoot := settings[config.KeyDownloadRoot]
	listenAddr := settings[config.KeyListenAddress]
	rateLimitBps := config.IntSetting(settings, config.KeyGlobalRateLimitBps, config.DefaultRateLimitBps)
	maxConcurrent := int(config.IntSetting(settings, config.KeyMaxConcurrent, config.DefaultMaxConcurrent))

	if err := os.MkdirAll(downloadRoot, 0755); err != nil {
		return fmt.Errorf("create download root: %w", err)
	}

	limiter := ratelimit.New(rateLimitBps)

	httpClient := &http.Client{
		Transport: worker.NewTransport(),
	}
	xferWorker := worker.New(httpClient, limiter, store, logger, downloadRoot)

	sched := scheduler.New(store, limiter, xferWorker, cfg, logger, downloadRoot, maxConcurrent)
	if err := sched.Restore(); err != nil {
		return fmt.Errorf("restore downloads: %w", err)
	}

	pub := publisher.New(sched, time.Second, logger)
	pubStop := make(chan struct{})
	go pub.Run(pubStop)
	defer func() {
		close(pubStop)
		pub.Close()
	}()

	server := api.New(sched, cfg, pub, logger)
	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: server.Router(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("tachyon-lite listening", "addr", listenAddr, "download_root", downloadRoot)
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}

	if err := store.Checkpoint(); err != nil {
		logger.Warn("wal checkpoint failed", "error", err)
	}

	return nil
}
