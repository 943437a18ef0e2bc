// Pentaract Server
//
// Stores files as fixed-size chunks spread over remote channels (local
// directories, S3, MinIO, Telegram chats) behind a small HTTP API.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/pentaract/pentaract/internal/api"
	"github.com/pentaract/pentaract/internal/bootstrap"
	"github.com/pentaract/pentaract/internal/config"
	"github.com/pentaract/pentaract/internal/logging"
	"github.com/pentaract/pentaract/internal/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Can't use structured logging yet
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		fmt.Fprintln(os.Stderr, "\nRequired environment variables:")
		fmt.Fprintln(os.Stderr, "- DATABASE_URL: PostgreSQL connection string")
		fmt.Fprintln(os.Stderr, "  or DATABASE_USER, DATABASE_PASSWORD, DATABASE_NAME, DATABASE_HOST, DATABASE_PORT")
		fmt.Fprintln(os.Stderr, "- METADATA_BACKEND=badger with BADGER_DIR for the embedded store")
		os.Exit(1)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		panic("logging init error: " + err.Error())
	}
	defer logging.Sync()

	logging.Info("Pentaract server starting...",
		zap.String("listen", cfg.ListenAddr),
		zap.String("metrics", cfg.MetricsAddr),
		zap.String("metadata", cfg.MetadataBackend))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := bootstrap.Start(ctx, cfg)
	if err != nil {
		logging.Fatal("startup failed", zap.Error(err))
	}

	srv := api.NewServer(app.Manager, app.Store, app.Channels, app.Events)

	// Start metrics server
	metricsServer := &http.Server{
		Addr:    cfg.MetricsAddr,
		Handler: metrics.Handler(),
	}
	go func() {
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
			logging.Error("metrics server error", zap.Error(err))
		}
	}()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown: stop taking requests, let running commands finish,
	// then close stores.
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		logging.Info("shutting down...")

		shutdownCtx, stop := context.WithTimeout(context.Background(), 60*time.Second)
		defer stop()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logging.Warn("http shutdown", zap.Error(err))
		}
		if err := app.Shutdown(shutdownCtx); err != nil {
			logging.Warn("storage manager shutdown", zap.Error(err))
		}
		metricsServer.Close()
		cancel()
	}()

	// Start periodic metrics update
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				app.UpdateConnectionMetrics()
			}
		}
	}()

	logging.Info("server listening (HTTP)", zap.String("addr", cfg.ListenAddr))
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		logging.Fatal("server error", zap.Error(err))
	}
	<-shutdownDone
	logging.Info("server stopped")
}
