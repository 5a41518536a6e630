// Command daybook starts the ingestion engine and its HTTP API.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/daybook-io/daybook/internal/adapter/httpapi"
	"github.com/daybook-io/daybook/internal/adapter/observability"
	"github.com/daybook-io/daybook/internal/adapter/repo/sqlite"
	"github.com/daybook-io/daybook/internal/adapter/vector/flatfile"
	"github.com/daybook-io/daybook/internal/app"
	"github.com/daybook-io/daybook/internal/config"
	"github.com/daybook-io/daybook/internal/processor"
	"github.com/daybook-io/daybook/internal/retry"
	"github.com/daybook-io/daybook/internal/scheduler"
	"github.com/daybook-io/daybook/internal/store"
	"github.com/daybook-io/daybook/internal/syncmgr"
	"github.com/daybook-io/daybook/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so /metrics exposes
	// HTTP, sync, and embedding instrumentation.
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		slog.Error("data dir create failed", slog.String("dir", cfg.DataDir), slog.Any("error", err))
		os.Exit(1)
	}

	// Infra: SQLite store plus the flat-file vector index, both under DataDir.
	ctx := context.Background()
	db, err := sqlite.Open(ctx, cfg.DBPath())
	if err != nil {
		slog.Error("db open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	vectors, err := flatfile.Open(cfg.DataDir)
	if err != nil {
		slog.Error("vector index open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = vectors.Close() }()

	// Repositories
	items := sqlite.NewItemRepo(db)
	items.MaxEmbedAttempts = cfg.EmbedMaxAttempts
	catalog := sqlite.NewSourceRepo(db)
	settings := sqlite.NewSettingsRepo(db)

	st := store.New(items, catalog, settings, vectors, logger)

	// One retry executor is shared by every outbound provider client.
	exec := retry.New(cfg.RetryConfig(), logger)
	embedder := app.BuildEmbedder(cfg, exec, logger)
	chains := processor.Defaults(items, cfg.SegmentThreshold, logger)

	ingest := usecase.NewIngestionService(items, catalog, settings, vectors, embedder, chains, usecase.IngestionConfig{
		Overlap:        cfg.SyncOverlap,
		BatchSize:      cfg.IngestBatchSize,
		EmbedBatchSize: cfg.EmbedBatchSize,
		Timezone:       cfg.Location(),
	}, logger)

	sched := scheduler.New(logger)
	sched.SetTick(cfg.SchedulerTick)
	mgr := syncmgr.New(ingest, sched, st, logger)
	mgr.SetPendingWarnThreshold(cfg.PendingWarnThreshold)

	entries, err := cfg.SourceEntries()
	if err != nil {
		slog.Error("source registry load failed", slog.Any("error", err))
		os.Exit(1)
	}
	for _, entry := range entries {
		adapter, schedCfg, err := app.BuildSource(cfg, entry, items, exec, logger)
		if err != nil {
			slog.Error("source build failed", slog.String("namespace", entry.Namespace), slog.Any("error", err))
			os.Exit(1)
		}
		if err := mgr.Register(ctx, entry.Namespace, adapter, schedCfg); err != nil {
			slog.Error("source register failed", slog.String("namespace", entry.Namespace), slog.Any("error", err))
			os.Exit(1)
		}
	}
	if len(entries) == 0 {
		slog.Warn("no sources enabled; only manual imports and reads will work")
	}

	// runCtx bounds the scheduler and the drain; cancelled during shutdown.
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if err := mgr.Startup(runCtx); err != nil {
		slog.Error("startup failed", slog.Any("error", err))
		os.Exit(1)
	}

	drainDone := make(chan struct{})
	go func() {
		defer close(drainDone)
		ingest.RunEmbeddingDrain(runCtx, cfg.EmbedDrainInterval, cfg.EmbedBatchSize)
	}()

	srv := httpapi.NewServer(cfg, st, ingest, mgr, embedder, app.BuildReadinessChecks(db))
	handler := app.BuildRouter(cfg, srv)

	// A manual sync holds its response open for the whole run, so the write
	// timeout must outlive the sync timeout.
	writeTimeout := cfg.HTTPWriteTimeout
	if cfg.SyncTimeout >= writeTimeout {
		writeTimeout = cfg.SyncTimeout + 30*time.Second
	}

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	// Stop order: no new HTTP work, then scheduled runs, then the drain,
	// then adapters and storage.
	sched.Stop()
	cancelRun()
	<-drainDone
	if err := mgr.Close(); err != nil {
		slog.Error("source close failed", slog.Any("error", err))
	}
	if err := vectors.Flush(); err != nil {
		slog.Error("vector flush failed", slog.Any("error", err))
	}
	slog.Info("shutdown complete")
}
