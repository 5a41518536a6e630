// Command archive-import ingests a Twitter archive ZIP in one shot:
// it stores every new tweet, drains the embedding queue, and prints a
// JSON report to stdout.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/daybook-io/daybook/internal/adapter/observability"
	"github.com/daybook-io/daybook/internal/adapter/repo/sqlite"
	"github.com/daybook-io/daybook/internal/adapter/source/archive"
	"github.com/daybook-io/daybook/internal/adapter/vector/flatfile"
	"github.com/daybook-io/daybook/internal/app"
	"github.com/daybook-io/daybook/internal/config"
	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/internal/processor"
	"github.com/daybook-io/daybook/internal/retry"
	"github.com/daybook-io/daybook/internal/usecase"
)

type report struct {
	Sync       domain.SyncSummary `json:"sync"`
	Embeddings struct {
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"embeddings"`
}

func main() {
	archivePath := flag.String("archive", "", "path to the Twitter archive ZIP (required)")
	namespace := flag.String("namespace", domain.NamespaceTwitter, "namespace to import into")
	skipEmbed := flag.Bool("skip-embed", false, "store records without draining the embedding queue")
	flag.Parse()

	if *archivePath == "" {
		fmt.Fprintln(os.Stderr, "usage: archive-import -archive <file.zip> [-namespace twitter] [-skip-embed]")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, *archivePath, *namespace, *skipEmbed, logger); err != nil {
		slog.Error("import failed", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config, path, namespace string, skipEmbed bool, logger *slog.Logger) error {
	ctx := context.Background()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("data dir create: %w", err)
	}
	db, err := sqlite.Open(ctx, cfg.DBPath())
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	vectors, err := flatfile.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() { _ = vectors.Close() }()

	items := sqlite.NewItemRepo(db)
	items.MaxEmbedAttempts = cfg.EmbedMaxAttempts
	catalog := sqlite.NewSourceRepo(db)
	settings := sqlite.NewSettingsRepo(db)

	exec := retry.New(cfg.RetryConfig(), logger)
	embedder := app.BuildEmbedder(cfg, exec, logger)
	chains := processor.Defaults(items, cfg.SegmentThreshold, logger)

	ingest := usecase.NewIngestionService(items, catalog, settings, vectors, embedder, chains, usecase.IngestionConfig{
		Overlap:        cfg.SyncOverlap,
		BatchSize:      cfg.IngestBatchSize,
		EmbedBatchSize: cfg.EmbedBatchSize,
		Timezone:       cfg.Location(),
	}, logger)

	adapter := archive.New(archive.Config{
		Namespace: namespace,
		Path:      path,
		Timezone:  cfg.Location(),
	}, items, logger)
	defer func() { _ = adapter.Close() }()

	err = ingest.RegisterSource(ctx, namespace, adapter, usecase.SourceOptions{
		Kind:        domain.KindArchive,
		DisplayName: "Twitter Archive",
		Timezone:    cfg.Location(),
	})
	if err != nil {
		return err
	}

	// The adapter skips tweets already stored, so re-running over the same
	// archive is a no-op rather than a duplicate import.
	var rep report
	rep.Sync, err = ingest.IngestFromSource(ctx, namespace, usecase.SyncOptions{ForceFull: true})
	if err != nil {
		return err
	}

	if !skipEmbed {
		for {
			es, derr := ingest.ProcessPendingEmbeddings(ctx, cfg.EmbedBatchSize)
			if derr != nil {
				return derr
			}
			if es.Processed == 0 {
				break
			}
			rep.Embeddings.Completed += es.Succeeded
			rep.Embeddings.Failed += es.Failed
		}
	}
	if err := vectors.Flush(); err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
