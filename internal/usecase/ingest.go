// Package usecase contains application business logic services.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/daybook-io/daybook/internal/adapter/observability"
	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/internal/processor"
	"github.com/daybook-io/daybook/pkg/timex"
)

const (
	defaultOverlap     = time.Hour
	defaultBatchSize   = 50
	defaultEmbedBatch  = 25
	defaultDrainPeriod = 30 * time.Second
)

// SourceOptions describe a registered source. Kind and DisplayName feed
// the catalog row; Timezone drives days_date bucketing; Interval,
// SyncOnStartup, and DailyCap are read by the sync manager when it builds
// the schedule.
type SourceOptions struct {
	Kind          string
	DisplayName   string
	Timezone      *time.Location
	DailyCap      int
	Interval      time.Duration
	SyncOnStartup bool
}

// SyncOptions control one ingest run.
type SyncOptions struct {
	// ForceFull ignores stored sync state and refetches everything.
	ForceFull bool
	// Limit caps fetched items; zero means no cap.
	Limit int
}

type registeredSource struct {
	adapter domain.SourceAdapter
	opts    SourceOptions
	running atomic.Bool
}

// IngestionConfig carries the tunables; zero values fall back to defaults.
type IngestionConfig struct {
	Overlap        time.Duration
	BatchSize      int
	EmbedBatchSize int
	Timezone       *time.Location
}

// IngestionService coordinates adapters, processors, the store, and the
// embedding drain. At most one sync runs per namespace at any time;
// distinct namespaces sync concurrently.
type IngestionService struct {
	items    domain.ItemRepository
	catalog  domain.SourceCatalog
	settings domain.SettingsRepository
	vectors  domain.VectorIndex
	embedder domain.Embedder
	chains   *processor.Registry
	log      *slog.Logger

	overlap    time.Duration
	batchSize  int
	embedBatch int
	defaultTZ  *time.Location
	now        func() time.Time

	mu      sync.RWMutex
	sources map[string]*registeredSource

	kick chan struct{}
}

func NewIngestionService(
	items domain.ItemRepository,
	catalog domain.SourceCatalog,
	settings domain.SettingsRepository,
	vectors domain.VectorIndex,
	embedder domain.Embedder,
	chains *processor.Registry,
	cfg IngestionConfig,
	log *slog.Logger,
) *IngestionService {
	if cfg.Overlap <= 0 {
		cfg.Overlap = defaultOverlap
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = defaultEmbedBatch
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if log == nil {
		log = slog.Default()
	}
	return &IngestionService{
		items:      items,
		catalog:    catalog,
		settings:   settings,
		vectors:    vectors,
		embedder:   embedder,
		chains:     chains,
		log:        log.With(slog.String("component", "ingest")),
		overlap:    cfg.Overlap,
		batchSize:  cfg.BatchSize,
		embedBatch: cfg.EmbedBatchSize,
		defaultTZ:  cfg.Timezone,
		now:        time.Now,
		sources:    map[string]*registeredSource{},
		kick:       make(chan struct{}, 1),
	}
}

// RegisterSource binds an adapter to a namespace and ensures its catalog
// row. Registering an already-known namespace replaces the adapter.
func (s *IngestionService) RegisterSource(ctx domain.Context, namespace string, adapter domain.SourceAdapter, opts SourceOptions) error {
	if namespace == "" || adapter == nil {
		return fmt.Errorf("op=ingest.register: %w: namespace and adapter required", domain.ErrInvalidArgument)
	}
	cfg := map[string]string{}
	if opts.Interval > 0 {
		cfg["interval"] = opts.Interval.String()
	}
	if opts.Timezone != nil {
		cfg["timezone"] = opts.Timezone.String()
	}
	if opts.DailyCap > 0 {
		cfg["daily_cap"] = fmt.Sprintf("%d", opts.DailyCap)
	}
	err := s.catalog.Ensure(ctx, domain.SourceInfo{
		Namespace:   namespace,
		Kind:        opts.Kind,
		DisplayName: opts.DisplayName,
		Config:      cfg,
		Active:      true,
	})
	if err != nil {
		return fmt.Errorf("op=ingest.register: namespace %s: %w", namespace, err)
	}

	s.mu.Lock()
	if _, exists := s.sources[namespace]; exists {
		s.log.Info("source re-registered", slog.String("namespace", namespace))
	}
	s.sources[namespace] = &registeredSource{adapter: adapter, opts: opts}
	s.mu.Unlock()
	return nil
}

// RemoveSource forgets a namespace's adapter. Storage cleanup is the sync
// manager's purge; the adapter's Close stays with its owner.
func (s *IngestionService) RemoveSource(namespace string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sources[namespace]
	delete(s.sources, namespace)
	return ok
}

// Options returns the registration options for a namespace.
func (s *IngestionService) Options(namespace string) (SourceOptions, bool) {
	src, ok := s.source(namespace)
	if !ok {
		return SourceOptions{}, false
	}
	return src.opts, true
}

func (s *IngestionService) source(namespace string) (*registeredSource, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[namespace]
	return src, ok
}

// syncRun accumulates one run's counters and the in-flight batch.
type syncRun struct {
	batch     []domain.Record
	processed int
	stored    int
	skipped   int
	lastID    string
	errs      []domain.SyncError
}

// IngestFromSource runs one sync for a namespace: fetch, process, store.
// A second call for the same namespace while one is in flight fails fast
// with ErrSyncInProgress. On fetch-level failure the summary reports
// Failed and sync state is not advanced, so the next run refetches the
// window.
func (s *IngestionService) IngestFromSource(ctx domain.Context, namespace string, opts SyncOptions) (domain.SyncSummary, error) {
	src, ok := s.source(namespace)
	if !ok {
		return domain.SyncSummary{}, fmt.Errorf("op=ingest.sync: namespace %s: %w", namespace, domain.ErrNotFound)
	}
	if !src.running.CompareAndSwap(false, true) {
		return domain.SyncSummary{}, fmt.Errorf("op=ingest.sync: namespace %s: %w", namespace, domain.ErrSyncInProgress)
	}
	defer src.running.Store(false)

	tracer := otel.Tracer("usecase.ingest")
	ctx, span := tracer.Start(ctx, "Ingest.FromSource")
	defer span.End()

	started := s.now().UTC()
	summary := domain.SyncSummary{
		RunID:     ulid.Make().String(),
		Namespace: namespace,
		StartedAt: started,
	}
	log := s.log.With(slog.String("namespace", namespace), slog.String("run_id", summary.RunID))

	since := s.sinceFor(ctx, namespace, opts.ForceFull, log)
	if since != nil {
		log.Info("incremental sync", slog.Time("since", *since))
	} else {
		log.Info("full sync")
	}

	chain := s.chains.ChainFor(namespace)
	loc := src.opts.Timezone
	if loc == nil {
		loc = s.defaultTZ
	}

	run := &syncRun{batch: make([]domain.Record, 0, s.batchSize)}
	ferr := src.adapter.FetchItems(ctx, since, opts.Limit, func(rec domain.Record, perr error) error {
		if perr != nil {
			run.processed++
			run.errs = append(run.errs, domain.SyncError{Stage: "fetch", Message: perr.Error()})
			return nil
		}
		run.batch = append(run.batch, rec)
		if len(run.batch) >= s.batchSize {
			s.flush(ctx, chain, loc, run)
		}
		return nil
	})
	if ferr == nil {
		s.flush(ctx, chain, loc, run)
	}

	finished := s.now().UTC()
	summary.FinishedAt = finished
	summary.DurationMS = finished.Sub(started).Milliseconds()
	summary.ItemsProcessed = run.processed
	summary.ItemsStored = run.stored
	summary.ItemsSkipped = run.skipped
	summary.Errors = run.errs

	observability.ObserveSyncRun(namespace, ferr != nil, summary.Duration())
	observability.CountRecords(namespace, "stored", run.stored)
	observability.CountRecords(namespace, "skipped", run.skipped)
	observability.CountRecords(namespace, "error", len(run.errs))

	if ferr != nil {
		summary.Failed = true
		summary.Message = ferr.Error()
		log.Error("sync failed", slog.Any("error", ferr),
			slog.Int("stored", run.stored), slog.Int("skipped", run.skipped))
		return summary, fmt.Errorf("op=ingest.sync: namespace %s: %w", namespace, ferr)
	}

	s.advanceSyncState(ctx, namespace, finished, run.lastID, summary, log)
	s.Kick()
	log.Info("sync finished",
		slog.Int("processed", run.processed),
		slog.Int("stored", run.stored),
		slog.Int("skipped", run.skipped),
		slog.Int("errors", len(run.errs)),
		slog.Int64("duration_ms", summary.DurationMS))
	return summary, nil
}

// flush runs the pending batch through the chain and stores survivors.
// Per-item failures become SyncErrors; nothing here aborts the run.
func (s *IngestionService) flush(ctx domain.Context, chain *processor.Chain, loc *time.Location, run *syncRun) {
	if len(run.batch) == 0 {
		return
	}
	results := chain.RunBatch(ctx, run.batch)
	for i, res := range results {
		run.processed++
		if res.Err != nil {
			if errors.Is(res.Err, domain.ErrSkipRecord) {
				run.skipped++
				continue
			}
			run.errs = append(run.errs, domain.SyncError{ItemID: run.batch[i].ID, Stage: "process", Message: res.Err.Error()})
			continue
		}
		rec := res.Record
		if rec.DaysDate == "" {
			rec.DaysDate = DeriveDaysDate(rec, loc, s.now)
		}
		outcome, err := s.items.Upsert(ctx, rec)
		if err != nil {
			run.errs = append(run.errs, domain.SyncError{ItemID: rec.ID, Stage: "store", Message: err.Error()})
			continue
		}
		if outcome == domain.OutcomeUnchanged {
			run.skipped++
			continue
		}
		run.stored++
		run.lastID = rec.ID
	}
	run.batch = run.batch[:0]
}

// sinceFor resolves the incremental window start: stored last_sync minus
// the overlap. Missing or unparseable state means a full fetch.
func (s *IngestionService) sinceFor(ctx domain.Context, namespace string, forceFull bool, log *slog.Logger) *time.Time {
	if forceFull {
		return nil
	}
	var raw string
	if err := s.settings.Get(ctx, domain.LastSyncKey(namespace), &raw); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Warn("last_sync read failed, running full sync", slog.Any("error", err))
		}
		return nil
	}
	ts, err := timex.Parse(raw, time.UTC)
	if err != nil {
		log.Warn("last_sync unparseable, running full sync", slog.String("value", raw))
		return nil
	}
	since := ts.Add(-s.overlap)
	return &since
}

// advanceSyncState persists the run's bookkeeping. Failures here are
// logged, not fatal: the data is stored, only the incremental window
// widens on the next run.
func (s *IngestionService) advanceSyncState(ctx domain.Context, namespace string, at time.Time, lastID string, summary domain.SyncSummary, log *slog.Logger) {
	if err := s.settings.Set(ctx, domain.LastSyncKey(namespace), timex.FormatISO(at)); err != nil {
		log.Warn("last_sync write failed", slog.Any("error", err))
	}
	if lastID != "" {
		if err := s.settings.Set(ctx, domain.LastProcessedIDKey(namespace), lastID); err != nil {
			log.Warn("last_processed_id write failed", slog.Any("error", err))
		}
	}
	if err := s.settings.Set(ctx, domain.LastSyncResultKey(namespace), summary); err != nil {
		log.Warn("last_sync_result write failed", slog.Any("error", err))
	}
	counts, err := s.items.CountByNamespace(ctx)
	if err != nil {
		log.Warn("namespace count failed", slog.Any("error", err))
		return
	}
	if err := s.catalog.RecordSync(ctx, namespace, at, counts[namespace]); err != nil {
		log.Warn("catalog sync record failed", slog.Any("error", err))
	}
}
