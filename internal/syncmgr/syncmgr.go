// Package syncmgr supervises sources end to end: it binds adapters to
// scheduler jobs, owns startup catch-up, serves manual sync triggers,
// and aggregates per-namespace health.
package syncmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/internal/scheduler"
	"github.com/daybook-io/daybook/internal/store"
	"github.com/daybook-io/daybook/internal/usecase"
	"github.com/daybook-io/daybook/pkg/timex"
)

const (
	criticalErrorThreshold  = 3
	pendingBacklogThreshold = 1000
)

// Health statuses, most severe first.
const (
	HealthCritical      = "critical"
	HealthStaleCritical = "stale_critical"
	HealthStaleWarning  = "stale_warning"
	HealthPaused        = "paused"
	HealthHealthy       = "healthy"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ScheduleConfig describes how one source runs. Interval and Cron are
// mutually exclusive; a source with neither never runs on its own and
// only syncs through SyncNow.
type ScheduleConfig struct {
	Interval      time.Duration
	Cron          string
	Timeout       time.Duration
	SyncOnStartup bool
	Kind          string
	DisplayName   string
	Timezone      *time.Location
	DailyCap      int
}

// NamespaceHealth is one row of the health view.
type NamespaceHealth struct {
	Namespace       string     `json:"namespace"`
	Status          string     `json:"status"`
	JobState        string     `json:"job_state,omitempty"`
	LastSyncAt      *time.Time `json:"last_sync_at,omitempty"`
	IntervalSeconds int64      `json:"interval_seconds,omitempty"`
	ErrorCount      int        `json:"error_count"`
	LastError       string     `json:"last_error,omitempty"`
	PendingBacklog  bool       `json:"pending_backlog,omitempty"`
}

type managedSource struct {
	namespace string
	adapter   domain.SourceAdapter
	cfg       ScheduleConfig
	jobID     string
}

// Manager binds the ingestion service, the scheduler, and the store.
type Manager struct {
	ingest      *usecase.IngestionService
	sched       *scheduler.Scheduler
	store       *store.Store
	log         *slog.Logger
	now         func() time.Time
	pendingWarn int

	mu      sync.RWMutex
	sources map[string]*managedSource
}

func New(ingest *usecase.IngestionService, sched *scheduler.Scheduler, st *store.Store, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		ingest:      ingest,
		sched:       sched,
		store:       st,
		log:         log.With(slog.String("component", "syncmgr")),
		now:         time.Now,
		pendingWarn: pendingBacklogThreshold,
		sources:     map[string]*managedSource{},
	}
}

// SetPendingWarnThreshold overrides the backlog size at which the health
// view raises pending_backlog. Non-positive values are ignored.
func (m *Manager) SetPendingWarnThreshold(n int) {
	if n > 0 {
		m.pendingWarn = n
	}
}

// Register wires one source: ingestion registration (which ensures the
// catalog row) plus a scheduler job whose closure runs the sync.
func (m *Manager) Register(ctx domain.Context, namespace string, adapter domain.SourceAdapter, cfg ScheduleConfig) error {
	err := m.ingest.RegisterSource(ctx, namespace, adapter, usecase.SourceOptions{
		Kind:          cfg.Kind,
		DisplayName:   cfg.DisplayName,
		Timezone:      cfg.Timezone,
		DailyCap:      cfg.DailyCap,
		Interval:      cfg.Interval,
		SyncOnStartup: cfg.SyncOnStartup,
	})
	if err != nil {
		return fmt.Errorf("op=syncmgr.register: %w", err)
	}

	var opts []scheduler.Option
	if cfg.Interval > 0 {
		opts = append(opts, scheduler.WithInterval(cfg.Interval))
	}
	if cfg.Cron != "" {
		opts = append(opts, scheduler.WithCron(cfg.Cron))
	}
	if cfg.Timeout > 0 {
		opts = append(opts, scheduler.WithTimeout(cfg.Timeout))
	}
	jobID, err := m.sched.Add(namespace, m.runJob(namespace), opts...)
	if err != nil {
		m.ingest.RemoveSource(namespace)
		return fmt.Errorf("op=syncmgr.register: namespace %s: %w", namespace, err)
	}

	m.mu.Lock()
	m.sources[namespace] = &managedSource{namespace: namespace, adapter: adapter, cfg: cfg, jobID: jobID}
	m.mu.Unlock()

	m.log.Info("source registered",
		slog.String("namespace", namespace),
		slog.String("kind", cfg.Kind),
		slog.Duration("interval", cfg.Interval),
		slog.String("cron", cfg.Cron))
	return nil
}

// runJob builds the scheduled closure. Losing the race against a manual
// sync is not a job failure.
func (m *Manager) runJob(namespace string) scheduler.RunFunc {
	return func(ctx context.Context) error {
		_, err := m.ingest.IngestFromSource(ctx, namespace, usecase.SyncOptions{})
		if errors.Is(err, domain.ErrSyncInProgress) {
			return nil
		}
		return err
	}
}

// Startup checks adapter connectivity, queues catch-up syncs, and
// starts the scheduler. Connectivity failures only warn: the retry
// executor absorbs transient provider downtime at sync time.
func (m *Manager) Startup(ctx domain.Context) error {
	sources := m.list()

	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		g.Go(func() error {
			if err := src.adapter.TestConnection(gctx); err != nil {
				m.log.Warn("source connectivity check failed",
					slog.String("namespace", src.namespace), slog.Any("error", err))
			}
			return nil
		})
	}
	_ = g.Wait()

	now := m.now().UTC()
	for _, src := range sources {
		if !m.dueAtStartup(ctx, src, now) {
			continue
		}
		if err := m.sched.TriggerNow(src.jobID); err != nil {
			m.log.Warn("startup trigger failed",
				slog.String("namespace", src.namespace), slog.Any("error", err))
			continue
		}
		m.log.Info("startup sync queued", slog.String("namespace", src.namespace))
	}

	m.sched.Start(ctx)
	return nil
}

// dueAtStartup decides startup catch-up: a namespace syncs iff it has
// no recorded last_sync or the recorded one is at least one interval
// old. Cadence-less sources never auto-sync.
func (m *Manager) dueAtStartup(ctx domain.Context, src *managedSource, now time.Time) bool {
	if !src.cfg.SyncOnStartup {
		return false
	}
	interval := m.effectiveInterval(src.cfg, now)
	if interval <= 0 {
		return false
	}
	var raw string
	err := m.store.Setting(ctx, domain.LastSyncKey(src.namespace), &raw)
	if errors.Is(err, domain.ErrNotFound) {
		return true
	}
	if err != nil {
		m.log.Warn("last_sync read failed, treating as due",
			slog.String("namespace", src.namespace), slog.Any("error", err))
		return true
	}
	last, err := timex.Parse(raw, time.UTC)
	if err != nil {
		return true
	}
	return now.Sub(last) >= interval
}

// effectiveInterval turns a cadence into a duration. Cron cadences use
// the gap between the next two fires.
func (m *Manager) effectiveInterval(cfg ScheduleConfig, now time.Time) time.Duration {
	if cfg.Interval > 0 {
		return cfg.Interval
	}
	if cfg.Cron == "" {
		return 0
	}
	sched, err := cronParser.Parse(cfg.Cron)
	if err != nil {
		return 0
	}
	first := sched.Next(now)
	return sched.Next(first).Sub(first)
}

// SyncNow runs one sync inline, holding the job's run slot so manual
// and scheduled runs exclude each other. The source's timeout bounds
// the run the same way it bounds scheduled dispatches.
func (m *Manager) SyncNow(ctx domain.Context, namespace string, full bool) (domain.SyncSummary, error) {
	src, ok := m.get(namespace)
	if !ok {
		return domain.SyncSummary{}, fmt.Errorf("op=syncmgr.sync_now: namespace %s: %w", namespace, domain.ErrNotFound)
	}
	release, err := m.sched.Acquire(src.jobID)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			return domain.SyncSummary{}, fmt.Errorf("op=syncmgr.sync_now: namespace %s: %w", namespace, domain.ErrSyncInProgress)
		}
		return domain.SyncSummary{}, fmt.Errorf("op=syncmgr.sync_now: %w", err)
	}
	runCtx := ctx
	if src.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, src.cfg.Timeout)
		defer cancel()
	}
	summary, err := m.ingest.IngestFromSource(runCtx, namespace, usecase.SyncOptions{ForceFull: full})
	release(err)
	return summary, err
}

// Pause suspends a namespace's scheduled syncs.
func (m *Manager) Pause(namespace string) error {
	src, ok := m.get(namespace)
	if !ok {
		return fmt.Errorf("op=syncmgr.pause: namespace %s: %w", namespace, domain.ErrNotFound)
	}
	return m.sched.Pause(src.jobID)
}

// Resume reopens a namespace's scheduled syncs.
func (m *Manager) Resume(namespace string) error {
	src, ok := m.get(namespace)
	if !ok {
		return fmt.Errorf("op=syncmgr.resume: namespace %s: %w", namespace, domain.ErrNotFound)
	}
	return m.sched.Resume(src.jobID)
}

// Health reports per-namespace status, most severe condition first:
// consecutive-error critical, staleness against the effective interval,
// paused, healthy. The pending-embedding backlog flag is store-wide.
func (m *Manager) Health(ctx domain.Context) []NamespaceHealth {
	sources := m.list()
	backlog := false
	if stats, err := m.store.Stats(ctx); err == nil {
		backlog = stats.Embeddings.Pending > m.pendingWarn
	} else {
		m.log.Warn("store stats failed during health check", slog.Any("error", err))
	}

	now := m.now().UTC()
	out := make([]NamespaceHealth, 0, len(sources))
	for _, src := range sources {
		h := m.healthFor(ctx, src, now)
		h.PendingBacklog = backlog
		out = append(out, h)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Namespace < out[b].Namespace })
	return out
}

func (m *Manager) healthFor(ctx domain.Context, src *managedSource, now time.Time) NamespaceHealth {
	h := NamespaceHealth{Namespace: src.namespace, Status: HealthHealthy}

	info, ok := m.sched.Get(src.jobID)
	if ok {
		h.JobState = string(info.State)
		h.ErrorCount = info.ErrorCount
		h.LastError = info.LastError
	}

	interval := m.effectiveInterval(src.cfg, now)
	h.IntervalSeconds = int64(interval / time.Second)

	var raw string
	if err := m.store.Setting(ctx, domain.LastSyncKey(src.namespace), &raw); err == nil {
		if ts, perr := timex.Parse(raw, time.UTC); perr == nil {
			h.LastSyncAt = &ts
		}
	}

	switch {
	case h.ErrorCount >= criticalErrorThreshold:
		h.Status = HealthCritical
	case interval > 0 && h.LastSyncAt != nil && now.Sub(*h.LastSyncAt) > 4*interval:
		h.Status = HealthStaleCritical
	case interval > 0 && h.LastSyncAt != nil && now.Sub(*h.LastSyncAt) > 2*interval:
		h.Status = HealthStaleWarning
	case ok && info.State == scheduler.StatePaused:
		h.Status = HealthPaused
	}
	return h
}

// RemoveSource retires a namespace: the job is cancelled, the adapter
// closed, and with purge the stored data, vectors, catalog entry, and
// sync-state keys are all removed. Without purge the data stays and the
// catalog row is marked inactive.
func (m *Manager) RemoveSource(ctx domain.Context, namespace string, purge bool) error {
	m.mu.Lock()
	src, ok := m.sources[namespace]
	delete(m.sources, namespace)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("op=syncmgr.remove: namespace %s: %w", namespace, domain.ErrNotFound)
	}

	if err := m.sched.Cancel(src.jobID); err != nil {
		m.log.Warn("job cancel failed", slog.String("namespace", namespace), slog.Any("error", err))
	}
	m.ingest.RemoveSource(namespace)
	if err := src.adapter.Close(); err != nil {
		m.log.Warn("adapter close failed", slog.String("namespace", namespace), slog.Any("error", err))
	}

	if !purge {
		if err := m.store.SetSourceActive(ctx, namespace, false); err != nil {
			m.log.Warn("catalog deactivate failed", slog.String("namespace", namespace), slog.Any("error", err))
		}
		return nil
	}

	if _, err := m.store.ClearNamespace(ctx, namespace); err != nil {
		return fmt.Errorf("op=syncmgr.remove: %w", err)
	}
	for _, key := range []string{
		domain.LastSyncKey(namespace),
		domain.LastProcessedIDKey(namespace),
		domain.LastSyncResultKey(namespace),
	} {
		if err := m.store.DeleteSetting(ctx, key); err != nil {
			m.log.Warn("sync state delete failed", slog.String("key", key), slog.Any("error", err))
		}
	}
	m.log.Info("source removed", slog.String("namespace", namespace), slog.Bool("purge", purge))
	return nil
}

// Close closes every adapter. Call after the scheduler has stopped.
func (m *Manager) Close() error {
	var firstErr error
	for _, src := range m.list() {
		if err := src.adapter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (m *Manager) get(namespace string) (*managedSource, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.sources[namespace]
	return src, ok
}

func (m *Manager) list() []*managedSource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*managedSource, 0, len(m.sources))
	for _, src := range m.sources {
		out = append(out, src)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].namespace < out[b].namespace })
	return out
}
