// Package store is the façade over the relational layer, the vector
// index and the settings KV. It owns the contracts that span more than
// one of them: delete ordering, namespace purges, semantic search
// hydration and aggregate stats.
package store

import (
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/daybook-io/daybook/internal/domain"
)

// Store composes the persistent structures behind one API.
type Store struct {
	items    domain.ItemRepository
	sources  domain.SourceCatalog
	settings domain.SettingsRepository
	vectors  domain.VectorIndex
	log      *slog.Logger
}

// New constructs the façade.
func New(items domain.ItemRepository, sources domain.SourceCatalog, settings domain.SettingsRepository, vectors domain.VectorIndex, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		items:    items,
		sources:  sources,
		settings: settings,
		vectors:  vectors,
		log:      log.With(slog.String("component", "store")),
	}
}

// SearchResult pairs a hydrated record with its similarity score.
type SearchResult struct {
	Record domain.Record `json:"record"`
	Score  float64       `json:"score"`
}

// ClearResult reports what a namespace purge removed.
type ClearResult struct {
	Rows    int64 `json:"rows"`
	Vectors int   `json:"vectors"`
}

// EmbeddingStats counts records per embedding status.
type EmbeddingStats struct {
	Pending   int `json:"pending"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Stats aggregates row counts, embedding progress and vector index state.
type Stats struct {
	Namespaces map[string]int     `json:"namespaces"`
	Embeddings EmbeddingStats     `json:"embeddings"`
	Vector     domain.VectorStats `json:"vector"`
}

// StoreItem upserts the record. The relational layer resets the
// embedding status to pending in the same transaction when the content
// changed.
func (s *Store) StoreItem(ctx domain.Context, rec domain.Record) (domain.StoreOutcome, error) {
	return s.items.Upsert(ctx, rec)
}

// Item loads one record by id.
func (s *Store) Item(ctx domain.Context, id string) (domain.Record, error) {
	return s.items.Get(ctx, id)
}

// ItemsByDate returns the records for a calendar date, optionally
// restricted to namespaces.
func (s *Store) ItemsByDate(ctx domain.Context, date string, namespaces ...string) ([]domain.Record, error) {
	return s.items.ListByDate(ctx, date, namespaces...)
}

// DeleteItem removes the vector first and the row only after vector
// removal succeeded. A missing vector counts as success; a failed vector
// removal keeps the row, since an orphaned vector is overwritten by the
// next embedding pass while an orphaned row would corrupt queries.
func (s *Store) DeleteItem(ctx domain.Context, id string) error {
	tracer := otel.Tracer("store")
	ctx, span := tracer.Start(ctx, "store.DeleteItem")
	defer span.End()

	if err := s.vectors.Remove(ctx, id); err != nil {
		return fmt.Errorf("op=store.delete_item: vector removal failed, row kept: %w", err)
	}
	if err := s.items.Delete(ctx, id); err != nil {
		return fmt.Errorf("op=store.delete_item: %w", err)
	}
	return nil
}

// ClearNamespace removes the namespace's vectors, rows and catalog entry.
func (s *Store) ClearNamespace(ctx domain.Context, namespace string) (ClearResult, error) {
	tracer := otel.Tracer("store")
	ctx, span := tracer.Start(ctx, "store.ClearNamespace")
	defer span.End()
	span.SetAttributes(attribute.String("record.namespace", namespace))

	if namespace == "" {
		return ClearResult{}, fmt.Errorf("op=store.clear_namespace: %w: namespace is required", domain.ErrInvalidArgument)
	}
	vectors, err := s.vectors.RemoveNamespace(ctx, namespace)
	if err != nil {
		return ClearResult{}, fmt.Errorf("op=store.clear_namespace: vectors: %w", err)
	}
	rows, err := s.items.DeleteNamespace(ctx, namespace)
	if err != nil {
		return ClearResult{Vectors: vectors}, fmt.Errorf("op=store.clear_namespace: rows: %w", err)
	}
	if err := s.sources.Delete(ctx, namespace); err != nil {
		return ClearResult{Rows: rows, Vectors: vectors}, fmt.Errorf("op=store.clear_namespace: catalog: %w", err)
	}
	s.log.Info("namespace cleared",
		slog.String("namespace", namespace),
		slog.Int64("rows", rows),
		slog.Int("vectors", vectors))
	return ClearResult{Rows: rows, Vectors: vectors}, nil
}

// SemanticSearch runs a cosine search and hydrates the hits from the
// relational layer. Hits whose rows are gone are dropped. Namespaces,
// when given, restrict the result; the scan then widens to the whole
// index so the filter cannot starve k.
func (s *Store) SemanticSearch(ctx domain.Context, query []float32, k int, namespaces ...string) ([]SearchResult, error) {
	tracer := otel.Tracer("store")
	ctx, span := tracer.Start(ctx, "store.SemanticSearch")
	defer span.End()
	span.SetAttributes(attribute.Int("query.k", k))

	if k <= 0 {
		return nil, fmt.Errorf("op=store.semantic_search: %w: k must be positive", domain.ErrInvalidArgument)
	}
	fetch := k
	if len(namespaces) > 0 {
		fetch = s.vectors.Len()
		if fetch == 0 {
			return nil, nil
		}
	}
	hits, err := s.vectors.Search(ctx, query, fetch)
	if err != nil {
		return nil, fmt.Errorf("op=store.semantic_search: %w", err)
	}
	if len(namespaces) > 0 {
		hits = filterByNamespace(hits, namespaces)
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(hits))
	for _, hit := range hits {
		ids = append(ids, hit.ID)
	}
	rows, err := s.items.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("op=store.semantic_search: hydrate: %w", err)
	}
	byID := make(map[string]domain.Record, len(rows))
	for _, rec := range rows {
		byID[rec.ID] = rec
	}

	results := make([]SearchResult, 0, k)
	for _, hit := range hits {
		rec, ok := byID[hit.ID]
		if !ok {
			continue
		}
		results = append(results, SearchResult{Record: rec, Score: hit.Score})
		if len(results) == k {
			break
		}
	}
	return results, nil
}

// Source returns one catalog entry.
func (s *Store) Source(ctx domain.Context, namespace string) (domain.SourceInfo, error) {
	return s.sources.Get(ctx, namespace)
}

// Sources lists the catalog.
func (s *Store) Sources(ctx domain.Context) ([]domain.SourceInfo, error) {
	return s.sources.List(ctx)
}

// SetSourceActive flips the catalog active flag.
func (s *Store) SetSourceActive(ctx domain.Context, namespace string, active bool) error {
	return s.sources.SetActive(ctx, namespace, active)
}

// Setting reads an opaque JSON setting into out.
func (s *Store) Setting(ctx domain.Context, key string, out any) error {
	return s.settings.Get(ctx, key, out)
}

// SetSetting stores an opaque JSON setting.
func (s *Store) SetSetting(ctx domain.Context, key string, value any) error {
	return s.settings.Set(ctx, key, value)
}

// DeleteSetting removes a setting key.
func (s *Store) DeleteSetting(ctx domain.Context, key string) error {
	return s.settings.Delete(ctx, key)
}

// Stats aggregates per-namespace row counts, embedding progress and
// vector index state.
func (s *Store) Stats(ctx domain.Context) (Stats, error) {
	counts, err := s.items.CountByNamespace(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("op=store.stats: %w", err)
	}
	out := Stats{Namespaces: counts, Vector: s.vectors.Stats()}
	for status, dst := range map[domain.EmbeddingStatus]*int{
		domain.EmbeddingPending:   &out.Embeddings.Pending,
		domain.EmbeddingCompleted: &out.Embeddings.Completed,
		domain.EmbeddingFailed:    &out.Embeddings.Failed,
	} {
		n, err := s.items.CountByStatus(ctx, status)
		if err != nil {
			return Stats{}, fmt.Errorf("op=store.stats: %w", err)
		}
		*dst = n
	}
	return out, nil
}

func filterByNamespace(hits []domain.VectorHit, namespaces []string) []domain.VectorHit {
	prefixes := make([]string, 0, len(namespaces))
	for _, ns := range namespaces {
		prefixes = append(prefixes, ns+":")
	}
	out := hits[:0]
	for _, hit := range hits {
		for _, prefix := range prefixes {
			if strings.HasPrefix(hit.ID, prefix) {
				out = append(out, hit)
				break
			}
		}
	}
	return out
}
