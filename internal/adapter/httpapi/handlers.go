package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/daybook-io/daybook/internal/config"
	"github.com/daybook-io/daybook/internal/domain"
	"github.com/daybook-io/daybook/internal/store"
	"github.com/daybook-io/daybook/internal/syncmgr"
	"github.com/daybook-io/daybook/internal/usecase"
)

const (
	defaultSearchK = 10
	maxSearchK     = 100
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg      config.Config
	Store    *store.Store
	Ingest   *usecase.IngestionService
	Syncs    *syncmgr.Manager
	Embedder domain.Embedder
	DBCheck  func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers wired.
func NewServer(cfg config.Config, st *store.Store, ingest *usecase.IngestionService, syncs *syncmgr.Manager, embedder domain.Embedder, dbCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Store: st, Ingest: ingest, Syncs: syncs, Embedder: embedder, DBCheck: dbCheck}
}

// HealthHandler returns the per-namespace sync health view.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows := s.Syncs.Health(r.Context())
		if rows == nil {
			rows = []syncmgr.NamespaceHealth{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"namespaces": rows})
	}
}

// DataHandler lists one namespace's records for one day.
func (s *Server) DataHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ns := chi.URLParam(r, "namespace")
		date := r.URL.Query().Get("date")
		if date == "" {
			writeError(w, r, fmt.Errorf("%w: date query parameter required", domain.ErrInvalidArgument), nil)
			return
		}
		if _, err := time.Parse("2006-01-02", date); err != nil {
			writeError(w, r, fmt.Errorf("%w: date must be YYYY-MM-DD", domain.ErrInvalidArgument), map[string]string{"date": date})
			return
		}
		recs, err := s.Store.ItemsByDate(r.Context(), date, ns)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if recs == nil {
			recs = []domain.Record{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"namespace": ns,
			"date":      date,
			"count":     len(recs),
			"records":   recs,
		})
	}
}

// StatsHandler returns the catalog entry for one namespace plus the
// summary of its most recent sync when one is recorded.
func (s *Server) StatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ns := chi.URLParam(r, "namespace")
		src, err := s.Store.Source(r.Context(), ns)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		resp := map[string]any{"source": src}
		var last domain.SyncSummary
		if err := s.Store.Setting(r.Context(), domain.LastSyncResultKey(ns), &last); err == nil {
			resp["last_sync"] = last
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// SearchHandler embeds the query text and runs a semantic search.
// Repeating the namespace parameter restricts the result.
func (s *Server) SearchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := strings.TrimSpace(r.URL.Query().Get("q"))
		if q == "" {
			writeError(w, r, fmt.Errorf("%w: q query parameter required", domain.ErrInvalidArgument), nil)
			return
		}
		k := defaultSearchK
		if raw := r.URL.Query().Get("k"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n <= 0 {
				writeError(w, r, fmt.Errorf("%w: k must be a positive integer", domain.ErrInvalidArgument), map[string]string{"k": raw})
				return
			}
			k = n
		}
		if k > maxSearchK {
			k = maxSearchK
		}
		namespaces := r.URL.Query()["namespace"]

		vecs, err := s.Embedder.Embed(r.Context(), []string{q})
		if err != nil {
			writeError(w, r, fmt.Errorf("embed query: %w", err), nil)
			return
		}
		if len(vecs) != 1 {
			writeError(w, r, fmt.Errorf("%w: embedder returned %d vectors for one query", domain.ErrSchemaInvalid, len(vecs)), nil)
			return
		}
		results, err := s.Store.SemanticSearch(r.Context(), vecs[0], k, namespaces...)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if results == nil {
			results = []store.SearchResult{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"query":   q,
			"k":       k,
			"count":   len(results),
			"results": results,
		})
	}
}

// SyncHandler triggers one sync run and blocks for its summary. full
// ignores the recorded incremental window.
func (s *Server) SyncHandler(full bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ns := chi.URLParam(r, "namespace")
		summary, err := s.Syncs.SyncNow(r.Context(), ns, full)
		if err != nil {
			if summary.RunID != "" {
				writeError(w, r, err, summary)
				return
			}
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

// ReprocessHandler flips failed embeddings back to pending and drains
// them.
func (s *Server) ReprocessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.Ingest.ReprocessFailedEmbeddings(r.Context())
		if err != nil {
			writeError(w, r, err, map[string]int{"reprocessed": n})
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"reprocessed": n})
	}
}

// PauseHandler suspends scheduled syncs for one namespace.
func (s *Server) PauseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ns := chi.URLParam(r, "namespace")
		if err := s.Syncs.Pause(ns); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"namespace": ns, "state": "paused"})
	}
}

// ResumeHandler reopens scheduled syncs for one namespace.
func (s *Server) ResumeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ns := chi.URLParam(r, "namespace")
		if err := s.Syncs.Resume(ns); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"namespace": ns, "state": "scheduled"})
	}
}

// ReadyzHandler probes the store.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 1)
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks = append(checks, check{Name: "db", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "db", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
