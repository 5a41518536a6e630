// Package app assembles the HTTP surface and process-level helpers.
package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	httpapi "github.com/daybook-io/daybook/internal/adapter/httpapi"
	"github.com/daybook-io/daybook/internal/adapter/observability"
	"github.com/daybook-io/daybook/internal/config"
)

// ParseOrigins splits a comma-separated origin list into a slice, trimming spaces.
// If the input is empty, returns ["*"].
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return []string{"*"}
	}
	if s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the HTTP handler with all middlewares and routes.
func BuildRouter(cfg config.Config, srv *httpapi.Server) http.Handler {
	r := chi.NewRouter()
	// Security & instrumentation middleware
	r.Use(httpapi.Recoverer())
	r.Use(httpapi.RequestID())
	r.Use(httpapi.TraceMiddleware)
	r.Use(httpapi.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Mutating endpoints: rate limited per IP, no response timeout since a
	// manual sync blocks until the run finishes.
	r.Group(func(wr chi.Router) {
		wr.Use(httprate.LimitByIP(cfg.RateLimitPerMin, 1*time.Minute))
		wr.Post("/v1/sync/{namespace}", srv.SyncHandler(false))
		wr.Post("/v1/sync/{namespace}/full", srv.SyncHandler(true))
		wr.Post("/v1/embeddings/reprocess", srv.ReprocessHandler())
		wr.Post("/v1/scheduler/{namespace}/pause", srv.PauseHandler())
		wr.Post("/v1/scheduler/{namespace}/resume", srv.ResumeHandler())
	})

	// Read-only endpoints
	r.Group(func(rr chi.Router) {
		rr.Use(httpapi.TimeoutMiddleware(30 * time.Second))
		rr.Get("/v1/health", srv.HealthHandler())
		rr.Get("/v1/data/{namespace}", srv.DataHandler())
		rr.Get("/v1/data/{namespace}/stats", srv.StatsHandler())
		rr.Get("/v1/search", srv.SearchHandler())
	})

	// Liveness, readiness and metrics
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) { promhttp.Handler().ServeHTTP(w, r) })

	return httpapi.SecurityHeaders(r)
}
