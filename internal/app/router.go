package app

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// RouterParams groups dependencies for building the ops router.
type RouterParams struct {
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	JobHandler *jobs.Handler
	Checks     map[string]HealthCheck
	RateLimit  int
}

// NewRouter constructs the ops chi.Router: liveness, readiness, metrics and
// queue health. It carries no business endpoints.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:    params.Logger,
		Metrics:   params.Metrics,
		RateLimit: params.RateLimit,
	}) {
		r.Use(mw)
	}

	r.NotFound(httpx.NotFound)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := http.StatusOK
		results := make(map[string]string, len(params.Checks))
		names := make([]string, 0, len(params.Checks))
		for name := range params.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := params.Checks[name](ctx); err != nil {
				if params.Logger != nil {
					params.Logger.Warn("readiness check failed", slog.String("check", name), slog.Any("error", err))
				}
				results[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			results[name] = "ok"
		}
		httpx.JSON(w, status, results)
	})

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
