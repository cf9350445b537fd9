package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/odyssey-erp/odyssey-ledger/internal/observability"
	"github.com/odyssey-erp/odyssey-ledger/jobs"
)

func TestRouterServesOpsEndpoints(t *testing.T) {
	router := NewRouter(RouterParams{
		Metrics:    observability.NewMetrics(),
		JobHandler: jobs.NewHandler(nil, nil),
		Checks: map[string]HealthCheck{
			"postgres": func(context.Context) error { return nil },
		},
	})

	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/jobs/health"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rr.Code, path)
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	assert.JSONEq(t, `[{"queue":"ledger","pending":0,"retry":0,"archived":0},{"queue":"default","pending":0,"retry":0,"archived":0}]`, rr.Body.String())
}

func TestReadinessReportsFailingCheck(t *testing.T) {
	router := NewRouter(RouterParams{
		Checks: map[string]HealthCheck{
			"postgres": func(context.Context) error { return nil },
			"redis":    func(context.Context) error { return errors.New("connection refused") },
		},
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"postgres":"ok","redis":"connection refused"}`, rr.Body.String())
}
