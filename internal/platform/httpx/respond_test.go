package httpx

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProblemWritesProblemDocument(t *testing.T) {
	rr := httptest.NewRecorder()
	Problem(rr, http.StatusServiceUnavailable, "queue inspector unavailable")

	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"title":"Service Unavailable","status":503,"detail":"queue inspector unavailable"}`, rr.Body.String())
}

func TestNotFound(t *testing.T) {
	rr := httptest.NewRecorder()
	NotFound(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Contains(t, rr.Body.String(), "/nope")
}
