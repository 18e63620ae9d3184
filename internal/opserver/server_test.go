package opserver

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runverify/replay-runner/internal/store/memory"
)

func TestHealthz_ReportsHealthyAgainstLiveStore(t *testing.T) {
	s := New(Config{Addr: ":0", Store: memory.New()})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestMetrics_ServesPrometheusFormat(t *testing.T) {
	s := New(Config{Addr: ":0", Store: memory.New()})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}
