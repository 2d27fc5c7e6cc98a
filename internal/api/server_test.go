package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/FairForge/loadgrid/internal/degrade"
	"github.com/FairForge/loadgrid/internal/loadgen"
	"github.com/FairForge/loadgrid/internal/metrics"
	"github.com/FairForge/loadgrid/internal/orchestrator"
	"github.com/FairForge/loadgrid/internal/stream"
)

const scenarioDoc = `
id: api-test
name: api smoke
phases:
  - name: steady
    target_rps: 50
    duration: 10s
criteria:
  - name: error budget
    metric: error_rate
    comparator: "<="
    target: 0.5
    critical: true
`

func newTestServer(t *testing.T) (*Server, *orchestrator.Orchestrator) {
	t.Helper()
	logger := zap.NewNop()

	agg := metrics.NewAggregator(&metrics.AggregatorConfig{PollInterval: 20 * time.Millisecond}, logger)
	det := degrade.NewDetector(&degrade.DetectorConfig{CheckInterval: 20 * time.Millisecond}, degrade.DefaultThresholds(), logger)
	str := stream.NewStreamer(nil, logger)
	t.Cleanup(str.Shutdown)
	gen := loadgen.NewGenerator(&loadgen.Config{MaxConcurrency: 5}, nil, nil,
		loadgen.SyntheticWorker(time.Millisecond, 0), logger)

	orch, err := orchestrator.New(orchestrator.Deps{
		Collector:   agg,
		Monitor:     det,
		Broadcaster: str,
		Driver:      gen,
	}, logger)
	require.NoError(t, err)

	return NewServer(nil, orch, stream.NewWSHandler(str, logger), logger), orch
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Routes(), http.MethodGet, "/health", "")

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp["status"])
	assert.Equal(t, "idle", resp["state"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Routes(), http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "loadgrid_")
}

func TestRunLifecycleOverHTTP(t *testing.T) {
	srv, orch := newTestServer(t)
	router := srv.Routes()

	rec := do(t, router, http.MethodPost, "/api/v1/tests/scenario", scenarioDoc)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodPost, "/api/v1/tests/start", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/v1/tests/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var status orchestrator.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.NotEmpty(t, status.RunID)

	rec = do(t, router, http.MethodPost, "/api/v1/tests/pause", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/v1/tests/resume", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/v1/tests/stop", `{"reason":"test over"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, orchestrator.StateCompleted, orch.CurrentStatus().State)

	rec = do(t, router, http.MethodGet, "/api/v1/tests/results", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var results orchestrator.TestResults
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	assert.True(t, results.ExternallyStopped)
	assert.Equal(t, "test over", results.StopReason)
}

func TestLoadScenario_Invalid(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(t, srv.Routes(), http.MethodPost, "/api/v1/tests/scenario", "name: broken\nphases: []\n")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Violations []string `json:"violations"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Violations)
}

func TestWrongStateIsConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	router := srv.Routes()

	rec := do(t, router, http.MethodPost, "/api/v1/tests/pause", "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, router, http.MethodPost, "/api/v1/tests/start", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code, "starting without a scenario is a client error")
}

func TestResults_NotFoundBeforeCompletion(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := do(t, srv.Routes(), http.MethodGet, "/api/v1/tests/results", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
