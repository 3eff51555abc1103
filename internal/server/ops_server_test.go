package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Mrassimo/datapilot-sub015/internal/config"
	"github.com/Mrassimo/datapilot-sub015/internal/engine"
)

func newTestServer(t *testing.T, metricsCfg config.MetricsConfig) (*OpsServer, *engine.Engine) {
	t.Helper()
	cfg := config.Default()
	cfg.Cache.Dir = t.TempDir()
	cfg.WorkerPool.Workers = 2

	eng, err := engine.New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop(5 * time.Second) })

	return New(metricsCfg, eng, zap.NewNop()), eng
}

func get(s *OpsServer, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func TestMetricsEndpointServesEngineRegistry(t *testing.T) {
	s, _ := newTestServer(t, config.MetricsConfig{Host: "127.0.0.1", Port: 9090, Path: "/metrics"})

	rec := get(s, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "datapilot_")
}

func TestMetricsPathIsConfigurable(t *testing.T) {
	s, _ := newTestServer(t, config.MetricsConfig{Host: "127.0.0.1", Port: 9090, Path: "/internal/metrics"})

	assert.Equal(t, http.StatusOK, get(s, "/internal/metrics").Code)
	assert.Equal(t, http.StatusNotFound, get(s, "/metrics").Code)
}

func TestHealthEndpointReportsEngineState(t *testing.T) {
	s, eng := newTestServer(t, config.MetricsConfig{Host: "127.0.0.1", Port: 9090})

	rec := get(s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `"status":"healthy"`)
	assert.Contains(t, body, eng.ID())
}

func TestReadyEndpointReportsReady(t *testing.T) {
	s, _ := newTestServer(t, config.MetricsConfig{Host: "127.0.0.1", Port: 9090})

	rec := get(s, "/ready")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ready"`)
	assert.Contains(t, rec.Body.String(), `"workers":2`)
}

func TestSnapshotEndpointDumpsComponents(t *testing.T) {
	s, eng := newTestServer(t, config.MetricsConfig{Host: "127.0.0.1", Port: 9090})

	rec := get(s, "/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, eng.ID(), snap["EngineID"])
	assert.Contains(t, snap, "Pool")
	assert.Contains(t, snap, "Memory")
	assert.Contains(t, snap, "Cache")
}

func TestStartAndStop(t *testing.T) {
	s, _ := newTestServer(t, config.MetricsConfig{Host: "127.0.0.1", Port: 0})

	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}
