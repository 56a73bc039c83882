package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appscanning "github.com/sentinelsec/sentinel/internal/app/scanning"
	domain "github.com/sentinelsec/sentinel/internal/domain/scanning"
	"github.com/sentinelsec/sentinel/internal/infra/process"
	"github.com/sentinelsec/sentinel/internal/infra/storage"
	"github.com/sentinelsec/sentinel/internal/infra/storage/scanning/memory"
	"github.com/sentinelsec/sentinel/pkg/common"
)

// completingCommands makes every worker print a completion event and exit.
func completingCommands() appscanning.CommandSet {
	return appscanning.CommandSet{
		Default: []string{"/bin/sh", "-c", `echo '{"type":"worker.completed"}'`},
	}
}

func newTestServer(t *testing.T, commands appscanning.CommandSet) *Server {
	t.Helper()

	logger := zap.NewNop()
	reg := prometheus.NewRegistry()
	metrics := appscanning.NewMetrics(reg)
	mirror := memory.NewMirror()

	orch := appscanning.NewOrchestrator(
		process.NewLauncher(logger, 0),
		mirror,
		commands,
		common.NewRateLimiter(1000, 1000),
		1<<20,
		logger,
		storage.NoOpTracer(),
		metrics,
	)
	svc := appscanning.NewService(appscanning.NewRegistry(), orch, mirror, logger, metrics)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		require.NoError(t, svc.Shutdown(ctx))
	})

	return NewServer("127.0.0.1:0", logger, storage.NoOpTracer(), svc, reg)
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func startScan(t *testing.T, srv *Server, agents ...string) domain.ScanSnapshot {
	t.Helper()
	rec := doJSON(t, srv.Router(), http.MethodPost, "/v1/scans", map[string]any{
		"target": "https://target.example",
		"agents": agents,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var snap domain.ScanSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	return snap
}

func waitForScanStatus(t *testing.T, srv *Server, id string, want domain.ScanStatus) domain.ScanSnapshot {
	t.Helper()
	var snap domain.ScanSnapshot
	require.Eventually(t, func() bool {
		rec := doJSON(t, srv.Router(), http.MethodGet, "/v1/scans/"+id, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		var s domain.ScanSnapshot
		if err := json.Unmarshal(rec.Body.Bytes(), &s); err != nil {
			return false
		}
		snap = s
		return snap.Status == want
	}, 15*time.Second, 20*time.Millisecond)
	return snap
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, completingCommands())
	assert.Equal(t, http.StatusOK, doJSON(t, srv.Router(), http.MethodGet, "/v1/health", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, srv.Router(), http.MethodGet, "/v1/readiness", nil).Code)
	assert.Equal(t, http.StatusOK, doJSON(t, srv.Router(), http.MethodGet, "/metrics", nil).Code)
}

func TestStartScan(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, completingCommands())
	snap := startScan(t, srv, "spider", "sqli")

	assert.Equal(t, domain.ScanStatusRunning, snap.Status)
	assert.Equal(t, 2, snap.TotalWorkers)
	require.Len(t, snap.Workers, 2)
	assert.Equal(t, domain.RoleSpider, snap.Workers[0].Role)

	final := waitForScanStatus(t, srv, snap.ID, domain.ScanStatusCompleted)
	assert.Equal(t, 2, final.CompletedWorkers)
}

func TestStartScan_DefaultRoster(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, completingCommands())
	snap := startScan(t, srv)
	assert.Equal(t, len(domain.DefaultRoster()), snap.TotalWorkers)
}

func TestStartScan_Validation(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, completingCommands())

	tests := []struct {
		name string
		body any
	}{
		{name: "missing target", body: map[string]any{"agents": []string{"sqli"}}},
		{name: "unknown agent role", body: map[string]any{"target": "https://t", "agents": []string{"quantum_probe"}}},
		{name: "empty agent entry", body: map[string]any{"target": "https://t", "agents": []string{""}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := doJSON(t, srv.Router(), http.MethodPost, "/v1/scans", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/scans", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetScan_Errors(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, completingCommands())

	rec := doJSON(t, srv.Router(), http.MethodGet, "/v1/scans/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv.Router(), http.MethodGet, "/v1/scans/6c1a9f2e-5aa1-4f0d-9d6f-3a8f4cf01234", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStopScan(t *testing.T) {
	t.Parallel()

	commands := completingCommands()
	commands.PerRole = map[domain.WorkerRole][]string{
		domain.RoleSpider: {"/bin/sh", "-c", "sleep 60"},
	}
	srv := newTestServer(t, commands)
	snap := startScan(t, srv, "spider", "sqli")

	rec := doJSON(t, srv.Router(), http.MethodPost, fmt.Sprintf("/v1/scans/%s/stop", snap.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var stopped domain.ScanSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stopped))
	assert.Equal(t, domain.ScanStatusStopped, stopped.Status)

	waitForScanStatus(t, srv, snap.ID, domain.ScanStatusStopped)
}

func TestEvictScan(t *testing.T) {
	t.Parallel()

	commands := completingCommands()
	commands.PerRole = map[domain.WorkerRole][]string{
		domain.RoleSpider: {"/bin/sh", "-c", "sleep 60"},
	}
	srv := newTestServer(t, commands)
	snap := startScan(t, srv, "spider")

	// Running scans cannot be evicted.
	rec := doJSON(t, srv.Router(), http.MethodDelete, "/v1/scans/"+snap.ID, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	doJSON(t, srv.Router(), http.MethodPost, fmt.Sprintf("/v1/scans/%s/stop", snap.ID), nil)
	waitForScanStatus(t, srv, snap.ID, domain.ScanStatusStopped)

	rec = doJSON(t, srv.Router(), http.MethodDelete, "/v1/scans/"+snap.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv.Router(), http.MethodGet, "/v1/scans/"+snap.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListScans(t *testing.T) {
	t.Parallel()

	srv := newTestServer(t, completingCommands())
	startScan(t, srv, "sqli")
	startScan(t, srv, "xss")

	rec := doJSON(t, srv.Router(), http.MethodGet, "/v1/scans", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var scans []domain.ScanSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &scans))
	assert.Len(t, scans, 2)
}
