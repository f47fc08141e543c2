package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/promodata/harvester/internal/clock"
	"github.com/promodata/harvester/internal/progress"

	// Register the pipeline counters on the default registry.
	_ "github.com/promodata/harvester/internal/telemetry"
)

func newTestServer(t *testing.T) (*Server, *progress.Tracker) {
	t.Helper()
	dir := t.TempDir()
	clk := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	tracker := progress.NewTracker(
		filepath.Join(dir, "progress.json"),
		filepath.Join(dir, "heartbeat.json"),
		30*time.Second, "run-1", clk, zap.NewNop(),
	)
	return NewServer(tracker, zap.NewNop()), tracker
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestProgressReturnsSnapshot(t *testing.T) {
	srv, tracker := newTestServer(t)
	tracker.Update(func(c *progress.Counters) { c.Fetched = 7 })

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/progress", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snap progress.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, "run-1", snap.RunID)
	require.Equal(t, 7, snap.Counters.Fetched)
}

func TestMetricsEndpointServes(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "harvester_fetch_attempts_total")
}
