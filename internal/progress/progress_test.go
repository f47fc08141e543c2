package progress

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/promodata/harvester/internal/clock"
)

func newTestTracker(t *testing.T) (*Tracker, *clock.Fake, string, string) {
	t.Helper()
	dir := t.TempDir()
	snap := filepath.Join(dir, "progress.json")
	hb := filepath.Join(dir, "heartbeat.json")
	clk := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	return NewTracker(snap, hb, 20*time.Second, "run-1", clk, zap.NewNop()), clk, snap, hb
}

func readHeartbeat(t *testing.T, path string) Heartbeat {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var hb Heartbeat
	require.NoError(t, json.Unmarshal(data, &hb))
	return hb
}

func TestSetStatusWritesBothFiles(t *testing.T) {
	tr, _, snapPath, hbPath := newTestTracker(t)
	require.NoError(t, tr.SetStatus(StatusRunning))

	snap, err := ReadSnapshot(snapPath)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Equal(t, StatusRunning, snap.Status)
	require.Equal(t, "run-1", snap.RunID)

	hb := readHeartbeat(t, hbPath)
	require.Equal(t, StatusRunning, hb.Status)
}

func TestRecordAttemptPersistsResumePosition(t *testing.T) {
	tr, _, snapPath, _ := newTestTracker(t)
	require.NoError(t, tr.RecordAttempt("P-7"))

	snap, err := ReadSnapshot(snapPath)
	require.NoError(t, err)
	require.Equal(t, "P-7", snap.LastAttempted)
}

func TestBeatHonorsCadence(t *testing.T) {
	tr, clk, _, hbPath := newTestTracker(t)
	require.NoError(t, tr.SetStatus(StatusRunning))
	first := readHeartbeat(t, hbPath)

	// Within the interval: no rewrite.
	clk.Advance(5 * time.Second)
	tr.Update(func(c *Counters) { c.Fetched = 3 })
	require.NoError(t, tr.Beat())
	require.Equal(t, first.Fetched, readHeartbeat(t, hbPath).Fetched)

	clk.Advance(16 * time.Second)
	require.NoError(t, tr.Beat())
	require.Equal(t, 3, readHeartbeat(t, hbPath).Fetched)
}

func TestMonitorRefreshesHeartbeatDuringQuietStretches(t *testing.T) {
	dir := t.TempDir()
	snap := filepath.Join(dir, "progress.json")
	hb := filepath.Join(dir, "heartbeat.json")
	clk := clock.NewFake(time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC))
	tr := NewTracker(snap, hb, 10*time.Millisecond, "run-1", clk, zap.NewNop())
	require.NoError(t, tr.SetStatus(StatusRunning))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.RunMonitor(ctx)

	// No Beat calls happen here; the monitor alone must pick up the
	// counter change.
	tr.Update(func(c *Counters) { c.Fetched = 5 })
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(hb)
		if err != nil {
			return false
		}
		var got Heartbeat
		if json.Unmarshal(data, &got) != nil {
			return false
		}
		return got.Fetched == 5
	}, time.Second, 5*time.Millisecond)
}

func TestCountersAccumulate(t *testing.T) {
	tr, _, _, _ := newTestTracker(t)
	tr.Update(func(c *Counters) { c.Fetched++ })
	tr.Update(func(c *Counters) { c.Fetched++; c.Failed++ })
	c := tr.Counters()
	require.Equal(t, 2, c.Fetched)
	require.Equal(t, 1, c.Failed)
}

func TestReadSnapshotMissingFile(t *testing.T) {
	snap, err := ReadSnapshot(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	require.Nil(t, snap)
}
