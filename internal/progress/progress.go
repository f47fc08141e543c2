// Package progress persists run progress snapshots and the heartbeat marker
// consumed by external liveness probes. Neither file carries correctness
// guarantees; both are written atomically so probes never read a torn file.
package progress

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/promodata/harvester/internal/clock"
)

// Status values carried by the heartbeat file.
const (
	StatusStarting            = "starting"
	StatusRunning             = "running"
	StatusCompleted           = "completed"
	StatusCompletedWithErrors = "completed_with_errors"
	StatusStopped             = "stopped"
)

// Counters accumulates per-run totals.
type Counters struct {
	Fetched      int `json:"fetched"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
	Retries      int `json:"retries"`
	RateLimited  int `json:"rate_limited"`
	BatchesSaved int `json:"batches_saved"`
}

// Snapshot is the progress document written after every attempt and at a
// fixed cadence. LastAttempted lets a crashed run resume at the right
// backlog position.
type Snapshot struct {
	RunID         string    `json:"run_id"`
	Status        string    `json:"status"`
	LastAttempted string    `json:"last_attempted,omitempty"`
	Counters      Counters  `json:"counters"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	ElapsedSec    float64   `json:"elapsed_seconds"`
}

// Heartbeat is the small liveness document.
type Heartbeat struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	RunID     string    `json:"run_id,omitempty"`
	Fetched   int       `json:"fetched"`
	Failed    int       `json:"failed"`
}

// Tracker owns the snapshot and heartbeat files for one run.
type Tracker struct {
	mu            sync.Mutex
	snapshotPath  string
	heartbeatPath string
	interval      time.Duration
	clk           clock.Clock
	logger        *zap.Logger

	runID         string
	status        string
	counters      Counters
	lastAttempted string
	startedAt     time.Time
	lastBeat      time.Time
}

// NewTracker creates a Tracker writing to the given paths. interval is the
// minimum spacing between cadence-driven heartbeat writes.
func NewTracker(snapshotPath, heartbeatPath string, interval time.Duration, runID string, clk clock.Clock, logger *zap.Logger) *Tracker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Tracker{
		snapshotPath:  snapshotPath,
		heartbeatPath: heartbeatPath,
		interval:      interval,
		clk:           clk,
		logger:        logger,
		runID:         runID,
		status:        StatusStarting,
		startedAt:     clk.Now(),
	}
}

// SetStatus records a state transition and writes both files immediately.
func (t *Tracker) SetStatus(status string) error {
	t.mu.Lock()
	t.status = status
	t.mu.Unlock()
	if err := t.WriteSnapshot(); err != nil {
		return err
	}
	return t.writeHeartbeat()
}

// RecordAttempt notes the identity just attempted and persists the
// snapshot, so a crash mid-run resumes at the right position.
func (t *Tracker) RecordAttempt(identity string) error {
	t.mu.Lock()
	t.lastAttempted = identity
	t.mu.Unlock()
	return t.WriteSnapshot()
}

// Update mutates the counters under the tracker lock.
func (t *Tracker) Update(fn func(*Counters)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.counters)
}

// RunMonitor refreshes the heartbeat on a fixed cadence until ctx is
// done. It runs in its own goroutine so long fetch backoffs cannot
// starve the liveness signal; write failures are logged and retried on
// the next tick.
func (t *Tracker) RunMonitor(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = t.writeHeartbeat()
		}
	}
}

// Beat refreshes the heartbeat if the cadence interval has elapsed.
func (t *Tracker) Beat() error {
	t.mu.Lock()
	due := t.clk.Now().Sub(t.lastBeat) >= t.interval
	t.mu.Unlock()
	if !due {
		return nil
	}
	return t.writeHeartbeat()
}

// Counters returns a copy of the current totals.
func (t *Tracker) Counters() Counters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counters
}

// Current returns the snapshot document as of now.
func (t *Tracker) Current() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() Snapshot {
	now := t.clk.Now()
	return Snapshot{
		RunID:         t.runID,
		Status:        t.status,
		LastAttempted: t.lastAttempted,
		Counters:      t.counters,
		StartedAt:     t.startedAt,
		UpdatedAt:     now,
		ElapsedSec:    now.Sub(t.startedAt).Seconds(),
	}
}

// WriteSnapshot persists the progress document atomically.
func (t *Tracker) WriteSnapshot() error {
	t.mu.Lock()
	snap := t.snapshotLocked()
	t.mu.Unlock()
	return writeJSON(t.snapshotPath, snap)
}

func (t *Tracker) writeHeartbeat() error {
	t.mu.Lock()
	hb := Heartbeat{
		Status:    t.status,
		Timestamp: t.clk.Now(),
		RunID:     t.runID,
		Fetched:   t.counters.Fetched,
		Failed:    t.counters.Failed,
	}
	t.lastBeat = hb.Timestamp
	t.mu.Unlock()

	if err := writeJSON(t.heartbeatPath, hb); err != nil {
		// Liveness files are advisory; log and keep running.
		t.logger.Warn("heartbeat write failed", zap.Error(err))
		return err
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// ReadSnapshot loads a prior run's snapshot; a missing file returns nil.
func ReadSnapshot(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}
