// Package pipeline drives a harvest run: it repairs the record log,
// resumes at the right backlog position, gates every fetch through the
// rate limiter and circuit breaker, batches successful records, and
// merges the batches back into the record log on shutdown.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/promodata/harvester/internal/backlog"
	"github.com/promodata/harvester/internal/batch"
	"github.com/promodata/harvester/internal/catalog"
	"github.com/promodata/harvester/internal/checkpoint"
	"github.com/promodata/harvester/internal/clock"
	"github.com/promodata/harvester/internal/fetch"
	"github.com/promodata/harvester/internal/policy/breaker"
	"github.com/promodata/harvester/internal/policy/ratelimit"
	"github.com/promodata/harvester/internal/progress"
	"github.com/promodata/harvester/internal/record"
	"github.com/promodata/harvester/internal/telemetry"
)

// Config holds orchestrator knobs.
type Config struct {
	RunID          string
	BacklogPath    string
	RecordLogPath  string
	FailedPath     string
	IdentityFields []string
	// ResumeFrom is the last identity attempted by a prior run. Harvesting
	// restarts after it; an identity no longer present in the backlog
	// degrades to a full restart with a warning.
	ResumeFrom string
	// BatchPause inserts a courtesy pause after every flushed batch.
	BatchPause time.Duration
	// MaxRecords stops the run after this many successful fetches. Zero
	// means unbounded.
	MaxRecords int
}

// Deps collects the collaborators the orchestrator wires together.
type Deps struct {
	Producer   fetch.Producer
	Backoff    fetch.BackoffPolicy
	Session    fetch.Session
	Limiter    *ratelimit.Limiter
	Breaker    *breaker.Breaker
	Batcher    *batch.Batcher
	Checkpoint *checkpoint.Manager
	Tracker    *progress.Tracker
	Importer   catalog.Importer
	Clock      clock.Clock
	Logger     *zap.Logger
}

// Orchestrator runs the fetch loop for one backlog.
type Orchestrator struct {
	cfg  Config
	deps Deps

	failedFile *os.File
}

// New validates the wiring and creates an Orchestrator. Importer and
// Session are optional; everything else is required.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Producer == nil {
		return nil, errors.New("producer is required")
	}
	if deps.Limiter == nil || deps.Breaker == nil {
		return nil, errors.New("limiter and breaker are required")
	}
	if deps.Batcher == nil || deps.Checkpoint == nil || deps.Tracker == nil {
		return nil, errors.New("batcher, checkpoint manager, and tracker are required")
	}
	if cfg.BacklogPath == "" || cfg.RecordLogPath == "" {
		return nil, errors.New("backlog and record log paths are required")
	}
	if deps.Clock == nil {
		deps.Clock = clock.NewSystem()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps}, nil
}

// Run executes the harvest and returns the final progress snapshot. A
// canceled context is a clean stop, not an error: partial batches are
// flushed and the run ends in the stopped status.
func (o *Orchestrator) Run(ctx context.Context) (progress.Snapshot, error) {
	tracker := o.deps.Tracker
	if err := tracker.SetStatus(progress.StatusStarting); err != nil {
		return tracker.Current(), err
	}

	report, err := o.deps.Checkpoint.Repair()
	if err != nil {
		return tracker.Current(), fmt.Errorf("repair record log: %w", err)
	}

	ids, err := backlog.New(o.cfg.BacklogPath, o.cfg.IdentityFields, o.deps.Logger).Load()
	if err != nil {
		return tracker.Current(), fmt.Errorf("load backlog: %w", err)
	}
	ids = ids[o.resumeIndex(ids):]

	if err := tracker.SetStatus(progress.StatusRunning); err != nil {
		return tracker.Current(), err
	}

	// The monitor outlives ctx so the heartbeat stays fresh through the
	// wind-down after an interrupt; it stops when Run returns.
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go tracker.RunMonitor(monitorCtx)

	deferred := o.process(ctx, ids, report.Identities, true)
	if len(deferred) > 0 && ctx.Err() == nil {
		o.deps.Logger.Info("retrying identities deferred by the open breaker",
			zap.Int("count", len(deferred)))
		o.process(ctx, deferred, report.Identities, false)
	}

	return o.finish(ctx)
}

// resumeIndex returns the backlog position to start from.
func (o *Orchestrator) resumeIndex(ids []string) int {
	if o.cfg.ResumeFrom == "" {
		return 0
	}
	for i, id := range ids {
		if id == o.cfg.ResumeFrom {
			o.deps.Logger.Info("resuming after prior attempt",
				zap.String("identity", id), zap.Int("position", i))
			return i + 1
		}
	}
	o.deps.Logger.Warn("resume identity not found in backlog; restarting from the beginning",
		zap.String("identity", o.cfg.ResumeFrom))
	return 0
}

// process walks ids once. When allowDefer is set, identities rejected by
// the open breaker are returned for a later retry in the same run;
// otherwise a rejection counts as a permanent skip.
func (o *Orchestrator) process(ctx context.Context, ids []string, ingested map[string]struct{}, allowDefer bool) []string {
	tracker := o.deps.Tracker
	var deferred []string

	for _, id := range ids {
		if ctx.Err() != nil {
			return deferred
		}
		if o.cfg.MaxRecords > 0 && tracker.Counters().Fetched >= o.cfg.MaxRecords {
			o.deps.Logger.Info("record limit reached", zap.Int("limit", o.cfg.MaxRecords))
			return deferred
		}
		if _, done := ingested[id]; done {
			tracker.Update(func(c *progress.Counters) { c.Skipped++ })
			continue
		}

		o.deps.Limiter.Acquire(ctx)
		if ctx.Err() != nil {
			return deferred
		}

		if !o.deps.Breaker.Allow() {
			telemetry.BreakerRejections.Inc()
			tracker.Update(func(c *progress.Counters) { c.Skipped++ })
			if allowDefer {
				deferred = append(deferred, id)
			}
			continue
		}

		if err := tracker.RecordAttempt(id); err != nil {
			o.deps.Logger.Warn("progress write failed", zap.Error(err))
		}

		rec, err := o.fetchOne(ctx, id)
		if err != nil {
			o.handleFailure(id, err)
		} else {
			o.handleSuccess(ctx, id, rec, ingested)
		}

		if err := tracker.Beat(); err != nil {
			o.deps.Logger.Warn("heartbeat write failed", zap.Error(err))
		}
	}
	return deferred
}

// fetchOne runs the classified retry loop for a single identity, feeding
// the limiter and breaker from attempt outcomes. Only transient failures
// count toward the breaker; throttle signals slow the limiter without
// tripping it.
func (o *Orchestrator) fetchOne(ctx context.Context, id string) (record.Record, error) {
	var rec record.Record
	hooks := fetch.Hooks{
		OnTransient: func(err error, attempt int) {
			o.deps.Limiter.RecordFailure()
			o.deps.Breaker.OnFailure()
			o.deps.Tracker.Update(func(c *progress.Counters) { c.Retries++ })
			o.deps.Logger.Debug("transient fetch failure",
				zap.String("identity", id), zap.Int("attempt", attempt), zap.Error(err))
		},
		OnRateLimited: func(err error, attempt int) {
			o.deps.Limiter.RecordFailure()
			telemetry.RateLimitHits.Inc()
			o.deps.Tracker.Update(func(c *progress.Counters) { c.RateLimited++ })
			o.deps.Logger.Warn("producer rate limited us",
				zap.String("identity", id), zap.Int("attempt", attempt))
		},
	}
	if o.deps.Session != nil {
		hooks.Refresh = o.deps.Session.Refresh
	}

	err := fetch.Do(ctx, o.deps.Clock, o.deps.Backoff, hooks, func(ctx context.Context) error {
		telemetry.FetchAttempts.Inc()
		var fetchErr error
		rec, fetchErr = o.deps.Producer.Fetch(ctx, id)
		return fetchErr
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (o *Orchestrator) handleSuccess(ctx context.Context, id string, rec record.Record, ingested map[string]struct{}) {
	o.deps.Limiter.RecordSuccess()
	o.deps.Breaker.OnSuccess()
	telemetry.FetchSuccesses.Inc()

	before := o.deps.Batcher.Stats()
	if err := o.deps.Batcher.Add(rec); err != nil {
		// A failed flush keeps the records buffered; the final flush will
		// try again.
		o.deps.Logger.Error("batch flush failed", zap.Error(err))
	}
	telemetry.RecordsIngested.Inc()
	ingested[id] = struct{}{}
	o.deps.Tracker.Update(func(c *progress.Counters) { c.Fetched++ })

	if after := o.deps.Batcher.Stats(); after.BatchesFlushed > before.BatchesFlushed {
		o.afterFlush(ctx, after.RecordsFlushed-before.RecordsFlushed)
	}
}

// afterFlush accounts for a flushed batch, announces it downstream, and
// applies the configured courtesy pause.
func (o *Orchestrator) afterFlush(ctx context.Context, records int) {
	telemetry.BatchesFlushed.Inc()
	o.deps.Tracker.Update(func(c *progress.Counters) { c.BatchesSaved++ })

	if o.deps.Importer != nil {
		notice := catalog.BatchNotice{
			RunID:   o.cfg.RunID,
			Path:    o.deps.Batcher.LastFile(),
			Records: records,
			Seq:     o.deps.Batcher.Sequence(),
		}
		if _, err := o.deps.Importer.Announce(ctx, notice); err != nil {
			// Downstream notification is best effort; the batch file is
			// already durable.
			o.deps.Logger.Warn("batch announce failed", zap.Error(err))
		}
	}
	if o.cfg.BatchPause > 0 {
		o.deps.Clock.Sleep(ctx, o.cfg.BatchPause)
	}
}

func (o *Orchestrator) handleFailure(id string, err error) {
	kind := fetch.KindOf(err)
	telemetry.FetchFailures.WithLabelValues(kind.String()).Inc()
	o.deps.Tracker.Update(func(c *progress.Counters) { c.Failed++ })
	o.deps.Logger.Error("identity failed",
		zap.String("identity", id), zap.Stringer("kind", kind), zap.Error(err))

	if o.cfg.FailedPath == "" {
		return
	}
	if o.failedFile == nil {
		// Each run rewrites the file so a follow-up run can target exactly
		// this run's leftovers.
		f, openErr := os.OpenFile(o.cfg.FailedPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if openErr != nil {
			o.deps.Logger.Warn("cannot open failed-identity file", zap.Error(openErr))
			return
		}
		o.failedFile = f
	}
	line, _ := json.Marshal(map[string]string{"product_id": id, "reason": kind.String()})
	if _, writeErr := fmt.Fprintf(o.failedFile, "%s\n", line); writeErr != nil {
		o.deps.Logger.Warn("cannot record failed identity", zap.Error(writeErr))
	}
}

// finish flushes the partial batch, merges every batch file into the
// record log, refreshes the checkpoint, and writes the terminal status.
// A failed flush, merge, or checkpoint rewrite means fetched records
// could not be made durable; that error is returned so the run exits
// non-zero, after everything still flushable has been persisted.
func (o *Orchestrator) finish(ctx context.Context) (progress.Snapshot, error) {
	tracker := o.deps.Tracker

	var persistErr error
	if o.deps.Batcher.Pending() > 0 {
		before := o.deps.Batcher.Stats()
		if err := o.deps.Batcher.Flush(); err != nil {
			persistErr = fmt.Errorf("final flush: %w", err)
			o.deps.Logger.Error("final flush failed", zap.Error(err))
		} else if after := o.deps.Batcher.Stats(); after.BatchesFlushed > before.BatchesFlushed {
			o.afterFlush(ctx, after.RecordsFlushed-before.RecordsFlushed)
		}
	}

	merged, err := o.deps.Batcher.Merge(o.cfg.RecordLogPath)
	switch {
	case err != nil:
		if persistErr == nil {
			persistErr = fmt.Errorf("merge record log: %w", err)
		}
		o.deps.Logger.Error("merge failed", zap.Error(err))
	case merged > 0:
		// Refresh the checkpoint against the merged log so the next run
		// resumes from a consistent skip set.
		if _, repairErr := o.deps.Checkpoint.Repair(); repairErr != nil {
			if persistErr == nil {
				persistErr = fmt.Errorf("post-merge checkpoint refresh: %w", repairErr)
			}
			o.deps.Logger.Error("post-merge checkpoint refresh failed", zap.Error(repairErr))
		}
	}

	if o.failedFile != nil {
		if closeErr := o.failedFile.Close(); closeErr != nil {
			o.deps.Logger.Warn("close failed-identity file", zap.Error(closeErr))
		}
		o.failedFile = nil
	}

	status := progress.StatusCompleted
	switch {
	case ctx.Err() != nil:
		status = progress.StatusStopped
	case persistErr != nil || tracker.Counters().Failed > 0:
		status = progress.StatusCompletedWithErrors
	}
	if err := tracker.SetStatus(status); err != nil && persistErr == nil {
		persistErr = err
	}
	return tracker.Current(), persistErr
}
