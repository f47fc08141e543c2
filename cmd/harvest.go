package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path"
	"path/filepath"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/promodata/harvester/internal/api"
	"github.com/promodata/harvester/internal/archive"
	archivegcs "github.com/promodata/harvester/internal/archive/gcs"
	archivelocal "github.com/promodata/harvester/internal/archive/local"
	"github.com/promodata/harvester/internal/batch"
	"github.com/promodata/harvester/internal/catalog"
	catalogpubsub "github.com/promodata/harvester/internal/catalog/pubsub"
	"github.com/promodata/harvester/internal/checkpoint"
	"github.com/promodata/harvester/internal/clock"
	"github.com/promodata/harvester/internal/fetch"
	"github.com/promodata/harvester/internal/pipeline"
	"github.com/promodata/harvester/internal/policy/breaker"
	"github.com/promodata/harvester/internal/policy/ratelimit"
	"github.com/promodata/harvester/internal/progress"
	"github.com/promodata/harvester/internal/store/postgres"
)

const tokenEnvVar = "HARVESTER_API_TOKEN"

// newHarvestCmd creates the 'harvest' subcommand, which runs the full
// ingestion pipeline against the configured backlog.
func newHarvestCmd() *cobra.Command {
	var (
		backlogPath string
		fresh       bool
		maxRecords  int
	)
	cmd := &cobra.Command{
		Use:   "harvest",
		Short: "Work through the backlog of product identities",
		Long: `Repairs the record log, resumes at the last attempted identity, and
fetches every pending identity through the rate limiter and circuit
breaker. Results are batched to disk and merged into the record log
on completion or interrupt.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runHarvest(cmd.Context(), backlogPath, fresh, maxRecords)
		},
	}
	cmd.Flags().StringVar(&backlogPath, "backlog", "", "backlog file overriding run.backlog_file")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "ignore the prior resume marker and start from the top")
	cmd.Flags().IntVar(&maxRecords, "max-records", 0, "stop after this many successful fetches")
	return cmd
}

func runHarvest(parent context.Context, backlogPath string, fresh bool, maxRecords int) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if backlogPath == "" {
		backlogPath = cfg.Run.BacklogFile
	}
	if backlogPath == "" {
		return fmt.Errorf("a backlog file is required (run.backlog_file or --backlog)")
	}
	if cfg.Fetch.URLTemplate == "" {
		return fmt.Errorf("fetch.url_template is required")
	}
	if err := os.MkdirAll(cfg.Run.OutputDir, 0o750); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if maxRecords == 0 {
		maxRecords = cfg.Run.MaxRecords
	}

	clk := clock.NewSystem()
	runUUID := uuid.New()
	runID := runUUID.String()
	logger := logger.With(zap.String("run_id", runID))

	// The resume marker must be read before the tracker starts rewriting
	// the snapshot for this run.
	resumeFrom := ""
	if !fresh {
		if snap, err := progress.ReadSnapshot(cfg.Progress.SnapshotFile); err != nil {
			logger.Warn("unreadable prior snapshot; starting fresh", zap.Error(err))
		} else if snap != nil {
			resumeFrom = snap.LastAttempted
		}
	}

	session := fetch.NewEnvSession(tokenEnvVar)
	producer, err := fetch.NewHTTPProducer(fetch.HTTPProducerConfig{
		URLTemplate: cfg.Fetch.URLTemplate,
		Timeout:     time.Duration(cfg.Fetch.TimeoutSeconds) * time.Second,
		UserAgent:   cfg.Fetch.UserAgent,
	}, session, logger)
	if err != nil {
		return fmt.Errorf("build producer: %w", err)
	}

	batcher, err := batch.New(batch.Config{
		Dir:            cfg.Batch.Dir,
		Capacity:       cfg.Batch.Capacity,
		Prefix:         cfg.Batch.Prefix,
		IdentityFields: cfg.Run.IdentityFields,
	}, clk, logger)
	if err != nil {
		return fmt.Errorf("build batcher: %w", err)
	}

	ckpt, err := checkpoint.New(checkpoint.Config{
		LogPath:        cfg.Run.RecordLog,
		IdentityFields: cfg.Run.IdentityFields,
		RequiredFields: cfg.Run.RequiredFields,
		KeepLast:       cfg.Checkpoint.KeepLast,
		Backup:         cfg.Checkpoint.Backup,
	}, logger)
	if err != nil {
		return fmt.Errorf("build checkpoint manager: %w", err)
	}

	tracker := progress.NewTracker(
		cfg.Progress.SnapshotFile,
		cfg.Progress.HeartbeatFile,
		time.Duration(cfg.Progress.IntervalSeconds)*time.Second,
		runID, clk, logger,
	)

	var importer catalog.Importer
	if cfg.PubSub.Enabled {
		client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("create pubsub client: %w", err)
		}
		defer func() { _ = client.Close() }()
		topic := client.Topic(cfg.PubSub.TopicName)
		defer topic.Stop()
		importer = catalogpubsub.New(topic)
	}

	var runStore *postgres.RunStore
	if cfg.DB.Enabled {
		runStore, err = postgres.NewRunStore(ctx, postgres.RunStoreConfig{
			DSN:   cfg.DB.DSN,
			Table: cfg.DB.Table,
		})
		if err != nil {
			return fmt.Errorf("connect run store: %w", err)
		}
		defer runStore.Close()
		if err := runStore.StartRun(ctx, runUUID, clk.Now()); err != nil {
			logger.Warn("run history insert failed", zap.Error(err))
		}
	}

	if cfg.Server.Enabled {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.NewServer(tracker, logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("status server failed", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(),
				time.Duration(cfg.Run.ShutdownTimeout)*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	orch, err := pipeline.New(pipeline.Config{
		RunID:          runID,
		BacklogPath:    backlogPath,
		RecordLogPath:  cfg.Run.RecordLog,
		FailedPath:     cfg.Run.FailedFile,
		IdentityFields: cfg.Run.IdentityFields,
		ResumeFrom:     resumeFrom,
		BatchPause:     time.Duration(cfg.Batch.PauseSeconds) * time.Second,
		MaxRecords:     maxRecords,
	}, pipeline.Deps{
		Producer: producer,
		Backoff: fetch.BackoffPolicy{
			MaxRetries:     cfg.Fetch.MaxRetries,
			RetryDelay:     time.Duration(cfg.Fetch.RetryDelaySeconds) * time.Second,
			RateLimitDelay: time.Duration(cfg.Fetch.RateLimitDelaySeconds) * time.Second,
		},
		Session:    session,
		Limiter:    ratelimit.New(ratelimit.Config{MaxPerMinute: cfg.Limiter.MaxPerMinute, MinDelay: cfg.Limiter.MinDelay()}, clk),
		Breaker:    breaker.New(breaker.Config{Threshold: cfg.Breaker.Threshold, CoolDown: cfg.Breaker.CoolDown()}, clk),
		Batcher:    batcher,
		Checkpoint: ckpt,
		Tracker:    tracker,
		Importer:   importer,
		Clock:      clk,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}

	snap, runErr := orch.Run(ctx)

	// Post-run bookkeeping runs on a fresh context; the signal context is
	// usually already canceled on the interrupt path.
	postCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.Run.ShutdownTimeout)*time.Second)
	defer cancel()

	if runStore != nil {
		if err := runStore.FinishRun(postCtx, runUUID, time.Now().UTC(), snap.Status, snap.Counters); err != nil {
			logger.Warn("run history update failed", zap.Error(err))
		}
	}
	if runErr == nil {
		if err := archiveRecordLog(postCtx, runID, logger); err != nil {
			logger.Warn("record log archival failed", zap.Error(err))
		}
	}

	logger.Info("harvest finished",
		zap.String("status", snap.Status),
		zap.Int("fetched", snap.Counters.Fetched),
		zap.Int("failed", snap.Counters.Failed),
		zap.Int("skipped", snap.Counters.Skipped),
		zap.Int("batches_saved", snap.Counters.BatchesSaved),
	)
	return runErr
}

// archiveRecordLog ships the merged record log to the configured backend.
func archiveRecordLog(ctx context.Context, runID string, logger *zap.Logger) error {
	var uploader archive.Uploader
	switch cfg.Archive.Backend {
	case "none":
		return nil
	case "local":
		var err error
		uploader, err = archivelocal.New(cfg.Archive.LocalDir)
		if err != nil {
			return err
		}
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("create storage client: %w", err)
		}
		defer func() { _ = client.Close() }()
		uploader, err = archivegcs.New(client, archivegcs.Config{
			Bucket: cfg.Archive.GCSBucket,
			Prefix: cfg.Archive.Prefix,
		})
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}

	f, err := os.Open(cfg.Run.RecordLog)
	if err != nil {
		if os.IsNotExist(err) {
			logger.Info("no record log to archive")
			return nil
		}
		return fmt.Errorf("open record log: %w", err)
	}
	defer func() { _ = f.Close() }()

	dest := path.Join("runs", runID, filepath.Base(cfg.Run.RecordLog))
	uri, err := uploader.Upload(ctx, dest, "application/x-ndjson", f)
	if err != nil {
		return err
	}
	logger.Info("record log archived", zap.String("uri", uri))
	return nil
}
