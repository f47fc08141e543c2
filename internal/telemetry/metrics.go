// Package telemetry exposes Prometheus counters for the harvest pipeline.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FetchAttempts counts producer fetch attempts, including retries.
	FetchAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_fetch_attempts_total",
		Help: "The total number of fetch attempts issued to the producer.",
	})
	// FetchSuccesses counts records successfully fetched.
	FetchSuccesses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_fetch_successes_total",
		Help: "The total number of records fetched successfully.",
	})
	// FetchFailures counts attempts that ended in a classified failure.
	FetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvester_fetch_failures_total",
		Help: "The total number of failed fetch attempts by kind.",
	}, []string{"kind"})
	// RateLimitHits counts explicit throttle signals from the producer.
	RateLimitHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_rate_limit_hits_total",
		Help: "The total number of times the producer rate limited us.",
	})
	// BreakerRejections counts attempts skipped while the breaker was open.
	BreakerRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_breaker_rejections_total",
		Help: "The total number of fetch attempts rejected by the open circuit breaker.",
	})
	// BatchesFlushed counts batch files written.
	BatchesFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_batches_flushed_total",
		Help: "The total number of batch files flushed to disk.",
	})
	// RecordsIngested counts records handed to the batcher.
	RecordsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_records_ingested_total",
		Help: "The total number of records accepted into batches.",
	})
	// RepairInvalidLines counts lines dropped by the repair pass.
	RepairInvalidLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_repair_invalid_lines_total",
		Help: "The total number of invalid log lines dropped during repair.",
	})
	// RepairDuplicates counts duplicate identities collapsed during repair.
	RepairDuplicates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "harvester_repair_duplicates_total",
		Help: "The total number of duplicate identities collapsed during repair.",
	})
)
