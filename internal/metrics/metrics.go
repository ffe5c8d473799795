// Package metrics defines scoutcore's Prometheus metrics surface.
//
// Generalized from the teacher's bare promhttp.Handler() mount (which
// exposed only the default process/go collectors) into named
// collectors for each core subsystem, registered on the default
// registry so the existing /metrics mount keeps working unchanged.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Pool.
	PoolWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "scoutcore",
		Subsystem: "pool",
		Name:      "workers",
		Help:      "Current number of browser workers by status.",
	}, []string{"status"})

	PoolQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "scoutcore",
		Subsystem: "pool",
		Name:      "queue_depth",
		Help:      "Current number of waiters in the acquire FIFO queue.",
	})

	PoolAcquireDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scoutcore",
		Subsystem: "pool",
		Name:      "acquire_duration_seconds",
		Help:      "Time spent acquiring a worker, including queue wait.",
		Buckets:   prometheus.DefBuckets,
	})

	PoolAcquireOutcome = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scoutcore",
		Subsystem: "pool",
		Name:      "acquire_total",
		Help:      "Acquire outcomes.",
	}, []string{"outcome"})

	PoolRecoveryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scoutcore",
		Subsystem: "pool",
		Name:      "recovery_total",
		Help:      "Worker recovery attempts by outcome.",
	}, []string{"outcome"})

	// Pipeline.
	PipelineRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scoutcore",
		Subsystem: "pipeline",
		Name:      "requests_total",
		Help:      "Pipeline requests by operation and outcome.",
	}, []string{"operation", "outcome"})

	PipelineDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scoutcore",
		Subsystem: "pipeline",
		Name:      "duration_seconds",
		Help:      "End-to-end pipeline duration by operation.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	PipelineCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scoutcore",
		Subsystem: "pipeline",
		Name:      "cache_result_total",
		Help:      "Cache lookups by operation and result (hit/miss).",
	}, []string{"operation", "result"})

	// Ledger.
	LedgerDeductions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scoutcore",
		Subsystem: "ledger",
		Name:      "deduct_total",
		Help:      "Ledger deductions by outcome.",
	}, []string{"outcome"})

	LedgerRefills = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scoutcore",
		Subsystem: "ledger",
		Name:      "refill_total",
		Help:      "Monthly refills applied vs. skipped as already-applied.",
	}, []string{"outcome"})

	// Monitoring.
	MonitoringCycleResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "scoutcore",
		Subsystem: "monitoring",
		Name:      "probe_total",
		Help:      "Monitoring probe outcomes by endpoint and success.",
	}, []string{"endpoint", "success"})

	MonitoringProbeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "scoutcore",
		Subsystem: "monitoring",
		Name:      "probe_duration_seconds",
		Help:      "Monitoring probe latency by endpoint.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"endpoint"})
)
