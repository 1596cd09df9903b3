// Package metrics declares the validator's Prometheus collectors and serves
// them next to a health endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// scheduler
	SchedulerProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_scheduler_processed_total",
		Help: "Synthetic schedule entries processed",
	})

	SchedulerLatenessSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_scheduler_lateness_seconds_total",
		Help: "Cumulative seconds schedule entries were overdue when processed",
	})

	SchedulerSleepSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_scheduler_sleep_seconds_total",
		Help: "Cumulative seconds the scheduler spent waiting for due entries",
	})

	SchedulerQueueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_scheduler_queue_size",
		Help: "Entries currently in the synthetic schedule",
	})

	// dispatch
	DispatchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_dispatch_attempts_total",
			Help: "Per-contender dispatch attempts by outcome",
		},
		[]string{"task", "outcome"},
	)

	DispatchResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_dispatch_results_total",
			Help: "Logical dispatches by query type and result",
		},
		[]string{"task", "query_type", "result"},
	)

	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "arena_dispatch_duration_seconds",
			Help:    "Successful contender response time in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task"},
	)

	JobPoolInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_job_pool_in_use",
		Help: "Dispatch jobs currently holding a pool slot",
	})

	// scoring
	ArchivedResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_archived_results_total",
			Help: "Successful results archived for quality checking",
		},
		[]string{"task"},
	)

	QualityChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_quality_checks_total",
			Help: "Quality checks by result",
		},
		[]string{"task", "result"},
	)

	// weights
	WeightsSubmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_weights_submissions_total",
			Help: "Weight submissions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// organic
	OrganicJobs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_organic_jobs_total",
			Help: "Organic jobs by result",
		},
		[]string{"task", "result"},
	)

	// period
	ContendersDiscovered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "arena_contenders",
			Help: "Contenders registered for the current scoring period by task",
		},
		[]string{"task"},
	)

	PeriodRollovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "arena_period_rollovers_total",
			Help: "Scoring period rollovers by result",
		},
		[]string{"result"},
	)
)
