package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportkit_jobs_submitted_total",
		Help: "Jobs queued, by type.",
	}, []string{"type"})

	jobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportkit_jobs_finished_total",
		Help: "Jobs reaching a terminal state, by type and status.",
	}, []string{"type", "status"})

	jobsRetried = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportkit_jobs_retried_total",
		Help: "Failed job attempts scheduled for retry, by type.",
	}, []string{"type"})

	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reportkit_job_attempt_duration_seconds",
		Help:    "Duration of one job attempt.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"type"})
)
