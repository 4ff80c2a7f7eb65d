package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dinner-queue/internal/models"
)

var (
	once sync.Once

	JobsEnqueued   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs admitted into the queue"}, []string{"type"})
	EnqueueRejects = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_enqueue_rejects_total", Help: "Enqueue calls refused, by reason"}, []string{"reason"})
	JobsCompleted  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"}, []string{"type"})
	JobsRetried    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Transient failures scheduled for retry"}, []string{"type"})
	JobsFailed     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs moved to failed"}, []string{"type"})
	JobsReleased   = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "jobs_released_total", Help: "Claims returned to pending on shutdown without an attempt"}, []string{"type"})
	JobDuration    = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "job_execution_seconds",
		Help:    "Handler execution time",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"type"})
	ClaimErrors   = prometheus.NewCounter(prometheus.CounterOpts{Name: "dispatcher_claim_errors_total", Help: "Claim attempts that hit a storage error"})
	InFlightGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing in this process"})
	QueueDepth    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "jobs_by_status", Help: "Jobs in the store by status"}, []string{"status"})

	UsageRecorded = prometheus.NewCounter(prometheus.CounterOpts{Name: "usage_recorded_total", Help: "Usage entries written to the ledger"})
	UsagePending  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "usage_pending_reconciliation", Help: "Usage entries parked for reconciliation"})

	HousekeeperRemoved = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "housekeeper_rows_total", Help: "Rows swept, pruned or archived by the housekeeper"}, []string{"step"})
	HousekeeperErrors  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "housekeeper_errors_total", Help: "Housekeeper step failures"}, []string{"step"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			EnqueueRejects,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsReleased,
			JobDuration,
			ClaimErrors,
			InFlightGauge,
			QueueDepth,
			UsageRecorded,
			UsagePending,
			HousekeeperRemoved,
			HousekeeperErrors,
		)
	})
	return promhttp.Handler()
}

// ObserveStats publishes a stats snapshot into the status gauges.
func ObserveStats(st models.JobStats) {
	QueueDepth.WithLabelValues(string(models.StatusPending)).Set(float64(st.Pending))
	QueueDepth.WithLabelValues(string(models.StatusClaimed)).Set(float64(st.Claimed))
	QueueDepth.WithLabelValues(string(models.StatusCompleted)).Set(float64(st.Completed))
	QueueDepth.WithLabelValues(string(models.StatusFailed)).Set(float64(st.Failed))
}
