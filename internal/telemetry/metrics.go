package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_jobs_enqueued_total", Help: "Video jobs accepted by the queue"})
	JobsStarted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_jobs_started_total", Help: "Job attempts started by workers"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_jobs_completed_total", Help: "Jobs that published media"})
	JobsSkipped      = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_jobs_skipped_total", Help: "Jobs acknowledged without work because the post was already completed"})
	JobsRetried      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "video_jobs_retried_total", Help: "Failed attempts scheduled for redelivery"}, []string{"kind"})
	JobsDeadLettered = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "video_jobs_dead_letter_total", Help: "Jobs moved to the dead set"}, []string{"kind"})
	JobDuration      = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "video_job_duration_seconds",
		Help:    "Wall time of a job attempt",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 900},
	})
	InFlightGauge     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "video_jobs_inflight", Help: "Jobs currently running on this worker"})
	QueueDepthGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "video_queue_depth", Help: "Jobs waiting in the ready list"})
	RateLimitWaits    = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_rate_limit_waits_total", Help: "Times a slot waited on the job-start window"})
	NotifyFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_notify_failures_total", Help: "Cache invalidation webhooks that failed"})
	CleanupFailures   = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_cleanup_failures_total", Help: "Working directories that could not be removed"})
	StatusWriteErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "video_status_write_errors_total", Help: "Failed writes of the failed status after a job error"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsStarted,
			JobsCompleted,
			JobsSkipped,
			JobsRetried,
			JobsDeadLettered,
			JobDuration,
			InFlightGauge,
			QueueDepthGauge,
			RateLimitWaits,
			NotifyFailures,
			CleanupFailures,
			StatusWriteErrors,
		)
	})
	return promhttp.Handler()
}
