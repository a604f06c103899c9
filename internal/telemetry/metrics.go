package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_enqueued_total", Help: "Jobs accepted by the enqueue API"})
	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Jobs claimed from the store"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Jobs requeued after a failed attempt"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs finalized as failed"})
	JobsReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_reclaimed_total", Help: "Stale running jobs recovered"})
	JobsTimedOut     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_timed_out_total", Help: "Jobs abandoned by the per-job timeout"})
	EventsWritten    = prometheus.NewCounter(prometheus.CounterOpts{Name: "job_events_written_total", Help: "Progress events flushed to the store"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "enqueue_rate_limit_rejects_total", Help: "Enqueue calls rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_queue_depth", Help: "Jobs eligible for claiming"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing in this process"})
	HeavyInFlight    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_heavy_inflight", Help: "Heavy-class jobs currently executing in this process"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			JobsReclaimed,
			JobsTimedOut,
			EventsWritten,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
			HeavyInFlight,
		)
	})
	return promhttp.Handler()
}
