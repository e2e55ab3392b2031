package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsSubmitted    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "openvdm_jobs_submitted_total", Help: "Jobs submitted to the queue"}, []string{"type"})
	JobsClaimed      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "openvdm_jobs_claimed_total", Help: "Jobs claimed by this worker"}, []string{"type"})
	JobsPassed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "openvdm_jobs_passed_total", Help: "Jobs finishing with a passing verdict"}, []string{"type"})
	JobsFailed       = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "openvdm_jobs_failed_total", Help: "Jobs finishing with a failing verdict"}, []string{"type"})
	JobsCrashed      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "openvdm_jobs_crashed_total", Help: "Handlers that panicked"}, []string{"type"})
	JobsCancelled    = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "openvdm_jobs_cancelled_total", Help: "Jobs stopped early by an operator"}, []string{"type"})
	JobsLost         = prometheus.NewCounter(prometheus.CounterOpts{Name: "openvdm_jobs_lost_total", Help: "Running jobs reaped after their worker stopped heartbeating"})
	FilesTransferred = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "openvdm_files_transferred_total", Help: "Files moved by transfers"}, []string{"change"})
	SchedulerSubmits = prometheus.NewCounter(prometheus.CounterOpts{Name: "openvdm_scheduler_submissions_total", Help: "Transfers submitted by the scheduler"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "openvdm_api_rate_limit_rejects_total", Help: "Submissions rejected by the rate limiter"})
	QueueDepthGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "openvdm_queue_depth", Help: "Ready jobs across the registered job types"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "openvdm_jobs_inflight", Help: "Jobs currently executing in this process"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsSubmitted,
			JobsClaimed,
			JobsPassed,
			JobsFailed,
			JobsCrashed,
			JobsCancelled,
			JobsLost,
			FilesTransferred,
			SchedulerSubmits,
			RateLimitRejects,
			QueueDepthGauge,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
