package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	EnqueueCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "legallens_jobs_enqueued_total", Help: "Jobs enqueued per queue",
	}, []string{"queue"})
	JobsCompleted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "legallens_jobs_completed_total", Help: "Jobs completed per queue",
	}, []string{"queue"})
	JobsRetried = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "legallens_jobs_retried_total", Help: "Jobs scheduled for retry per queue",
	}, []string{"queue"})
	JobsFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "legallens_jobs_failed_total", Help: "Jobs that exhausted retries or hit permanent errors",
	}, []string{"queue"})
	InFlightGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "legallens_jobs_inflight", Help: "Jobs currently claimed",
	}, []string{"queue"})
	QueueDepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "legallens_queue_depth", Help: "Ready queue depth",
	}, []string{"queue"})
	SpendDenials = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "legallens_spend_denials_total", Help: "Billable calls denied by the daily spending cap",
	})
	SpendRecordFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "legallens_spend_record_failures_total", Help: "Spend events that could not be persisted",
	})
	FallbackResults = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "legallens_fallback_results_total", Help: "AI stage results served from the degraded fallback",
	})
	StageHookFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "legallens_stage_hook_failures_total", Help: "Pipeline hook errors after a stage completed",
	}, []string{"queue"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			EnqueueCounter,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			InFlightGauge,
			QueueDepthGauge,
			SpendDenials,
			SpendRecordFailures,
			FallbackResults,
			StageHookFailures,
		)
	})
	return promhttp.Handler()
}
