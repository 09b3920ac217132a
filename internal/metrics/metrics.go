// Package metrics defines the Prometheus collectors exported by convertd.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Task lifecycle metrics
var (
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertd_tasks_submitted_total",
			Help: "Total number of conversion tasks submitted",
		},
		[]string{"input_method", "output_format"},
	)

	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertd_tasks_completed_total",
			Help: "Total number of conversion tasks reaching a terminal state",
		},
		[]string{"engine", "status"},
	)

	TaskRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertd_task_retries_total",
			Help: "Total number of task attempts requeued after a transient failure",
		},
		[]string{"reason"},
	)

	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convertd_task_duration_seconds",
			Help:    "Time from task creation to completion",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"engine"},
	)
)

// Worker pool metrics
var (
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convertd_queue_depth",
			Help: "Number of task IDs waiting in the dispatch queue",
		},
	)

	TasksInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "convertd_tasks_in_flight",
			Help: "Number of tasks currently owned by a worker",
		},
	)
)

// Subprocess metrics
var (
	SubprocessDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "convertd_subprocess_duration_seconds",
			Help:    "Wall-clock duration of conversion tool invocations",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 180, 600, 1800},
		},
		[]string{"binary", "outcome"},
	)

	SubprocessPeakRSS = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "convertd_subprocess_peak_rss_bytes",
			Help: "Peak resident memory of the most recent invocation per binary",
		},
		[]string{"binary"},
	)
)

// Remote provider metrics
var (
	RemoteRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertd_remote_requests_total",
			Help: "Total number of remote provider API calls",
		},
		[]string{"provider", "operation", "outcome"},
	)

	WebhooksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertd_webhooks_received_total",
			Help: "Total number of remote provider webhook deliveries",
		},
		[]string{"result"},
	)

	HTTPAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "convertd_http_attempts_total",
			Help: "Total number of outbound HTTP attempts, including retries",
		},
		[]string{"upstream", "status"},
	)

	PollCycles = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "convertd_poll_cycles_total",
			Help: "Total number of remote status poll cycles",
		},
	)
)

// ObserveHTTPAttempt records one outbound HTTP attempt by status class.
func ObserveHTTPAttempt(upstream string, status int, err error) {
	class := "error"
	if err == nil && status > 0 {
		class = strconv.Itoa(status/100) + "xx"
	}
	HTTPAttempts.WithLabelValues(upstream, class).Inc()
}

// Outcome returns the label value for an operation result.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
