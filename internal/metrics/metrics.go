// Package metrics collects Prometheus metrics for the gateway.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all gateway metrics. Create exactly one per process.
type Collector struct {
	jobsSubmitted prometheus.Counter
	jobsCompleted prometheus.Counter
	jobsFailed    prometheus.Counter
	jobsCancelled prometheus.Counter

	jobDuration prometheus.Histogram

	jobsActive prometheus.Gauge
	queueDepth prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	creditsDeducted prometheus.Counter
}

// NewCollector creates and registers all gateway metrics.
func NewCollector() *Collector {
	c := &Collector{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_jobs_submitted_total",
			Help: "Total number of jobs submitted for execution",
		}),
		jobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_jobs_completed_total",
			Help: "Total number of jobs completed successfully",
		}),
		jobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_jobs_failed_total",
			Help: "Total number of jobs that failed",
		}),
		jobsCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_jobs_cancelled_total",
			Help: "Total number of jobs cancelled before completion",
		}),
		jobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tollgate_job_duration_seconds",
			Help:    "Job execution duration from pickup to terminal status",
			Buckets: []float64{1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		}),
		jobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tollgate_jobs_active",
			Help: "Current number of jobs being executed",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tollgate_queue_depth",
			Help: "Current number of jobs waiting in the execution queue",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tollgate_http_requests_total",
			Help: "Total number of HTTP requests by path and status",
		}, []string{"path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tollgate_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds by path",
			Buckets: prometheus.DefBuckets,
		}, []string{"path"}),
		creditsDeducted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tollgate_credits_deducted_total",
			Help: "Total credits deducted from user balances",
		}),
	}

	prometheus.MustRegister(c.jobsSubmitted)
	prometheus.MustRegister(c.jobsCompleted)
	prometheus.MustRegister(c.jobsFailed)
	prometheus.MustRegister(c.jobsCancelled)
	prometheus.MustRegister(c.jobDuration)
	prometheus.MustRegister(c.jobsActive)
	prometheus.MustRegister(c.queueDepth)
	prometheus.MustRegister(c.httpRequests)
	prometheus.MustRegister(c.httpDuration)
	prometheus.MustRegister(c.creditsDeducted)

	return c
}

// RecordSubmitted counts a job accepted into the queue.
func (c *Collector) RecordSubmitted() {
	c.jobsSubmitted.Inc()
}

// RecordCompleted counts a successful job and observes its duration.
func (c *Collector) RecordCompleted(durationSeconds float64) {
	c.jobsCompleted.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordFailed counts a failed job and observes its duration.
func (c *Collector) RecordFailed(durationSeconds float64) {
	c.jobsFailed.Inc()
	c.jobDuration.Observe(durationSeconds)
}

// RecordCancelled counts a cancelled job.
func (c *Collector) RecordCancelled() {
	c.jobsCancelled.Inc()
}

// SetQueueStats updates the queue depth and active job gauges.
func (c *Collector) SetQueueStats(queued, active int) {
	c.queueDepth.Set(float64(queued))
	c.jobsActive.Set(float64(active))
}

// RecordHTTPRequest counts a finished HTTP request and observes its duration.
func (c *Collector) RecordHTTPRequest(path string, status int, durationSeconds float64) {
	c.httpRequests.WithLabelValues(path, strconv.Itoa(status)).Inc()
	c.httpDuration.WithLabelValues(path).Observe(durationSeconds)
}

// RecordCreditsDeducted adds a successful balance deduction to the running total.
func (c *Collector) RecordCreditsDeducted(credits float64) {
	c.creditsDeducted.Add(credits)
}

// Handler returns the HTTP handler that serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
