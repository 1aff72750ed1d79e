// Package metrics exposes the mesh's Prometheus instrumentation.
//
// Counters cover the task and verification pipelines, gauges track the
// live fleet and queue depth, and a histogram records task latency for
// SLA queries such as:
//
//	rate(crawlmesh_tasks_completed_total[1m])
//	histogram_quantile(0.95, crawlmesh_task_latency_seconds_bucket)
//	rate(crawlmesh_requests_blocked_total[5m])
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds all mesh metrics.
type Collector struct {
	tasksSubmitted prometheus.Counter
	tasksCompleted prometheus.Counter
	tasksFailed    prometheus.Counter

	submissionsVerified prometheus.Counter
	submissionsRejected prometheus.Counter
	submissionsConflict prometheus.Counter

	requestsBlocked prometheus.Counter
	securityEvents  *prometheus.CounterVec

	workersActive prometheus.Gauge
	tasksPending  prometheus.Gauge
	tasksInFlight prometheus.Gauge

	taskLatency prometheus.Histogram
}

// NewCollector creates and registers the mesh metrics on reg. Pass a
// fresh prometheus.NewRegistry() in tests to avoid duplicate
// registration panics.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlmesh_tasks_submitted_total",
			Help: "Total number of tasks submitted to the scheduler",
		}),
		tasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlmesh_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		}),
		tasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlmesh_tasks_failed_total",
			Help: "Total number of tasks that exhausted retries",
		}),
		submissionsVerified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlmesh_submissions_verified_total",
			Help: "Total number of submissions that reached accept quorum",
		}),
		submissionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlmesh_submissions_rejected_total",
			Help: "Total number of submissions rejected by quorum or integrity checks",
		}),
		submissionsConflict: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlmesh_submissions_conflict_total",
			Help: "Total number of submissions ending in a split verdict",
		}),
		requestsBlocked: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawlmesh_requests_blocked_total",
			Help: "Total number of requests denied by rate limiting or blacklisting",
		}),
		securityEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawlmesh_security_events_total",
			Help: "Security events by type",
		}, []string{"type"}),
		workersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlmesh_workers_active",
			Help: "Current number of active workers",
		}),
		tasksPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlmesh_tasks_pending",
			Help: "Current number of pending tasks",
		}),
		tasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawlmesh_tasks_in_flight",
			Help: "Current number of assigned or running tasks",
		}),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawlmesh_task_latency_seconds",
			Help:    "Submit-to-complete latency in seconds",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.tasksSubmitted, c.tasksCompleted, c.tasksFailed,
		c.submissionsVerified, c.submissionsRejected, c.submissionsConflict,
		c.requestsBlocked, c.securityEvents,
		c.workersActive, c.tasksPending, c.tasksInFlight,
		c.taskLatency,
	)
	return c
}

// RecordSubmitted counts one task entering the scheduler.
func (c *Collector) RecordSubmitted() { c.tasksSubmitted.Inc() }

// RecordCompleted counts one completed task and its latency.
func (c *Collector) RecordCompleted(latencySeconds float64) {
	c.tasksCompleted.Inc()
	c.taskLatency.Observe(latencySeconds)
}

// RecordFailed counts one terminally failed task.
func (c *Collector) RecordFailed() { c.tasksFailed.Inc() }

// RecordVerdict counts one consensus decision by outcome.
func (c *Collector) RecordVerdict(status string) {
	switch status {
	case "verified":
		c.submissionsVerified.Inc()
	case "rejected":
		c.submissionsRejected.Inc()
	case "conflict":
		c.submissionsConflict.Inc()
	}
}

// RecordBlocked counts one denied request.
func (c *Collector) RecordBlocked() { c.requestsBlocked.Inc() }

// RecordSecurityEvent counts one security event by type.
func (c *Collector) RecordSecurityEvent(eventType string) {
	c.securityEvents.WithLabelValues(eventType).Inc()
}

// UpdateFleetStats refreshes the live gauges.
func (c *Collector) UpdateFleetStats(activeWorkers, pending, inFlight int) {
	c.workersActive.Set(float64(activeWorkers))
	c.tasksPending.Set(float64(pending))
	c.tasksInFlight.Set(float64(inFlight))
}

// StartServer serves /metrics on the given port. Blocks; run it in a
// goroutine.
func StartServer(port int, gatherer prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	return http.ListenAndServe(fmt.Sprintf(":%d", port), mux)
}
