// Package metrics owns the Prometheus collectors of a chatfleet process.
//
// Every Collector carries its own registry so the worker, job, and balancer
// processes (and tests) never collide on the global default registerer. All
// recording methods are safe to call on a nil *Collector, which lets
// components treat metrics as optional.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatfleet"

// Collector groups the metrics exported by a process.
type Collector struct {
	registry *prometheus.Registry

	connections       prometheus.Gauge
	roomSubscriptions prometheus.Gauge
	eventsBroadcast   *prometheus.CounterVec
	busPublishFailed  prometheus.Counter

	jobsEnqueued  *prometheus.CounterVec
	jobsCompleted *prometheus.CounterVec
	jobsRetried   *prometheus.CounterVec
	jobsFailed    *prometheus.CounterVec
	enqueueFailed *prometheus.CounterVec
	jobLatency    *prometheus.HistogramVec

	balancerSelections *prometheus.CounterVec
	backendHealthy     *prometheus.GaugeVec

	supervisorRestarts prometheus.Counter
}

// NewCollector creates and registers every metric together with the Go
// runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live client connections on this process",
		}),
		roomSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "topic_subscriptions",
			Help:      "Bus topics this process is subscribed to",
		}),
		eventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_broadcast_total",
			Help:      "Events broadcast by name",
		}, []string{"event"}),
		busPublishFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_publish_failures_total",
			Help:      "Publishes rejected by the fanout bus",
		}),
		jobsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Jobs admitted to a queue",
		}, []string{"queue"}),
		jobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Jobs completed successfully",
		}, []string{"queue"}),
		jobsRetried: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_retried_total",
			Help:      "Job attempts that failed and were rescheduled",
		}, []string{"queue"}),
		jobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs that exhausted their attempts",
		}, []string{"queue"}),
		enqueueFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueue_failures_total",
			Help:      "Enqueue attempts rejected because the queue store was unavailable",
		}, []string{"queue"}),
		jobLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Handler execution time",
			Buckets:   prometheus.DefBuckets,
		}, []string{"queue"}),
		balancerSelections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "balancer_selections_total",
			Help:      "Requests routed per backend",
		}, []string{"backend"}),
		backendHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balancer_backend_healthy",
			Help:      "1 when the backend is eligible for routing",
		}, []string{"backend"}),
		supervisorRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_restarts_total",
			Help:      "Worker processes replaced after an unexpected exit",
		}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.connections,
		c.roomSubscriptions,
		c.eventsBroadcast,
		c.busPublishFailed,
		c.jobsEnqueued,
		c.jobsCompleted,
		c.jobsRetried,
		c.jobsFailed,
		c.enqueueFailed,
		c.jobLatency,
		c.balancerSelections,
		c.backendHealthy,
		c.supervisorRestarts,
	)
	return c
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) ConnectionOpened() {
	if c != nil {
		c.connections.Inc()
	}
}

func (c *Collector) ConnectionClosed() {
	if c != nil {
		c.connections.Dec()
	}
}

func (c *Collector) TopicSubscribed() {
	if c != nil {
		c.roomSubscriptions.Inc()
	}
}

func (c *Collector) TopicUnsubscribed() {
	if c != nil {
		c.roomSubscriptions.Dec()
	}
}

func (c *Collector) EventBroadcast(name string) {
	if c != nil {
		c.eventsBroadcast.WithLabelValues(name).Inc()
	}
}

func (c *Collector) BusPublishFailed() {
	if c != nil {
		c.busPublishFailed.Inc()
	}
}

func (c *Collector) JobEnqueued(queue string) {
	if c != nil {
		c.jobsEnqueued.WithLabelValues(queue).Inc()
	}
}

func (c *Collector) JobCompleted(queue string, seconds float64) {
	if c != nil {
		c.jobsCompleted.WithLabelValues(queue).Inc()
		c.jobLatency.WithLabelValues(queue).Observe(seconds)
	}
}

func (c *Collector) JobRetried(queue string) {
	if c != nil {
		c.jobsRetried.WithLabelValues(queue).Inc()
	}
}

func (c *Collector) JobFailed(queue string) {
	if c != nil {
		c.jobsFailed.WithLabelValues(queue).Inc()
	}
}

func (c *Collector) EnqueueFailed(queue string) {
	if c != nil {
		c.enqueueFailed.WithLabelValues(queue).Inc()
	}
}

func (c *Collector) BackendSelected(backend string) {
	if c != nil {
		c.balancerSelections.WithLabelValues(backend).Inc()
	}
}

func (c *Collector) SetBackendHealth(backend string, healthy bool) {
	if c == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	c.backendHealthy.WithLabelValues(backend).Set(v)
}

// ForgetBackend drops the health series of a backend removed from the set.
func (c *Collector) ForgetBackend(backend string) {
	if c != nil {
		c.backendHealthy.DeleteLabelValues(backend)
	}
}

func (c *Collector) WorkerRestarted() {
	if c != nil {
		c.supervisorRestarts.Inc()
	}
}
