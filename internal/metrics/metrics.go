// Package metrics exposes Prometheus collectors for the scheduler and the
// provider pools. All methods are safe on a nil *Collector so callers can
// leave metrics unwired in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector bundles every TaskMesh metric under one namespace.
type Collector struct {
	tasksDispatched *prometheus.CounterVec
	tasksCompleted  *prometheus.CounterVec
	tasksFailed     *prometheus.CounterVec
	tasksRetried    *prometheus.CounterVec
	taskLatency     *prometheus.HistogramVec

	workflowsFinished *prometheus.CounterVec

	queueDepth      *prometheus.GaugeVec
	poolUtilization *prometheus.GaugeVec
	pressureLevel   *prometheus.GaugeVec

	circuitTransitions *prometheus.CounterVec
}

// New registers all collectors on reg. Pass prometheus.DefaultRegisterer for
// the process-global registry.
func New(namespace string, reg prometheus.Registerer) *Collector {
	if namespace == "" {
		namespace = "taskmesh"
	}
	factory := promauto.With(reg)

	return &Collector{
		tasksDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_dispatched_total",
			Help:      "Tasks handed to a worker, by protocol.",
		}, []string{"protocol"}),
		tasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Tasks that finished successfully, by protocol.",
		}, []string{"protocol"}),
		tasksFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Task execution failures, by protocol and error code.",
		}, []string{"protocol", "code"}),
		tasksRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_retried_total",
			Help:      "Retry attempts scheduled after a retryable failure.",
		}, []string{"protocol"}),
		taskLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution latency, by protocol.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}, []string{"protocol"}),
		workflowsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_finished_total",
			Help:      "Workflows that reached a terminal state, by status.",
		}, []string{"status"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_ready_tasks",
			Help:      "Ready tasks waiting for dispatch, by priority.",
		}, []string{"priority"}),
		poolUtilization: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_utilization_ratio",
			Help:      "Busy worker slots over total capacity, by protocol.",
		}, []string{"protocol"}),
		pressureLevel: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backpressure_level",
			Help:      "Backpressure level per worker (0 normal, 1 high, 2 critical).",
		}, []string{"worker"}),
		circuitTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_transitions_total",
			Help:      "Circuit breaker state transitions, by worker and new state.",
		}, []string{"worker", "state"}),
	}
}

func (c *Collector) TaskDispatched(protocol string) {
	if c == nil {
		return
	}
	c.tasksDispatched.WithLabelValues(protocol).Inc()
}

func (c *Collector) TaskCompleted(protocol string, d time.Duration) {
	if c == nil {
		return
	}
	c.tasksCompleted.WithLabelValues(protocol).Inc()
	c.taskLatency.WithLabelValues(protocol).Observe(d.Seconds())
}

func (c *Collector) TaskFailed(protocol, code string) {
	if c == nil {
		return
	}
	c.tasksFailed.WithLabelValues(protocol, code).Inc()
}

func (c *Collector) TaskRetried(protocol string) {
	if c == nil {
		return
	}
	c.tasksRetried.WithLabelValues(protocol).Inc()
}

func (c *Collector) WorkflowFinished(status string) {
	if c == nil {
		return
	}
	c.workflowsFinished.WithLabelValues(status).Inc()
}

func (c *Collector) SetQueueDepth(priority string, n int) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues(priority).Set(float64(n))
}

func (c *Collector) SetPoolUtilization(protocol string, ratio float64) {
	if c == nil {
		return
	}
	c.poolUtilization.WithLabelValues(protocol).Set(ratio)
}

func (c *Collector) SetPressureLevel(worker string, level int) {
	if c == nil {
		return
	}
	c.pressureLevel.WithLabelValues(worker).Set(float64(level))
}

func (c *Collector) CircuitTransition(worker, state string) {
	if c == nil {
		return
	}
	c.circuitTransitions.WithLabelValues(worker, state).Inc()
}
