// Package metrics exposes prometheus instrumentation for workflows, steps,
// locks and injected failures. A nil *Collector is a valid no-op.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "blockflow"

// Collector owns every blockflow series
type Collector struct {
	workflows        *prometheus.CounterVec
	steps            *prometheus.CounterVec
	rollbacks        *prometheus.CounterVec
	lockWait         prometheus.Histogram
	lockAcquire      *prometheus.CounterVec
	injected         *prometheus.CounterVec
	workflowsRunning prometheus.Gauge
}

// New creates the collector and registers it with reg. A nil reg registers
// nothing, which keeps tests isolated.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		workflows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflows_total",
			Help:      "Workflows that reached a terminal or suspended state.",
		}, []string{"state"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Step executions by operation and final state.",
		}, []string{"operation", "state"}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollback operations attempted, by result.",
		}, []string{"result"}),
		lockWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "lock_wait_seconds",
			Help:      "Time spent waiting for a lock key set.",
			Buckets:   prometheus.DefBuckets,
		}),
		lockAcquire: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquire_total",
			Help:      "Lock acquisitions by result.",
		}, []string{"result"}),
		injected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injected_failures_total",
			Help:      "Synthetic failures raised by the failure injector.",
		}, []string{"key"}),
		workflowsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflows_running",
			Help:      "Workflows currently executing or rolling back.",
		}),
	}

	if reg != nil {
		reg.MustRegister(c.workflows, c.steps, c.rollbacks, c.lockWait, c.lockAcquire, c.injected, c.workflowsRunning)
	}
	return c
}

// WorkflowStarted increments the running gauge
func (c *Collector) WorkflowStarted() {
	if c == nil {
		return
	}
	c.workflowsRunning.Inc()
}

// WorkflowFinished records the final state and decrements the running gauge
func (c *Collector) WorkflowFinished(state string) {
	if c == nil {
		return
	}
	c.workflowsRunning.Dec()
	c.workflows.WithLabelValues(state).Inc()
}

// StepFinished counts a step reaching state
func (c *Collector) StepFinished(operation, state string) {
	if c == nil {
		return
	}
	c.steps.WithLabelValues(operation, state).Inc()
}

// Rollback counts one rollback attempt
func (c *Collector) Rollback(ok bool) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	c.rollbacks.WithLabelValues(result).Inc()
}

// LockAcquired observes a lock wait and its outcome
func (c *Collector) LockAcquired(wait time.Duration, ok bool) {
	if c == nil {
		return
	}
	c.lockWait.Observe(wait.Seconds())
	result := "acquired"
	if !ok {
		result = "timeout"
	}
	c.lockAcquire.WithLabelValues(result).Inc()
}

// Injected counts a synthetic failure at key
func (c *Collector) Injected(key string) {
	if c == nil {
		return
	}
	c.injected.WithLabelValues(key).Inc()
}
