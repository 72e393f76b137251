// Package metrics exposes Prometheus collectors for tool execution, plans,
// tasks and the HTTP API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ChainSage/internal/engine"
)

const namespace = "chainsage"

// Metrics owns a dedicated registry so tests and embedded servers do not
// collide on the global default registerer.
type Metrics struct {
	registry *prometheus.Registry

	toolExecutions *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	toolRetries    *prometheus.CounterVec
	plans          *prometheus.CounterVec
	planDuration   prometheus.Histogram
	tasks          *prometheus.CounterVec

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
	httpInFlight prometheus.Gauge
}

// New registers all collectors, plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool executions by final outcome.",
		}, []string{"tool", "outcome", "code"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_execution_duration_seconds",
			Help:      "Wall time of a tool execution including retries.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"tool"}),
		toolRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_retries_total",
			Help:      "Retries consumed by tool executions.",
		}, []string{"tool"}),
		plans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_executed_total",
			Help:      "Executed plans by outcome.",
		}, []string{"outcome"}),
		planDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "plan_execution_duration_seconds",
			Help:      "Wall time of a whole plan.",
			Buckets:   prometheus.DefBuckets,
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_processed_total",
			Help:      "Asynchronous tasks handled by workers, by resulting status.",
		}, []string{"status"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "HTTP requests currently being served.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.toolExecutions,
		m.toolDuration,
		m.toolRetries,
		m.plans,
		m.planDuration,
		m.tasks,
		m.httpRequests,
		m.httpErrors,
		m.httpDuration,
		m.httpInFlight,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ToolExecuted implements engine.Observer.
func (m *Metrics) ToolExecuted(name string, result engine.ExecutionResult) {
	outcome := "success"
	if !result.Success {
		outcome = "failure"
	}
	m.toolExecutions.WithLabelValues(name, outcome, result.ErrorCode).Inc()
	m.toolDuration.WithLabelValues(name).Observe(result.ExecutionTime.Seconds())
	if result.Retries > 0 {
		m.toolRetries.WithLabelValues(name).Add(float64(result.Retries))
	}
}

// PlanExecuted implements engine.Observer.
func (m *Metrics) PlanExecuted(summary *engine.Summary) {
	if summary == nil {
		return
	}
	outcome := "success"
	switch {
	case len(summary.SuccessfulTools) == 0 && len(summary.FailedTools) > 0:
		outcome = "failure"
	case len(summary.FailedTools) > 0:
		outcome = "partial"
	}
	m.plans.WithLabelValues(outcome).Inc()
	m.planDuration.Observe(summary.TotalExecutionTime.Seconds())
}

// TaskProcessed counts a task transition performed by a worker.
func (m *Metrics) TaskProcessed(status string) {
	m.tasks.WithLabelValues(status).Inc()
}

var _ engine.Observer = (*Metrics)(nil)
