// Package metrics exposes run, phase, task, capability and engine counters
// on a private prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ShayCichocki/daybreak/pkg/models"
)

const namespace = "daybreak"

// Metrics holds the collectors. It implements orchestrator.Observer.
type Metrics struct {
	registry *prometheus.Registry

	runs           *prometheus.CounterVec
	phaseDuration  *prometheus.HistogramVec
	phaseFailures  *prometheus.CounterVec
	tasks          *prometheus.CounterVec
	capabilityCall *prometheus.CounterVec
	engineCalls    *prometheus.CounterVec
}

// New creates and registers the collectors, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Runs finished, by outcome.",
		}, []string{"status"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each run phase.",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		}, []string{"phase"}),
		phaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_failures_total",
			Help:      "Phases that ended with an error.",
		}, []string{"phase"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Tasks settled by executors, by final status.",
		}, []string{"status"}),
		capabilityCall: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_calls_total",
			Help:      "Capability invocations, by name and result.",
		}, []string{"name", "result"}),
		engineCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "engine_calls_total",
			Help:      "Reasoning engine calls, by stop outcome.",
		}, []string{"outcome"}),
	}
	m.registry.MustRegister(
		m.runs,
		m.phaseDuration,
		m.phaseFailures,
		m.tasks,
		m.capabilityCall,
		m.engineCalls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// PhaseCompleted records a phase duration and, on error, a failure.
func (m *Metrics) PhaseCompleted(phase models.Phase, d time.Duration, err error) {
	m.phaseDuration.WithLabelValues(string(phase)).Observe(d.Seconds())
	if err != nil {
		m.phaseFailures.WithLabelValues(string(phase)).Inc()
	}
}

// TaskFinished counts a settled task.
func (m *Metrics) TaskFinished(status models.TaskStatus) {
	m.tasks.WithLabelValues(string(status)).Inc()
}

// RunFinished counts a finished run.
func (m *Metrics) RunFinished(status string) {
	m.runs.WithLabelValues(status).Inc()
}

// CapabilityCalled is a capability.Observer.
func (m *Metrics) CapabilityCalled(name string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.capabilityCall.WithLabelValues(name, result).Inc()
}

// EngineCalled is an agent.LoopConfig.OnEngineCall hook.
func (m *Metrics) EngineCalled(outcome string) {
	m.engineCalls.WithLabelValues(outcome).Inc()
}
