package otel

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petal-labs/procflow/runtime"
)

// PrometheusHandler exposes run events as Prometheus collectors.
type PrometheusHandler struct {
	elements    *prometheus.CounterVec
	runs        *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	waiting     *prometheus.GaugeVec

	mu     sync.Mutex
	status map[string]string // runID -> outcome
}

// NewPrometheusHandler creates the collectors and registers them with reg.
func NewPrometheusHandler(reg prometheus.Registerer) (*PrometheusHandler, error) {
	h := &PrometheusHandler{
		elements: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "procflow",
				Subsystem: "element",
				Name:      "executions_total",
				Help:      "Element executions by outcome.",
			},
			[]string{"process", "element_type", "outcome"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "procflow",
				Subsystem: "run",
				Name:      "total",
				Help:      "Process runs by outcome.",
			},
			[]string{"process", "outcome"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "procflow",
				Subsystem: "run",
				Name:      "duration_seconds",
				Help:      "Process run duration in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"process"},
		),
		waiting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "procflow",
				Subsystem: "element",
				Name:      "waiting",
				Help:      "Element executions waiting for a signal, message or timer.",
			},
			[]string{"process"},
		),
		status: make(map[string]string),
	}
	for _, c := range []prometheus.Collector{h.elements, h.runs, h.runDuration, h.waiting} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// Handle records one event.
func (h *PrometheusHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventElementFinished:
		h.elements.WithLabelValues(e.ProcessID, e.ElementType, "completed").Inc()
	case runtime.EventElementFailed:
		h.elements.WithLabelValues(e.ProcessID, e.ElementType, "failed").Inc()
	case runtime.EventElementDiscarded:
		h.elements.WithLabelValues(e.ProcessID, e.ElementType, "discarded").Inc()
	case runtime.EventElementWaiting:
		h.waiting.WithLabelValues(e.ProcessID).Inc()
	case runtime.EventElementCaught:
		h.waiting.WithLabelValues(e.ProcessID).Dec()
	case runtime.EventRunFinished, runtime.EventRunFailed, runtime.EventRunDiscarded:
		h.mu.Lock()
		h.status[e.RunID] = outcome(e.Kind)
		h.mu.Unlock()
	case runtime.EventRunLeft:
		h.mu.Lock()
		status := h.status[e.RunID]
		delete(h.status, e.RunID)
		h.mu.Unlock()
		h.runs.WithLabelValues(e.ProcessID, status).Inc()
		h.runDuration.WithLabelValues(e.ProcessID).Observe(e.Elapsed.Seconds())
	}
}

// Waiting returns the waiting gauge of a process.
func (h *PrometheusHandler) Waiting(processID string) prometheus.Gauge {
	return h.waiting.WithLabelValues(processID)
}

// Runs returns the run counter of a process for one outcome.
func (h *PrometheusHandler) Runs(processID, outcome string) prometheus.Counter {
	return h.runs.WithLabelValues(processID, outcome)
}
