package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/procflow/runtime"
)

// MetricsHandler translates run events into OpenTelemetry metrics: element
// outcomes, element durations from enter to leave, and run durations.
type MetricsHandler struct {
	elementCompletions metric.Int64Counter
	elementFailures    metric.Int64Counter
	elementDiscards    metric.Int64Counter
	elementDuration    metric.Float64Histogram
	runs               metric.Int64Counter
	runDuration        metric.Float64Histogram

	mu      sync.Mutex
	entered map[string]time.Time // runID:executionID -> enter time
	status  map[string]string    // runID -> outcome
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to create
// instruments for recording procflow metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	completions, err := meter.Int64Counter("procflow.element.completions",
		metric.WithDescription("Number of element executions that completed"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("procflow.element.failures",
		metric.WithDescription("Number of element executions that failed"),
	)
	if err != nil {
		return nil, err
	}

	discards, err := meter.Int64Counter("procflow.element.discards",
		metric.WithDescription("Number of element executions that were discarded"),
	)
	if err != nil {
		return nil, err
	}

	elementDur, err := meter.Float64Histogram("procflow.element.duration",
		metric.WithDescription("Time from element enter to leave in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	runs, err := meter.Int64Counter("procflow.runs",
		metric.WithDescription("Number of process runs by outcome"),
	)
	if err != nil {
		return nil, err
	}

	runDur, err := meter.Float64Histogram("procflow.run.duration",
		metric.WithDescription("Duration of process run in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		elementCompletions: completions,
		elementFailures:    failures,
		elementDiscards:    discards,
		elementDuration:    elementDur,
		runs:               runs,
		runDuration:        runDur,
		entered:            make(map[string]time.Time),
		status:             make(map[string]string),
	}, nil
}

// Handle processes a run event and records the appropriate metrics.
func (h *MetricsHandler) Handle(e runtime.Event) {
	ctx := context.Background()
	switch e.Kind {
	case runtime.EventElementEntered:
		h.mu.Lock()
		h.entered[elementKey(e)] = e.Time
		h.mu.Unlock()
	case runtime.EventElementFinished:
		h.elementCompletions.Add(ctx, 1, elementAttrs(e))
	case runtime.EventElementFailed:
		h.elementFailures.Add(ctx, 1, elementAttrs(e))
	case runtime.EventElementDiscarded:
		h.elementDiscards.Add(ctx, 1, elementAttrs(e))
	case runtime.EventElementLeft:
		h.handleElementLeft(ctx, e)
	case runtime.EventRunFinished, runtime.EventRunFailed, runtime.EventRunDiscarded:
		h.mu.Lock()
		h.status[e.RunID] = outcome(e.Kind)
		h.mu.Unlock()
	case runtime.EventRunLeft:
		h.handleRunLeft(ctx, e)
	}
}

func (h *MetricsHandler) handleElementLeft(ctx context.Context, e runtime.Event) {
	key := elementKey(e)
	h.mu.Lock()
	start, ok := h.entered[key]
	delete(h.entered, key)
	h.mu.Unlock()
	if ok {
		h.elementDuration.Record(ctx, e.Time.Sub(start).Seconds(), elementAttrs(e))
	}
}

func (h *MetricsHandler) handleRunLeft(ctx context.Context, e runtime.Event) {
	h.mu.Lock()
	status := h.status[e.RunID]
	delete(h.status, e.RunID)
	h.mu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("process_id", e.ProcessID),
		attribute.String("status", status),
	)
	h.runs.Add(ctx, 1, attrs)
	h.runDuration.Record(ctx, e.Elapsed.Seconds(), metric.WithAttributes(
		attribute.String("process_id", e.ProcessID),
	))
}

func elementAttrs(e runtime.Event) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("element_type", e.ElementType),
		attribute.String("element_id", e.ElementID),
	)
}

func outcome(kind runtime.EventKind) string {
	switch kind {
	case runtime.EventRunFailed:
		return "failed"
	case runtime.EventRunDiscarded:
		return "discarded"
	default:
		return "completed"
	}
}
