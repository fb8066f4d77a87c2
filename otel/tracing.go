// Package otel provides OpenTelemetry and Prometheus integration for
// procflow run events.
package otel

import (
	"context"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/procflow/runtime"
)

// TracingHandler translates run events into OpenTelemetry spans: one root
// span per run and one child span per element execution. Waits, timers and
// catches become span events on the element span.
type TracingHandler struct {
	tracer trace.Tracer

	mu           sync.RWMutex
	runSpans     map[string]trace.Span      // runID -> span
	runCtxs      map[string]context.Context // runID -> context (for child spans)
	runStatus    map[string]string          // runID -> outcome seen before leave
	elementSpans map[string]trace.Span      // runID:executionID -> span
	elementState map[string]string          // runID:executionID -> outcome
}

// NewTracingHandler creates a new TracingHandler that uses the given tracer
// to create spans from run events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:       tracer,
		runSpans:     make(map[string]trace.Span),
		runCtxs:      make(map[string]context.Context),
		runStatus:    make(map[string]string),
		elementSpans: make(map[string]trace.Span),
		elementState: make(map[string]string),
	}
}

// Handle processes a run event and creates or ends spans accordingly.
func (h *TracingHandler) Handle(e runtime.Event) {
	switch e.Kind {
	case runtime.EventRunEntered:
		h.handleRunEntered(e)
	case runtime.EventRunFinished:
		h.setRunStatus(e.RunID, "completed")
	case runtime.EventRunDiscarded:
		h.setRunStatus(e.RunID, "discarded")
	case runtime.EventRunFailed:
		h.setRunStatus(e.RunID, "failed")
		h.recordRunError(e)
	case runtime.EventRunStopped:
		h.endRun(e, "stopped")
	case runtime.EventRunLeft:
		h.endRun(e, "")
	case runtime.EventElementEntered:
		h.handleElementEntered(e)
	case runtime.EventElementFinished:
		h.setElementState(e, "completed")
	case runtime.EventElementDiscarded:
		h.setElementState(e, "discarded")
	case runtime.EventElementFailed:
		h.setElementState(e, "failed")
		h.recordElementError(e)
	case runtime.EventElementLeft:
		h.endElement(e)
	case runtime.EventElementWaiting, runtime.EventElementTimer, runtime.EventElementCaught, runtime.EventSignalThrown:
		h.addElementEvent(e)
	case runtime.EventFlowTaken, runtime.EventFlowDiscarded:
		h.addRunEvent(e)
	}
}

func (h *TracingHandler) handleRunEntered(e runtime.Event) {
	spanName := "run:" + e.RunID
	if e.ProcessID != "" {
		spanName = "run:" + e.ProcessID
	}

	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(
			attribute.String("procflow.run_id", e.RunID),
			attribute.String("procflow.process_id", e.ProcessID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.runSpans[e.RunID] = span
	h.runCtxs[e.RunID] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) setRunStatus(runID, status string) {
	h.mu.Lock()
	h.runStatus[runID] = status
	h.mu.Unlock()
}

func (h *TracingHandler) recordRunError(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()
	if ok {
		span.RecordError(spanError(errorMessage(e, "run failed")), trace.WithTimestamp(e.Time))
	}
}

// endRun ends the run span together with the element spans still open,
// which is the case when a run is stopped.
func (h *TracingHandler) endRun(e runtime.Event, status string) {
	prefix := e.RunID + ":"

	h.mu.Lock()
	span, ok := h.runSpans[e.RunID]
	if status == "" {
		status = h.runStatus[e.RunID]
	}
	delete(h.runSpans, e.RunID)
	delete(h.runCtxs, e.RunID)
	delete(h.runStatus, e.RunID)
	var open []trace.Span
	for key, s := range h.elementSpans {
		if strings.HasPrefix(key, prefix) {
			open = append(open, s)
			delete(h.elementSpans, key)
			delete(h.elementState, key)
		}
	}
	h.mu.Unlock()

	for _, s := range open {
		s.SetAttributes(attribute.String("procflow.status", status))
		s.End(trace.WithTimestamp(e.Time))
	}
	if !ok {
		return
	}
	span.SetAttributes(
		attribute.String("procflow.duration", e.Elapsed.String()),
		attribute.String("procflow.status", status),
	)
	if status == "failed" {
		span.SetStatus(codes.Error, "run failed")
	} else if status != "stopped" {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) handleElementEntered(e runtime.Event) {
	h.mu.RLock()
	parentCtx, ok := h.runCtxs[e.RunID]
	h.mu.RUnlock()
	if !ok {
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "element:"+e.ElementID,
		trace.WithAttributes(
			attribute.String("procflow.run_id", e.RunID),
			attribute.String("procflow.element_id", e.ElementID),
			attribute.String("procflow.element_type", e.ElementType),
			attribute.String("procflow.execution_id", e.ExecutionID),
			attribute.String("procflow.parent_id", e.ParentID),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.elementSpans[elementKey(e)] = span
	h.mu.Unlock()
}

func (h *TracingHandler) setElementState(e runtime.Event, state string) {
	h.mu.Lock()
	h.elementState[elementKey(e)] = state
	h.mu.Unlock()
}

func (h *TracingHandler) recordElementError(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.elementSpans[elementKey(e)]
	h.mu.RUnlock()
	if ok {
		msg := errorMessage(e, "element failed")
		span.SetStatus(codes.Error, msg)
		span.RecordError(spanError(msg), trace.WithTimestamp(e.Time))
	}
}

func (h *TracingHandler) endElement(e runtime.Event) {
	key := elementKey(e)

	h.mu.Lock()
	span, ok := h.elementSpans[key]
	state := h.elementState[key]
	delete(h.elementSpans, key)
	delete(h.elementState, key)
	h.mu.Unlock()

	if !ok {
		return
	}
	span.SetAttributes(attribute.String("procflow.status", state))
	if state != "failed" {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(e.Time))
}

func (h *TracingHandler) addElementEvent(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.elementSpans[elementKey(e)]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("procflow.event_kind", string(e.Kind)),
	}
	if s, ok := e.Payload["timerType"].(string); ok {
		attrs = append(attrs, attribute.String("procflow.timer_type", s))
	}
	if s, ok := e.Payload["timeout"].(string); ok {
		attrs = append(attrs, attribute.String("procflow.timeout", s))
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

func (h *TracingHandler) addRunEvent(e runtime.Event) {
	h.mu.RLock()
	span, ok := h.runSpans[e.RunID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(
		attribute.String("procflow.flow_id", e.ElementID),
	))
}

// ActiveSpanContext returns the SpanContext of the open element span for
// the element execution. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSpanContext(runID, executionID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.elementSpans[runID+":"+executionID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveRunSpanContext returns the SpanContext for the active run span
// identified by runID. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveRunSpanContext(runID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.runSpans[runID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func elementKey(e runtime.Event) string {
	return e.RunID + ":" + e.ExecutionID
}

func errorMessage(e runtime.Event, fallback string) string {
	if s, ok := e.Payload["error"].(string); ok && s != "" {
		return s
	}
	return fallback
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }
