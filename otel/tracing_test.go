package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	pfotel "github.com/petal-labs/procflow/otel"
	"github.com/petal-labs/procflow/runtime"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func runEvent(kind runtime.EventKind, at time.Time) runtime.Event {
	return runtime.Event{Kind: kind, RunID: "run-1", ProcessID: "order", Time: at}
}

func elementEvent(kind runtime.EventKind, at time.Time) runtime.Event {
	return runtime.Event{
		Kind:        kind,
		RunID:       "run-1",
		ProcessID:   "order",
		ElementID:   "approve",
		ElementType: "bpmn:UserTask",
		ExecutionID: "approve_1",
		ParentID:    "order",
		Time:        at,
	}
}

func findSpan(spans tracetest.SpanStubs, name string) *tracetest.SpanStub {
	for i := range spans {
		if spans[i].Name == name {
			return &spans[i]
		}
	}
	return nil
}

func attrValue(s *tracetest.SpanStub, key string) string {
	for _, attr := range s.Attributes {
		if string(attr.Key) == key {
			return attr.Value.AsString()
		}
	}
	return ""
}

func TestTracingHandler_RunSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := pfotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runEvent(runtime.EventRunEntered, now))
	if !h.ActiveRunSpanContext("run-1").IsValid() {
		t.Fatal("expected valid run span context after run.entered")
	}
	h.Handle(runEvent(runtime.EventRunFinished, now.Add(time.Millisecond)))
	left := runEvent(runtime.EventRunLeft, now.Add(2*time.Millisecond))
	left.Elapsed = 2 * time.Millisecond
	h.Handle(left)

	if h.ActiveRunSpanContext("run-1").IsValid() {
		t.Error("run span still active after run.left")
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	run := &spans[0]
	if run.Name != "run:order" {
		t.Errorf("span name = %q, want run:order", run.Name)
	}
	if got := attrValue(run, "procflow.run_id"); got != "run-1" {
		t.Errorf("procflow.run_id = %q, want run-1", got)
	}
	if got := attrValue(run, "procflow.status"); got != "completed" {
		t.Errorf("procflow.status = %q, want completed", got)
	}
	if run.Status.Code != otelcodes.Ok {
		t.Errorf("status code = %v, want Ok", run.Status.Code)
	}
}

func TestTracingHandler_RunSpanNamedByRunID(t *testing.T) {
	exporter, tp := newTestTracer()
	h := pfotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runtime.Event{Kind: runtime.EventRunEntered, RunID: "run-2", Time: now})
	h.Handle(runtime.Event{Kind: runtime.EventRunLeft, RunID: "run-2", Time: now})

	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "run:run-2" {
		t.Fatalf("spans = %+v, want one run:run-2", spans)
	}
}

func TestTracingHandler_ElementSpanIsChildOfRun(t *testing.T) {
	exporter, tp := newTestTracer()
	h := pfotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runEvent(runtime.EventRunEntered, now))
	h.Handle(elementEvent(runtime.EventElementEntered, now.Add(time.Millisecond)))

	sc := h.ActiveSpanContext("run-1", "approve_1")
	if !sc.IsValid() {
		t.Fatal("expected valid element span context after element.entered")
	}
	runSC := h.ActiveRunSpanContext("run-1")

	h.Handle(elementEvent(runtime.EventElementWaiting, now.Add(2*time.Millisecond)))
	h.Handle(elementEvent(runtime.EventElementFinished, now.Add(3*time.Millisecond)))
	h.Handle(elementEvent(runtime.EventElementLeft, now.Add(4*time.Millisecond)))
	if h.ActiveSpanContext("run-1", "approve_1").IsValid() {
		t.Error("element span still active after element.left")
	}
	h.Handle(runEvent(runtime.EventRunLeft, now.Add(5*time.Millisecond)))

	el := findSpan(exporter.GetSpans(), "element:approve")
	if el == nil {
		t.Fatal("did not find element:approve span")
	}
	if el.Parent.SpanID() != runSC.SpanID() {
		t.Error("element span parent is not the run span")
	}
	if got := attrValue(el, "procflow.element_type"); got != "bpmn:UserTask" {
		t.Errorf("procflow.element_type = %q", got)
	}
	if got := attrValue(el, "procflow.status"); got != "completed" {
		t.Errorf("procflow.status = %q, want completed", got)
	}
	if len(el.Events) != 1 || el.Events[0].Name != string(runtime.EventElementWaiting) {
		t.Errorf("span events = %+v, want one %s", el.Events, runtime.EventElementWaiting)
	}
}

func TestTracingHandler_FailedElement(t *testing.T) {
	exporter, tp := newTestTracer()
	h := pfotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runEvent(runtime.EventRunEntered, now))
	h.Handle(elementEvent(runtime.EventElementEntered, now))
	h.Handle(elementEvent(runtime.EventElementFailed, now).WithPayload("error", "boom"))
	h.Handle(elementEvent(runtime.EventElementLeft, now))
	h.Handle(runEvent(runtime.EventRunFailed, now).WithPayload("error", "boom"))
	h.Handle(runEvent(runtime.EventRunLeft, now))

	spans := exporter.GetSpans()
	el := findSpan(spans, "element:approve")
	if el == nil {
		t.Fatal("did not find element:approve span")
	}
	if el.Status.Code != otelcodes.Error || el.Status.Description != "boom" {
		t.Errorf("element status = %+v, want Error boom", el.Status)
	}
	run := findSpan(spans, "run:order")
	if run == nil {
		t.Fatal("did not find run:order span")
	}
	if run.Status.Code != otelcodes.Error {
		t.Errorf("run status = %v, want Error", run.Status.Code)
	}
	if got := attrValue(run, "procflow.status"); got != "failed" {
		t.Errorf("procflow.status = %q, want failed", got)
	}
}

func TestTracingHandler_StopEndsOpenSpans(t *testing.T) {
	exporter, tp := newTestTracer()
	h := pfotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runEvent(runtime.EventRunEntered, now))
	h.Handle(elementEvent(runtime.EventElementEntered, now))
	h.Handle(elementEvent(runtime.EventElementWaiting, now))
	h.Handle(runEvent(runtime.EventRunStopped, now))

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("spans = %d, want 2", len(spans))
	}
	for i := range spans {
		if got := attrValue(&spans[i], "procflow.status"); got != "stopped" {
			t.Errorf("%s procflow.status = %q, want stopped", spans[i].Name, got)
		}
	}
	if h.ActiveSpanContext("run-1", "approve_1").IsValid() {
		t.Error("element span still active after stop")
	}
}

func TestTracingHandler_FlowEventsOnRunSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := pfotel.NewTracingHandler(tp.Tracer("test"))
	now := time.Now()

	h.Handle(runEvent(runtime.EventRunEntered, now))
	h.Handle(runtime.Event{
		Kind:      runtime.EventFlowTaken,
		RunID:     "run-1",
		ElementID: "f1",
		Time:      now,
	})
	h.Handle(runEvent(runtime.EventRunLeft, now))

	run := findSpan(exporter.GetSpans(), "run:order")
	if run == nil {
		t.Fatal("did not find run:order span")
	}
	if len(run.Events) != 1 || run.Events[0].Name != string(runtime.EventFlowTaken) {
		t.Fatalf("run events = %+v", run.Events)
	}
}

func TestTracingHandler_UnknownSpansIgnored(t *testing.T) {
	exporter, tp := newTestTracer()
	h := pfotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(elementEvent(runtime.EventElementLeft, time.Now()))
	h.Handle(runEvent(runtime.EventRunLeft, time.Now()))

	if n := len(exporter.GetSpans()); n != 0 {
		t.Errorf("spans = %d, want 0", n)
	}
}
