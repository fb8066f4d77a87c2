package otel

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/procflow/runtime"
)

// EnrichEmitter stamps events with the trace and span ids of the span they
// belong to: the execution's element span if one is open, else the run
// span. Events with neither pass through untouched.
func EnrichEmitter(emit runtime.EventEmitter, tracing *TracingHandler) runtime.EventEmitter {
	return func(e runtime.Event) {
		if sc := spanContextFor(tracing, e); sc.IsValid() {
			e.TraceID = sc.TraceID().String()
			e.SpanID = sc.SpanID().String()
		}
		emit(e)
	}
}

func spanContextFor(tracing *TracingHandler, e runtime.Event) trace.SpanContext {
	if e.ExecutionID != "" && !e.Kind.IsRun() {
		if sc := tracing.ActiveSpanContext(e.RunID, e.ExecutionID); sc.IsValid() {
			return sc
		}
	}
	if e.RunID == "" {
		return trace.SpanContext{}
	}
	return tracing.ActiveRunSpanContext(e.RunID)
}

// Decorator adapts EnrichEmitter to runtime.WithDecorators.
func Decorator(tracing *TracingHandler) runtime.EventEmitterDecorator {
	return func(next runtime.EventEmitter) runtime.EventEmitter {
		return EnrichEmitter(next, tracing)
	}
}
