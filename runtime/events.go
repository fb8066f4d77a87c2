// Package runtime turns the broker traffic of a process run into a stream
// of structured events for observers such as loggers, journals, tracing and
// metrics.
package runtime

import (
	"time"
)

// EventKind identifies the type of event observed on a run.
type EventKind string

const (
	// EventRunEntered is emitted when a process run is entered.
	EventRunEntered EventKind = "run.entered"

	// EventRunStarted is emitted when the process starts executing its
	// elements.
	EventRunStarted EventKind = "run.started"

	// EventRunFinished is emitted when every element of the run completed.
	EventRunFinished EventKind = "run.finished"

	// EventRunDiscarded is emitted when the run was discarded.
	EventRunDiscarded EventKind = "run.discarded"

	// EventRunFailed is emitted when an uncaught error ended the run.
	EventRunFailed EventKind = "run.failed"

	// EventRunStopped is emitted when the run was stopped for a later resume.
	EventRunStopped EventKind = "run.stopped"

	// EventRunLeft is emitted last, once the run has settled.
	EventRunLeft EventKind = "run.left"

	EventElementEntered   EventKind = "element.entered"
	EventElementStarted   EventKind = "element.started"
	EventElementWaiting   EventKind = "element.waiting"
	EventElementTimer     EventKind = "element.timer"
	EventElementCaught    EventKind = "element.caught"
	EventElementFinished  EventKind = "element.finished"
	EventElementDiscarded EventKind = "element.discarded"
	EventElementFailed    EventKind = "element.failed"
	EventElementStopped   EventKind = "element.stopped"
	EventElementLeft      EventKind = "element.left"

	// EventSignalThrown is emitted for signals and escalations thrown by an
	// element.
	EventSignalThrown EventKind = "signal.thrown"

	// EventFlowTaken is emitted when a sequence flow carries a token.
	EventFlowTaken EventKind = "flow.taken"

	// EventFlowDiscarded is emitted when a sequence flow is discarded.
	EventFlowDiscarded EventKind = "flow.discarded"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// IsRun reports whether the kind describes the run as a whole.
func (k EventKind) IsRun() bool {
	switch k {
	case EventRunEntered, EventRunStarted, EventRunFinished, EventRunDiscarded,
		EventRunFailed, EventRunStopped, EventRunLeft:
		return true
	}
	return false
}

// IsTerminal reports whether the kind ends a run.
func (k EventKind) IsTerminal() bool {
	switch k {
	case EventRunFinished, EventRunDiscarded, EventRunFailed:
		return true
	}
	return false
}

// Event is a structured record of something that happened during a run.
// Keep payloads small; messages and outputs are copied as is.
type Event struct {
	// Kind identifies the event type.
	Kind EventKind `json:"kind"`

	// RunID is the execution id of the process run.
	RunID string `json:"runId"`

	// ProcessID is the id of the process definition.
	ProcessID string `json:"processId"`

	// ElementID is the element that produced the event, empty for run events.
	ElementID string `json:"elementId,omitempty"`

	// ElementType is the element type, such as bpmn:UserTask.
	ElementType string `json:"elementType,omitempty"`

	// ExecutionID is the execution id of the element or, for flows, the
	// sequence id of the token.
	ExecutionID string `json:"executionId,omitempty"`

	// ParentID is the scope the element runs in.
	ParentID string `json:"parentId,omitempty"`

	Time time.Time `json:"time"`

	// Elapsed is the time since the run was entered.
	Elapsed time.Duration `json:"elapsed,omitempty"`

	Payload map[string]any `json:"payload,omitempty"`

	// Seq is a monotonic sequence number per run (1-indexed).
	Seq uint64 `json:"seq"`

	// TraceID is the OpenTelemetry trace ID (hex-encoded, empty when OTel inactive).
	TraceID string `json:"traceId,omitempty"`

	// SpanID is the OpenTelemetry span ID (hex-encoded, empty when OTel inactive).
	SpanID string `json:"spanId,omitempty"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(kind EventKind, runID string) Event {
	return Event{
		Kind:    kind,
		RunID:   runID,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithElement sets the element information on the event.
func (e Event) WithElement(elementID, elementType, executionID string) Event {
	e.ElementID = elementID
	e.ElementType = elementType
	e.ExecutionID = executionID
	return e
}

// WithElapsed sets the elapsed duration on the event.
func (e Event) WithElapsed(elapsed time.Duration) Event {
	e.Elapsed = elapsed
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventEmitter is a function type for emitting events.
type EventEmitter func(Event)

// EventEmitterDecorator wraps an emitter to add cross-cutting behavior,
// such as stamping trace metadata.
type EventEmitterDecorator func(EventEmitter) EventEmitter

// EventPublisher can publish events to external subscribers.
// This interface is satisfied by bus.EventBus, allowing the runtime
// to distribute events without importing the bus package directly.
type EventPublisher interface {
	Publish(event Event)
}

// EventHandler is a function type for handling events.
type EventHandler func(Event)

// PublisherHandler returns a handler publishing every event to pub.
func PublisherHandler(pub EventPublisher) EventHandler {
	return func(e Event) {
		pub.Publish(e)
	}
}

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelEventHandler returns a handler that sends events to a channel.
// Events are dropped when the channel is full.
func ChannelEventHandler(ch chan<- Event) EventHandler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
		}
	}
}
