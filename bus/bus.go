// Package bus distributes and persists procflow run events. A runtime.Tap
// feeds events into an EventBus; subscribers such as the console printer,
// the event stores and the telemetry handlers consume them decoupled from
// the process that produced them.
package bus

import "github.com/petal-labs/procflow/runtime"

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(event runtime.Event)

	// Subscribe registers a subscriber for a specific run. When kinds are
	// given only events of those kinds are delivered.
	// Returns a Subscription that must be closed when done.
	Subscribe(runID string, kinds ...runtime.EventKind) Subscription

	// SubscribeAll registers a subscriber that receives events from all runs.
	// Returns a Subscription that must be closed when done.
	SubscribeAll(kinds ...runtime.EventKind) Subscription

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription.
	Events() <-chan runtime.Event

	// Close unsubscribes and releases resources.
	Close() error
}

// Handler adapts a bus to a runtime.EventHandler so it can be attached to
// a process with runtime.Attach.
func Handler(b EventBus) runtime.EventHandler {
	return b.Publish
}
