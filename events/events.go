// Package events implements the behaviours of start, end, intermediate and
// boundary events. Events with event definitions run them through an
// eventdef.Execution; events without complete at once, except the
// intermediate catch event which waits for a signal.
package events

import (
	"fmt"

	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/eventdef"
)

// definitions wraps the optional event definition execution of an event.
type definitions struct {
	activity  *activity.Activity
	execution *eventdef.Execution
	err       error
}

func newDefinitions(a *activity.Activity, completedKey string) definitions {
	d := definitions{activity: a}
	if len(a.EventDefinitions()) == 0 {
		return d
	}
	defs, err := eventdef.Build(a)
	if err != nil {
		d.err = err
		return d
	}
	d.execution = eventdef.NewExecution(a, defs, completedKey)
	return d
}

// run executes the definitions. It reports false when the event has none.
func (d definitions) run(msg *broker.Message) bool {
	if d.err != nil {
		if msg.Content.IsRootScope && !msg.Fields.Redelivered {
			failed := msg.Content.Clone()
			failed.Error = core.NewActivityError(d.err.Error(), msg.Content.Ref(), d.err)
			d.activity.Broker().Publish(core.ExchangeExecution, core.KeyExecuteError, failed, broker.Properties{Mandatory: true})
		}
		return true
	}
	if d.execution == nil {
		return false
	}
	d.execution.Execute(msg)
	return true
}

func complete(a *activity.Activity, content *core.Content) {
	a.Broker().Publish(core.ExchangeExecution, core.KeyExecuteCompleted, content.Clone(), broker.Properties{})
}

// StartEvent starts a scope.
type StartEvent struct {
	activity    *activity.Activity
	definitions definitions
}

// NewStartEvent is the activity factory of start events.
func NewStartEvent(a *activity.Activity, _ activity.Context) activity.Behaviour {
	return &StartEvent{activity: a, definitions: newDefinitions(a, "")}
}

// Execute completes, or runs the event definitions.
func (s *StartEvent) Execute(msg *broker.Message) {
	if s.definitions.run(msg) {
		return
	}
	if msg.Fields.Redelivered && msg.Fields.RoutingKey != core.KeyExecuteStart {
		return
	}
	content := msg.Content.Clone()
	if content.Message != nil {
		content.Output = core.CloneMap(content.Message)
	}
	complete(s.activity, content)
}

// EndEvent ends a path.
type EndEvent struct {
	activity    *activity.Activity
	definitions definitions
}

// NewEndEvent is the activity factory of end events.
func NewEndEvent(a *activity.Activity, _ activity.Context) activity.Behaviour {
	return &EndEvent{activity: a, definitions: newDefinitions(a, "")}
}

// Execute completes, or throws its event definitions.
func (e *EndEvent) Execute(msg *broker.Message) {
	if e.definitions.run(msg) {
		return
	}
	complete(e.activity, msg.Content)
}

// IntermediateThrowEvent throws its definitions and continues.
type IntermediateThrowEvent struct {
	activity    *activity.Activity
	definitions definitions
}

// NewIntermediateThrowEvent is the activity factory of throw events.
func NewIntermediateThrowEvent(a *activity.Activity, _ activity.Context) activity.Behaviour {
	return &IntermediateThrowEvent{activity: a, definitions: newDefinitions(a, "")}
}

// Execute throws.
func (e *IntermediateThrowEvent) Execute(msg *broker.Message) {
	if e.definitions.run(msg) {
		return
	}
	complete(e.activity, msg.Content)
}

// IntermediateCatchEvent waits for its definitions, or for an api signal
// when it has none.
type IntermediateCatchEvent struct {
	activity    *activity.Activity
	definitions definitions
}

// NewIntermediateCatchEvent is the activity factory of catch events.
func NewIntermediateCatchEvent(a *activity.Activity, _ activity.Context) activity.Behaviour {
	return &IntermediateCatchEvent{activity: a, definitions: newDefinitions(a, "")}
}

// Execute waits.
func (e *IntermediateCatchEvent) Execute(msg *broker.Message) {
	if e.definitions.run(msg) {
		return
	}
	content := msg.Content.Clone()
	executionID := content.ExecutionID
	b := e.activity.Broker()
	tag := "_api-" + executionID
	delegatedTag := "_api-delegated-" + executionID
	stop := func() {
		b.Cancel(tag)
		b.Cancel(delegatedTag)
	}
	signal := func(message map[string]any) {
		stop()
		done := content.Clone()
		done.Output = core.CloneMap(message)
		done.State = "signal"
		complete(e.activity, done)
	}
	_, _ = b.SubscribeTmp(core.ExchangeAPI, "activity.#."+executionID, func(_ string, api *broker.Message) {
		switch api.Properties.Type {
		case core.MessageTypeSignal:
			signal(api.Content.Message)
		case core.MessageTypeDiscard:
			stop()
			b.Publish(core.ExchangeExecution, core.KeyExecuteDiscard, content.Clone(), broker.Properties{})
		case core.MessageTypeStop:
			stop()
		}
	}, broker.ConsumeOptions{NoAck: true, ConsumerTag: tag, Priority: 400})
	_, _ = b.SubscribeTmp(core.ExchangeAPI, "*.signal.#", func(_ string, api *broker.Message) {
		if !api.Properties.Delegate {
			return
		}
		if id, _ := api.Content.Message["id"].(string); id != e.activity.ID() {
			return
		}
		consumed := content.Clone()
		consumed.Message = core.CloneMap(api.Content.Message)
		b.Publish(core.ExchangeEvent, core.KeyActivityConsumed, consumed, broker.Properties{
			CorrelationID: api.Properties.CorrelationID,
			Type:          core.MessageTypeSignal,
		})
		signal(api.Content.Message)
	}, broker.ConsumeOptions{NoAck: true, ConsumerTag: delegatedTag, Priority: 400})

	wait := content.Clone()
	wait.State = "wait"
	e.activity.PublishEvent("wait", wait, broker.Properties{})
}

func debugf(a *activity.Activity, executionID, format string, args ...any) {
	a.Logger().Debug(fmt.Sprintf("<%s (%s)> ", executionID, a.ID()) + fmt.Sprintf(format, args...))
}
