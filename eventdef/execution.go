package eventdef

import (
	"fmt"
	"strings"

	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
)

// KeyExecuteBoundCompleted is published instead of execute.completed when
// the definitions of a boundary event complete; the boundary decides when
// its own execution is done.
const KeyExecuteBoundCompleted = "execute.bound.completed"

// Execution runs every event definition of an activity as a sub-execution.
// The first definition to complete completes the activity execution.
type Execution struct {
	activity     *activity.Activity
	definitions  []Definition
	completedKey string

	executionID string
	root        *core.Content
	completed   bool
	discarded   int
}

// NewExecution creates an execution over defs. completedKey is the routing
// key published when a definition completes, execute.completed if empty.
func NewExecution(a *activity.Activity, defs []Definition, completedKey string) *Execution {
	if completedKey == "" {
		completedKey = core.KeyExecuteCompleted
	}
	return &Execution{activity: a, definitions: defs, completedKey: completedKey}
}

// Definitions returns the definition behaviours.
func (e *Execution) Definitions() []Definition { return e.definitions }

// Execute starts the definitions for a root execute message and forwards
// sub-execution messages to their definition.
func (e *Execution) Execute(msg *broker.Message) {
	content := msg.Content
	if !content.IsRootScope {
		if content.Index < 0 || content.Index >= len(e.definitions) {
			return
		}
		e.definitions[content.Index].Execute(msg)
		return
	}

	e.executionID = content.ExecutionID
	e.root = content.Clone()
	e.completed = false
	e.discarded = 0

	b := e.activity.Broker()
	_, _ = b.SubscribeTmp(core.ExchangeExecution, "execute.#", e.onExecuteMessage, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: e.consumerTag(),
		Priority:    300,
	})
	_, _ = b.SubscribeTmp(core.ExchangeAPI, "activity.stop."+e.executionID, func(string, *broker.Message) {
		e.teardown()
	}, broker.ConsumeOptions{NoAck: true, ConsumerTag: e.stopTag(), Priority: 300})

	if msg.Fields.Redelivered {
		return
	}

	parentRef := core.Ref{ID: content.ID, Type: content.Type, ExecutionID: e.executionID}
	for i, d := range e.definitions {
		if e.completed {
			break
		}
		sub := content.Clone()
		sub.IsRootScope = false
		sub.ExecutionID = fmt.Sprintf("%s_%d", e.executionID, i)
		sub.Index = i
		sub.Type = string(d.Type())
		sub.Parent = core.UnshiftParent(content.Parent, parentRef)
		b.Publish(core.ExchangeExecution, core.KeyExecuteStart, sub, broker.Properties{})
	}
}

func (e *Execution) onExecuteMessage(routingKey string, msg *broker.Message) {
	content := msg.Content
	if e.completed || !strings.HasPrefix(content.ExecutionID, e.executionID+"_") {
		return
	}
	switch routingKey {
	case core.KeyExecuteCompleted:
		e.completed = true
		e.teardown()
		result := e.root.Clone()
		result.Output = core.CloneMap(content.Output)
		result.Message = core.CloneMap(content.Message)
		result.State = content.State
		result.Index = content.Index
		e.activity.Broker().Publish(core.ExchangeExecution, e.completedKey, result, broker.Properties{
			CorrelationID: msg.Properties.CorrelationID,
		})
	case core.KeyExecuteError:
		e.completed = true
		e.teardown()
		result := e.root.Clone()
		result.Error = content.Error
		e.activity.Broker().Publish(core.ExchangeExecution, core.KeyExecuteError, result, broker.Properties{Mandatory: true})
	case core.KeyExecuteDiscard:
		e.discarded++
		if e.discarded < len(e.definitions) {
			return
		}
		e.completed = true
		e.teardown()
		e.activity.Broker().Publish(core.ExchangeExecution, core.KeyExecuteDiscard, e.root.Clone(), broker.Properties{})
	}
}

func (e *Execution) teardown() {
	b := e.activity.Broker()
	b.Cancel(e.consumerTag())
	b.Cancel(e.stopTag())
}

func (e *Execution) consumerTag() string {
	return "_eventdefinition-execution-" + e.executionID
}

func (e *Execution) stopTag() string {
	return "_eventdefinition-stop-" + e.executionID
}
