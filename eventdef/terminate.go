package eventdef

import (
	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
)

// Terminate throws process.terminate and completes.
type Terminate struct {
	base
}

// NewTerminate creates a terminate definition.
func NewTerminate(a *activity.Activity, ed activity.EventDefinition) *Terminate {
	return &Terminate{base: newBase(a, ed.Type)}
}

// Execute throws the termination.
func (t *Terminate) Execute(msg *broker.Message) {
	content := msg.Content.Clone()
	t.debug(content.ExecutionID, "terminate")
	terminate := parentScoped(content)
	terminate.State = "terminate"
	t.broker.Publish(core.ExchangeEvent, core.KeyProcessTerminate, terminate, broker.Properties{Type: core.MessageTypeTerminate})
	t.publishCompleted(content, broker.Properties{})
}
