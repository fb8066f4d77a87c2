package eventdef

import (
	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
)

// Cancel catches or throws a cancel. A catching cancel attached to a
// transaction waits for the compensation of the transaction before it
// completes.
type Cancel struct {
	base
	isThrowing     bool
	cancelQ        *broker.Queue
	executeMessage *broker.Message
	completed      bool
}

// NewCancel creates a cancel definition. A catching definition asserts its
// durable catch queue right away so that cancels sent before execution are
// kept.
func NewCancel(a *activity.Activity, ed activity.EventDefinition) *Cancel {
	c := &Cancel{base: newBase(a, ed.Type), isThrowing: a.IsThrowing()}
	if !c.isThrowing {
		name := "cancel-" + core.BrokerSafeID(a.ID()) + "-q"
		c.cancelQ = c.broker.AssertQueue(name, broker.QueueOptions{Durable: true})
		_, _ = c.broker.BindQueue(name, core.ExchangeAPI, "*.cancel.#", broker.BindOptions{Durable: true, Priority: 400})
	}
	return c
}

// ExecutionID returns the id of the running execution.
func (c *Cancel) ExecutionID() string {
	if c.executeMessage == nil {
		return ""
	}
	return c.executeMessage.Content.ExecutionID
}

// Execute catches or throws.
func (c *Cancel) Execute(msg *broker.Message) {
	c.executeMessage = msg
	c.completed = false
	if c.isThrowing {
		c.executeThrow(msg)
		return
	}
	c.executeCatch(msg)
}

func (c *Cancel) executeCatch(msg *broker.Message) {
	content := msg.Content
	executionID := content.ExecutionID
	parentExecutionID := parentExecutionID(content)

	c.cancelQ.Consume(c.onCatchMessage, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: "_oncancel-" + executionID,
	})
	if c.completed {
		return
	}

	_, _ = c.broker.SubscribeTmp(core.ExchangeAPI, "activity.#."+parentExecutionID, c.onApiMessage, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: "_api-parent-" + parentExecutionID,
	})
	_, _ = c.broker.SubscribeTmp(core.ExchangeAPI, "activity.#."+executionID, c.onApiMessage, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: "_api-" + executionID,
	})

	c.debug(executionID, "expect cancel")

	exchangeKey := "execute.canceled." + executionID
	_, _ = c.broker.SubscribeOnce(core.ExchangeExecution, exchangeKey, c.onCatchMessage, broker.ConsumeOptions{
		ConsumerTag: "_onattached-cancel-" + executionID,
	})

	expect := content.Clone()
	expect.Pattern = "#.cancel"
	expect.Exchange = core.ExchangeExecution
	expect.ExchangeKey = exchangeKey
	c.broker.Publish(core.ExchangeExecution, core.KeyExecuteExpect, expect, broker.Properties{})
}

func (c *Cancel) executeThrow(msg *broker.Message) {
	content := msg.Content
	isTransaction := c.activity.InTransaction()
	if isTransaction {
		c.debug(content.ExecutionID, "throw cancel transaction")
	} else {
		c.debug(content.ExecutionID, "throw cancel")
	}

	cancel := parentScoped(content)
	cancel.IsTransaction = isTransaction
	cancel.State = "throw"
	c.broker.Publish(core.ExchangeEvent, "activity.cancel", cancel, broker.Properties{
		Type:     core.MessageTypeCancel,
		Delegate: isTransaction,
	})
	c.publishCompleted(content.Clone(), broker.Properties{})
}

func (c *Cancel) onCatchMessage(_ string, msg *broker.Message) {
	if msg.Content != nil && msg.Content.IsTransaction {
		c.onCancelTransaction(msg)
		return
	}
	c.debug(c.ExecutionID(), "cancel caught from <"+msg.Content.ID+">")
	c.complete(msg.Content.Message)
}

func (c *Cancel) onCancelTransaction(msg *broker.Message) {
	executionID := c.ExecutionID()
	executeContent := c.executeMessage.Content
	c.broker.Cancel("_oncancel-" + executionID)

	c.debug(executionID, "cancel transaction thrown by <"+msg.Content.ID+">")

	c.broker.AssertExchange(core.ExchangeCancel)
	detach := executeContent.Clone()
	detach.Pattern = "#"
	detach.BindExchange = core.ExchangeCancel
	detach.SourceExchange = core.ExchangeEvent
	detach.SourcePattern = "#"
	c.broker.Publish(core.ExchangeExecution, core.KeyExecuteDetach, detach, broker.Properties{})

	compensate := msg.Content.Clone()
	compensate.State = "throw"
	c.broker.Publish(core.ExchangeEvent, "activity.compensate", compensate, broker.Properties{
		Type:     core.MessageTypeCompensate,
		Delegate: true,
	})

	output := msg.Content.Message
	attachedTo := executeContent.AttachedTo
	_, _ = c.broker.SubscribeTmp(core.ExchangeCancel, core.KeyActivityLeave, func(_ string, left *broker.Message) {
		if left.Content.ID != attachedTo {
			return
		}
		c.complete(output)
	}, broker.ConsumeOptions{NoAck: true, ConsumerTag: "_oncancelend-" + executionID})
}

func (c *Cancel) complete(output map[string]any) {
	c.completed = true
	c.stop()
	c.debug(c.ExecutionID(), "completed")
	content := c.executeMessage.Content.Clone()
	content.Output = core.CloneMap(output)
	content.State = "cancel"
	c.publishCompleted(content, broker.Properties{})
}

func (c *Cancel) onApiMessage(_ string, msg *broker.Message) {
	switch msg.Properties.Type {
	case core.MessageTypeDiscard:
		c.completed = true
		c.stop()
		c.broker.Publish(core.ExchangeExecution, core.KeyExecuteDiscard, c.executeMessage.Content.Clone(), broker.Properties{})
	case core.MessageTypeStop:
		c.stop()
	}
}

func (c *Cancel) stop() {
	content := c.executeMessage.Content
	executionID := content.ExecutionID
	c.broker.Cancel("_api-parent-" + parentExecutionID(content))
	c.broker.Cancel("_api-" + executionID)
	c.broker.Cancel("_oncancel-" + executionID)
	c.broker.Cancel("_oncancelend-" + executionID)
	c.broker.Cancel("_onattached-cancel-" + executionID)
	c.cancelQ.Purge()
}

func parentExecutionID(content *core.Content) string {
	if content.Parent == nil {
		return ""
	}
	return content.Parent.ExecutionID
}
