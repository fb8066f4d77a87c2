package eventdef

import (
	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/flow"
)

const compensateQueue = "compensate-q"

// Compensate catches or throws a compensation. The catching side collects
// the execution results of the activity it is detached from and conveys
// them to its outbound associations once compensation is requested.
type Compensate struct {
	base
	isThrowing   bool
	reference    core.Reference
	queueName    string
	associations []*flow.Association
}

// NewCompensate creates a compensate definition.
func NewCompensate(a *activity.Activity, ed activity.EventDefinition) (*Compensate, error) {
	ref, err := resolveReference(a, ed, "activityRef", core.MessageTypeCompensate)
	if err != nil {
		return nil, err
	}
	compensationID := "anonymous"
	if ref.ID != "" {
		compensationID = ref.ID
	}
	c := &Compensate{
		base:       newBase(a, ed.Type),
		isThrowing: a.IsThrowing(),
		reference:  ref,
		queueName:  "compensate-" + core.BrokerSafeID(a.ID()) + "-" + core.BrokerSafeID(compensationID) + "-q",
	}
	if a.Context() != nil {
		c.associations = a.Context().OutboundAssociations(a.ID())
	}
	if !c.isThrowing {
		c.broker.AssertQueue(c.queueName, broker.QueueOptions{Durable: true})
		_, _ = c.broker.BindQueue(c.queueName, core.ExchangeAPI, "*.compensate.#", broker.BindOptions{Durable: true, Priority: 400})
	}
	return c, nil
}

// Reference returns the resolved compensation reference.
func (c *Compensate) Reference() core.Reference { return c.reference }

// Execute catches or throws.
func (c *Compensate) Execute(msg *broker.Message) {
	if c.isThrowing {
		c.executeThrow(msg)
		return
	}
	x := &compensateExecution{definition: c, content: msg.Content.Clone(), executionID: msg.Content.ExecutionID}
	x.execute()
}

func (c *Compensate) executeThrow(msg *broker.Message) {
	content := msg.Content.Clone()
	c.debug(content.ExecutionID, "throw "+describe(c.reference))
	compensate := parentScoped(content)
	compensate.Message = c.reference.Map()
	compensate.State = "throw"
	c.broker.Publish(core.ExchangeEvent, "activity.compensate", compensate, broker.Properties{
		Type:     core.MessageTypeCompensate,
		Delegate: true,
	})
	c.publishCompleted(content, broker.Properties{})
}

type compensateExecution struct {
	definition  *Compensate
	content     *core.Content
	executionID string
	compensateQ *broker.Queue
	completed   bool
}

func (x *compensateExecution) execute() {
	c := x.definition
	b := c.broker
	_, _ = b.Consume(c.queueName, x.onCompensateApiMessage, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: "_oncompensate-" + x.executionID,
	})
	if x.completed {
		return
	}
	_, _ = b.SubscribeTmp(core.ExchangeAPI, "activity.#."+x.executionID, x.onApiMessage, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: "_api-" + x.executionID,
	})
	if x.completed {
		x.stop()
		return
	}

	c.debug(x.executionID, "expect "+describe(c.reference))

	b.AssertExchange(core.ExchangeCompensate)
	x.compensateQ = b.AssertQueue(compensateQueue, broker.QueueOptions{Durable: true})
	_, _ = b.SubscribeTmp(core.ExchangeCompensate, "execute.#", x.onCollect, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: "_oncollect-messages",
	})

	detach := x.content.Clone()
	detach.BindExchange = core.ExchangeCompensate
	b.Publish(core.ExchangeExecution, core.KeyExecuteDetach, detach, broker.Properties{})

	detached := parentScoped(x.content)
	detached.BindExchange = core.ExchangeCompensate
	detached.Expect = c.reference.Map()
	b.Publish(core.ExchangeEvent, core.KeyActivityDetach, detached, broker.Properties{})
}

func (x *compensateExecution) onCollect(routingKey string, msg *broker.Message) {
	switch routingKey {
	case core.KeyExecuteError, core.KeyExecuteCompleted:
		x.compensateQ.QueueMessage(msg.Fields, msg.Content.Clone(), msg.Properties)
	}
}

func (x *compensateExecution) onCompensateApiMessage(_ string, msg *broker.Message) {
	c := x.definition
	output := core.CloneMap(msg.Content.Message)
	x.completed = true
	x.stop()
	c.debug(x.executionID, "caught "+describe(c.reference))

	caught := parentScoped(x.content)
	caught.Message = core.CloneMap(output)
	caught.State = "catch"
	c.broker.Publish(core.ExchangeEvent, core.KeyActivityCatch, caught, broker.Properties{Type: core.MessageTypeCatch})

	completed := func() {
		done := x.content.Clone()
		done.Output = output
		done.State = "catch"
		c.publishCompleted(done, broker.Properties{})
	}

	if x.compensateQ == nil || x.compensateQ.Len() == 0 {
		x.completeAssociations(msg)
		completed()
		return
	}

	var off func()
	off = x.compensateQ.OnDepleted(func() {
		off()
		completed()
	})
	x.compensateQ.Consume(func(_ string, collected *broker.Message) {
		for _, assoc := range c.associations {
			assoc.Take(collected.Content)
		}
	}, broker.ConsumeOptions{NoAck: true, ConsumerTag: "_convey-messages"})
	x.completeAssociations(msg)
}

func (x *compensateExecution) completeAssociations(msg *broker.Message) {
	for _, assoc := range x.definition.associations {
		assoc.Complete(msg.Content)
	}
}

func (x *compensateExecution) onApiMessage(routingKey string, msg *broker.Message) {
	switch msg.Properties.Type {
	case core.MessageTypeCompensate:
		x.onCompensateApiMessage(routingKey, msg)
	case core.MessageTypeDiscard:
		x.completed = true
		x.stop()
		for _, assoc := range x.definition.associations {
			assoc.Discard(msg.Content)
		}
		x.definition.broker.Publish(core.ExchangeExecution, core.KeyExecuteDiscard, x.content.Clone(), broker.Properties{})
	case core.MessageTypeStop:
		x.stop()
	}
}

func (x *compensateExecution) stop() {
	b := x.definition.broker
	b.Cancel("_api-" + x.executionID)
	b.Cancel("_oncompensate-" + x.executionID)
	b.Cancel("_oncollect-messages")
	b.Cancel("_convey-messages")
}
