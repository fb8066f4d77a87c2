package events

import (
	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/eventdef"
)

// BoundaryEvent runs while the activity it is attached to runs. When its
// definitions complete an interrupting boundary discards the attached
// activity and completes once it has left. A non-interrupting boundary, or
// one whose definition detached the attached activity, completes at once.
// If the attached activity leaves first the boundary is discarded, unless a
// definition detached it.
type BoundaryEvent struct {
	activity    *activity.Activity
	definitions definitions
	current     *boundaryExecution
}

// NewBoundaryEvent is the activity factory of boundary events.
func NewBoundaryEvent(a *activity.Activity, _ activity.Context) activity.Behaviour {
	return &BoundaryEvent{activity: a, definitions: newDefinitions(a, eventdef.KeyExecuteBoundCompleted)}
}

type boundaryExecution struct {
	event       *BoundaryEvent
	executionID string
	content     *core.Content
	attachedTo  *activity.Activity
	attachedRef core.Ref

	boundCompleted *core.Content
	attachedTags   []string
	shovels        []string
	ownTags        []string
	done           bool
}

// Execute handles root execute messages and forwards definition messages.
func (b *BoundaryEvent) Execute(msg *broker.Message) {
	content := msg.Content
	if !content.IsRootScope {
		b.definitions.run(msg)
		return
	}

	attachedTo := b.activity.AttachedTo()
	if attachedTo == nil {
		b.activity.Broker().Publish(core.ExchangeExecution, core.KeyExecuteCompleted, content.Clone(), broker.Properties{})
		return
	}

	if b.current != nil && b.current.executionID != content.ExecutionID {
		b.current.teardown()
	}
	x := &boundaryExecution{
		event:       b,
		executionID: content.ExecutionID,
		content:     content.Clone(),
		attachedTo:  attachedTo,
	}
	if len(content.Inbound) > 0 {
		x.attachedRef = content.Inbound[0]
	} else {
		x.attachedRef = core.Ref{ID: attachedTo.ID(), ExecutionID: attachedTo.ExecutionID()}
	}
	b.current = x
	x.subscribe()

	if msg.Fields.Redelivered && msg.Fields.RoutingKey == eventdef.KeyExecuteBoundCompleted {
		x.onBoundCompleted(eventdef.KeyExecuteBoundCompleted, msg)
		return
	}
	if !b.definitions.run(msg) {
		x.complete(content)
	}
}

func (x *boundaryExecution) subscribe() {
	own := x.event.activity.Broker()
	leaveTag := "_bound-listener-" + x.executionID
	_, _ = x.attachedTo.Broker().SubscribeTmp(core.ExchangeEvent, core.KeyActivityLeave, x.onAttachedLeave, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: leaveTag,
		Priority:    300,
	})
	x.attachedTags = append(x.attachedTags, leaveTag)

	x.subscribeOwn(own, core.ExchangeExecution, core.KeyExecuteExpect, "_expect-", x.onExpect)
	x.subscribeOwn(own, core.ExchangeExecution, core.KeyExecuteDetach, "_detach-", x.onDetach)
	x.subscribeOwn(own, core.ExchangeExecution, eventdef.KeyExecuteBoundCompleted, "_bound-completed-", x.onBoundCompleted)
	x.subscribeOwn(own, core.ExchangeAPI, "activity.*."+x.executionID, "_bound-api-", x.onApiMessage)
}

func (x *boundaryExecution) subscribeOwn(b *broker.Broker, exchange, pattern, prefix string, h broker.Handler) {
	tag := prefix + x.executionID
	_, _ = b.SubscribeTmp(exchange, pattern, h, broker.ConsumeOptions{NoAck: true, ConsumerTag: tag, Priority: 300})
	x.ownTags = append(x.ownTags, tag)
}

func (x *boundaryExecution) onAttachedLeave(_ string, msg *broker.Message) {
	if msg.Content.ID != x.attachedTo.ID() || x.done {
		return
	}
	if x.boundCompleted != nil {
		debugf(x.event.activity, x.executionID, "<%s> left, completing", x.attachedTo.ID())
		x.complete(x.boundCompleted)
		return
	}
	debugf(x.event.activity, x.executionID, "<%s> left before boundary completed, discarding", x.attachedTo.ID())
	x.teardown()
	x.event.activity.Discard()
}

func (x *boundaryExecution) onBoundCompleted(_ string, msg *broker.Message) {
	if x.done {
		return
	}
	result := msg.Content.Clone()
	if !x.event.activity.CancelActivity() {
		x.complete(result)
		return
	}
	x.boundCompleted = result
	// A detached attached activity is left alone; its leave is no longer
	// listened for.
	if len(x.shovels) > 0 || !x.attachedTo.IsRunning() {
		x.complete(result)
		return
	}
	debugf(x.event.activity, x.executionID, "discarding <%s>", x.attachedTo.ID())
	executionID := x.attachedRef.ExecutionID
	if executionID == "" {
		executionID = x.attachedTo.ExecutionID()
	}
	attached := &core.Content{ID: x.attachedTo.ID(), Type: string(x.attachedTo.Type()), ExecutionID: executionID}
	activity.NewApi("activity", x.attachedTo.Broker(), attached).Discard()
}

func (x *boundaryExecution) onExpect(_ string, msg *broker.Message) {
	expect := msg.Content
	exchange := expect.Exchange
	exchangeKey := expect.ExchangeKey
	own := x.event.activity.Broker()
	tag := "_onexpect-" + x.executionID + "-" + exchangeKey
	_, _ = x.attachedTo.Broker().SubscribeOnce(core.ExchangeEvent, expect.Pattern, func(_ string, caught *broker.Message) {
		own.Publish(exchange, exchangeKey, caught.Content.Clone(), broker.Properties{Type: caught.Properties.Type})
	}, broker.ConsumeOptions{ConsumerTag: tag, Priority: 400})
	x.attachedTags = append(x.attachedTags, tag)
}

func (x *boundaryExecution) onDetach(_ string, msg *broker.Message) {
	detach := msg.Content
	x.attachedTo.Broker().Cancel("_bound-listener-" + x.executionID)

	sourceExchange := detach.SourceExchange
	if sourceExchange == "" {
		sourceExchange = core.ExchangeExecution
	}
	pattern := detach.SourcePattern
	if pattern == "" {
		pattern = "#"
	}
	name := "detached-" + core.BrokerSafeID(x.event.activity.ID()) + "-" + x.executionID + "-" + detach.BindExchange
	debugf(x.event.activity, x.executionID, "detach <%s> %s to %s", x.attachedTo.ID(), sourceExchange, detach.BindExchange)
	if err := x.attachedTo.Broker().CreateShovel(name, sourceExchange, pattern, x.event.activity.Broker(), detach.BindExchange); err != nil {
		x.event.activity.Logger().Warn("detach failed", "error", err)
		return
	}
	x.shovels = append(x.shovels, name)
}

func (x *boundaryExecution) onApiMessage(_ string, msg *broker.Message) {
	switch msg.Properties.Type {
	case core.MessageTypeDiscard, core.MessageTypeStop:
		x.teardown()
	}
}

func (x *boundaryExecution) complete(result *core.Content) {
	x.teardown()
	done := x.content.Clone()
	done.Output = core.CloneMap(result.Output)
	done.Message = core.CloneMap(result.Message)
	done.State = result.State
	x.event.activity.Broker().Publish(core.ExchangeExecution, core.KeyExecuteCompleted, done, broker.Properties{})
}

func (x *boundaryExecution) teardown() {
	x.done = true
	attached := x.attachedTo.Broker()
	for _, tag := range x.attachedTags {
		attached.Cancel(tag)
	}
	for _, name := range x.shovels {
		attached.CloseShovel(name)
	}
	own := x.event.activity.Broker()
	for _, tag := range x.ownTags {
		own.Cancel(tag)
	}
	x.attachedTags, x.shovels, x.ownTags = nil, nil, nil
}
