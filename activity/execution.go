package activity

import (
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
)

// Execution tracks one execute phase of an activity run. It keeps the
// latest message of every sub-execution and completes the run when the
// root execution settles.
type Execution struct {
	activity    *Activity
	executionID string
	runMessage  *broker.Message
	postponed   []*broker.Message
	completed   bool
	discarding  bool
}

func newExecution(a *Activity) *Execution {
	return &Execution{activity: a}
}

// ExecutionID returns the root execution id.
func (e *Execution) ExecutionID() string { return e.executionID }

// Completed reports whether the root execution has settled.
func (e *Execution) Completed() bool { return e.completed }

// Postponed returns the latest message of every running execution.
func (e *Execution) Postponed() []*broker.Message {
	return append([]*broker.Message(nil), e.postponed...)
}

// Execution returns the running execution, nil when not executing.
func (a *Activity) Execution() *Execution {
	return a.execution
}

func (e *Execution) execute(runMsg *broker.Message) {
	e.runMessage = runMsg
	e.executionID = runMsg.Content.ExecutionID
	resumed := runMsg.Fields.Redelivered && e.activity.executionQ.Len() > 0

	e.activity.executionQ.Consume(e.onExecuteMessage, broker.ConsumeOptions{
		ConsumerTag: executionConsumerTag,
		Prefetch:    100,
	})
	if resumed || e.completed {
		return
	}

	content := runMsg.Content.Clone()
	content.IsRootScope = true
	content.State = ""
	e.activity.broker.Publish(core.ExchangeExecution, core.KeyExecuteStart, content, broker.Properties{})
}

func (e *Execution) onExecuteMessage(routingKey string, msg *broker.Message) {
	if e.completed {
		msg.Ack()
		return
	}
	content := msg.Content
	redelivered := msg.Fields.Redelivered
	if redelivered && msg.Properties.Transient {
		msg.Ack()
		return
	}

	switch routingKey {
	case core.KeyExecuteCompleted, core.KeyExecuteError, core.KeyExecuteDiscard:
		if prev := e.popPostponed(content.ExecutionID); prev != nil {
			prev.Ack()
		}
		msg.Ack()
		if content.ExecutionID != e.executionID {
			return
		}
		e.complete(completionType(routingKey), content)
	case core.KeyExecuteTake:
		msg.Ack()
		if redelivered {
			return
		}
		e.activity.TakeOutbound(content)
	case core.KeyExecuteStart:
		e.postpone(msg)
		e.activity.behaviour.Execute(msg)
	default:
		e.postpone(msg)
		if redelivered {
			e.activity.behaviour.Execute(msg)
		}
	}
}

// Discard discards every running execution, the root last.
func (e *Execution) Discard() {
	if e.completed || e.discarding {
		return
	}
	e.discarding = true
	for _, msg := range e.Postponed() {
		if msg.Content.ExecutionID == e.executionID {
			continue
		}
		e.activity.GetApi(msg).Discard()
	}
	root := e.rootContent()
	NewApi("activity", e.activity.broker, root).Discard()
	if !e.completed {
		e.activity.broker.Publish(core.ExchangeExecution, core.KeyExecuteDiscard, root, broker.Properties{})
	}
}

// Stop stops every running execution. Unsettled execution messages are
// kept as redelivered.
func (e *Execution) Stop() {
	for _, msg := range e.Postponed() {
		e.activity.GetApi(msg).Stop()
	}
	e.activity.broker.Cancel(executionConsumerTag)
	e.postponed = nil
}

func (e *Execution) complete(kind string, content *core.Content) {
	e.completed = true
	for _, msg := range e.Postponed() {
		if msg.Content.ExecutionID != e.executionID && kind != core.MessageTypeDiscard {
			e.activity.GetApi(msg).Discard()
		}
		msg.Ack()
	}
	e.postponed = nil
	e.activity.onExecutionCompleted(e.runMessage, kind, content)
}

func (e *Execution) postpone(msg *broker.Message) {
	if prev := e.popPostponed(msg.Content.ExecutionID); prev != nil && prev != msg {
		prev.Ack()
	}
	e.postponed = append(e.postponed, msg)
}

func (e *Execution) popPostponed(executionID string) *broker.Message {
	for i, m := range e.postponed {
		if m.Content.ExecutionID == executionID {
			e.postponed = append(e.postponed[:i], e.postponed[i+1:]...)
			return m
		}
	}
	return nil
}

func (e *Execution) rootContent() *core.Content {
	for _, m := range e.postponed {
		if m.Content.ExecutionID == e.executionID {
			return m.Content.Clone()
		}
	}
	content := e.runMessage.Content.Clone()
	content.IsRootScope = true
	return content
}

func completionType(routingKey string) string {
	switch routingKey {
	case core.KeyExecuteError:
		return core.MessageTypeError
	case core.KeyExecuteDiscard:
		return core.MessageTypeDiscard
	default:
		return "completed"
	}
}
