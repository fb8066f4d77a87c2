package eventdef

import (
	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
)

// Signal catches or throws a signal, Escalation an escalation. Both match
// on the referenced element id; an anonymous catch takes any.
type Signal struct {
	base
	kind       string
	isThrowing bool
	reference  core.Reference
}

// NewSignal creates a signal definition.
func NewSignal(a *activity.Activity, ed activity.EventDefinition) (*Signal, error) {
	return newReferenced(a, ed, core.MessageTypeSignal, "signalRef")
}

// NewEscalation creates an escalation definition.
func NewEscalation(a *activity.Activity, ed activity.EventDefinition) (*Signal, error) {
	return newReferenced(a, ed, core.MessageTypeEscalate, "escalationRef")
}

func newReferenced(a *activity.Activity, ed activity.EventDefinition, kind, key string) (*Signal, error) {
	ref, err := resolveReference(a, ed, key, kind)
	if err != nil {
		return nil, err
	}
	return &Signal{base: newBase(a, ed.Type), kind: kind, isThrowing: a.IsThrowing(), reference: ref}, nil
}

// Reference returns the resolved reference.
func (s *Signal) Reference() core.Reference { return s.reference }

// Execute catches or throws.
func (s *Signal) Execute(msg *broker.Message) {
	if s.isThrowing {
		s.executeThrow(msg)
		return
	}
	x := &signalExecution{definition: s, content: msg.Content.Clone(), executionID: msg.Content.ExecutionID}
	x.execute()
}

func (s *Signal) executeThrow(msg *broker.Message) {
	content := msg.Content.Clone()
	s.debug(content.ExecutionID, "throw "+describe(s.reference))
	thrown := parentScoped(content)
	thrown.Message = s.reference.Map()
	for k, v := range content.Message {
		if _, ok := thrown.Message[k]; !ok {
			thrown.Message[k] = v
		}
	}
	thrown.State = "throw"
	s.broker.Publish(core.ExchangeEvent, "activity."+s.kind, thrown, broker.Properties{
		Type:     s.kind,
		Delegate: true,
	})
	s.publishCompleted(content, broker.Properties{})
}

type signalExecution struct {
	definition  *Signal
	content     *core.Content
	executionID string
}

func (x *signalExecution) execute() {
	s := x.definition
	b := s.broker
	_, _ = b.SubscribeTmp(core.ExchangeAPI, "*."+s.kind+".#", x.onSignal, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: x.signalTag(),
		Priority:    400,
	})
	_, _ = b.SubscribeTmp(core.ExchangeAPI, "activity.#."+x.executionID, x.onApiMessage, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: "_api-" + x.executionID,
	})

	s.debug(x.executionID, "expect "+describe(s.reference))
	wait := parentScoped(x.content)
	wait.State = "wait"
	wait.Expect = s.reference.Map()
	b.Publish(core.ExchangeEvent, core.KeyActivityWait, wait, broker.Properties{Type: "wait"})
}

func (x *signalExecution) onSignal(routingKey string, msg *broker.Message) {
	s := x.definition
	content := msg.Content
	if !x.matches(content) {
		return
	}
	if msg.Properties.Delegate {
		consumed := parentScoped(x.content)
		consumed.Message = core.CloneMap(content.Message)
		s.broker.Publish(core.ExchangeEvent, core.KeyActivityConsumed, consumed, broker.Properties{
			CorrelationID: msg.Properties.CorrelationID,
			Type:          s.kind,
		})
	}
	x.complete(content.Message, msg.Properties.CorrelationID)
}

func (x *signalExecution) matches(content *core.Content) bool {
	ref := x.definition.reference
	if ref.ID == "" {
		return true
	}
	if messageString(content.Message, "id") == ref.ID {
		return true
	}
	parent := parentExecutionID(x.content)
	return content.ExecutionID == x.executionID || (parent != "" && content.ExecutionID == parent)
}

func (x *signalExecution) complete(message map[string]any, correlationID string) {
	x.stop()
	s := x.definition
	s.debug(x.executionID, "caught "+describe(s.reference))
	caught := parentScoped(x.content)
	caught.Message = core.CloneMap(message)
	caught.State = "catch"
	s.broker.Publish(core.ExchangeEvent, core.KeyActivityCatch, caught, broker.Properties{Type: core.MessageTypeCatch})

	done := x.content.Clone()
	done.Output = core.CloneMap(message)
	done.State = "catch"
	s.publishCompleted(done, broker.Properties{CorrelationID: correlationID})
}

func (x *signalExecution) onApiMessage(_ string, msg *broker.Message) {
	switch msg.Properties.Type {
	case core.MessageTypeDiscard:
		x.stop()
		x.definition.broker.Publish(core.ExchangeExecution, core.KeyExecuteDiscard, x.content.Clone(), broker.Properties{})
	case core.MessageTypeStop:
		x.stop()
	}
}

func (x *signalExecution) stop() {
	b := x.definition.broker
	b.Cancel(x.signalTag())
	b.Cancel("_api-" + x.executionID)
}

func (x *signalExecution) signalTag() string {
	return "_api-" + x.definition.kind + "-" + x.executionID
}
