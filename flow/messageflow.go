package flow

import (
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/environment"
)

// MessageFlowDefinition describes a message flow leaving the process.
type MessageFlowDefinition struct {
	ID       string
	Name     string
	SourceID string
	TargetID string
	Parent   core.Parent
}

// MessageFlow relays the end of its source element as message.outbound.
type MessageFlow struct {
	id       string
	name     string
	sourceID string
	targetID string
	parent   core.Parent
	source   *broker.Broker
	broker   *broker.Broker
	messages int
}

// NewMessageFlow creates a message flow listening to the source broker.
func NewMessageFlow(def MessageFlowDefinition, source *broker.Broker, _ *environment.Environment) *MessageFlow {
	b := broker.New(def.ID)
	b.AssertExchange(core.ExchangeEvent)
	return &MessageFlow{
		id:       def.ID,
		name:     def.Name,
		sourceID: def.SourceID,
		targetID: def.TargetID,
		parent:   def.Parent,
		source:   source,
		broker:   b,
	}
}

// ID returns the message flow id.
func (m *MessageFlow) ID() string { return m.id }

// Broker returns the message flow broker.
func (m *MessageFlow) Broker() *broker.Broker { return m.broker }

// Activate starts relaying source ends.
func (m *MessageFlow) Activate() {
	if m.source == nil {
		return
	}
	_, _ = m.source.SubscribeTmp(core.ExchangeEvent, core.KeyActivityEnd, m.onSourceEnd, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: "_message-flow-" + m.id,
	})
}

// Deactivate stops relaying.
func (m *MessageFlow) Deactivate() {
	if m.source == nil {
		return
	}
	m.source.Cancel("_message-flow-" + m.id)
}

// GetState returns the message flow state.
func (m *MessageFlow) GetState() State {
	return State{ID: m.id, Type: string(core.TypeMessageFlow), Counters: Counters{Take: m.messages}}
}

// Recover restores counters.
func (m *MessageFlow) Recover(state State) {
	m.messages = state.Counters.Take
}

func (m *MessageFlow) onSourceEnd(_ string, msg *broker.Message) {
	if msg.Content.ID != m.sourceID {
		return
	}
	m.messages++
	m.broker.Publish(core.ExchangeEvent, "message.outbound", &core.Content{
		ID:       m.id,
		Type:     string(core.TypeMessageFlow),
		Name:     m.name,
		SourceID: m.sourceID,
		TargetID: m.targetID,
		Parent:   m.parent.Clone(),
		Message:  core.CloneMap(msg.Content.Message),
		Output:   core.CloneMap(msg.Content.Output),
	}, broker.Properties{})
}
