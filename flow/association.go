package flow

import (
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/environment"
)

// AssociationCounters tracks what an association did.
type AssociationCounters struct {
	Take     int `json:"take"`
	Discard  int `json:"discard"`
	Complete int `json:"complete"`
}

// AssociationState is the serializable state of an association.
type AssociationState struct {
	ID       string              `json:"id"`
	Type     string              `json:"type"`
	Counters AssociationCounters `json:"counters"`
}

// Association links a compensation catch to its compensation handler.
type Association struct {
	id       string
	sourceID string
	targetID string
	parent   core.Parent
	broker   *broker.Broker
	counters AssociationCounters
}

// NewAssociation creates an association with its own broker.
func NewAssociation(def Definition, _ *environment.Environment) *Association {
	b := broker.New(def.ID)
	b.AssertExchange(core.ExchangeEvent)
	return &Association{
		id:       def.ID,
		sourceID: def.SourceID,
		targetID: def.TargetID,
		parent:   def.Parent,
		broker:   b,
	}
}

// ID returns the association id.
func (a *Association) ID() string { return a.id }

// SourceID returns the id of the source element.
func (a *Association) SourceID() string { return a.sourceID }

// TargetID returns the id of the target element.
func (a *Association) TargetID() string { return a.targetID }

// Broker returns the association broker.
func (a *Association) Broker() *broker.Broker { return a.broker }

// Counters returns the association counters.
func (a *Association) Counters() AssociationCounters { return a.counters }

// Take conveys a message to the target.
func (a *Association) Take(source *core.Content) {
	a.counters.Take++
	a.publish("association.take", source)
}

// Discard tells the target that nothing will be conveyed.
func (a *Association) Discard(source *core.Content) {
	a.counters.Discard++
	a.publish("association.discard", source)
}

// Complete tells the target that conveying is done.
func (a *Association) Complete(source *core.Content) {
	a.counters.Complete++
	a.publish("association.complete", source)
}

// GetState returns the association state.
func (a *Association) GetState() AssociationState {
	return AssociationState{ID: a.id, Type: string(core.TypeAssociation), Counters: a.counters}
}

// Recover restores counters.
func (a *Association) Recover(state AssociationState) {
	a.counters = state.Counters
}

func (a *Association) publish(routingKey string, source *core.Content) {
	content := &core.Content{
		ID:            a.id,
		Type:          string(core.TypeAssociation),
		SourceID:      a.sourceID,
		TargetID:      a.targetID,
		IsAssociation: true,
		SequenceID:    core.UniqueID(a.id),
		Parent:        a.parent.Clone(),
	}
	if source != nil {
		content.Message = core.CloneMap(source.Message)
		content.Output = core.CloneMap(source.Output)
		content.Data = map[string]any{"sourceExecutionId": source.ExecutionID, "sourceType": source.Type}
	}
	a.broker.Publish(core.ExchangeEvent, routingKey, content, broker.Properties{})
}
