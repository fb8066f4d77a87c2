// Package flow implements the edges of a process graph: sequence flows that
// carry tokens between activities, associations that link activities to
// compensation handlers, and message flows that leave the process.
package flow

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/environment"
)

// Definition describes a sequence flow or an association.
type Definition struct {
	ID        string
	Name      string
	SourceID  string
	TargetID  string
	Condition string
	Default   bool
	Parent    core.Parent
}

// Counters tracks what a sequence flow did.
type Counters struct {
	Take    int `json:"take"`
	Discard int `json:"discard"`
	Looped  int `json:"looped"`
}

// State is the serializable state of a flow.
type State struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Counters Counters `json:"counters"`
}

// SequenceFlow carries tokens from its source to its target activity.
type SequenceFlow struct {
	id        string
	name      string
	sourceID  string
	targetID  string
	condition string
	isDefault bool
	parent    core.Parent

	broker   *broker.Broker
	env      *environment.Environment
	logger   *slog.Logger
	counters Counters
	stopped  bool
}

// NewSequenceFlow creates a sequence flow with its own broker.
func NewSequenceFlow(def Definition, env *environment.Environment) *SequenceFlow {
	b := broker.New(def.ID)
	b.AssertExchange(core.ExchangeEvent)
	return &SequenceFlow{
		id:        def.ID,
		name:      def.Name,
		sourceID:  def.SourceID,
		targetID:  def.TargetID,
		condition: def.Condition,
		isDefault: def.Default,
		parent:    def.Parent,
		broker:    b,
		env:       env,
		logger:    env.Logger().With("element", def.ID),
	}
}

// ID returns the flow id.
func (f *SequenceFlow) ID() string { return f.id }

// Type returns the flow element type.
func (f *SequenceFlow) Type() core.ElementType { return core.TypeSequenceFlow }

// SourceID returns the id of the source activity.
func (f *SequenceFlow) SourceID() string { return f.sourceID }

// TargetID returns the id of the target activity.
func (f *SequenceFlow) TargetID() string { return f.targetID }

// IsDefault reports whether the flow is its source default flow.
func (f *SequenceFlow) IsDefault() bool { return f.isDefault }

// Broker returns the flow broker.
func (f *SequenceFlow) Broker() *broker.Broker { return f.broker }

// Counters returns the flow counters.
func (f *SequenceFlow) Counters() Counters { return f.counters }

// Activate clears a previous stop.
func (f *SequenceFlow) Activate() {
	f.stopped = false
}

// Stop makes the flow ignore take and discard until activated again.
func (f *SequenceFlow) Stop() {
	f.stopped = true
}

// EvaluateCondition reports whether the flow should be taken for the
// source message. A flow without condition is always taken.
func (f *SequenceFlow) EvaluateCondition(content *core.Content) (bool, error) {
	if f.condition == "" {
		return true, nil
	}
	val, err := f.env.ResolveExpression(f.condition, content)
	if err != nil {
		return false, fmt.Errorf("flow %s: condition: %w", f.id, err)
	}
	return environment.IsTruthy(val), nil
}

// Take publishes a flow.take token for the target activity. It reports
// false if the flow is stopped.
func (f *SequenceFlow) Take(source *core.Content) bool {
	if f.stopped {
		return false
	}
	f.counters.Take++
	content := f.createContent(source)
	content.SequenceID = core.UniqueID(f.id)
	f.debug(content.SequenceID, "take, target <"+f.targetID+">")
	f.publish(core.KeyFlowTake, content, broker.Properties{})
	return true
}

// Discard publishes flow.discard, or flow.looped when the discard sequence
// already visited the target.
func (f *SequenceFlow) Discard(source *core.Content) {
	if f.stopped {
		return
	}
	content := f.createContent(source)
	content.SequenceID = core.UniqueID(f.id)
	var discardSequence []string
	if source != nil {
		discardSequence = slices.Clone(source.DiscardSequence)
	}
	if slices.Contains(discardSequence, f.targetID) {
		f.counters.Looped++
		content.DiscardSequence = discardSequence
		f.debug(content.SequenceID, "discard loop detected <"+f.targetID+">")
		f.publish(core.KeyFlowLooped, content, broker.Properties{})
		return
	}
	f.counters.Discard++
	content.DiscardSequence = append(discardSequence, f.sourceID)
	f.debug(content.SequenceID, "discard, target <"+f.targetID+">")
	f.publish(core.KeyFlowDiscard, content, broker.Properties{})
}

// Shake extends a reachability probe through the flow. The probe content
// keeps the id of the element it started from.
func (f *SequenceFlow) Shake(probe *core.Content) {
	content := probe.Clone()
	props := broker.Properties{Type: core.MessageTypeShake, Transient: true}
	for _, step := range content.Sequence {
		if step.ID == f.id {
			f.publish(core.KeyFlowShakeLoop, content, props)
			return
		}
	}
	content.Sequence = append(content.Sequence, core.ShakeStep{
		ID:             f.id,
		Type:           string(core.TypeSequenceFlow),
		IsSequenceFlow: true,
		TargetID:       f.targetID,
	})
	f.publish(core.KeyFlowShake, content, props)
}

// GetState returns the flow state.
func (f *SequenceFlow) GetState() State {
	return State{ID: f.id, Type: string(core.TypeSequenceFlow), Counters: f.counters}
}

// Recover restores counters.
func (f *SequenceFlow) Recover(state State) {
	f.counters = state.Counters
}

func (f *SequenceFlow) createContent(source *core.Content) *core.Content {
	parent := f.parent.Clone()
	content := &core.Content{
		ID:             f.id,
		Type:           string(core.TypeSequenceFlow),
		Name:           f.name,
		SourceID:       f.sourceID,
		TargetID:       f.targetID,
		IsSequenceFlow: true,
		Parent:         parent,
	}
	if source != nil {
		content.Message = core.CloneMap(source.Message)
		if source.Parent != nil && source.Parent.ExecutionID != "" {
			content.Parent = source.Parent.Clone()
		}
	}
	return content
}

func (f *SequenceFlow) publish(routingKey string, content *core.Content, props broker.Properties) {
	f.broker.Publish(core.ExchangeEvent, routingKey, content, props)
}

func (f *SequenceFlow) debug(sequenceID, msg string) {
	f.logger.Debug(fmt.Sprintf("<%s (%s)> %s", sequenceID, f.id, msg))
}
