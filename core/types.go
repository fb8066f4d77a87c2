// Package core provides the foundational types for procflow process runs.
//
// This package contains:
//   - Element types: ElementType and the well-known BPMN element names
//   - Message content: Content, Parent, Ref (the payload of every broker message)
//   - Parent path helpers used to address nested scopes
//   - Unique id generation and error types shared by all packages
package core

import (
	"maps"
	"slices"
	"time"
)

// ElementType identifies the kind of a process graph element.
type ElementType string

const (
	TypeProcess                ElementType = "bpmn:Process"
	TypeSubProcess             ElementType = "bpmn:SubProcess"
	TypeTransaction            ElementType = "bpmn:Transaction"
	TypeTask                   ElementType = "bpmn:Task"
	TypeSignalTask             ElementType = "bpmn:UserTask"
	TypeStartEvent             ElementType = "bpmn:StartEvent"
	TypeEndEvent               ElementType = "bpmn:EndEvent"
	TypeIntermediateCatchEvent ElementType = "bpmn:IntermediateCatchEvent"
	TypeIntermediateThrowEvent ElementType = "bpmn:IntermediateThrowEvent"
	TypeBoundaryEvent          ElementType = "bpmn:BoundaryEvent"
	TypeExclusiveGateway       ElementType = "bpmn:ExclusiveGateway"
	TypeEventBasedGateway      ElementType = "bpmn:EventBasedGateway"
	TypeSequenceFlow           ElementType = "bpmn:SequenceFlow"
	TypeAssociation            ElementType = "bpmn:Association"
	TypeMessageFlow            ElementType = "bpmn:MessageFlow"

	TypeTimerEventDefinition      ElementType = "bpmn:TimerEventDefinition"
	TypeCancelEventDefinition     ElementType = "bpmn:CancelEventDefinition"
	TypeCompensateEventDefinition ElementType = "bpmn:CompensateEventDefinition"
	TypeSignalEventDefinition     ElementType = "bpmn:SignalEventDefinition"
	TypeEscalationEventDefinition ElementType = "bpmn:EscalationEventDefinition"
	TypeErrorEventDefinition      ElementType = "bpmn:ErrorEventDefinition"
	TypeTerminateEventDefinition  ElementType = "bpmn:TerminateEventDefinition"
)

// String returns the string representation of the ElementType.
func (t ElementType) String() string {
	return string(t)
}

// Ref is a lightweight reference to an element execution.
type Ref struct {
	ID             string `json:"id,omitempty"`
	Type           string `json:"type,omitempty"`
	ExecutionID    string `json:"executionId,omitempty"`
	IsSequenceFlow bool   `json:"isSequenceFlow,omitempty"`
	SequenceID     string `json:"sequenceId,omitempty"`
}

// Parent describes the scope a message was produced in. Path holds the
// ancestors of the parent, closest first.
type Parent struct {
	ID          string `json:"id,omitempty"`
	Type        string `json:"type,omitempty"`
	ExecutionID string `json:"executionId,omitempty"`
	Path        []Ref  `json:"path,omitempty"`
}

// Clone returns a deep copy of the parent. A nil parent clones to nil.
func (p *Parent) Clone() *Parent {
	if p == nil {
		return nil
	}
	c := *p
	c.Path = slices.Clone(p.Path)
	return &c
}

// OutboundAction instructs an activity what to do with one outbound flow.
type OutboundAction struct {
	ID     string `json:"id"`
	Action string `json:"action"` // "take" | "discard"
}

// ShakeStep is one element visited by a reachability probe.
type ShakeStep struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	IsSequenceFlow bool   `json:"isSequenceFlow,omitempty"`
	TargetID       string `json:"targetId,omitempty"`
}

// Content is the payload carried by every broker message in a run.
// Fields are optional; each routing key documents which ones it uses.
type Content struct {
	ID          string  `json:"id,omitempty"`
	Type        string  `json:"type,omitempty"`
	Name        string  `json:"name,omitempty"`
	ExecutionID string  `json:"executionId,omitempty"`
	Parent      *Parent `json:"parent,omitempty"`
	State       string  `json:"state,omitempty"`

	IsRootScope       bool `json:"isRootScope,omitempty"`
	IsSequenceFlow    bool `json:"isSequenceFlow,omitempty"`
	IsAssociation     bool `json:"isAssociation,omitempty"`
	IsStart           bool `json:"isStart,omitempty"`
	IsEnd             bool `json:"isEnd,omitempty"`
	IsTransaction     bool `json:"isTransaction,omitempty"`
	IsForCompensation bool `json:"isForCompensation,omitempty"`
	IsResumed         bool `json:"isResumed,omitempty"`
	Placeholder       bool `json:"placeholder,omitempty"`
	IgnoreOutbound    bool `json:"ignoreOutbound,omitempty"`

	SequenceID string `json:"sequenceId,omitempty"`
	SourceID   string `json:"sourceId,omitempty"`
	TargetID   string `json:"targetId,omitempty"`
	AttachedTo string `json:"attachedTo,omitempty"`
	Index      int    `json:"index,omitempty"`

	Inbound         []Ref            `json:"inbound,omitempty"`
	Outbound        []OutboundAction `json:"outbound,omitempty"`
	DiscardSequence []string         `json:"discardSequence,omitempty"`
	Sequence        []ShakeStep      `json:"sequence,omitempty"`

	Message map[string]any `json:"message,omitempty"`
	Output  map[string]any `json:"output,omitempty"`
	Error   *ActivityError `json:"error,omitempty"`
	Source  *Ref           `json:"source,omitempty"`

	TimeDuration string         `json:"timeDuration,omitempty"`
	TimeDate     string         `json:"timeDate,omitempty"`
	TimeCycle    string         `json:"timeCycle,omitempty"`
	TimerType    string         `json:"timerType,omitempty"`
	ExpireAt     *time.Time     `json:"expireAt,omitempty"`
	Timeout      *time.Duration `json:"timeout,omitempty"`
	StartedAt    *time.Time     `json:"startedAt,omitempty"`
	StoppedAt    *time.Time     `json:"stoppedAt,omitempty"`
	RunningTime  time.Duration  `json:"runningTime,omitempty"`

	Pattern        string         `json:"pattern,omitempty"`
	Exchange       string         `json:"exchange,omitempty"`
	ExchangeKey    string         `json:"exchangeKey,omitempty"`
	BindExchange   string         `json:"bindExchange,omitempty"`
	SourceExchange string         `json:"sourceExchange,omitempty"`
	SourcePattern  string         `json:"sourcePattern,omitempty"`
	Expect         map[string]any `json:"expect,omitempty"`

	Data map[string]any `json:"data,omitempty"`
}

// Clone returns a deep copy of the content. Nested maps are copied one level
// deep for values that are themselves maps or slices.
func (c *Content) Clone() *Content {
	if c == nil {
		return &Content{}
	}
	out := *c
	out.Parent = c.Parent.Clone()
	out.Inbound = slices.Clone(c.Inbound)
	out.Outbound = slices.Clone(c.Outbound)
	out.DiscardSequence = slices.Clone(c.DiscardSequence)
	out.Sequence = slices.Clone(c.Sequence)
	out.Message = CloneMap(c.Message)
	out.Output = CloneMap(c.Output)
	out.Expect = CloneMap(c.Expect)
	out.Data = CloneMap(c.Data)
	if c.Error != nil {
		e := *c.Error
		out.Error = &e
	}
	if c.Source != nil {
		s := *c.Source
		out.Source = &s
	}
	if c.ExpireAt != nil {
		t := *c.ExpireAt
		out.ExpireAt = &t
	}
	if c.Timeout != nil {
		d := *c.Timeout
		out.Timeout = &d
	}
	if c.StartedAt != nil {
		t := *c.StartedAt
		out.StartedAt = &t
	}
	if c.StoppedAt != nil {
		t := *c.StoppedAt
		out.StoppedAt = &t
	}
	return &out
}

// Ref returns a reference to the element execution described by the content.
func (c *Content) Ref() Ref {
	return Ref{
		ID:             c.ID,
		Type:           c.Type,
		ExecutionID:    c.ExecutionID,
		IsSequenceFlow: c.IsSequenceFlow,
		SequenceID:     c.SequenceID,
	}
}

// CloneMap copies a payload map. Nested maps and slices are copied so that
// receivers can mutate their copy freely.
func CloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := maps.Clone(m)
	for k, v := range out {
		switch val := v.(type) {
		case map[string]any:
			out[k] = CloneMap(val)
		case []any:
			out[k] = slices.Clone(val)
		}
	}
	return out
}
