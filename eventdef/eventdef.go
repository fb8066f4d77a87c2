// Package eventdef implements the catch/throw protocol of event
// definitions. A throwing definition publishes its signal and completes
// at once; a catching definition subscribes to the signal it expects and
// completes when the correlated message arrives, tearing down every
// subscription on completion, cancel, discard and stop.
package eventdef

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mitchellh/mapstructure"

	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
)

// ErrUnknownDefinition is returned for an event definition type that has
// no behaviour.
var ErrUnknownDefinition = errors.New("eventdef: unknown event definition type")

// Definition is the behaviour of one event definition.
type Definition interface {
	Type() core.ElementType
	Execute(msg *broker.Message)
}

// Build creates the behaviours of every event definition of a.
func Build(a *activity.Activity) ([]Definition, error) {
	defs := a.EventDefinitions()
	out := make([]Definition, 0, len(defs))
	for i, ed := range defs {
		d, err := newDefinition(a, ed)
		if err != nil {
			return nil, fmt.Errorf("eventdef: %s[%d]: %w", a.ID(), i, err)
		}
		out = append(out, d)
	}
	return out, nil
}

func newDefinition(a *activity.Activity, ed activity.EventDefinition) (Definition, error) {
	switch ed.Type {
	case core.TypeTimerEventDefinition:
		return NewTimer(a, ed)
	case core.TypeCancelEventDefinition:
		return NewCancel(a, ed), nil
	case core.TypeCompensateEventDefinition:
		return NewCompensate(a, ed)
	case core.TypeSignalEventDefinition:
		return NewSignal(a, ed)
	case core.TypeEscalationEventDefinition:
		return NewEscalation(a, ed)
	case core.TypeErrorEventDefinition:
		return NewError(a, ed)
	case core.TypeTerminateEventDefinition:
		return NewTerminate(a, ed), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDefinition, ed.Type)
	}
}

// refSettings is the common shape of a definition reference setting.
type refSettings struct {
	ID string `mapstructure:"id"`
}

func decodeBehaviour(in map[string]any, out any) error {
	if len(in) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(in); err != nil {
		return fmt.Errorf("decode behaviour: %w", err)
	}
	return nil
}

// resolveReference looks up the reference named by key in the behaviour
// settings. An unresolved reference is anonymous.
func resolveReference(a *activity.Activity, ed activity.EventDefinition, key, referenceType string) (core.Reference, error) {
	raw, ok := ed.Behaviour[key]
	if !ok {
		return core.AnonymousReference(referenceType), nil
	}
	var id string
	if s, isString := raw.(string); isString {
		id = s
	} else {
		var settings map[string]refSettings
		if err := decodeBehaviour(map[string]any{key: raw}, &settings); err != nil {
			return core.Reference{}, err
		}
		id = settings[key].ID
	}
	if id == "" || a.Context() == nil {
		return core.AnonymousReference(referenceType), nil
	}
	ref, found := a.Context().ReferenceByID(id)
	if !found {
		return core.AnonymousReference(referenceType), nil
	}
	ref.ReferenceType = referenceType
	return ref, nil
}

func describe(ref core.Reference) string {
	if ref.ID == "" {
		return "anonymous " + ref.ReferenceType
	}
	return fmt.Sprintf("%s <%s>", ref.Name, ref.ID)
}

// base carries what every definition needs from its activity.
type base struct {
	activity *activity.Activity
	broker   *broker.Broker
	typ      core.ElementType
	logger   *slog.Logger
}

func newBase(a *activity.Activity, typ core.ElementType) base {
	name := strings.ToLower(strings.TrimPrefix(string(typ), "bpmn:"))
	return base{
		activity: a,
		broker:   a.Broker(),
		typ:      typ,
		logger:   a.Logger().With("definition", name),
	}
}

// Type returns the definition type.
func (b *base) Type() core.ElementType { return b.typ }

func (b *base) debug(executionID, msg string) {
	b.logger.Debug(fmt.Sprintf("<%s (%s)> %s", executionID, b.activity.ID(), msg))
}

func (b *base) publishCompleted(content *core.Content, props broker.Properties) {
	b.broker.Publish(core.ExchangeExecution, core.KeyExecuteCompleted, content, props)
}

// parentScoped returns content addressed to the activity execution that
// owns the definition execution.
func parentScoped(content *core.Content) *core.Content {
	c := content.Clone()
	if content.Parent != nil {
		c.ExecutionID = content.Parent.ExecutionID
	}
	c.Parent = core.ShiftParent(content.Parent)
	return c
}

func messageString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

var referenceKeys = map[core.ElementType]struct{ referenceType, key string }{
	core.TypeSignalEventDefinition:     {core.MessageTypeSignal, "signalRef"},
	core.TypeEscalationEventDefinition: {core.MessageTypeEscalate, "escalationRef"},
	core.TypeErrorEventDefinition:      {core.MessageTypeError, "errorRef"},
	core.TypeCompensateEventDefinition: {core.MessageTypeCompensate, "activityRef"},
	core.TypeCancelEventDefinition:     {core.MessageTypeCancel, ""},
}

// ReferenceOf returns the message type a definition catches and the id of
// the reference it expects, empty when anonymous. ok is false for
// definitions that are not triggered by a message, such as timers.
func ReferenceOf(ed activity.EventDefinition) (referenceType, id string, ok bool) {
	rk, ok := referenceKeys[ed.Type]
	if !ok {
		return "", "", false
	}
	if rk.key == "" {
		return rk.referenceType, "", true
	}
	switch raw := ed.Behaviour[rk.key].(type) {
	case string:
		id = raw
	case map[string]any:
		id, _ = raw["id"].(string)
	}
	return rk.referenceType, id, true
}
