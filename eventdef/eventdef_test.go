package eventdef

import (
	"io"
	"log/slog"
	"testing"

	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/environment"
	"github.com/petal-labs/procflow/flow"
)

// refContext resolves references only.
type refContext map[string]core.Reference

func (c refContext) ActivityByID(string) *activity.Activity            { return nil }
func (c refContext) InboundSequenceFlows(string) []*flow.SequenceFlow  { return nil }
func (c refContext) OutboundSequenceFlows(string) []*flow.SequenceFlow { return nil }
func (c refContext) InboundAssociations(string) []*flow.Association    { return nil }
func (c refContext) OutboundAssociations(string) []*flow.Association   { return nil }
func (c refContext) AttachedActivities(string) []*activity.Activity    { return nil }
func (c refContext) ReferenceByID(id string) (core.Reference, bool) {
	ref, ok := c[id]
	return ref, ok
}

func testEnv() *environment.Environment {
	return environment.New(environment.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func newCatch(ctx activity.Context, eds ...activity.EventDefinition) *activity.Activity {
	return activity.New(activity.Definition{
		ID:               "catch",
		Type:             core.TypeIntermediateCatchEvent,
		Parent:           core.Parent{ID: "proc", Type: string(core.TypeProcess)},
		EventDefinitions: eds,
	}, nil, ctx, testEnv())
}

// executeMessage is the execute message of the first definition of an
// activity running as catch_1.
func executeMessage() *broker.Message {
	return &broker.Message{
		Fields: broker.Fields{RoutingKey: core.KeyExecuteStart},
		Content: &core.Content{
			ID:          "catch",
			Type:        string(core.TypeIntermediateCatchEvent),
			ExecutionID: "catch_1_0",
			Parent: &core.Parent{
				ID:          "catch",
				ExecutionID: "catch_1",
				Path:        []core.Ref{{ID: "proc", Type: string(core.TypeProcess), ExecutionID: "proc_1"}},
			},
		},
	}
}

type recorder struct {
	messages []*broker.Message
}

func (r *recorder) handle(_ string, msg *broker.Message) {
	r.messages = append(r.messages, msg)
}

func record(t *testing.T, b *broker.Broker, exchange, pattern string) *recorder {
	t.Helper()
	r := &recorder{}
	if _, err := b.SubscribeTmp(exchange, pattern, r.handle, broker.ConsumeOptions{NoAck: true}); err != nil {
		t.Fatalf("SubscribeTmp(%s) error = %v", pattern, err)
	}
	return r
}

func TestBuild_UnknownDefinition(t *testing.T) {
	a := newCatch(nil, activity.EventDefinition{Type: "bpmn:LinkEventDefinition"})
	if _, err := Build(a); err == nil {
		t.Fatal("Build() should reject a definition without behaviour")
	}
}

func TestBuild_Definitions(t *testing.T) {
	a := newCatch(nil,
		activity.EventDefinition{Type: core.TypeSignalEventDefinition},
		activity.EventDefinition{Type: core.TypeTimerEventDefinition, Behaviour: map[string]any{"timeDuration": "PT1M"}},
	)
	defs, err := Build(a)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("len(defs) = %d, want 2", len(defs))
	}
	if defs[1].Type() != core.TypeTimerEventDefinition {
		t.Errorf("defs[1].Type() = %s, want timer", defs[1].Type())
	}
	if got := defs[1].(*Timer).Settings().TimeDuration; got != "PT1M" {
		t.Errorf("timeDuration = %q, want PT1M", got)
	}
}

func TestReferenceOf(t *testing.T) {
	tests := []struct {
		name    string
		ed      activity.EventDefinition
		refType string
		id      string
		ok      bool
	}{
		{
			name:    "signal by map",
			ed:      activity.EventDefinition{Type: core.TypeSignalEventDefinition, Behaviour: map[string]any{"signalRef": map[string]any{"id": "Go"}}},
			refType: core.MessageTypeSignal,
			id:      "Go",
			ok:      true,
		},
		{
			name:    "error by string",
			ed:      activity.EventDefinition{Type: core.TypeErrorEventDefinition, Behaviour: map[string]any{"errorRef": "Broken"}},
			refType: core.MessageTypeError,
			id:      "Broken",
			ok:      true,
		},
		{
			name:    "anonymous escalation",
			ed:      activity.EventDefinition{Type: core.TypeEscalationEventDefinition},
			refType: core.MessageTypeEscalate,
			ok:      true,
		},
		{
			name:    "cancel",
			ed:      activity.EventDefinition{Type: core.TypeCancelEventDefinition},
			refType: core.MessageTypeCancel,
			ok:      true,
		},
		{
			name: "timer",
			ed:   activity.EventDefinition{Type: core.TypeTimerEventDefinition},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refType, id, ok := ReferenceOf(tt.ed)
			if refType != tt.refType || id != tt.id || ok != tt.ok {
				t.Errorf("ReferenceOf() = %q, %q, %v; want %q, %q, %v", refType, id, ok, tt.refType, tt.id, tt.ok)
			}
		})
	}
}

func TestParentScoped(t *testing.T) {
	got := parentScoped(executeMessage().Content)
	if got.ExecutionID != "catch_1" {
		t.Errorf("ExecutionID = %s, want catch_1", got.ExecutionID)
	}
	if got.Parent == nil || got.Parent.ID != "proc" || got.Parent.ExecutionID != "proc_1" {
		t.Errorf("Parent = %+v, want proc_1", got.Parent)
	}
}
