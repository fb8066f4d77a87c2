package flow

import (
	"io"
	"log/slog"
	"testing"

	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/environment"
)

func testEnv() *environment.Environment {
	return environment.New(environment.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

type recorder struct {
	keys     []string
	messages []*broker.Message
}

func listen(t *testing.T, b *broker.Broker) *recorder {
	t.Helper()
	r := &recorder{}
	_, err := b.SubscribeTmp(core.ExchangeEvent, "#", func(routingKey string, msg *broker.Message) {
		r.keys = append(r.keys, routingKey)
		r.messages = append(r.messages, msg)
	}, broker.ConsumeOptions{NoAck: true})
	if err != nil {
		t.Fatalf("SubscribeTmp() error = %v", err)
	}
	return r
}

func TestSequenceFlow_Take(t *testing.T) {
	f := NewSequenceFlow(Definition{ID: "f1", SourceID: "a", TargetID: "b", Parent: core.Parent{ID: "proc"}}, testEnv())
	r := listen(t, f.Broker())

	source := &core.Content{
		ID:      "a",
		Message: map[string]any{"k": "v"},
		Parent:  &core.Parent{ID: "proc", ExecutionID: "proc_1"},
	}
	if !f.Take(source) {
		t.Fatal("Take() = false")
	}
	if len(r.keys) != 1 || r.keys[0] != core.KeyFlowTake {
		t.Fatalf("keys = %v, want [%s]", r.keys, core.KeyFlowTake)
	}
	got := r.messages[0].Content
	if got.TargetID != "b" || !got.IsSequenceFlow || got.SequenceID == "" {
		t.Errorf("content = %+v", got)
	}
	if got.Parent.ExecutionID != "proc_1" {
		t.Errorf("Parent.ExecutionID = %q, want proc_1", got.Parent.ExecutionID)
	}
	if got.Message["k"] != "v" {
		t.Errorf("Message = %v", got.Message)
	}
	if f.Counters().Take != 1 {
		t.Errorf("Take counter = %d, want 1", f.Counters().Take)
	}
}

func TestSequenceFlow_StoppedIgnoresTokens(t *testing.T) {
	f := NewSequenceFlow(Definition{ID: "f1", SourceID: "a", TargetID: "b"}, testEnv())
	r := listen(t, f.Broker())

	f.Stop()
	if f.Take(&core.Content{}) {
		t.Error("stopped flow took a token")
	}
	f.Discard(&core.Content{})
	if len(r.keys) != 0 {
		t.Errorf("stopped flow published %v", r.keys)
	}

	f.Activate()
	if !f.Take(&core.Content{}) {
		t.Error("activated flow should take")
	}
}

func TestSequenceFlow_Discard(t *testing.T) {
	tests := []struct {
		name     string
		sequence []string
		wantKey  string
		wantSeq  []string
	}{
		{name: "first discard", wantKey: core.KeyFlowDiscard, wantSeq: []string{"a"}},
		{name: "extends sequence", sequence: []string{"x"}, wantKey: core.KeyFlowDiscard, wantSeq: []string{"x", "a"}},
		{name: "loop", sequence: []string{"b", "x"}, wantKey: core.KeyFlowLooped, wantSeq: []string{"b", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := NewSequenceFlow(Definition{ID: "f1", SourceID: "a", TargetID: "b"}, testEnv())
			r := listen(t, f.Broker())

			f.Discard(&core.Content{DiscardSequence: tt.sequence})
			if len(r.keys) != 1 || r.keys[0] != tt.wantKey {
				t.Fatalf("keys = %v, want [%s]", r.keys, tt.wantKey)
			}
			got := r.messages[0].Content.DiscardSequence
			if len(got) != len(tt.wantSeq) {
				t.Fatalf("DiscardSequence = %v, want %v", got, tt.wantSeq)
			}
			for i := range got {
				if got[i] != tt.wantSeq[i] {
					t.Errorf("DiscardSequence = %v, want %v", got, tt.wantSeq)
				}
			}
		})
	}
}

func TestSequenceFlow_Shake(t *testing.T) {
	f := NewSequenceFlow(Definition{ID: "f1", SourceID: "a", TargetID: "b"}, testEnv())
	r := listen(t, f.Broker())

	probe := &core.Content{ID: "start"}
	f.Shake(probe)
	if len(r.keys) != 1 || r.keys[0] != core.KeyFlowShake {
		t.Fatalf("keys = %v, want [%s]", r.keys, core.KeyFlowShake)
	}
	extended := r.messages[0].Content
	if extended.ID != "start" {
		t.Errorf("probe id = %s, want start", extended.ID)
	}
	if len(extended.Sequence) != 1 || extended.Sequence[0].TargetID != "b" {
		t.Fatalf("Sequence = %+v", extended.Sequence)
	}
	if !r.messages[0].Properties.Transient {
		t.Error("shake message should be transient")
	}
	if len(probe.Sequence) != 0 {
		t.Error("Shake() mutated the probe")
	}

	f.Shake(extended)
	if len(r.keys) != 2 || r.keys[1] != core.KeyFlowShakeLoop {
		t.Errorf("keys = %v, want loop detected", r.keys)
	}
}

func TestSequenceFlow_EvaluateCondition(t *testing.T) {
	env := testEnv()
	env.SetVariable("approved", true)

	tests := []struct {
		condition string
		want      bool
	}{
		{condition: "", want: true},
		{condition: "${environment.variables.approved}", want: true},
		{condition: "${content.message.ok}", want: false},
		{condition: "${environment.variables.missing}", want: false},
	}
	for _, tt := range tests {
		f := NewSequenceFlow(Definition{ID: "f1", Condition: tt.condition}, env)
		got, err := f.EvaluateCondition(&core.Content{Message: map[string]any{"ok": false}})
		if err != nil {
			t.Fatalf("EvaluateCondition(%q) error = %v", tt.condition, err)
		}
		if got != tt.want {
			t.Errorf("EvaluateCondition(%q) = %v, want %v", tt.condition, got, tt.want)
		}
	}
}

func TestSequenceFlow_StateRoundTrip(t *testing.T) {
	f := NewSequenceFlow(Definition{ID: "f1", SourceID: "a", TargetID: "b"}, testEnv())
	f.Take(&core.Content{})
	f.Discard(&core.Content{})

	g := NewSequenceFlow(Definition{ID: "f1", SourceID: "a", TargetID: "b"}, testEnv())
	g.Recover(f.GetState())
	if g.Counters() != (Counters{Take: 1, Discard: 1}) {
		t.Errorf("Counters() = %+v", g.Counters())
	}
}
