package graph

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/environment"
	"github.com/petal-labs/procflow/registry"
)

func testEnv() *environment.Environment {
	return environment.New(environment.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func nested() *Definition {
	return &Definition{
		ID:        "order",
		Variables: map[string]any{"region": "eu"},
		References: []core.Reference{
			{ID: "Cancelled", Type: "bpmn:Signal", Name: "Cancelled"},
		},
		Elements: []ElementDef{
			{ID: "start", Type: core.TypeStartEvent},
			{ID: "tx", Type: core.TypeTransaction},
			{ID: "tx_start", Type: core.TypeStartEvent, Parent: "tx"},
			{ID: "sub", Type: core.TypeSubProcess, Parent: "tx"},
			{ID: "deep", Type: core.TypeTask, Parent: "sub"},
			{ID: "guard", Type: core.TypeBoundaryEvent, AttachedTo: "tx"},
			{ID: "end", Type: core.TypeEndEvent},
			{ID: "note", Type: registry.TypeTextAnnotation},
		},
		SequenceFlows: []FlowDef{
			{ID: "f1", Source: "start", Target: "tx"},
			{ID: "f2", Source: "tx", Target: "end"},
			{ID: "inner", Source: "tx_start", Target: "sub"},
		},
		Associations: []FlowDef{
			{ID: "a1", Source: "end", Target: "note"},
		},
	}
}

func TestBuild_Scopes(t *testing.T) {
	g, err := Build(nested(), testEnv())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	ids := func(scope string) []string {
		var out []string
		for _, a := range g.Activities(scope) {
			out = append(out, a.ID())
		}
		return out
	}

	tests := []struct {
		scope string
		want  []string
	}{
		{scope: "order", want: []string{"start", "tx", "guard", "end", "note"}},
		{scope: "tx", want: []string{"tx_start", "sub"}},
		{scope: "sub", want: []string{"deep"}},
	}
	for _, tt := range tests {
		got := ids(tt.scope)
		if len(got) != len(tt.want) {
			t.Fatalf("Activities(%s) = %v, want %v", tt.scope, got, tt.want)
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("Activities(%s)[%d] = %s, want %s", tt.scope, i, got[i], tt.want[i])
			}
		}
	}

	if got := len(g.SequenceFlows("order")); got != 2 {
		t.Errorf("SequenceFlows(order) = %d, want 2", got)
	}
	if got := len(g.SequenceFlows("tx")); got != 1 {
		t.Errorf("SequenceFlows(tx) = %d, want 1", got)
	}
	if got := len(g.Associations("order")); got != 1 {
		t.Errorf("Associations(order) = %d, want 1", got)
	}
	if got := len(g.AllActivities()); got != 8 {
		t.Errorf("AllActivities() = %d, want 8", got)
	}
}

func TestBuild_ParentPath(t *testing.T) {
	g, err := Build(nested(), testEnv())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	deep := g.ActivityByID("deep")
	parent := deep.Parent()
	if parent.ID != "sub" {
		t.Fatalf("parent = %s, want sub", parent.ID)
	}
	want := []string{"tx", "order"}
	if len(parent.Path) != len(want) {
		t.Fatalf("path = %+v, want %v", parent.Path, want)
	}
	for i, id := range want {
		if parent.Path[i].ID != id {
			t.Errorf("path[%d] = %s, want %s", i, parent.Path[i].ID, id)
		}
	}
	if !deep.InTransaction() {
		t.Error("deep.InTransaction() = false, want true")
	}
	if g.ActivityByID("end").InTransaction() {
		t.Error("end.InTransaction() = true, want false")
	}
	if !g.ActivityByID("tx").IsTransaction() {
		t.Error("tx.IsTransaction() = false")
	}
}

func TestBuild_Elements(t *testing.T) {
	env := testEnv()
	g, err := Build(nested(), env)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if got := env.Variables()["region"]; got != "eu" {
		t.Errorf("variable region = %v, want eu", got)
	}
	if !g.ActivityByID("end").IsThrowing() {
		t.Error("end event should throw")
	}
	if !g.ActivityByID("note").Placeholder() {
		t.Error("text annotation should be a placeholder")
	}
	if !g.ActivityByID("guard").CancelActivity() {
		t.Error("boundary should interrupt by default")
	}
	attached := g.AttachedActivities("tx")
	if len(attached) != 1 || attached[0].ID() != "guard" {
		t.Errorf("AttachedActivities(tx) = %v, want guard", attached)
	}
	if got := len(g.InboundSequenceFlows("tx")); got != 1 {
		t.Errorf("InboundSequenceFlows(tx) = %d, want 1", got)
	}
	if got := len(g.OutboundAssociations("end")); got != 1 {
		t.Errorf("OutboundAssociations(end) = %d, want 1", got)
	}
	if !g.ActivityByID("start").IsStart() {
		t.Error("start.IsStart() = false")
	}
	if g.ActivityByID("guard").IsStart() {
		t.Error("boundary event must not start a scope")
	}
}

func TestGraph_ReferenceByID(t *testing.T) {
	g, err := Build(nested(), testEnv())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	ref, ok := g.ReferenceByID("Cancelled")
	if !ok || ref.Name != "Cancelled" {
		t.Errorf("ReferenceByID(Cancelled) = %+v, %v", ref, ok)
	}
	ref, ok = g.ReferenceByID("deep")
	if !ok || ref.Type != string(core.TypeTask) {
		t.Errorf("ReferenceByID(deep) = %+v, %v; want the task", ref, ok)
	}
	if _, ok := g.ReferenceByID("missing"); ok {
		t.Error("ReferenceByID(missing) found a reference")
	}
}

func TestBuild_InvalidDefinition(t *testing.T) {
	def := nested()
	def.SequenceFlows = append(def.SequenceFlows, FlowDef{ID: "f9", Source: "start", Target: "ghost"})

	_, err := Build(def, testEnv())
	if !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("Build() error = %v, want ErrInvalidDefinition", err)
	}
	var diagErr *DiagnosticError
	if !errors.As(err, &diagErr) {
		t.Fatalf("error type = %T, want *DiagnosticError", err)
	}
	if !hasCode(diagErr.Diagnostics, "PD-003") {
		t.Errorf("diagnostics %+v missing PD-003", diagErr.Diagnostics)
	}
}

func TestBuild_WithRegistry(t *testing.T) {
	reg := registry.New()
	reg.Register(registry.ElementTypeDef{Type: "custom:Step", Category: registry.CategoryTask})

	def := linear()
	def.Elements[1].Type = "custom:Step"

	if _, err := Build(def, testEnv()); err == nil {
		t.Fatal("global registry should reject custom:Step")
	}
	g, err := Build(def, testEnv(), WithRegistry(reg))
	if err != nil {
		t.Fatalf("Build(WithRegistry) error = %v", err)
	}
	if g.ActivityByID("task").Behaviour() != nil {
		t.Error("type without factory should have no behaviour")
	}
}
