package loader

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/graph"
)

const orderYAML = `
id: order
name: Order
references:
  - id: Approved
    type: bpmn:Signal
    name: Approved
elements:
  - id: start
    type: bpmn:StartEvent
  - id: wait
    type: bpmn:IntermediateCatchEvent
    eventDefinitions:
      - type: bpmn:SignalEventDefinition
        behaviour:
          signalRef:
            id: Approved
  - id: timeout
    type: bpmn:BoundaryEvent
    attachedTo: wait
    cancelActivity: false
    eventDefinitions:
      - type: bpmn:TimerEventDefinition
        behaviour:
          timeDuration: PT1S
  - id: end
    type: bpmn:EndEvent
sequenceFlows:
  - {id: f1, source: start, target: wait}
  - {id: f2, source: wait, target: end}
`

const orderJSON = `{
  "id": "order_json",
  "elements": [
    {"id": "start", "type": "bpmn:StartEvent"},
    {"id": "end", "type": "bpmn:EndEvent"}
  ],
  "sequenceFlows": [{"id": "f1", "source": "start", "target": "end"}]
}`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadDefinition_YAML(t *testing.T) {
	def, err := LoadDefinition(writeFile(t, "order.yaml", orderYAML))
	if err != nil {
		t.Fatalf("LoadDefinition() error = %v", err)
	}
	if def.ID != "order" {
		t.Errorf("ID = %q, want %q", def.ID, "order")
	}
	if len(def.Elements) != 4 {
		t.Fatalf("Elements count = %d, want 4", len(def.Elements))
	}
	timeout := def.Elements[2]
	if timeout.Interrupting() {
		t.Error("timeout.Interrupting() = true, want false")
	}
	if got := timeout.EventDefinitions[0].Behaviour["timeDuration"]; got != "PT1S" {
		t.Errorf("timeDuration = %v, want PT1S", got)
	}
	if def.Elements[1].EventDefinitions[0].Type != core.TypeSignalEventDefinition {
		t.Errorf("wait definition = %q, want signal", def.Elements[1].EventDefinitions[0].Type)
	}
}

func TestLoadDefinition_JSON(t *testing.T) {
	def, err := LoadDefinition(writeFile(t, "order.json", orderJSON))
	if err != nil {
		t.Fatalf("LoadDefinition() error = %v", err)
	}
	if def.ID != "order_json" {
		t.Errorf("ID = %q, want %q", def.ID, "order_json")
	}
	if len(def.SequenceFlows) != 1 {
		t.Errorf("SequenceFlows count = %d, want 1", len(def.SequenceFlows))
	}
}

func TestLoadDefinition_ValidationError(t *testing.T) {
	path := writeFile(t, "bad.yaml", `
id: bad
elements:
  - id: start
    type: bpmn:StartEvent
sequenceFlows:
  - {id: f1, source: start, target: missing}
`)
	_, err := LoadDefinition(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	var diagErr *graph.DiagnosticError
	if !errors.As(err, &diagErr) {
		t.Fatalf("error type = %T, want *graph.DiagnosticError", err)
	}
	if !errors.Is(err, graph.ErrInvalidDefinition) {
		t.Error("errors.Is(err, ErrInvalidDefinition) = false")
	}
	if diagErr.Diagnostics[0].Code != "PD-003" {
		t.Errorf("code = %q, want PD-003", diagErr.Diagnostics[0].Code)
	}
}

func TestLoadDefinition_MissingFile(t *testing.T) {
	if _, err := LoadDefinition(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDetectFormat(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		path    string
		want    Format
		wantErr bool
	}{
		{name: "yaml", data: "id: a\nelements: []\n", path: "a.yml", want: FormatYAML},
		{name: "json", data: `{"id":"a","elements":[]}`, path: "a.json", want: FormatJSON},
		{name: "no extension is json", data: `{"elements":[]}`, path: "a", want: FormatJSON},
		{name: "no elements", data: `{"id":"a"}`, path: "a.json", wantErr: true},
		{name: "broken yaml", data: "id: [", path: "a.yaml", wantErr: true},
		{name: "yaml as json", data: "id: a\nelements: []\n", path: "a.json", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DetectFormat([]byte(tt.data), tt.path)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DetectFormat() = %q, want error", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DetectFormat() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("DetectFormat() = %q, want %q", got, tt.want)
			}
		})
	}
}
