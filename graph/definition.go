package graph

import (
	"fmt"

	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/eventdef"
	"github.com/petal-labs/procflow/registry"
)

// Diagnostic represents a validation error or warning produced by
// definition validation.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "PD-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// Definition is the serializable representation of a process. JSON and
// YAML files both decode into it.
type Definition struct {
	ID         string            `json:"id"`
	Name       string            `json:"name,omitempty"`
	Version    string            `json:"version,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Variables  map[string]any    `json:"variables,omitempty"`
	References []core.Reference  `json:"references,omitempty"`

	Elements      []ElementDef `json:"elements"`
	SequenceFlows []FlowDef    `json:"sequenceFlows,omitempty"`
	Associations  []FlowDef    `json:"associations,omitempty"`
	MessageFlows  []FlowDef    `json:"messageFlows,omitempty"`
}

// ElementDef is one activity of a Definition. Parent names the sub process
// that owns the element; empty means the process itself.
type ElementDef struct {
	ID                string                     `json:"id"`
	Name              string                     `json:"name,omitempty"`
	Type              core.ElementType           `json:"type"`
	Parent            string                     `json:"parent,omitempty"`
	AttachedTo        string                     `json:"attachedTo,omitempty"`
	CancelActivity    *bool                      `json:"cancelActivity,omitempty"`
	TriggeredByEvent  bool                       `json:"triggeredByEvent,omitempty"`
	IsForCompensation bool                       `json:"isForCompensation,omitempty"`
	Behaviour         map[string]any             `json:"behaviour,omitempty"`
	EventDefinitions  []activity.EventDefinition `json:"eventDefinitions,omitempty"`
}

// Interrupting reports whether a boundary event cancels the activity it is
// attached to. Boundary events interrupt unless told otherwise.
func (e ElementDef) Interrupting() bool {
	if e.CancelActivity == nil {
		return true
	}
	return *e.CancelActivity
}

// FlowDef is a sequence flow, association or message flow.
type FlowDef struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
	Default   bool   `json:"default,omitempty"`
}

// Validate checks structural integrity against the global registry.
func (d *Definition) Validate() []Diagnostic {
	return d.ValidateWithRegistry(registry.Global())
}

// ValidateWithRegistry checks the definition:
//   - PD-001: duplicate element or flow ids
//   - PD-002: element type must exist in the registry
//   - PD-003: flow source/target reference existing elements
//   - PD-004: sequence flows stay within one scope
//   - PD-005: parent references an existing scope element
//   - PD-006: boundary events are attached to an activity of their scope
//   - PD-007: event definitions are accepted by the element type
//   - PD-008: definition references resolve (warning)
//   - PD-009: every scope has a start activity (warning)
//   - PD-010: at most one default flow per source
//   - PD-011: the process has an id
func (d *Definition) ValidateWithRegistry(reg *registry.Registry) []Diagnostic {
	var diags []Diagnostic

	if d.ID == "" {
		diags = append(diags, Diagnostic{
			Code:     "PD-011",
			Severity: SeverityError,
			Message:  "Process id is required",
			Path:     "id",
		})
	}

	ids := make(map[string]bool, len(d.Elements)+len(d.SequenceFlows))
	elements := make(map[string]ElementDef, len(d.Elements))
	checkID := func(id, path string) {
		if ids[id] {
			diags = append(diags, Diagnostic{
				Code:     "PD-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate id %q", id),
				Path:     path,
			})
		}
		ids[id] = true
	}

	for i, el := range d.Elements {
		checkID(el.ID, fmt.Sprintf("elements[%d].id", i))
		elements[el.ID] = el
	}
	for i, f := range d.SequenceFlows {
		checkID(f.ID, fmt.Sprintf("sequenceFlows[%d].id", i))
	}
	for i, f := range d.Associations {
		checkID(f.ID, fmt.Sprintf("associations[%d].id", i))
	}
	for i, f := range d.MessageFlows {
		checkID(f.ID, fmt.Sprintf("messageFlows[%d].id", i))
	}

	references := make(map[string]bool, len(d.References))
	for _, r := range d.References {
		references[r.ID] = true
	}

	for i, el := range d.Elements {
		def, known := reg.Get(el.Type)
		if !known {
			diags = append(diags, Diagnostic{
				Code:     "PD-002",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Element %q has unknown type %q", el.ID, el.Type),
				Path:     fmt.Sprintf("elements[%d].type", i),
			})
		}

		if el.Parent != "" {
			parent, ok := elements[el.Parent]
			if !ok {
				diags = append(diags, Diagnostic{
					Code:     "PD-005",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Element %q parent %q does not exist", el.ID, el.Parent),
					Path:     fmt.Sprintf("elements[%d].parent", i),
				})
			} else if pdef, ok := reg.Get(parent.Type); ok && !pdef.Scope {
				diags = append(diags, Diagnostic{
					Code:     "PD-005",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Element %q parent %q is a %s, not a scope", el.ID, el.Parent, parent.Type),
					Path:     fmt.Sprintf("elements[%d].parent", i),
				})
			}
		}

		if el.Type == core.TypeBoundaryEvent {
			attached, ok := elements[el.AttachedTo]
			switch {
			case el.AttachedTo == "" || !ok:
				diags = append(diags, Diagnostic{
					Code:     "PD-006",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Boundary event %q is not attached to an existing activity", el.ID),
					Path:     fmt.Sprintf("elements[%d].attachedTo", i),
				})
			case attached.Parent != el.Parent:
				diags = append(diags, Diagnostic{
					Code:     "PD-006",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Boundary event %q is attached to %q in another scope", el.ID, el.AttachedTo),
					Path:     fmt.Sprintf("elements[%d].attachedTo", i),
				})
			}
		}

		for j, ed := range el.EventDefinitions {
			if known && !def.Accepts(ed.Type) {
				diags = append(diags, Diagnostic{
					Code:     "PD-007",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Element %q (%s) does not accept %s", el.ID, el.Type, ed.Type),
					Path:     fmt.Sprintf("elements[%d].eventDefinitions[%d].type", i, j),
				})
			}
			if _, id, ok := eventdef.ReferenceOf(ed); ok && id != "" && !references[id] && elements[id].ID == "" {
				diags = append(diags, Diagnostic{
					Code:     "PD-008",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("Element %q references unknown %q, it will be anonymous", el.ID, id),
					Path:     fmt.Sprintf("elements[%d].eventDefinitions[%d].behaviour", i, j),
				})
			}
		}
	}

	diags = append(diags, d.validateFlows("sequenceFlows", d.SequenceFlows, elements, true)...)
	diags = append(diags, d.validateFlows("associations", d.Associations, elements, false)...)
	for i, f := range d.MessageFlows {
		if _, ok := elements[f.Source]; !ok {
			diags = append(diags, Diagnostic{
				Code:     "PD-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Message flow %q source %q references unknown element", f.ID, f.Source),
				Path:     fmt.Sprintf("messageFlows[%d].source", i),
			})
		}
	}

	diags = append(diags, d.validateStarts(elements, reg)...)
	return diags
}

func (d *Definition) validateFlows(field string, flows []FlowDef, elements map[string]ElementDef, sameScope bool) []Diagnostic {
	var diags []Diagnostic
	defaults := map[string]int{}
	for i, f := range flows {
		source, sourceOK := elements[f.Source]
		target, targetOK := elements[f.Target]
		if !sourceOK {
			diags = append(diags, Diagnostic{
				Code:     "PD-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Flow %q source %q references unknown element", f.ID, f.Source),
				Path:     fmt.Sprintf("%s[%d].source", field, i),
			})
		}
		if !targetOK {
			diags = append(diags, Diagnostic{
				Code:     "PD-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Flow %q target %q references unknown element", f.ID, f.Target),
				Path:     fmt.Sprintf("%s[%d].target", field, i),
			})
		}
		if sameScope && sourceOK && targetOK && source.Parent != target.Parent {
			diags = append(diags, Diagnostic{
				Code:     "PD-004",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Flow %q crosses scopes %q and %q", f.ID, d.scopeName(source.Parent), d.scopeName(target.Parent)),
				Path:     fmt.Sprintf("%s[%d]", field, i),
			})
		}
		if f.Default {
			defaults[f.Source]++
			if defaults[f.Source] == 2 {
				diags = append(diags, Diagnostic{
					Code:     "PD-010",
					Severity: SeverityError,
					Message:  fmt.Sprintf("Element %q has more than one default flow", f.Source),
					Path:     fmt.Sprintf("%s[%d].default", field, i),
				})
			}
		}
	}
	return diags
}

// validateStarts warns about scopes nothing can start.
func (d *Definition) validateStarts(elements map[string]ElementDef, reg *registry.Registry) []Diagnostic {
	inbound := map[string]bool{}
	for _, f := range d.SequenceFlows {
		inbound[f.Target] = true
	}
	scopes := map[string]bool{"": false}
	for _, el := range d.Elements {
		if def, ok := reg.Get(el.Type); ok && def.Scope {
			if _, seen := scopes[el.ID]; !seen {
				scopes[el.ID] = false
			}
		}
	}
	for _, el := range d.Elements {
		def, ok := reg.Get(el.Type)
		if !ok || def.Placeholder || el.AttachedTo != "" || el.TriggeredByEvent || el.IsForCompensation || inbound[el.ID] {
			continue
		}
		scopes[el.Parent] = true
	}

	var diags []Diagnostic
	for _, el := range append([]ElementDef{{ID: ""}}, d.Elements...) {
		started, isScope := scopes[el.ID]
		if !isScope || started {
			continue
		}
		if el.ID == "" && len(d.Elements) == 0 {
			continue
		}
		if el.ID != "" && !hasChildren(d.Elements, el.ID) {
			continue
		}
		diags = append(diags, Diagnostic{
			Code:     "PD-009",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("Scope %q has no start activity", d.scopeName(el.ID)),
		})
		delete(scopes, el.ID)
	}
	return diags
}

func hasChildren(elements []ElementDef, scope string) bool {
	for _, el := range elements {
		if el.Parent == scope {
			return true
		}
	}
	return false
}

func (d *Definition) scopeName(parent string) string {
	if parent == "" {
		return d.ID
	}
	return parent
}
