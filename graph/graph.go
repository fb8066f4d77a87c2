// Package graph loads process definitions and builds the element graph a
// process runs: activities with their behaviours, sequence flows,
// associations and message flows, grouped by scope.
package graph

import (
	"errors"
	"fmt"

	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/environment"
	"github.com/petal-labs/procflow/flow"
	"github.com/petal-labs/procflow/process"
	"github.com/petal-labs/procflow/registry"
)

// ErrInvalidDefinition is returned by Build for a definition with
// validation errors.
var ErrInvalidDefinition = errors.New("graph: invalid definition")

// DiagnosticError wraps validation diagnostics as an error.
type DiagnosticError struct {
	Diagnostics []Diagnostic
}

func (e *DiagnosticError) Error() string {
	errs := Errors(e.Diagnostics)
	if len(errs) == 0 {
		return ErrInvalidDefinition.Error()
	}
	if len(errs) == 1 {
		return fmt.Sprintf("validation error: %s", errs[0].Message)
	}
	return fmt.Sprintf("%d validation errors (first: %s)", len(errs), errs[0].Message)
}

// Unwrap makes errors.Is(err, ErrInvalidDefinition) hold.
func (e *DiagnosticError) Unwrap() error {
	return ErrInvalidDefinition
}

// Graph is a built process definition. It resolves elements for
// activities and for process executions.
type Graph struct {
	def *Definition
	env *environment.Environment

	activities    []*activity.Activity
	activityByID  map[string]*activity.Activity
	scopeOf       map[string]string
	sequenceFlows []*flow.SequenceFlow
	associations  []*flow.Association
	messageFlows  []*flow.MessageFlow
	flowScope     map[string]string
	elements      map[string]ElementDef
	references    map[string]core.Reference
}

// BuildOption configures Build.
type BuildOption func(*buildConfig)

type buildConfig struct {
	registry *registry.Registry
}

// WithRegistry builds with reg instead of the global registry.
func WithRegistry(reg *registry.Registry) BuildOption {
	return func(c *buildConfig) {
		c.registry = reg
	}
}

// Build validates def and creates every element in env.
func Build(def *Definition, env *environment.Environment, opts ...BuildOption) (*Graph, error) {
	cfg := buildConfig{registry: registry.Global()}
	for _, opt := range opts {
		opt(&cfg)
	}

	diags := def.ValidateWithRegistry(cfg.registry)
	if HasErrors(diags) {
		return nil, &DiagnosticError{Diagnostics: diags}
	}
	if len(def.Variables) > 0 {
		env.AssignVariables(def.Variables)
	}

	g := &Graph{
		def:          def,
		env:          env,
		activityByID: make(map[string]*activity.Activity, len(def.Elements)),
		scopeOf:      make(map[string]string, len(def.Elements)),
		flowScope:    make(map[string]string),
		references:   make(map[string]core.Reference, len(def.References)),
	}
	for _, r := range def.References {
		g.references[r.ID] = r
	}

	elements := make(map[string]ElementDef, len(def.Elements))
	g.elements = elements
	for _, el := range def.Elements {
		elements[el.ID] = el
		g.scopeOf[el.ID] = g.scopeID(el.Parent)
	}

	for _, f := range def.SequenceFlows {
		scope := g.scopeOf[f.Source]
		g.flowScope[f.ID] = scope
		g.sequenceFlows = append(g.sequenceFlows, flow.NewSequenceFlow(flow.Definition{
			ID:        f.ID,
			Name:      f.Name,
			SourceID:  f.Source,
			TargetID:  f.Target,
			Condition: f.Condition,
			Default:   f.Default,
			Parent:    *g.parentOf(f.Source, elements),
		}, env))
	}
	for _, f := range def.Associations {
		g.flowScope[f.ID] = g.scopeOf[f.Source]
		g.associations = append(g.associations, flow.NewAssociation(flow.Definition{
			ID:       f.ID,
			Name:     f.Name,
			SourceID: f.Source,
			TargetID: f.Target,
			Parent:   *g.parentOf(f.Source, elements),
		}, env))
	}

	for _, el := range def.Elements {
		typeDef, _ := cfg.registry.Get(el.Type)
		a := activity.New(activity.Definition{
			ID:                el.ID,
			Name:              el.Name,
			Type:              el.Type,
			Parent:            *g.parentOf(el.ID, elements),
			AttachedTo:        el.AttachedTo,
			CancelActivity:    el.Interrupting(),
			TriggeredByEvent:  el.TriggeredByEvent,
			IsForCompensation: el.IsForCompensation,
			IsThrowing:        el.Type == core.TypeEndEvent || el.Type == core.TypeIntermediateThrowEvent,
			IsTransaction:     el.Type == core.TypeTransaction,
			Placeholder:       typeDef.Placeholder,
			Behaviour:         el.Behaviour,
			EventDefinitions:  el.EventDefinitions,
		}, typeDef.Factory, g, env)
		g.activities = append(g.activities, a)
		g.activityByID[el.ID] = a
	}

	for _, f := range def.MessageFlows {
		source := g.activityByID[f.Source]
		g.flowScope[f.ID] = g.scopeOf[f.Source]
		g.messageFlows = append(g.messageFlows, flow.NewMessageFlow(flow.MessageFlowDefinition{
			ID:       f.ID,
			Name:     f.Name,
			SourceID: f.Source,
			TargetID: f.Target,
			Parent:   *g.parentOf(f.Source, elements),
		}, source.Broker(), env))
	}
	return g, nil
}

// NewProcess creates the process that runs the graph.
func (g *Graph) NewProcess() *process.Process {
	return process.New(process.Definition{ID: g.def.ID, Name: g.def.Name}, g, g.env)
}

// Definition returns the definition the graph was built from.
func (g *Graph) Definition() *Definition { return g.def }

// Environment returns the environment the graph was built in.
func (g *Graph) Environment() *environment.Environment { return g.env }

// AllActivities returns every activity of every scope.
func (g *Graph) AllActivities() []*activity.Activity {
	return append([]*activity.Activity(nil), g.activities...)
}

// ActivityByID returns an activity, nil if unknown.
func (g *Graph) ActivityByID(id string) *activity.Activity {
	return g.activityByID[id]
}

// Activities returns the activities of a scope.
func (g *Graph) Activities(scope string) []*activity.Activity {
	var result []*activity.Activity
	for _, a := range g.activities {
		if g.scopeOf[a.ID()] == scope {
			result = append(result, a)
		}
	}
	return result
}

// SequenceFlows returns the sequence flows of a scope.
func (g *Graph) SequenceFlows(scope string) []*flow.SequenceFlow {
	var result []*flow.SequenceFlow
	for _, f := range g.sequenceFlows {
		if g.flowScope[f.ID()] == scope {
			result = append(result, f)
		}
	}
	return result
}

// Associations returns the associations of a scope.
func (g *Graph) Associations(scope string) []*flow.Association {
	var result []*flow.Association
	for _, a := range g.associations {
		if g.flowScope[a.ID()] == scope {
			result = append(result, a)
		}
	}
	return result
}

// MessageFlows returns the message flows leaving a scope.
func (g *Graph) MessageFlows(scope string) []*flow.MessageFlow {
	var result []*flow.MessageFlow
	for _, m := range g.messageFlows {
		if g.flowScope[m.ID()] == scope {
			result = append(result, m)
		}
	}
	return result
}

// InboundSequenceFlows returns the sequence flows targeting id.
func (g *Graph) InboundSequenceFlows(id string) []*flow.SequenceFlow {
	var result []*flow.SequenceFlow
	for _, f := range g.sequenceFlows {
		if f.TargetID() == id {
			result = append(result, f)
		}
	}
	return result
}

// OutboundSequenceFlows returns the sequence flows leaving id.
func (g *Graph) OutboundSequenceFlows(id string) []*flow.SequenceFlow {
	var result []*flow.SequenceFlow
	for _, f := range g.sequenceFlows {
		if f.SourceID() == id {
			result = append(result, f)
		}
	}
	return result
}

// InboundAssociations returns the associations targeting id.
func (g *Graph) InboundAssociations(id string) []*flow.Association {
	var result []*flow.Association
	for _, a := range g.associations {
		if a.TargetID() == id {
			result = append(result, a)
		}
	}
	return result
}

// OutboundAssociations returns the associations leaving id.
func (g *Graph) OutboundAssociations(id string) []*flow.Association {
	var result []*flow.Association
	for _, a := range g.associations {
		if a.SourceID() == id {
			result = append(result, a)
		}
	}
	return result
}

// AttachedActivities returns the boundary events attached to id.
func (g *Graph) AttachedActivities(id string) []*activity.Activity {
	var result []*activity.Activity
	for _, a := range g.activities {
		if a.AttachedToID() == id {
			result = append(result, a)
		}
	}
	return result
}

// ReferenceByID resolves a signal, escalation or error reference. An
// element id resolves too, which is how compensation names its activity.
func (g *Graph) ReferenceByID(id string) (core.Reference, bool) {
	if r, ok := g.references[id]; ok {
		return r, true
	}
	if el, ok := g.elements[id]; ok {
		return core.Reference{ID: el.ID, Type: string(el.Type), Name: el.Name}, true
	}
	return core.Reference{}, false
}

func (g *Graph) scopeID(parent string) string {
	if parent == "" {
		return g.def.ID
	}
	return parent
}

// parentOf returns the parent of element id with its ancestors, closest
// first.
func (g *Graph) parentOf(id string, elements map[string]ElementDef) *core.Parent {
	el := elements[id]
	if el.Parent == "" {
		return &core.Parent{ID: g.def.ID, Type: string(core.TypeProcess)}
	}
	owner := elements[el.Parent]
	parent := &core.Parent{ID: owner.ID, Type: string(owner.Type)}
	seen := map[string]bool{owner.ID: true}
	for next := owner.Parent; next != "" && !seen[next]; next = elements[next].Parent {
		seen[next] = true
		parent.Path = append(parent.Path, core.Ref{ID: next, Type: string(elements[next].Type)})
	}
	parent.Path = append(parent.Path, core.Ref{ID: g.def.ID, Type: string(core.TypeProcess)})
	return parent
}
