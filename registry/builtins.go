package registry

import (
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/events"
	"github.com/petal-labs/procflow/gateways"
	"github.com/petal-labs/procflow/process"
	"github.com/petal-labs/procflow/tasks"
)

// Artifact element types. They are kept in the graph but never run.
const (
	TypeTextAnnotation      core.ElementType = "bpmn:TextAnnotation"
	TypeDataObjectReference core.ElementType = "bpmn:DataObjectReference"
	TypeDataStoreReference  core.ElementType = "bpmn:DataStoreReference"
)

// registerBuiltins registers all built-in element types.
// Called once by Global() during singleton initialization.
func registerBuiltins(r *Registry) {
	r.Register(ElementTypeDef{
		Type:        core.TypeStartEvent,
		Category:    CategoryEvent,
		DisplayName: "Start Event",
		Description: "Start a scope, optionally waiting for a timer or a signal",
		Definitions: []core.ElementType{
			core.TypeTimerEventDefinition,
			core.TypeSignalEventDefinition,
			core.TypeEscalationEventDefinition,
			core.TypeErrorEventDefinition,
			core.TypeCompensateEventDefinition,
		},
		Factory: events.NewStartEvent,
	})

	r.Register(ElementTypeDef{
		Type:        core.TypeEndEvent,
		Category:    CategoryEvent,
		DisplayName: "End Event",
		Description: "End a path, optionally throwing its event definitions",
		Definitions: []core.ElementType{
			core.TypeTerminateEventDefinition,
			core.TypeSignalEventDefinition,
			core.TypeEscalationEventDefinition,
			core.TypeErrorEventDefinition,
			core.TypeCancelEventDefinition,
			core.TypeCompensateEventDefinition,
		},
		Factory: events.NewEndEvent,
	})

	r.Register(ElementTypeDef{
		Type:        core.TypeIntermediateThrowEvent,
		Category:    CategoryEvent,
		DisplayName: "Intermediate Throw Event",
		Description: "Throw a signal, escalation or compensation and continue",
		Definitions: []core.ElementType{
			core.TypeSignalEventDefinition,
			core.TypeEscalationEventDefinition,
			core.TypeCompensateEventDefinition,
		},
		Factory: events.NewIntermediateThrowEvent,
	})

	r.Register(ElementTypeDef{
		Type:        core.TypeIntermediateCatchEvent,
		Category:    CategoryEvent,
		DisplayName: "Intermediate Catch Event",
		Description: "Wait for a timer, a signal or an api signal",
		Definitions: []core.ElementType{
			core.TypeTimerEventDefinition,
			core.TypeSignalEventDefinition,
		},
		Factory: events.NewIntermediateCatchEvent,
	})

	r.Register(ElementTypeDef{
		Type:        core.TypeBoundaryEvent,
		Category:    CategoryEvent,
		DisplayName: "Boundary Event",
		Description: "Catch an event while the attached activity runs",
		Definitions: []core.ElementType{
			core.TypeTimerEventDefinition,
			core.TypeSignalEventDefinition,
			core.TypeEscalationEventDefinition,
			core.TypeErrorEventDefinition,
			core.TypeCancelEventDefinition,
			core.TypeCompensateEventDefinition,
		},
		Factory: events.NewBoundaryEvent,
	})

	r.Register(ElementTypeDef{
		Type:        core.TypeExclusiveGateway,
		Category:    CategoryGateway,
		DisplayName: "Exclusive Gateway",
		Description: "Take the first outbound flow whose condition holds",
		Factory:     gateways.NewExclusiveGateway,
	})

	r.Register(ElementTypeDef{
		Type:        core.TypeEventBasedGateway,
		Category:    CategoryGateway,
		DisplayName: "Event-Based Gateway",
		Description: "Continue with the first target event that completes",
		Factory:     gateways.NewEventBasedGateway,
	})

	r.Register(ElementTypeDef{
		Type:        core.TypeTask,
		Category:    CategoryTask,
		DisplayName: "Task",
		Description: "Complete at once",
		Factory:     tasks.NewTask,
	})

	r.Register(ElementTypeDef{
		Type:        core.TypeSignalTask,
		Category:    CategoryTask,
		DisplayName: "Signal Task",
		Description: "Wait until signaled through the api",
		Factory:     tasks.NewSignalTask,
	})

	r.Register(ElementTypeDef{
		Type:        core.TypeSubProcess,
		Category:    CategorySubProcess,
		DisplayName: "Sub Process",
		Description: "Run child elements in a nested scope",
		Scope:       true,
		Factory:     process.NewSubProcess,
	})

	r.Register(ElementTypeDef{
		Type:        core.TypeTransaction,
		Category:    CategorySubProcess,
		DisplayName: "Transaction",
		Description: "Sub process that can be cancelled and compensated as a unit",
		Scope:       true,
		Factory:     process.NewSubProcess,
	})

	for _, typ := range []core.ElementType{TypeTextAnnotation, TypeDataObjectReference, TypeDataStoreReference} {
		r.Register(ElementTypeDef{
			Type:        typ,
			Category:    CategoryArtifact,
			DisplayName: string(typ),
			Description: "Documentation artifact",
			Placeholder: true,
		})
	}
}
