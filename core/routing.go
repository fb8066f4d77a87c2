package core

// Exchange names shared by every element broker.
const (
	ExchangeRun                 = "run"
	ExchangeExecution           = "execution"
	ExchangeSubProcessExecution = "subprocess-execution"
	ExchangeEvent               = "event"
	ExchangeAPI                 = "api"
	ExchangeMessage             = "message"
	ExchangeCompensate          = "compensate"
	ExchangeCancel              = "cancel"
)

// Routing keys observed by the process controller.
const (
	KeyExecutionStop      = "execution.stop"
	KeyExecutionTerminate = "execution.terminate"
	KeyExecutionDiscard   = "execution.discard"

	KeyActivityEnter             = "activity.enter"
	KeyActivityStart             = "activity.start"
	KeyActivityWait              = "activity.wait"
	KeyActivityEnd               = "activity.end"
	KeyActivityLeave             = "activity.leave"
	KeyActivityDiscard           = "activity.discard"
	KeyActivityError             = "activity.error"
	KeyActivityStop              = "activity.stop"
	KeyActivityDetach            = "activity.detach"
	KeyActivityCatch             = "activity.catch"
	KeyActivityConsumed          = "activity.consumed"
	KeyActivityTimer             = "activity.timer"
	KeyActivityTimeout           = "activity.timeout"
	KeyActivityShakeEnd          = "activity.shake.end"
	KeyActivityCompensationStart = "activity.compensation.start"
	KeyActivityCompensationEnd   = "activity.compensation.end"

	KeyFlowTake      = "flow.take"
	KeyFlowDiscard   = "flow.discard"
	KeyFlowLooped    = "flow.looped"
	KeyFlowError     = "flow.error"
	KeyFlowShake     = "flow.shake"
	KeyFlowShakeLoop = "flow.shake.loop"

	KeyProcessTerminate = "process.terminate"
)

// Execution routing keys published by behaviours on the execution exchange.
const (
	KeyExecuteStart     = "execute.start"
	KeyExecuteCompleted = "execute.completed"
	KeyExecuteError     = "execute.error"
	KeyExecuteDiscard   = "execute.discard"
	KeyExecuteTimer     = "execute.timer"
	KeyExecuteExpect    = "execute.expect"
	KeyExecuteDetach    = "execute.detach"
	KeyExecuteTake      = "execute.outbound.take"
)

// Message property types.
const (
	MessageTypeShake      = "shake"
	MessageTypeStop       = "stop"
	MessageTypeDiscard    = "discard"
	MessageTypeSignal     = "signal"
	MessageTypeCancel     = "cancel"
	MessageTypeCompensate = "compensate"
	MessageTypeEscalate   = "escalate"
	MessageTypeError      = "error"
	MessageTypeTerminate  = "terminate"
	MessageTypeCatch      = "catch"
	MessageTypeStopped    = "stopped"
)

// Reference is a named element definitions refer to, such as a signal or
// an escalation.
type Reference struct {
	ID            string `json:"id,omitempty" yaml:"id,omitempty"`
	Type          string `json:"type,omitempty" yaml:"type,omitempty"`
	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	Code          string `json:"code,omitempty" yaml:"code,omitempty"`
	ReferenceType string `json:"referenceType,omitempty" yaml:"-"`
}

// AnonymousReference is used when a definition reference does not resolve.
func AnonymousReference(referenceType string) Reference {
	return Reference{Name: "anonymous", ReferenceType: referenceType}
}

// Map returns the reference as a message payload.
func (r Reference) Map() map[string]any {
	m := map[string]any{}
	if r.ID != "" {
		m["id"] = r.ID
	}
	if r.Type != "" {
		m["type"] = r.Type
	}
	if r.Name != "" {
		m["name"] = r.Name
	}
	if r.Code != "" {
		m["code"] = r.Code
	}
	return m
}
