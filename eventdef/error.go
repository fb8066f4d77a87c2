package eventdef

import (
	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
)

// Error catches the failure of the activity a boundary event is attached
// to, or throws an error that fails the throwing execution.
type Error struct {
	base
	isThrowing bool
	reference  core.Reference
}

// NewError creates an error definition.
func NewError(a *activity.Activity, ed activity.EventDefinition) (*Error, error) {
	ref, err := resolveReference(a, ed, "errorRef", core.MessageTypeError)
	if err != nil {
		return nil, err
	}
	return &Error{base: newBase(a, ed.Type), isThrowing: a.IsThrowing(), reference: ref}, nil
}

// Reference returns the resolved error reference.
func (e *Error) Reference() core.Reference { return e.reference }

// Execute catches or throws.
func (e *Error) Execute(msg *broker.Message) {
	if e.isThrowing {
		e.executeThrow(msg)
		return
	}
	x := &errorExecution{definition: e, content: msg.Content.Clone(), executionID: msg.Content.ExecutionID}
	x.execute()
}

func (e *Error) executeThrow(msg *broker.Message) {
	content := msg.Content.Clone()
	e.debug(content.ExecutionID, "throw "+describe(e.reference))
	name := e.reference.Name
	if name == "" {
		name = "anonymous error"
	}
	src := content.Ref()
	content.Error = &core.ActivityError{
		Message: name,
		Name:    name,
		Code:    e.reference.Code,
		Source:  &src,
	}
	e.broker.Publish(core.ExchangeExecution, core.KeyExecuteError, content, broker.Properties{Mandatory: true})
}

type errorExecution struct {
	definition  *Error
	content     *core.Content
	executionID string
}

func (x *errorExecution) execute() {
	e := x.definition
	b := e.broker
	_, _ = b.SubscribeTmp(core.ExchangeAPI, "activity.#."+x.executionID, x.onApiMessage, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: "_api-" + x.executionID,
	})

	exchangeKey := "execute.caught." + x.executionID
	_, _ = b.SubscribeTmp(core.ExchangeExecution, exchangeKey, x.onCatchMessage, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: x.catchTag(),
	})

	e.debug(x.executionID, "expect "+describe(e.reference))
	expect := x.content.Clone()
	expect.Pattern = core.KeyActivityError
	expect.Exchange = core.ExchangeExecution
	expect.ExchangeKey = exchangeKey
	b.Publish(core.ExchangeExecution, core.KeyExecuteExpect, expect, broker.Properties{})
}

func (x *errorExecution) onCatchMessage(_ string, msg *broker.Message) {
	e := x.definition
	failed := msg.Content
	if e.reference.Code != "" && (failed.Error == nil || failed.Error.Code != e.reference.Code) {
		return
	}
	x.stop()
	e.debug(x.executionID, "caught error from <"+failed.ID+">")

	caughtError := map[string]any{}
	if failed.Error != nil {
		caughtError["message"] = failed.Error.Message
		if failed.Error.Name != "" {
			caughtError["name"] = failed.Error.Name
		}
		if failed.Error.Code != "" {
			caughtError["code"] = failed.Error.Code
		}
	}

	caught := parentScoped(x.content)
	caught.Source = &core.Ref{ID: failed.ID, Type: failed.Type, ExecutionID: failed.ExecutionID}
	caught.Message = caughtError
	caught.State = "catch"
	e.broker.Publish(core.ExchangeEvent, core.KeyActivityCatch, caught, broker.Properties{Type: core.MessageTypeCatch})

	done := x.content.Clone()
	done.Output = map[string]any{"error": caughtError}
	done.State = "catch"
	e.publishCompleted(done, broker.Properties{})
}

func (x *errorExecution) onApiMessage(_ string, msg *broker.Message) {
	switch msg.Properties.Type {
	case core.MessageTypeDiscard:
		x.stop()
		x.definition.broker.Publish(core.ExchangeExecution, core.KeyExecuteDiscard, x.content.Clone(), broker.Properties{})
	case core.MessageTypeStop:
		x.stop()
	}
}

func (x *errorExecution) stop() {
	b := x.definition.broker
	b.Cancel("_api-" + x.executionID)
	b.Cancel(x.catchTag())
}

func (x *errorExecution) catchTag() string {
	return "_onattached-error-" + x.executionID
}
