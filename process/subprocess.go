package process

import (
	"encoding/json"
	"fmt"

	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/eventdef"
)

// SubProcess runs its child elements through an Execution on the activity
// broker. Transactions use the same behaviour; a transaction whose child
// throws a cancel is discarded once its children settle, so its outbound
// flows are discarded and only the cancel boundary continues.
type SubProcess struct {
	activity  *activity.Activity
	ctx       Context
	execution *Execution
	recovered *ExecutionState
	cancelled bool
}

// NewSubProcess is the activity factory of sub processes and
// transactions. ctx must also resolve the scope of the sub process.
func NewSubProcess(a *activity.Activity, ctx activity.Context) activity.Behaviour {
	pctx, _ := ctx.(Context)
	return &SubProcess{activity: a, ctx: pctx}
}

// Execution returns the execution of the child elements, nil before the
// sub process has run.
func (s *SubProcess) Execution() *Execution {
	return s.execution
}

// Execute runs the child elements. A redelivered message resumes them.
func (s *SubProcess) Execute(msg *broker.Message) {
	content := msg.Content
	if !content.IsRootScope {
		return
	}
	x := s.ensureExecution()
	if x == nil {
		failed := content.Clone()
		failed.Error = core.NewActivityError(fmt.Sprintf("%s has no scope", s.activity.ID()), content.Ref(), nil)
		s.activity.Broker().Publish(core.ExchangeExecution, core.KeyExecuteError, failed, broker.Properties{Mandatory: true})
		return
	}

	executionID := content.ExecutionID
	b := s.activity.Broker()
	tag := "_sub-process-execution-" + executionID
	b.Cancel(tag)
	_, _ = b.SubscribeTmp(core.ExchangeSubProcessExecution, "execution.#", func(routingKey string, completed *broker.Message) {
		s.onExecutionCompleted(tag, content, completed)
	}, broker.ConsumeOptions{NoAck: true, ConsumerTag: tag})
	if s.activity.IsTransaction() {
		if !msg.Fields.Redelivered {
			s.cancelled = false
		}
		_, _ = b.SubscribeTmp(core.ExchangeEvent, "activity.cancel", s.onCancelThrown, broker.ConsumeOptions{
			NoAck:       true,
			ConsumerTag: s.cancelTag(executionID),
		})
	}

	if msg.Fields.Redelivered && s.recovered != nil {
		x.Recover(s.recovered)
		s.recovered = nil
	}
	if err := x.Execute(msg); err != nil {
		b.Cancel(tag)
		b.Cancel(s.cancelTag(executionID))
		failed := content.Clone()
		failed.Error = core.NewActivityError(err.Error(), content.Ref(), err)
		b.Publish(core.ExchangeExecution, core.KeyExecuteError, failed, broker.Properties{Mandatory: true})
	}
}

func (s *SubProcess) onExecutionCompleted(tag string, executeContent *core.Content, msg *broker.Message) {
	b := s.activity.Broker()
	if msg.Properties.Type == StatusStopped {
		return
	}
	b.Cancel(tag)
	b.Cancel(s.cancelTag(executeContent.ExecutionID))

	content := executeContent.Clone()
	content.Output = core.CloneMap(msg.Content.Output)
	content.State = msg.Properties.Type
	switch {
	case msg.Properties.Type == StatusError:
		content.Error = msg.Content.Error
		b.Publish(core.ExchangeExecution, core.KeyExecuteError, content, broker.Properties{Mandatory: true})
	case msg.Properties.Type == StatusDiscard, s.cancelled:
		s.activity.Logger().Debug(fmt.Sprintf("<%s (%s)> discarded", executeContent.ExecutionID, s.activity.ID()), "cancelled", s.cancelled)
		b.Publish(core.ExchangeExecution, core.KeyExecuteDiscard, content, broker.Properties{})
	default:
		b.Publish(core.ExchangeExecution, core.KeyExecuteCompleted, content, broker.Properties{})
	}
}

// onCancelThrown marks the transaction cancelled when one of its own
// children throws a transaction cancel.
func (s *SubProcess) onCancelThrown(_ string, msg *broker.Message) {
	if !msg.Content.IsTransaction || s.ctx == nil {
		return
	}
	child := s.ctx.ActivityByID(msg.Content.ID)
	if child == nil || child.Parent().ID != s.activity.ID() {
		return
	}
	s.cancelled = true
}

func (s *SubProcess) cancelTag(executionID string) string {
	return "_transaction-cancel-" + executionID
}

// StartActivities returns the start events of the sub process that catch
// the filtered reference. An empty filter type matches none.
func (s *SubProcess) StartActivities(filter StartFilter) []*activity.Activity {
	if s.ctx == nil {
		return nil
	}
	var result []*activity.Activity
	for _, a := range s.ctx.Activities(s.activity.ID()) {
		if a.Type() != core.TypeStartEvent {
			continue
		}
		for _, ed := range a.EventDefinitions() {
			referenceType, id, ok := eventdef.ReferenceOf(ed)
			if !ok || referenceType != filter.ReferenceType || id != filter.ReferenceID {
				continue
			}
			result = append(result, a)
			break
		}
	}
	return result
}

// GetState returns the execution state as json.
func (s *SubProcess) GetState() (json.RawMessage, error) {
	if s.execution == nil {
		return nil, nil
	}
	return json.Marshal(s.execution.GetState())
}

// Recover keeps state until the sub process resumes.
func (s *SubProcess) Recover(state json.RawMessage) error {
	var es ExecutionState
	if err := json.Unmarshal(state, &es); err != nil {
		return fmt.Errorf("process: recover sub process %s: %w", s.activity.ID(), err)
	}
	s.recovered = &es
	return nil
}

func (s *SubProcess) ensureExecution() *Execution {
	if s.execution != nil {
		return s.execution
	}
	if s.ctx == nil {
		return nil
	}
	s.execution = NewExecution(Owner{
		ID:           s.activity.ID(),
		Type:         s.activity.Type(),
		Broker:       s.activity.Broker(),
		IsSubProcess: true,
		Logger:       s.activity.Logger(),
	}, s.ctx, s.activity.Environment())
	return s.execution
}
