// Package tasks implements the task behaviours the engine runs itself: a
// pass-through task and a signal task that waits for an api signal.
package tasks

import (
	"fmt"

	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
)

// Task completes as soon as it executes.
type Task struct {
	activity *activity.Activity
}

// NewTask is the activity factory of plain tasks.
func NewTask(a *activity.Activity, _ activity.Context) activity.Behaviour {
	return &Task{activity: a}
}

// Execute completes the task.
func (t *Task) Execute(msg *broker.Message) {
	t.activity.Broker().Publish(core.ExchangeExecution, core.KeyExecuteCompleted, msg.Content.Clone(), broker.Properties{})
}

// SignalTask waits until it is signaled, either through its own api or by a
// delegated signal whose message id is the task id.
type SignalTask struct {
	activity *activity.Activity
}

// NewSignalTask is the activity factory of signal tasks.
func NewSignalTask(a *activity.Activity, _ activity.Context) activity.Behaviour {
	return &SignalTask{activity: a}
}

// Execute subscribes to the api and publishes activity.wait.
func (t *SignalTask) Execute(msg *broker.Message) {
	x := &signalTaskExecution{task: t, content: msg.Content.Clone(), executionID: msg.Content.ExecutionID}
	x.execute()
}

type signalTaskExecution struct {
	task        *SignalTask
	content     *core.Content
	executionID string
}

func (x *signalTaskExecution) execute() {
	b := x.task.activity.Broker()
	_, _ = b.SubscribeTmp(core.ExchangeAPI, "activity.#."+x.executionID, x.onApiMessage, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: x.apiTag(),
		Priority:    400,
	})
	_, _ = b.SubscribeTmp(core.ExchangeAPI, "*.signal.#", x.onDelegatedSignal, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: x.delegatedTag(),
		Priority:    400,
	})

	wait := x.content.Clone()
	wait.State = "wait"
	x.task.activity.PublishEvent("wait", wait, broker.Properties{})
}

func (x *signalTaskExecution) onDelegatedSignal(_ string, msg *broker.Message) {
	if !msg.Properties.Delegate {
		return
	}
	id, _ := msg.Content.Message["id"].(string)
	if id != x.task.activity.ID() {
		return
	}
	b := x.task.activity.Broker()
	consumed := x.content.Clone()
	consumed.Message = core.CloneMap(msg.Content.Message)
	b.Publish(core.ExchangeEvent, core.KeyActivityConsumed, consumed, broker.Properties{
		CorrelationID: msg.Properties.CorrelationID,
		Type:          core.MessageTypeSignal,
	})
	x.signal(msg.Content.Message)
}

func (x *signalTaskExecution) onApiMessage(_ string, msg *broker.Message) {
	b := x.task.activity.Broker()
	switch msg.Properties.Type {
	case core.MessageTypeSignal:
		x.signal(msg.Content.Message)
	case core.MessageTypeError:
		x.stop()
		failed := x.content.Clone()
		failed.Error = msg.Content.Error
		if failed.Error == nil {
			failed.Error = core.NewActivityError(fmt.Sprintf("%s failed", x.task.activity.ID()), x.content.Ref(), nil)
		}
		b.Publish(core.ExchangeExecution, core.KeyExecuteError, failed, broker.Properties{Mandatory: true})
	case core.MessageTypeDiscard:
		x.stop()
		b.Publish(core.ExchangeExecution, core.KeyExecuteDiscard, x.content.Clone(), broker.Properties{})
	case core.MessageTypeStop:
		x.stop()
	}
}

func (x *signalTaskExecution) signal(message map[string]any) {
	x.stop()
	done := x.content.Clone()
	done.Output = core.CloneMap(message)
	done.State = "signal"
	x.task.activity.Broker().Publish(core.ExchangeExecution, core.KeyExecuteCompleted, done, broker.Properties{})
}

func (x *signalTaskExecution) stop() {
	b := x.task.activity.Broker()
	b.Cancel(x.apiTag())
	b.Cancel(x.delegatedTag())
}

func (x *signalTaskExecution) apiTag() string {
	return "_api-" + x.executionID
}

func (x *signalTaskExecution) delegatedTag() string {
	return "_api-delegated-" + x.executionID
}
