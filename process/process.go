// Package process implements process execution: the controller that runs
// the child elements of a process or sub process scope, and the Process
// that owns a run of a whole process.
//
// Every entry point of Process takes the environment run lock. Broker
// deliveries, including timer callbacks, already run under it.
package process

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/environment"
)

// Process errors
var (
	ErrRunning    = errors.New("process: already running")
	ErrNotRunning = errors.New("process: not running")
	ErrNoState    = errors.New("process: no state to recover")
)

// Process run statuses.
const (
	RunEntered   = "entered"
	RunStarted   = "started"
	RunExecuting = "executing"
	RunEnd       = "end"
	RunDiscard   = "discard"
	RunError     = "error"
)

const (
	runQueue          = "run-q"
	runConsumerTag    = "_process-run"
	executionTag      = "_process-execution"
	returnLoggerLabel = "unroutable"
)

// Definition describes a process.
type Definition struct {
	ID   string
	Name string
}

// Counters tracks how runs of a process ended.
type Counters struct {
	Completed int `json:"completed"`
	Discarded int `json:"discarded"`
}

// State is the serializable state of a process.
type State struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Name        string            `json:"name,omitempty"`
	ExecutionID string            `json:"executionId,omitempty"`
	Status      string            `json:"status,omitempty"`
	Stopped     bool              `json:"stopped,omitempty"`
	Counters    Counters          `json:"counters"`
	Environment environment.State `json:"environment"`
	Broker      *broker.State     `json:"broker,omitempty"`
	Execution   *ExecutionState   `json:"execution,omitempty"`
}

// Process owns one run of a process graph.
type Process struct {
	def    Definition
	ctx    Context
	env    *environment.Environment
	broker *broker.Broker
	logger *slog.Logger
	runQ   *broker.Queue

	execution   *Execution
	executionID string
	status      string
	stopped     bool
	consuming   bool
	counters    Counters
	lastError   *core.ActivityError
}

// New creates a process over the elements ctx resolves for def.ID.
func New(def Definition, ctx Context, env *environment.Environment) *Process {
	b := broker.New(def.ID)
	b.AssertExchange(core.ExchangeRun, broker.ExchangeOptions{Durable: true})
	b.AssertExchange(core.ExchangeExecution, broker.ExchangeOptions{Durable: true})
	b.AssertExchange(core.ExchangeEvent, broker.ExchangeOptions{Durable: true})
	b.AssertExchange(core.ExchangeAPI)
	b.AssertExchange(core.ExchangeMessage)

	p := &Process{
		def:    def,
		ctx:    ctx,
		env:    env,
		broker: b,
		logger: env.Logger().With("process", def.ID),
	}
	p.runQ = b.AssertQueue(runQueue, broker.QueueOptions{Durable: true})
	_, _ = b.BindQueue(runQueue, core.ExchangeRun, "run.#", broker.BindOptions{Durable: true})
	b.OnReturn(func(routingKey string, msg *broker.Message) {
		p.logger.Warn(fmt.Sprintf("<%s (%s)> %s message %s", p.executionID, p.def.ID, returnLoggerLabel, routingKey), "error", msg.Content.Error)
	})
	return p
}

// ID returns the process id.
func (p *Process) ID() string { return p.def.ID }

// Name returns the process name.
func (p *Process) Name() string { return p.def.Name }

// Broker returns the process broker.
func (p *Process) Broker() *broker.Broker { return p.broker }

// Environment returns the run environment.
func (p *Process) Environment() *environment.Environment { return p.env }

// Run starts a new run. message is passed to the start activities through
// the execute message.
func (p *Process) Run(message map[string]any) error {
	var err error
	p.env.Exec(func() {
		if p.status != "" {
			err = ErrRunning
			return
		}
		p.executionID = core.UniqueID(p.def.ID)
		content := p.createContent()
		content.Message = core.CloneMap(message)
		p.stopped = false
		p.broker.Publish(core.ExchangeRun, "run.enter", content, broker.Properties{})
		p.consumeRun()
	})
	return err
}

// Resume continues a stopped or recovered run.
func (p *Process) Resume() error {
	var err error
	p.env.Exec(func() {
		if p.status == "" && p.runQ.Len() == 0 {
			err = ErrNotRunning
			return
		}
		if p.consuming {
			return
		}
		p.debug("resume")
		p.stopped = false
		p.consumeRun()
	})
	return err
}

// Stop stops the run. Resume continues it.
func (p *Process) Stop() {
	p.env.Exec(func() {
		if p.execution == nil || !p.execution.IsRunning() {
			return
		}
		p.execution.Stop()
	})
}

// Signal delegates a signal to every waiting child. The first child that
// consumes it stops the delegation.
func (p *Process) Signal(message map[string]any) {
	p.sendDelegated(core.MessageTypeSignal, message)
}

// Cancel delegates a cancel to every child.
func (p *Process) Cancel(message map[string]any) {
	p.sendDelegated(core.MessageTypeCancel, message)
}

func (p *Process) sendDelegated(action string, message map[string]any) {
	p.env.Exec(func() {
		if p.execution == nil {
			return
		}
		p.execution.GetApi(nil).SendApiMessage(action, message, broker.Properties{Delegate: true})
	})
}

// Shake probes reachability from the start activities, or from fromID.
func (p *Process) Shake(fromID string) map[string][]ShakeResult {
	var result map[string][]ShakeResult
	p.env.Exec(func() {
		result = p.ensureExecution().Shake(fromID)
	})
	return result
}

// StartSequences returns the start paths recorded for the current run.
func (p *Process) StartSequences() map[string][]ShakeResult {
	var result map[string][]ShakeResult
	p.env.Exec(func() {
		if p.execution != nil {
			result = p.execution.StartSequences()
		}
	})
	return result
}

// GetPostponed returns the apis of running children.
func (p *Process) GetPostponed() []*activity.Api {
	var result []*activity.Api
	p.env.Exec(func() {
		if p.execution != nil {
			result = p.execution.GetPostponed(nil)
		}
	})
	return result
}

// ActivityByID returns a child activity.
func (p *Process) ActivityByID(id string) *activity.Activity {
	return p.ensureExecution().ActivityByID(id)
}

// Status returns the run status, empty when idle.
func (p *Process) Status() string {
	var status string
	p.env.Exec(func() { status = p.status })
	return status
}

// ExecutionStatus returns the controller status.
func (p *Process) ExecutionStatus() string {
	var status string
	p.env.Exec(func() {
		if p.execution != nil {
			status = p.execution.Status()
		}
	})
	return status
}

// Stopped reports whether the run is stopped.
func (p *Process) Stopped() bool {
	var stopped bool
	p.env.Exec(func() { stopped = p.stopped })
	return stopped
}

// Counters returns how runs ended.
func (p *Process) Counters() Counters {
	var c Counters
	p.env.Exec(func() { c = p.counters })
	return c
}

// Err returns the error of the last failed run.
func (p *Process) Err() error {
	var err error
	p.env.Exec(func() {
		if p.lastError != nil {
			err = p.lastError
		}
	})
	return err
}

// WaitFor returns a channel receiving the next event matching pattern, for
// example "process.end" or "activity.wait". The channel receives once.
func (p *Process) WaitFor(pattern string) <-chan *broker.Message {
	ch := make(chan *broker.Message, 1)
	p.env.Exec(func() {
		_, _ = p.broker.SubscribeOnce(core.ExchangeEvent, pattern, func(_ string, msg *broker.Message) {
			ch <- msg.Clone()
		}, broker.ConsumeOptions{})
	})
	return ch
}

// GetState snapshots the process.
func (p *Process) GetState() *State {
	var state *State
	p.env.Exec(func() {
		state = &State{
			ID:          p.def.ID,
			Type:        string(core.TypeProcess),
			Name:        p.def.Name,
			ExecutionID: p.executionID,
			Status:      p.status,
			Stopped:     p.stopped,
			Counters:    p.counters,
			Environment: p.env.GetState(),
			Broker:      p.broker.GetState(),
		}
		if p.execution != nil {
			state.Execution = p.execution.GetState()
		}
	})
	return state
}

// Recover restores a snapshot taken with GetState. Resume continues the
// run.
func (p *Process) Recover(state *State) error {
	if state == nil {
		return ErrNoState
	}
	var err error
	p.env.Exec(func() {
		if p.consuming {
			err = ErrRunning
			return
		}
		p.executionID = state.ExecutionID
		p.status = state.Status
		p.stopped = state.Stopped
		p.counters = state.Counters
		p.env.Recover(state.Environment)
		p.broker.Recover(state.Broker)
		if state.Execution != nil {
			p.ensureExecution().Recover(state.Execution)
		}
	})
	return err
}

func (p *Process) consumeRun() {
	if p.consuming {
		return
	}
	p.consuming = true
	p.runQ.Consume(p.onRunMessage, broker.ConsumeOptions{ConsumerTag: runConsumerTag})
}

func (p *Process) onRunMessage(routingKey string, msg *broker.Message) {
	content := msg.Content.Clone()
	switch routingKey {
	case "run.enter":
		p.status = RunEntered
		p.debug("enter")
		p.publishEvent("enter", content, broker.Properties{})
		p.broker.Publish(core.ExchangeRun, "run.start", content, broker.Properties{})
		msg.Ack()
	case "run.start":
		p.status = RunStarted
		p.publishEvent("start", content, broker.Properties{})
		p.broker.Publish(core.ExchangeRun, "run.execute", content, broker.Properties{})
		msg.Ack()
	case "run.execute":
		p.status = RunExecuting
		x := p.ensureExecution()
		p.broker.Cancel(executionTag)
		_, _ = p.broker.SubscribeTmp(x.Exchange(), "execution.#", func(_ string, completed *broker.Message) {
			p.onExecutionMessage(msg, completed)
		}, broker.ConsumeOptions{NoAck: true, ConsumerTag: executionTag})
		if err := x.Execute(msg); err != nil {
			p.logger.Error("execute failed", "error", err)
			content.Error = core.NewActivityError(err.Error(), content.Ref(), err)
			p.broker.Publish(core.ExchangeRun, "run.error", content, broker.Properties{})
			msg.Ack()
		}
	case "run.end":
		p.status = RunEnd
		p.publishEvent("end", content, broker.Properties{})
		p.broker.Publish(core.ExchangeRun, "run.leave", content, broker.Properties{})
		msg.Ack()
	case "run.discard":
		p.status = RunDiscard
		p.publishEvent("discard", content, broker.Properties{})
		p.broker.Publish(core.ExchangeRun, "run.leave", content, broker.Properties{})
		msg.Ack()
	case "run.error":
		p.status = RunError
		p.lastError = content.Error
		p.logger.Error(fmt.Sprintf("<%s (%s)> run failed", p.executionID, p.def.ID), "error", content.Error)
		p.publishEvent("error", content, broker.Properties{})
		p.broker.Publish(core.ExchangeRun, "run.leave", content, broker.Properties{})
		msg.Ack()
	case "run.leave":
		if content.State == RunDiscard {
			p.counters.Discarded++
		} else {
			p.counters.Completed++
		}
		p.status = ""
		p.broker.Cancel(executionTag)
		p.debug("leave")
		msg.Ack()
		p.broker.Cancel(runConsumerTag)
		p.consuming = false
		p.publishEvent("leave", content, broker.Properties{})
	default:
		msg.Ack()
	}
}

func (p *Process) onExecutionMessage(runMsg *broker.Message, msg *broker.Message) {
	content := runMsg.Content.Clone()
	content.Output = core.CloneMap(msg.Content.Output)
	switch msg.Properties.Type {
	case StatusStopped:
		p.stopped = true
		p.broker.Cancel(executionTag)
		p.broker.Cancel(runConsumerTag)
		p.consuming = false
		p.debug("stopped")
		p.publishEvent("stop", content, broker.Properties{Transient: true})
		return
	case StatusError:
		content.Error = msg.Content.Error
		content.State = RunError
		p.broker.Publish(core.ExchangeRun, "run.error", content, broker.Properties{})
	case StatusDiscard:
		content.State = RunDiscard
		p.broker.Publish(core.ExchangeRun, "run.discard", content, broker.Properties{})
	default:
		content.State = msg.Properties.Type
		p.broker.Publish(core.ExchangeRun, "run.end", content, broker.Properties{})
	}
	runMsg.Ack()
}

func (p *Process) ensureExecution() *Execution {
	if p.execution == nil {
		p.execution = NewExecution(Owner{
			ID:     p.def.ID,
			Type:   core.TypeProcess,
			Broker: p.broker,
			Logger: p.logger,
		}, p.ctx, p.env)
	}
	return p.execution
}

func (p *Process) createContent() *core.Content {
	return &core.Content{
		ID:          p.def.ID,
		Type:        string(core.TypeProcess),
		Name:        p.def.Name,
		ExecutionID: p.executionID,
	}
}

func (p *Process) publishEvent(state string, content *core.Content, props broker.Properties) {
	c := content.Clone()
	c.State = state
	if props.Type == "" {
		props.Type = state
	}
	p.broker.Publish(core.ExchangeEvent, "process."+state, c, props)
}

func (p *Process) debug(msg string) {
	p.logger.Debug(fmt.Sprintf("<%s (%s)> %s", p.executionID, p.def.ID, msg))
}
