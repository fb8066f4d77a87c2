// Package activity implements the generic activity runtime shared by every
// task, event and gateway: the run lifecycle (enter, start, execute, end,
// leave), discard and error paths, inbound flow consumption, outbound
// take/discard, the activity api, reachability shake and state snapshots.
//
// Type specific work is delegated to a Behaviour. A behaviour receives
// execute messages and answers by publishing on the activity execution
// exchange (execute.completed, execute.error, execute.discard).
package activity

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/environment"
	"github.com/petal-labs/procflow/flow"
)

// Activity statuses.
const (
	StatusEntered   = "entered"
	StatusStarted   = "started"
	StatusExecuting = "executing"
	StatusEnd       = "end"
	StatusDiscard   = "discard"
	StatusError     = "error"
)

const (
	runQueue       = "run-q"
	executionQueue = "execution-q"
	inboundQueue   = "inbound-q"

	runConsumerTag       = "_activity-run"
	apiConsumerTag       = "_activity-api"
	executionConsumerTag = "_activity-execution"
	inboundConsumerTag   = "_run-on-inbound"
)

// Behaviour executes the type specific work of an activity.
type Behaviour interface {
	Execute(msg *broker.Message)
}

// StatefulBehaviour is a behaviour with state of its own, such as a sub
// process. Its state travels with the activity state.
type StatefulBehaviour interface {
	Behaviour
	GetState() (json.RawMessage, error)
	Recover(state json.RawMessage) error
}

// Factory creates the behaviour of an activity.
type Factory func(a *Activity, ctx Context) Behaviour

// Context resolves the graph an activity belongs to.
type Context interface {
	ActivityByID(id string) *Activity
	InboundSequenceFlows(id string) []*flow.SequenceFlow
	OutboundSequenceFlows(id string) []*flow.SequenceFlow
	InboundAssociations(id string) []*flow.Association
	OutboundAssociations(id string) []*flow.Association
	AttachedActivities(id string) []*Activity
	ReferenceByID(id string) (core.Reference, bool)
}

// EventDefinition describes one event definition of an event activity.
type EventDefinition struct {
	Type      core.ElementType `json:"type" yaml:"type"`
	Behaviour map[string]any   `json:"behaviour,omitempty" yaml:"behaviour,omitempty"`
}

// Definition describes an activity.
type Definition struct {
	ID                string
	Name              string
	Type              core.ElementType
	Parent            core.Parent
	AttachedTo        string
	CancelActivity    bool
	TriggeredByEvent  bool
	IsForCompensation bool
	IsThrowing        bool
	IsTransaction     bool
	Placeholder       bool
	Behaviour         map[string]any
	EventDefinitions  []EventDefinition
}

// Counters tracks how runs of an activity ended.
type Counters struct {
	Taken     int `json:"taken"`
	Discarded int `json:"discarded"`
}

// State is the serializable state of an activity.
type State struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Status      string          `json:"status,omitempty"`
	ExecutionID string          `json:"executionId,omitempty"`
	Stopped     bool            `json:"stopped,omitempty"`
	Counters    Counters        `json:"counters"`
	Broker      *broker.State   `json:"broker,omitempty"`
	Behaviour   json.RawMessage `json:"behaviour,omitempty"`
}

// Activity is one node of a process graph.
type Activity struct {
	def       Definition
	parent    core.Parent
	broker    *broker.Broker
	env       *environment.Environment
	ctx       Context
	logger    *slog.Logger
	behaviour Behaviour

	runQ       *broker.Queue
	inboundQ   *broker.Queue
	executionQ *broker.Queue

	status          string
	executionID     string
	initExecutionID string
	execution       *Execution
	inboundMessage  *broker.Message
	counters        Counters
	activated       bool
	stopped         bool
	consuming       bool
}

// New creates an activity. The behaviour is created by factory once the
// activity is wired; it may resolve other elements lazily through ctx.
func New(def Definition, factory Factory, ctx Context, env *environment.Environment) *Activity {
	b := broker.New(def.ID)
	b.AssertExchange(core.ExchangeRun, broker.ExchangeOptions{Durable: true})
	b.AssertExchange(core.ExchangeExecution, broker.ExchangeOptions{Durable: true})
	b.AssertExchange(core.ExchangeEvent, broker.ExchangeOptions{Durable: true})
	b.AssertExchange(core.ExchangeAPI)

	a := &Activity{
		def:    def,
		parent: def.Parent,
		broker: b,
		env:    env,
		ctx:    ctx,
		logger: env.Logger().With("element", def.ID, "type", string(def.Type)),
	}

	a.runQ = b.AssertQueue(runQueue, broker.QueueOptions{Durable: true})
	_, _ = b.BindQueue(runQueue, core.ExchangeRun, "run.#", broker.BindOptions{Durable: true})
	a.executionQ = b.AssertQueue(executionQueue, broker.QueueOptions{Durable: true})
	_, _ = b.BindQueue(executionQueue, core.ExchangeExecution, "execute.#", broker.BindOptions{Durable: true, Priority: 100})
	a.inboundQ = b.AssertQueue(inboundQueue, broker.QueueOptions{Durable: true})

	if factory != nil {
		a.behaviour = factory(a, ctx)
	}
	return a
}

// ID returns the activity id.
func (a *Activity) ID() string { return a.def.ID }

// Name returns the activity name.
func (a *Activity) Name() string { return a.def.Name }

// Type returns the element type.
func (a *Activity) Type() core.ElementType { return a.def.Type }

// Parent returns the scope the activity belongs to.
func (a *Activity) Parent() core.Parent { return a.parent }

// Broker returns the activity broker.
func (a *Activity) Broker() *broker.Broker { return a.broker }

// Environment returns the run environment.
func (a *Activity) Environment() *environment.Environment { return a.env }

// Context returns the graph context.
func (a *Activity) Context() Context { return a.ctx }

// Logger returns the activity logger.
func (a *Activity) Logger() *slog.Logger { return a.logger }

// Behaviour returns the activity behaviour.
func (a *Activity) Behaviour() Behaviour { return a.behaviour }

// Setting returns a type specific behaviour setting.
func (a *Activity) Setting(key string) (any, bool) {
	v, ok := a.def.Behaviour[key]
	return v, ok
}

// Settings returns the raw behaviour settings.
func (a *Activity) Settings() map[string]any { return a.def.Behaviour }

// EventDefinitions returns the event definitions of an event activity.
func (a *Activity) EventDefinitions() []EventDefinition { return a.def.EventDefinitions }

// Counters returns the activity counters.
func (a *Activity) Counters() Counters { return a.counters }

// Status returns the run status, empty when idle.
func (a *Activity) Status() string { return a.status }

// ExecutionID returns the id of the current or last run.
func (a *Activity) ExecutionID() string { return a.executionID }

// IsRunning reports whether a run is in progress.
func (a *Activity) IsRunning() bool { return a.status != "" }

// Stopped reports whether the activity was stopped mid run.
func (a *Activity) Stopped() bool { return a.stopped }

// Placeholder reports whether the activity is a stand-in for an element the
// engine does not run.
func (a *Activity) Placeholder() bool { return a.def.Placeholder }

// IsThrowing reports whether event definitions throw rather than catch.
func (a *Activity) IsThrowing() bool { return a.def.IsThrowing }

// IsTransaction reports whether the activity is a transaction scope.
func (a *Activity) IsTransaction() bool { return a.def.IsTransaction }

// TriggeredByEvent reports whether the activity only runs on a delegated
// event.
func (a *Activity) TriggeredByEvent() bool { return a.def.TriggeredByEvent }

// IsForCompensation reports whether the activity is a compensation handler.
func (a *Activity) IsForCompensation() bool { return a.def.IsForCompensation }

// CancelActivity reports whether a boundary event interrupts its attached
// activity.
func (a *Activity) CancelActivity() bool { return a.def.CancelActivity }

// AttachedToID returns the id of the activity a boundary event is attached to.
func (a *Activity) AttachedToID() string { return a.def.AttachedTo }

// AttachedTo returns the activity a boundary event is attached to.
func (a *Activity) AttachedTo() *Activity {
	if a.def.AttachedTo == "" || a.ctx == nil {
		return nil
	}
	return a.ctx.ActivityByID(a.def.AttachedTo)
}

// InTransaction reports whether the activity runs inside a transaction.
func (a *Activity) InTransaction() bool {
	if a.parent.Type == string(core.TypeTransaction) {
		return true
	}
	for _, p := range a.parent.Path {
		if p.Type == string(core.TypeTransaction) {
			return true
		}
	}
	return false
}

// Inbound returns inbound sequence flows.
func (a *Activity) Inbound() []*flow.SequenceFlow {
	if a.ctx == nil {
		return nil
	}
	return a.ctx.InboundSequenceFlows(a.def.ID)
}

// Outbound returns outbound sequence flows.
func (a *Activity) Outbound() []*flow.SequenceFlow {
	if a.ctx == nil {
		return nil
	}
	return a.ctx.OutboundSequenceFlows(a.def.ID)
}

// IsStart reports whether the activity starts its scope.
func (a *Activity) IsStart() bool {
	if a.def.Placeholder || a.def.AttachedTo != "" || a.def.TriggeredByEvent || a.def.IsForCompensation {
		return false
	}
	return len(a.Inbound()) == 0
}

// IsEnd reports whether the activity has no outbound sequence flows.
func (a *Activity) IsEnd() bool {
	return len(a.Outbound()) == 0
}

// Activate subscribes to inbound flows, inbound associations and, for a
// boundary event, the attached activity.
func (a *Activity) Activate() {
	if a.activated {
		return
	}
	a.activated = true
	tag := a.inboundTag()
	for _, f := range a.Inbound() {
		_, _ = f.Broker().SubscribeTmp(core.ExchangeEvent, "flow.#", a.onInboundEvent, broker.ConsumeOptions{
			NoAck:       true,
			ConsumerTag: tag,
		})
	}
	if a.def.IsForCompensation {
		for _, assoc := range a.ctx.InboundAssociations(a.def.ID) {
			_, _ = assoc.Broker().SubscribeTmp(core.ExchangeEvent, "association.#", a.onInboundEvent, broker.ConsumeOptions{
				NoAck:       true,
				ConsumerTag: tag,
			})
		}
	}
	if attachedTo := a.AttachedTo(); attachedTo != nil {
		_, _ = attachedTo.Broker().SubscribeTmp(core.ExchangeEvent, core.KeyActivityEnter, a.onAttachedEnter, broker.ConsumeOptions{
			NoAck:       true,
			ConsumerTag: "_attached-enter-" + a.def.ID,
			Priority:    300,
		})
	}
	a.consumeInbound()
}

// Deactivate cancels every subscription made by Activate.
func (a *Activity) Deactivate() {
	tag := a.inboundTag()
	for _, f := range a.Inbound() {
		f.Broker().Cancel(tag)
	}
	if a.def.IsForCompensation {
		for _, assoc := range a.ctx.InboundAssociations(a.def.ID) {
			assoc.Broker().Cancel(tag)
		}
	}
	if attachedTo := a.AttachedTo(); attachedTo != nil {
		attachedTo.Broker().Cancel("_attached-enter-" + a.def.ID)
	}
	a.broker.Cancel(inboundConsumerTag)
	a.activated = false
}

// Init allocates the execution id of the next run and publishes
// activity.init.
func (a *Activity) Init() {
	a.initExecutionID = core.UniqueID(a.def.ID)
	content := a.createContent(a.initExecutionID)
	a.debug(a.initExecutionID, "initialized")
	a.publishEvent("init", content, broker.Properties{})
}

// Run starts a new run. message is passed on as the run message payload.
func (a *Activity) Run(message map[string]any) {
	if a.IsRunning() {
		a.logger.Warn(fmt.Sprintf("<%s (%s)> already running", a.executionID, a.def.ID))
		return
	}
	executionID := a.initExecutionID
	if executionID == "" {
		executionID = core.UniqueID(a.def.ID)
	}
	a.initExecutionID = ""
	content := a.createContent(executionID)
	content.Message = core.CloneMap(message)
	a.startRun(content, "run.enter")
}

// Discard discards the current run, or runs a discard when idle.
func (a *Activity) Discard() {
	if a.execution != nil && !a.execution.completed {
		a.execution.Discard()
		return
	}
	switch a.status {
	case StatusEnd, StatusDiscard, StatusError:
		// already leaving
		return
	case "":
		a.startRun(a.createContent(core.UniqueID(a.def.ID)), "run.discard")
	default:
		a.runQ.Purge()
		content := a.createContent(a.executionID)
		a.broker.Publish(core.ExchangeRun, "run.discard", content, broker.Properties{})
	}
}

// Stop stops the current run. Pending run and execution messages are kept
// for Resume.
func (a *Activity) Stop() {
	if !a.IsRunning() || a.stopped {
		return
	}
	a.stopped = true
	a.debug(a.executionID, "stop")
	if a.execution != nil {
		a.execution.Stop()
	}
	a.broker.Cancel(apiConsumerTag)
	a.broker.Cancel(runConsumerTag)
	a.consuming = false
	a.publishEvent("stop", a.createContent(a.executionID), broker.Properties{Transient: true})
}

// Resume continues a stopped or recovered run by redelivering pending run
// messages.
func (a *Activity) Resume() {
	if a.consuming {
		return
	}
	if !a.IsRunning() && a.runQ.Len() == 0 {
		a.Activate()
		return
	}
	a.debug(a.executionID, "resume at "+a.status)
	a.stopped = false
	a.Activate()
	a.subscribeAPI()
	a.consumeRun()
}

// Shake probes reachability from this activity.
func (a *Activity) Shake() {
	content := a.createContent(a.executionID)
	a.shakeOutbound(content)
}

// GetApi returns an api addressing the execution described by msg.
func (a *Activity) GetApi(msg *broker.Message) *Api {
	content := msg.Content
	if content == nil {
		content = a.createContent(a.executionID)
	}
	return NewApi("activity", a.broker, content)
}

// GetState snapshots the activity.
func (a *Activity) GetState() State {
	state := State{
		ID:          a.def.ID,
		Type:        string(a.def.Type),
		Name:        a.def.Name,
		Status:      a.status,
		ExecutionID: a.executionID,
		Stopped:     a.stopped,
		Counters:    a.counters,
		Broker:      a.broker.GetState(),
	}
	if sb, ok := a.behaviour.(StatefulBehaviour); ok {
		raw, err := sb.GetState()
		if err != nil {
			a.logger.Warn("behaviour state skipped", "error", err)
		}
		state.Behaviour = raw
	}
	return state
}

// Recover restores a snapshot taken with GetState. Resume continues the run.
func (a *Activity) Recover(state State) {
	if a.IsRunning() && a.consuming {
		a.logger.Warn(fmt.Sprintf("<%s (%s)> cannot recover running activity", a.executionID, a.def.ID))
		return
	}
	a.status = state.Status
	a.executionID = state.ExecutionID
	a.stopped = state.Stopped
	a.counters = state.Counters
	a.broker.Recover(state.Broker)
	if sb, ok := a.behaviour.(StatefulBehaviour); ok && len(state.Behaviour) > 0 {
		if err := sb.Recover(state.Behaviour); err != nil {
			a.logger.Warn("behaviour state not recovered", "error", err)
		}
	}
}

func (a *Activity) startRun(content *core.Content, routingKey string) {
	a.executionID = content.ExecutionID
	a.stopped = false
	a.subscribeAPI()
	a.broker.Publish(core.ExchangeRun, routingKey, content, broker.Properties{})
	a.consumeRun()
}

func (a *Activity) consumeRun() {
	if a.consuming {
		return
	}
	a.consuming = true
	a.runQ.Consume(a.onRunMessage, broker.ConsumeOptions{ConsumerTag: runConsumerTag})
}

func (a *Activity) consumeInbound() {
	if a.broker.GetConsumer(inboundConsumerTag) != nil {
		return
	}
	a.inboundQ.Consume(a.onInboundMessage, broker.ConsumeOptions{ConsumerTag: inboundConsumerTag})
}

func (a *Activity) subscribeAPI() {
	_, _ = a.broker.SubscribeTmp(core.ExchangeAPI, "activity.*."+a.executionID, a.onApiMessage, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: apiConsumerTag,
		Priority:    100,
	})
}

func (a *Activity) onApiMessage(_ string, msg *broker.Message) {
	switch msg.Properties.Type {
	case core.MessageTypeDiscard:
		if a.execution != nil && a.execution.discarding {
			return
		}
		a.debug(a.executionID, "discard requested")
		a.Discard()
	case core.MessageTypeStop:
		a.Stop()
	}
}

func (a *Activity) onInboundEvent(routingKey string, msg *broker.Message) {
	switch routingKey {
	case core.KeyFlowTake, core.KeyFlowDiscard, "association.take":
		if msg.Content.TargetID != a.def.ID {
			return
		}
		a.inboundQ.QueueMessage(msg.Fields, msg.Content.Clone(), msg.Properties)
	case core.KeyFlowShake:
		if msg.Content.Sequence == nil || msg.Content.Sequence[len(msg.Content.Sequence)-1].TargetID != a.def.ID {
			return
		}
		a.shakeOutbound(msg.Content)
	}
}

func (a *Activity) onInboundMessage(routingKey string, msg *broker.Message) {
	a.inboundMessage = msg
	if msg.Fields.Redelivered && a.IsRunning() {
		return
	}
	inbound := msg.Content
	content := a.createContent(core.UniqueID(a.def.ID))
	content.Inbound = []core.Ref{inbound.Ref()}
	content.Message = core.CloneMap(inbound.Message)
	switch routingKey {
	case core.KeyFlowDiscard:
		content.DiscardSequence = inbound.DiscardSequence
		a.startRun(content, "run.discard")
	default:
		if a.def.IsForCompensation {
			content.Output = core.CloneMap(inbound.Output)
		}
		a.startRun(content, "run.enter")
	}
}

func (a *Activity) onAttachedEnter(_ string, msg *broker.Message) {
	if msg.Content.ID != a.def.AttachedTo {
		return
	}
	if a.IsRunning() {
		return
	}
	content := a.createContent(core.UniqueID(a.def.ID))
	content.Inbound = []core.Ref{msg.Content.Ref()}
	a.startRun(content, "run.enter")
}

func (a *Activity) onRunMessage(routingKey string, msg *broker.Message) {
	content := msg.Content.Clone()
	switch routingKey {
	case "run.enter":
		a.status = StatusEntered
		a.debug(content.ExecutionID, "enter")
		a.publishEvent("enter", content, broker.Properties{})
		a.broker.Publish(core.ExchangeRun, "run.start", content, broker.Properties{})
		msg.Ack()
	case "run.start":
		a.status = StatusStarted
		a.publishEvent("start", content, broker.Properties{})
		a.broker.Publish(core.ExchangeRun, "run.execute", content, broker.Properties{})
		msg.Ack()
	case "run.execute":
		a.status = StatusExecuting
		a.execution = newExecution(a)
		a.execution.execute(msg)
	case "run.end":
		a.status = StatusEnd
		a.publishEvent("end", content, broker.Properties{})
		if err := a.doOutbound(content, false); err != nil {
			content.Error = core.NewActivityError(err.Error(), content.Ref(), err)
			a.broker.Publish(core.ExchangeRun, "run.error", content, broker.Properties{})
			msg.Ack()
			return
		}
		content.State = "completed"
		a.broker.Publish(core.ExchangeRun, "run.leave", content, broker.Properties{})
		msg.Ack()
	case "run.discard":
		a.status = StatusDiscard
		a.debug(content.ExecutionID, "discard")
		a.publishEvent("discard", content, broker.Properties{})
		_ = a.doOutbound(content, true)
		content.State = StatusDiscard
		a.broker.Publish(core.ExchangeRun, "run.leave", content, broker.Properties{})
		msg.Ack()
	case "run.error":
		a.status = StatusError
		a.logger.Error(fmt.Sprintf("<%s (%s)> run failed", content.ExecutionID, a.def.ID), "error", content.Error)
		a.publishEvent("error", content, broker.Properties{})
		_ = a.doOutbound(content, true)
		content.State = StatusError
		a.broker.Publish(core.ExchangeRun, "run.leave", content, broker.Properties{})
		msg.Ack()
	case "run.leave":
		a.onLeave(content, msg)
	default:
		msg.Ack()
	}
}

func (a *Activity) onLeave(content *core.Content, msg *broker.Message) {
	if content.State == StatusDiscard {
		a.counters.Discarded++
	} else {
		a.counters.Taken++
	}
	a.status = ""
	a.broker.Cancel(apiConsumerTag)
	a.broker.Cancel(executionConsumerTag)
	a.executionQ.Purge()
	a.execution = nil
	a.debug(content.ExecutionID, "leave")
	a.publishEvent("leave", content, broker.Properties{})
	msg.Ack()
	a.broker.Cancel(runConsumerTag)
	a.consuming = false
	if inbound := a.inboundMessage; inbound != nil {
		a.inboundMessage = nil
		inbound.Ack()
	}
}

// onExecutionCompleted is called once the root execution settles.
func (a *Activity) onExecutionCompleted(runMsg *broker.Message, completionType string, result *core.Content) {
	content := runMsg.Content.Clone()
	content.Output = core.CloneMap(result.Output)
	if result.Message != nil {
		content.Message = core.CloneMap(result.Message)
	}
	content.Outbound = result.Outbound
	content.IgnoreOutbound = result.IgnoreOutbound
	content.Error = result.Error
	content.State = result.State
	switch completionType {
	case core.MessageTypeDiscard:
		a.broker.Publish(core.ExchangeRun, "run.discard", content, broker.Properties{})
	case core.MessageTypeError:
		a.broker.Publish(core.ExchangeRun, "run.error", content, broker.Properties{})
	default:
		a.broker.Publish(core.ExchangeRun, "run.end", content, broker.Properties{})
	}
	runMsg.Ack()
}

// TakeOutbound takes outbound flows while the activity keeps executing.
func (a *Activity) TakeOutbound(content *core.Content) {
	_ = a.doOutbound(content, false)
}

func (a *Activity) doOutbound(content *core.Content, discard bool) error {
	flows := a.Outbound()
	if len(flows) == 0 {
		return nil
	}
	if discard {
		for _, f := range flows {
			f.Discard(content)
		}
		return nil
	}
	if content.IgnoreOutbound {
		return nil
	}

	decisions := map[string]string{}
	for _, o := range content.Outbound {
		decisions[o.ID] = o.Action
	}
	if len(decisions) == 0 {
		taken := 0
		var defaultFlow *flow.SequenceFlow
		for _, f := range flows {
			if f.IsDefault() {
				defaultFlow = f
				continue
			}
			ok, err := f.EvaluateCondition(content)
			if err != nil {
				return err
			}
			if ok {
				decisions[f.ID()] = "take"
				taken++
			} else {
				decisions[f.ID()] = "discard"
			}
		}
		if defaultFlow != nil {
			if taken == 0 {
				decisions[defaultFlow.ID()] = "take"
			} else {
				decisions[defaultFlow.ID()] = "discard"
			}
		}
	}

	for _, f := range flows {
		if decisions[f.ID()] == "take" {
			f.Take(content)
		} else {
			f.Discard(content)
		}
	}
	return nil
}

func (a *Activity) shakeOutbound(probe *core.Content) {
	content := probe.Clone()
	content.Sequence = append(content.Sequence, core.ShakeStep{ID: a.def.ID, Type: string(a.def.Type)})
	outbound := a.Outbound()
	if len(outbound) == 0 {
		a.broker.Publish(core.ExchangeEvent, core.KeyActivityShakeEnd, content, broker.Properties{
			Type:      core.MessageTypeShake,
			Transient: true,
		})
		return
	}
	for _, f := range outbound {
		f.Shake(content)
	}
}

func (a *Activity) createContent(executionID string) *core.Content {
	return &core.Content{
		ID:                a.def.ID,
		Type:              string(a.def.Type),
		Name:              a.def.Name,
		ExecutionID:       executionID,
		Parent:            a.parent.Clone(),
		IsStart:           a.IsStart(),
		IsEnd:             a.IsEnd(),
		AttachedTo:        a.def.AttachedTo,
		IsForCompensation: a.def.IsForCompensation,
		Placeholder:       a.def.Placeholder,
	}
}

func (a *Activity) publishEvent(state string, content *core.Content, props broker.Properties) {
	c := content.Clone()
	c.State = state
	if props.Type == "" {
		props.Type = state
	}
	a.broker.Publish(core.ExchangeEvent, "activity."+state, c, props)
}

// PublishEvent publishes an activity event on behalf of a behaviour.
func (a *Activity) PublishEvent(state string, content *core.Content, props broker.Properties) {
	a.publishEvent(state, content, props)
}

func (a *Activity) inboundTag() string {
	return "_inbound-" + a.def.ID
}

func (a *Activity) debug(executionID, msg string) {
	a.logger.Debug(fmt.Sprintf("<%s (%s)> %s", executionID, a.def.ID, msg))
}
