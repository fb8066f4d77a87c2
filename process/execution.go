package process

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/environment"
	"github.com/petal-labs/procflow/flow"
)

// Execution statuses.
const (
	StatusInit       = "init"
	StatusStart      = "start"
	StatusExecuting  = "executing"
	StatusCompleted  = "completed"
	StatusDiscard    = "discard"
	StatusError      = "error"
	StatusTerminated = "terminated"
	StatusStopped    = "stopped"
)

// Context resolves the elements of a scope.
type Context interface {
	Activities(scope string) []*activity.Activity
	SequenceFlows(scope string) []*flow.SequenceFlow
	Associations(scope string) []*flow.Association
	MessageFlows(scope string) []*flow.MessageFlow
	ActivityByID(id string) *activity.Activity
}

// Owner is the element an execution runs the children of: a process or a
// sub process activity.
type Owner struct {
	ID           string
	Type         core.ElementType
	Broker       *broker.Broker
	IsSubProcess bool
	Logger       *slog.Logger
}

// StartFilter selects the start activities of an event sub process.
type StartFilter struct {
	ReferenceID   string
	ReferenceType string
}

// EventStarter is implemented by behaviours that can be started by a
// delegated event, such as an event sub process.
type EventStarter interface {
	StartActivities(filter StartFilter) []*activity.Activity
}

// ShakeResult is one path a reachability probe walked from a start activity.
type ShakeResult struct {
	Sequence []core.ShakeStep `json:"sequence"`
	IsLooped bool             `json:"isLooped,omitempty"`
}

// ExecutionState is the serializable state of an execution.
type ExecutionState struct {
	ExecutionID  string                  `json:"executionId"`
	Stopped      bool                    `json:"stopped,omitempty"`
	Completed    bool                    `json:"completed,omitempty"`
	Status       string                  `json:"status"`
	Children     []activity.State        `json:"children,omitempty"`
	Flows        []flow.State            `json:"flows,omitempty"`
	MessageFlows []flow.State            `json:"messageFlows,omitempty"`
	Associations []flow.AssociationState `json:"associations,omitempty"`
}

// Execution runs the children of a scope. It activates children and flows,
// keeps the latest lifecycle message of every running child and decides
// when the scope has completed.
//
// Execution is not safe for concurrent use; every call is expected under
// the environment run lock.
type Execution struct {
	id           string
	typ          core.ElementType
	isSubProcess bool
	broker       *broker.Broker
	exchange     string
	env          *environment.Environment
	logger       *slog.Logger

	children     []*activity.Activity
	flows        []*flow.SequenceFlow
	associations []*flow.Association
	messageFlows []*flow.MessageFlow

	startActivities  []*activity.Activity
	triggeredByEvent []*activity.Activity
	postponed        []*broker.Message
	detached         []*broker.Message
	startSequences   map[string][]ShakeResult

	executionID    string
	executeContent *core.Content
	activityQ      *broker.Queue
	status         string
	completed      bool
	stopped        bool
	activated      bool
}

// NewExecution creates the execution of owner's children.
func NewExecution(owner Owner, ctx Context, env *environment.Environment) *Execution {
	exchange := core.ExchangeExecution
	if owner.IsSubProcess {
		exchange = core.ExchangeSubProcessExecution
	}
	owner.Broker.AssertExchange(exchange, broker.ExchangeOptions{Durable: true})
	logger := owner.Logger
	if logger == nil {
		logger = env.Logger()
	}
	return &Execution{
		id:             owner.ID,
		typ:            owner.Type,
		isSubProcess:   owner.IsSubProcess,
		broker:         owner.Broker,
		exchange:       exchange,
		env:            env,
		logger:         logger,
		children:       ctx.Activities(owner.ID),
		flows:          ctx.SequenceFlows(owner.ID),
		associations:   ctx.Associations(owner.ID),
		messageFlows:   ctx.MessageFlows(owner.ID),
		startSequences: make(map[string][]ShakeResult),
		status:         StatusInit,
	}
}

// ID returns the owner id.
func (x *Execution) ID() string { return x.id }

// ExecutionID returns the execution id.
func (x *Execution) ExecutionID() string { return x.executionID }

// Status returns the execution status.
func (x *Execution) Status() string { return x.status }

// Completed reports whether the execution has completed.
func (x *Execution) Completed() bool { return x.completed }

// Stopped reports whether the execution is stopped.
func (x *Execution) Stopped() bool { return x.stopped }

// IsRunning reports whether children are activated.
func (x *Execution) IsRunning() bool { return x.activated }

// PostponedCount returns the number of running children.
func (x *Execution) PostponedCount() int { return len(x.postponed) }

// Exchange returns the exchange completion messages are published on.
func (x *Execution) Exchange() string { return x.exchange }

// GetActivities returns the children.
func (x *Execution) GetActivities() []*activity.Activity {
	return slices.Clone(x.children)
}

// ActivityByID returns the child with id, nil if not a child.
func (x *Execution) ActivityByID(id string) *activity.Activity {
	for _, a := range x.children {
		if a.ID() == id {
			return a
		}
	}
	return nil
}

// SequenceFlows returns the sequence flows of the scope.
func (x *Execution) SequenceFlows() []*flow.SequenceFlow {
	return slices.Clone(x.flows)
}

// Execute starts the execution, or resumes it when msg is redelivered.
func (x *Execution) Execute(msg *broker.Message) error {
	if msg == nil {
		return &core.InvariantError{Op: "process execute", Message: "requires message"}
	}
	if msg.Content == nil || msg.Content.ExecutionID == "" {
		return &core.InvariantError{Op: "process execute", Message: "requires execution id"}
	}
	x.executionID = msg.Content.ExecutionID
	x.executeContent = msg.Content.Clone()
	x.executeContent.State = StatusStart
	x.stopped = false
	x.activityQ = x.broker.AssertQueue("execute-"+x.executionID+"-q", broker.QueueOptions{Durable: true})

	if msg.Fields.Redelivered {
		x.resume()
		return nil
	}

	if x.isSubProcess {
		x.debug("execute sub process")
	} else {
		x.debug("execute process")
	}
	x.activate()
	x.start()
	return nil
}

func (x *Execution) start() {
	if !slices.ContainsFunc(x.children, func(a *activity.Activity) bool { return !a.Placeholder() }) {
		x.complete(StatusCompleted, nil)
		return
	}
	x.status = StatusStart
	x.broker.Publish(x.exchange, core.KeyExecuteStart, x.executeContent.Clone(), broker.Properties{})

	if len(x.startActivities) > 1 {
		for _, a := range x.startActivities {
			a.Shake()
		}
	}
	for _, a := range x.startActivities {
		a.Init()
	}
	for _, a := range x.startActivities {
		a.Run(nil)
	}

	x.postponed = nil
	x.detached = nil
	x.consume()
}

func (x *Execution) consume() {
	x.activityQ.Consume(x.onChildMessage, broker.ConsumeOptions{
		Prefetch:    x.env.Settings().Prefetch,
		ConsumerTag: x.consumerTag(),
	})
}

func (x *Execution) resume() {
	x.debug("resume execution at " + x.status)
	if x.completed {
		x.complete(StatusCompleted, nil)
		return
	}

	x.activate()
	if len(x.startActivities) > 1 {
		for _, a := range x.startActivities {
			a.Shake()
		}
	}

	x.postponed = nil
	x.detached = nil
	x.consume()
	if x.completed {
		x.complete(StatusCompleted, nil)
		return
	}

	switch x.status {
	case StatusInit:
		x.start()
		return
	case StatusExecuting:
		if len(x.postponed) == 0 {
			x.complete(StatusCompleted, nil)
			return
		}
	}

	for _, msg := range slices.Clone(x.postponed) {
		a := x.ActivityByID(msg.Content.ID)
		if a == nil || msg.Content.Placeholder {
			continue
		}
		a.Resume()
	}
}

// Recover restores state taken with GetState. Elements missing from the
// graph are skipped.
func (x *Execution) Recover(state *ExecutionState) {
	if state == nil {
		return
	}
	x.executionID = state.ExecutionID
	x.stopped = state.Stopped
	x.completed = state.Completed
	x.status = state.Status
	x.debug("recover execution at " + x.status)

	for _, fs := range state.MessageFlows {
		if mf := x.messageFlowByID(fs.ID); mf != nil {
			mf.Recover(fs)
		}
	}
	for _, as := range state.Associations {
		if assoc := x.associationByID(as.ID); assoc != nil {
			assoc.Recover(as)
		}
	}
	for _, fs := range state.Flows {
		if f := x.flowByID(fs.ID); f != nil {
			f.Recover(fs)
		}
	}
	for _, cs := range state.Children {
		if child := x.ActivityByID(cs.ID); child != nil {
			child.Recover(cs)
		}
	}
}

// GetState snapshots the execution and its elements.
func (x *Execution) GetState() *ExecutionState {
	state := &ExecutionState{
		ExecutionID: x.executionID,
		Stopped:     x.stopped,
		Completed:   x.completed,
		Status:      x.status,
	}
	for _, a := range x.children {
		if a.Placeholder() {
			continue
		}
		state.Children = append(state.Children, a.GetState())
	}
	for _, f := range x.flows {
		state.Flows = append(state.Flows, f.GetState())
	}
	for _, mf := range x.messageFlows {
		state.MessageFlows = append(state.MessageFlows, mf.GetState())
	}
	for _, assoc := range x.associations {
		state.Associations = append(state.Associations, assoc.GetState())
	}
	return state
}

// Shake probes reachability from the start activities, or from fromID. An
// idle execution is activated for the probe only and left as it was.
func (x *Execution) Shake(fromID string) map[string][]ShakeResult {
	executing := true
	previousID := x.executionID
	if !x.activated {
		executing = false
		x.executionID = core.UniqueID(x.id)
		x.activate()
	}

	var toShake []*activity.Activity
	if fromID != "" {
		if a := x.ActivityByID(fromID); a != nil {
			toShake = append(toShake, a)
		}
	} else {
		toShake = slices.Clone(x.startActivities)
	}

	result := map[string][]ShakeResult{}
	tag := "_shaker-" + x.executionID
	_, _ = x.broker.SubscribeTmp(core.ExchangeEvent, "*.shake.*", func(routingKey string, msg *broker.Message) {
		content := msg.Content
		if content.Parent == nil || content.Parent.ID != x.id {
			return
		}
		switch routingKey {
		case core.KeyFlowShakeLoop, core.KeyActivityShakeEnd:
			result[content.ID] = append(result[content.ID], ShakeResult{
				Sequence: slices.Clone(content.Sequence),
				IsLooped: routingKey == core.KeyFlowShakeLoop,
			})
		}
	}, broker.ConsumeOptions{NoAck: true, ConsumerTag: tag})

	for _, a := range toShake {
		a.Shake()
	}

	if !executing {
		x.deactivate()
		x.executionID = previousID
	}
	x.broker.Cancel(tag)
	return result
}

// Stop requests a stop through the api.
func (x *Execution) Stop() {
	x.GetApi(nil).Stop()
}

// Discard discards the execution and every running child.
func (x *Execution) Discard() {
	if x.completed || x.activityQ == nil {
		return
	}
	x.status = StatusDiscard
	x.activityQ.QueueMessage(broker.Fields{RoutingKey: core.KeyExecutionDiscard}, &core.Content{
		ID:          x.id,
		Type:        string(x.typ),
		ExecutionID: x.executionID,
	}, broker.Properties{Type: core.MessageTypeDiscard})
}

// GetApi returns an api for msg. A nil message, or one addressing this
// execution, returns the execution api; any other returns the api of the
// running child it addresses.
func (x *Execution) GetApi(msg *broker.Message) *activity.Api {
	if msg == nil {
		content := x.executeContent
		if content == nil {
			content = &core.Content{ID: x.id, Type: string(x.typ), ExecutionID: x.executionID}
		}
		return activity.NewApi("process", x.broker, content)
	}
	if msg.Content.ExecutionID != x.executionID {
		return x.childApi(msg)
	}
	return activity.NewApi("process", x.broker, msg.Content)
}

// GetPostponed returns apis of running children, optionally filtered.
func (x *Execution) GetPostponed(filter func(*activity.Api) bool) []*activity.Api {
	var result []*activity.Api
	for _, msg := range slices.Clone(x.postponed) {
		api := x.childApi(msg)
		if api == nil {
			continue
		}
		if filter != nil && !filter(api) {
			continue
		}
		result = append(result, api)
	}
	return result
}

func (x *Execution) activate() {
	clear(x.startSequences)
	_, _ = x.broker.SubscribeTmp(core.ExchangeAPI, "#", x.onApiMessage, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: x.apiTag(),
		Priority:    200,
	})

	for _, mf := range x.messageFlows {
		mf.Activate()
		_, _ = mf.Broker().SubscribeTmp(core.ExchangeEvent, "#", x.onMessageFlowEvent, broker.ConsumeOptions{
			NoAck:       true,
			ConsumerTag: messageConsumerTag,
			Priority:    200,
		})
	}
	for _, f := range x.flows {
		f.Activate()
		_, _ = f.Broker().SubscribeTmp(core.ExchangeEvent, "#", x.onActivityEvent, broker.ConsumeOptions{
			NoAck:       true,
			ConsumerTag: flowConsumerTag,
			Priority:    200,
		})
	}
	for _, assoc := range x.associations {
		_, _ = assoc.Broker().SubscribeTmp(core.ExchangeEvent, "#", x.onActivityEvent, broker.ConsumeOptions{
			NoAck:       true,
			ConsumerTag: associationConsumerTag,
			Priority:    200,
		})
	}

	x.startActivities = nil
	x.triggeredByEvent = nil
	for _, a := range x.children {
		if a.Placeholder() {
			continue
		}
		a.Activate()
		_, _ = a.Broker().SubscribeTmp(core.ExchangeEvent, "#", x.onActivityEvent, broker.ConsumeOptions{
			NoAck:       true,
			ConsumerTag: activityConsumerTag,
			Priority:    200,
		})
		if a.IsStart() {
			x.startActivities = append(x.startActivities, a)
		}
		if a.TriggeredByEvent() {
			x.triggeredByEvent = append(x.triggeredByEvent, a)
		}
	}
	x.activated = true
}

func (x *Execution) deactivate() {
	x.broker.Cancel(x.apiTag())
	x.broker.Cancel(x.consumerTag())
	for _, a := range x.children {
		if a.Placeholder() {
			continue
		}
		a.Broker().Cancel(activityConsumerTag)
		a.Deactivate()
	}
	for _, f := range x.flows {
		f.Broker().Cancel(flowConsumerTag)
	}
	for _, assoc := range x.associations {
		assoc.Broker().Cancel(associationConsumerTag)
	}
	for _, mf := range x.messageFlows {
		mf.Deactivate()
		mf.Broker().Cancel(messageConsumerTag)
	}
	x.activated = false
}

func (x *Execution) onMessageFlowEvent(routingKey string, msg *broker.Message) {
	x.broker.Publish(core.ExchangeMessage, routingKey, msg.Content.Clone(), msg.Properties)
}

func (x *Execution) onActivityEvent(routingKey string, msg *broker.Message) {
	if msg.Fields.Redelivered && msg.Properties.Transient {
		return
	}
	content := msg.Content.Clone()
	isDirectChild := content.Parent != nil && content.Parent.ID == x.id
	switch {
	case isDirectChild:
		content.Parent.ExecutionID = x.executionID
	case content.Parent == nil || content.Parent.ID == "":
		content.Parent = &core.Parent{ID: x.id, Type: string(x.typ), ExecutionID: x.executionID}
	default:
		content.Parent = core.PushParent(content.Parent, core.Ref{ID: x.id, Type: string(x.typ), ExecutionID: x.executionID})
	}

	delegate := msg.Properties.Delegate
	if delegate {
		delegate = x.onDelegateEvent(msg.Properties.Type, content)
	}
	props := msg.Properties
	props.Delegate = delegate
	props.Mandatory = false
	x.broker.Publish(core.ExchangeEvent, routingKey, content.Clone(), props)

	if msg.Properties.Type == core.MessageTypeShake {
		x.onShookEnd(routingKey, content)
		return
	}
	if !isDirectChild || content.IsAssociation || x.activityQ == nil {
		return
	}

	switch routingKey {
	case core.KeyProcessTerminate:
		x.activityQ.QueueMessage(broker.Fields{RoutingKey: core.KeyExecutionTerminate}, content, broker.Properties{
			Type: core.MessageTypeTerminate,
		})
		return
	case core.KeyActivityStop:
		return
	}
	x.activityQ.QueueMessage(msg.Fields, content, msg.Properties)
}

// onDelegateEvent runs the event sub processes started by the event and
// delegates the event to every child. It reports whether the event should
// still be delegated by the parent scope.
func (x *Execution) onDelegateEvent(eventType string, content *core.Content) bool {
	delegate := true
	referenceID, _ := content.Message["id"].(string)
	if referenceID != "" {
		x.debug(fmt.Sprintf("delegate %s event with id <%s>", eventType, referenceID))
	} else {
		x.debug(fmt.Sprintf("delegate %s anonymous event", eventType))
	}

	for _, a := range x.triggeredByEvent {
		starter, ok := a.Behaviour().(EventStarter)
		if !ok {
			continue
		}
		if len(starter.StartActivities(StartFilter{ReferenceID: referenceID, ReferenceType: eventType})) == 0 {
			continue
		}
		delegate = false
		a.Run(content.Message)
	}

	api := x.GetApi(nil)
	x.broker.Publish(core.ExchangeAPI, api.RoutingKey(eventType), content.Clone(), broker.Properties{
		Type:     eventType,
		Delegate: true,
	})
	return delegate
}

func (x *Execution) onChildMessage(routingKey string, msg *broker.Message) {
	if msg.Fields.Redelivered && msg.Properties.Transient {
		msg.Ack()
		return
	}
	content := msg.Content

	switch routingKey {
	case core.KeyExecutionStop:
		msg.Ack()
		x.stopExecution(msg)
		return
	case core.KeyExecutionTerminate:
		msg.Ack()
		x.terminate(msg)
		return
	case core.KeyExecutionDiscard:
		msg.Ack()
		x.onDiscard()
		return
	case core.KeyActivityCompensationEnd, core.KeyFlowLooped, core.KeyActivityLeave:
		x.onChildCompleted(msg)
		return
	}

	x.stateChangeMessage(msg, true)

	switch routingKey {
	case core.KeyActivityDetach:
		x.detached = append(x.detached, msg)
	case core.KeyActivityDiscard, core.KeyActivityCompensationStart, core.KeyActivityEnter:
		x.status = StatusExecuting
		for _, inbound := range content.Inbound {
			if !inbound.IsSequenceFlow {
				continue
			}
			if prev := x.popPostponed(inbound); prev != nil {
				prev.Ack()
			}
		}
	case core.KeyFlowError, core.KeyActivityError:
		if x.errorCaught(content) {
			x.debug("error was caught")
			return
		}
		x.complete(StatusError, &core.Content{Error: content.Error})
	}
}

func (x *Execution) errorCaught(content *core.Content) bool {
	for _, m := range x.postponed {
		if m.Fields.RoutingKey != core.KeyActivityCatch {
			continue
		}
		if m.Content.Source != nil && m.Content.Source.ExecutionID == content.ExecutionID {
			return true
		}
	}
	return false
}

// stateChangeMessage replaces the postponed message of the child msg
// belongs to. A completion only pops.
func (x *Execution) stateChangeMessage(msg *broker.Message, postpone bool) {
	if prev := x.popPostponed(msg.Content.Ref()); prev != nil && prev != msg {
		prev.Ack()
	}
	if postpone {
		x.postponed = append(x.postponed, msg)
	}
}

func (x *Execution) popPostponed(by core.Ref) *broker.Message {
	var popped *broker.Message
	idx := slices.IndexFunc(x.postponed, func(m *broker.Message) bool {
		if by.IsSequenceFlow {
			return m.Content.IsSequenceFlow && m.Content.SequenceID == by.SequenceID
		}
		return !m.Content.IsSequenceFlow && m.Content.ExecutionID == by.ExecutionID
	})
	if idx > -1 {
		popped = x.postponed[idx]
		x.postponed = slices.Delete(x.postponed, idx, idx+1)
	}
	if by.ExecutionID != "" {
		x.detached = slices.DeleteFunc(x.detached, func(m *broker.Message) bool {
			return m.Content.ExecutionID == by.ExecutionID
		})
	}
	return popped
}

func (x *Execution) onChildCompleted(msg *broker.Message) {
	x.stateChangeMessage(msg, false)
	msg.Ack()
	if msg.Fields.Redelivered {
		return
	}
	content := msg.Content

	if len(x.postponed) == 0 {
		x.debug(fmt.Sprintf("left <%s> (%s), pending runs 0", content.ID, content.Type))
		x.complete(StatusCompleted, nil)
		return
	}
	x.debug(fmt.Sprintf("left <%s> (%s), pending runs %d", content.ID, content.Type, len(x.postponed)))

	if len(x.postponed) == len(x.detached) {
		for _, api := range x.GetPostponed(nil) {
			api.Discard()
		}
		return
	}

	if content.IsEnd && len(x.startActivities) > 0 {
		for _, m := range slices.Clone(x.postponed) {
			if !x.startSequenceReaches(m.Content.ID, content.ID) {
				continue
			}
			if api := x.childApi(m); api != nil {
				api.Discard()
			}
		}
	}
}

// startSequenceReaches reports whether a shake from startID walked through
// id.
func (x *Execution) startSequenceReaches(startID, id string) bool {
	for _, result := range x.startSequences[startID] {
		for _, step := range result.Sequence {
			if step.ID == id {
				return true
			}
		}
	}
	return false
}

func (x *Execution) stopExecution(msg *broker.Message) {
	if x.stopped {
		return
	}
	x.debug(fmt.Sprintf("stop execution (stop child executions %d)", len(x.postponed)))
	for _, api := range x.GetPostponed(nil) {
		api.Stop()
	}
	x.deactivate()
	x.stopped = true

	content := x.executeContent.Clone()
	if msg != nil && msg.Content != nil && msg.Content.Message != nil {
		content.Message = core.CloneMap(msg.Content.Message)
	}
	content.State = StatusStopped
	x.broker.Publish(x.exchange, "execution.stopped."+x.executionID, content, broker.Properties{
		Type:      core.MessageTypeStopped,
		Transient: true,
	})
}

func (x *Execution) onDiscard() {
	if x.completed {
		return
	}
	x.deactivate()
	running := x.postponed
	x.postponed = nil
	x.debug(fmt.Sprintf("discard execution (discard child executions %d)", len(running)))
	for _, f := range x.flows {
		f.Stop()
	}
	for _, msg := range running {
		if api := x.childApi(msg); api != nil {
			api.Discard()
		}
	}
	x.activityQ.Purge()
	x.complete(StatusDiscard, nil)
}

func (x *Execution) terminate(msg *broker.Message) {
	x.status = StatusTerminated
	x.debug("terminating execution")

	running := x.postponed
	x.postponed = nil
	for _, f := range x.flows {
		f.Stop()
	}
	for _, m := range running {
		switch {
		case m.Content.ID == msg.Content.ID:
			x.postponed = append(x.postponed, m)
			continue
		case !m.Content.IsSequenceFlow:
			if api := x.childApi(m); api != nil {
				api.Stop()
			}
		}
		m.Ack()
	}
	x.activityQ.Purge()

	// the purge drops a leave already queued by the terminating element
	if a := x.ActivityByID(msg.Content.ID); a == nil || !a.IsRunning() {
		for _, m := range x.postponed {
			m.Ack()
		}
		x.postponed = nil
		x.complete(StatusCompleted, nil)
	}
}

func (x *Execution) onApiMessage(routingKey string, msg *broker.Message) {
	content := msg.Content
	if msg.Properties.Delegate {
		x.delegateApiMessage(routingKey, msg)
		return
	}

	if content.ID != x.id {
		child := x.ActivityByID(content.ID)
		if child == nil {
			return
		}
		child.Broker().Publish(core.ExchangeAPI, routingKey, content.Clone(), msg.Properties)
		return
	}
	if content.ExecutionID != x.executionID {
		return
	}

	switch msg.Properties.Type {
	case core.MessageTypeDiscard:
		x.Discard()
	case core.MessageTypeStop:
		x.activityQ.QueueMessage(broker.Fields{RoutingKey: core.KeyExecutionStop}, content.Clone(), broker.Properties{
			Transient: true,
		})
	}
}

// delegateApiMessage publishes msg to every child until one of them
// reports it consumed.
func (x *Execution) delegateApiMessage(routingKey string, msg *broker.Message) {
	props := msg.Properties
	if props.CorrelationID == "" {
		props.CorrelationID = core.UniqueID(x.executionID)
	}
	correlationID := props.CorrelationID
	x.debug(fmt.Sprintf("delegate api %s message to children, with correlationId <%s>", routingKey, correlationID))

	consumed := false
	tag := "_ct-delegate-" + correlationID
	_, _ = x.broker.SubscribeTmp(core.ExchangeEvent, core.KeyActivityConsumed, func(_ string, m *broker.Message) {
		if m.Properties.CorrelationID != correlationID {
			return
		}
		consumed = true
		x.debug(fmt.Sprintf("delegated api message was consumed by %s", m.Content.ExecutionID))
	}, broker.ConsumeOptions{NoAck: true, ConsumerTag: tag})

	for _, child := range x.children {
		if child.Placeholder() {
			continue
		}
		child.Broker().Publish(core.ExchangeAPI, routingKey, msg.Content.Clone(), props)
		if consumed {
			break
		}
	}
	x.broker.Cancel(tag)
}

func (x *Execution) complete(completionType string, result *core.Content) {
	x.deactivate()
	x.debug("execution " + completionType)
	x.completed = true
	if x.status != StatusTerminated {
		x.status = completionType
	}
	if x.activityQ != nil {
		x.activityQ.Delete()
	}

	content := x.executeContent.Clone()
	content.Output = core.CloneMap(x.env.Output())
	if result != nil && result.Error != nil {
		content.Error = result.Error
	}
	content.State = completionType
	x.broker.Publish(x.exchange, "execution."+completionType+"."+x.executionID, content, broker.Properties{
		Type:      completionType,
		Mandatory: completionType == StatusError,
	})
}

func (x *Execution) onShookEnd(routingKey string, content *core.Content) {
	if routingKey != core.KeyActivityShakeEnd {
		return
	}
	known := x.startSequences[content.ID]
	if slices.ContainsFunc(known, func(r ShakeResult) bool { return slices.Equal(r.Sequence, content.Sequence) }) {
		return
	}
	x.startSequences[content.ID] = append(known, ShakeResult{Sequence: slices.Clone(content.Sequence)})
}

// StartSequences returns the paths recorded by shaking the start
// activities of the current run, keyed by start activity id.
func (x *Execution) StartSequences() map[string][]ShakeResult {
	out := make(map[string][]ShakeResult, len(x.startSequences))
	for id, results := range x.startSequences {
		out[id] = slices.Clone(results)
	}
	return out
}

// childApi resolves the child a message belongs to: the element itself,
// then its parent, then each ancestor.
func (x *Execution) childApi(msg *broker.Message) *activity.Api {
	content := msg.Content
	if child := x.ActivityByID(content.ID); child != nil {
		return child.GetApi(msg)
	}
	if x.flowByID(content.ID) != nil {
		return nil
	}
	if content.Parent == nil {
		return nil
	}
	if child := x.ActivityByID(content.Parent.ID); child != nil {
		return child.GetApi(msg)
	}
	for _, p := range content.Parent.Path {
		if child := x.ActivityByID(p.ID); child != nil {
			return child.GetApi(msg)
		}
	}
	return nil
}

func (x *Execution) flowByID(id string) *flow.SequenceFlow {
	for _, f := range x.flows {
		if f.ID() == id {
			return f
		}
	}
	return nil
}

func (x *Execution) associationByID(id string) *flow.Association {
	for _, a := range x.associations {
		if a.ID() == id {
			return a
		}
	}
	return nil
}

func (x *Execution) messageFlowByID(id string) *flow.MessageFlow {
	for _, mf := range x.messageFlows {
		if mf.ID() == id {
			return mf
		}
	}
	return nil
}

func (x *Execution) apiTag() string {
	return "_process-api-consumer-" + x.executionID
}

func (x *Execution) consumerTag() string {
	return "_process-activity-" + x.executionID
}

func (x *Execution) debug(msg string) {
	x.logger.Debug(fmt.Sprintf("<%s (%s)> %s", x.executionID, x.id, msg))
}

const (
	activityConsumerTag    = "_process-activity-consumer"
	flowConsumerTag        = "_process-flow-controller"
	associationConsumerTag = "_process-association-controller"
	messageConsumerTag     = "_process-message-consumer"
)
