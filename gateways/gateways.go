// Package gateways implements the exclusive and event-based gateway
// behaviours.
package gateways

import (
	"errors"
	"fmt"

	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
)

// ErrNoConditionMet is the execution error of an exclusive gateway when no
// outbound flow condition holds and there is no default flow.
var ErrNoConditionMet = errors.New("gateways: no conditional flow taken")

// ExclusiveGateway takes the first outbound flow whose condition holds,
// the default flow otherwise.
type ExclusiveGateway struct {
	activity *activity.Activity
}

// NewExclusiveGateway is the activity factory of exclusive gateways.
func NewExclusiveGateway(a *activity.Activity, _ activity.Context) activity.Behaviour {
	return &ExclusiveGateway{activity: a}
}

// Execute decides the outbound flow.
func (g *ExclusiveGateway) Execute(msg *broker.Message) {
	content := msg.Content.Clone()
	b := g.activity.Broker()
	flows := g.activity.Outbound()
	if len(flows) == 0 {
		b.Publish(core.ExchangeExecution, core.KeyExecuteCompleted, content, broker.Properties{})
		return
	}

	outbound := make([]core.OutboundAction, 0, len(flows))
	taken := ""
	defaultID := ""
	for _, f := range flows {
		if f.IsDefault() {
			defaultID = f.ID()
			continue
		}
		if taken != "" {
			continue
		}
		ok, err := f.EvaluateCondition(content)
		if err != nil {
			g.fail(content, err)
			return
		}
		if ok {
			taken = f.ID()
		}
	}
	if taken == "" {
		taken = defaultID
	}
	if taken == "" {
		g.fail(content, fmt.Errorf("%w: %s", ErrNoConditionMet, g.activity.ID()))
		return
	}
	for _, f := range flows {
		action := "discard"
		if f.ID() == taken {
			action = "take"
		}
		outbound = append(outbound, core.OutboundAction{ID: f.ID(), Action: action})
	}
	content.Outbound = outbound
	b.Publish(core.ExchangeExecution, core.KeyExecuteCompleted, content, broker.Properties{})
}

func (g *ExclusiveGateway) fail(content *core.Content, err error) {
	failed := content.Clone()
	failed.Error = core.NewActivityError(err.Error(), content.Ref(), err)
	g.activity.Broker().Publish(core.ExchangeExecution, core.KeyExecuteError, failed, broker.Properties{Mandatory: true})
}

// EventBasedGateway takes every outbound flow at once and completes when
// the first target completes, discarding the other targets.
type EventBasedGateway struct {
	activity *activity.Activity
	ctx      activity.Context
}

// NewEventBasedGateway is the activity factory of event-based gateways.
func NewEventBasedGateway(a *activity.Activity, ctx activity.Context) activity.Behaviour {
	return &EventBasedGateway{activity: a, ctx: ctx}
}

// Execute takes the outbound flows and listens to the targets.
func (g *EventBasedGateway) Execute(msg *broker.Message) {
	content := msg.Content.Clone()
	executionID := content.ExecutionID
	b := g.activity.Broker()

	var targets []*activity.Activity
	content.Outbound = nil
	for _, f := range g.activity.Outbound() {
		if target := g.ctx.ActivityByID(f.TargetID()); target != nil {
			targets = append(targets, target)
		}
		content.Outbound = append(content.Outbound, core.OutboundAction{ID: f.ID(), Action: "take"})
	}

	targetTag := "_gateway-listener-" + executionID
	stopTag := "_api-stop-" + executionID
	stop := func() {
		for _, t := range targets {
			t.Broker().Cancel(targetTag)
		}
		b.Cancel(stopTag)
	}

	for _, target := range targets {
		owner := target
		_, _ = owner.Broker().SubscribeOnce(core.ExchangeEvent, core.KeyActivityEnd, func(_ string, ended *broker.Message) {
			g.activity.Logger().Debug(fmt.Sprintf("<%s (%s)> <%s> completed run, discarding the rest", executionID, g.activity.ID(), ended.Content.ExecutionID))
			for _, t := range targets {
				if t == owner {
					continue
				}
				t.Broker().Cancel(targetTag)
				t.Discard()
			}
			b.Cancel(stopTag)
			completed := msg.Content.Clone()
			completed.IgnoreOutbound = true
			b.Publish(core.ExchangeExecution, core.KeyExecuteCompleted, completed, broker.Properties{})
		}, broker.ConsumeOptions{ConsumerTag: targetTag})
	}

	_, _ = b.SubscribeOnce(core.ExchangeAPI, "activity.stop."+executionID, func(string, *broker.Message) {
		stop()
	}, broker.ConsumeOptions{ConsumerTag: stopTag})

	if msg.Fields.Redelivered {
		return
	}
	b.Publish(core.ExchangeExecution, core.KeyExecuteTake, content, broker.Properties{})
}
