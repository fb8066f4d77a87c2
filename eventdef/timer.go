package eventdef

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sosodev/duration"

	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/environment"
)

// Timer types.
const (
	TimerTypeDuration = "timeDuration"
	TimerTypeDate     = "timeDate"
	TimerTypeCycle    = "timeCycle"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// TimerSettings are the expressions of a timer definition. Each may hold
// ${...} expressions resolved against the execute message.
type TimerSettings struct {
	TimeDuration string `mapstructure:"timeDuration"`
	TimeDate     string `mapstructure:"timeDate"`
	TimeCycle    string `mapstructure:"timeCycle"`
}

// Timer waits until the earliest of its configured expiries.
type Timer struct {
	base
	settings TimerSettings
	now      func() time.Time
	current  *timerExecution
}

// NewTimer creates a timer definition.
func NewTimer(a *activity.Activity, ed activity.EventDefinition) (*Timer, error) {
	t := &Timer{base: newBase(a, ed.Type), now: time.Now}
	if err := decodeBehaviour(ed.Behaviour, &t.settings); err != nil {
		return nil, err
	}
	return t, nil
}

// Settings returns the configured expressions.
func (t *Timer) Settings() TimerSettings { return t.settings }

// Armed returns the armed environment timer, nil when none.
func (t *Timer) Armed() *environment.Timer {
	if t.current == nil {
		return nil
	}
	return t.current.timer
}

// Execute arms the timer for an execute message.
func (t *Timer) Execute(msg *broker.Message) {
	if t.current != nil {
		t.current.timer.Clear()
	}
	content := msg.Content
	executionID := content.ExecutionID
	resumed := msg.Fields.Redelivered
	if resumed && msg.Fields.RoutingKey != core.KeyExecuteTimer {
		t.debug(executionID, "resumed, waiting for timer message")
		return
	}

	startedAt := t.now()
	if content.StartedAt != nil {
		startedAt = *content.StartedAt
	}

	resolved, err := resolveTimers(t.settings, t.activity.Environment(), content, t.now())
	if err != nil {
		t.logger.Error(fmt.Sprintf("<%s (%s)> timer failed", executionID, t.activity.ID()), "error", err)
		failed := content.Clone()
		failed.Error = core.NewActivityError(err.Error(), content.Ref(), err)
		t.broker.Publish(core.ExchangeExecution, core.KeyExecuteError, failed, broker.Properties{Mandatory: true})
		return
	}

	timerContent := content.Clone()
	resolved.apply(timerContent)
	timerContent.IsResumed = resumed
	timerContent.StartedAt = &startedAt
	timerContent.State = "timer"

	exec := &timerExecution{
		definition:   t,
		executionID:  executionID,
		content:      content.Clone(),
		timerContent: timerContent,
		startedAt:    startedAt,
	}
	t.current = exec

	_, _ = t.broker.SubscribeTmp(core.ExchangeAPI, "activity.#."+executionID, exec.onApiMessage, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: "_api-" + executionID,
		Priority:    400,
	})
	_, _ = t.broker.SubscribeTmp(core.ExchangeAPI, "#.cancel.*", exec.onDelegatedApiMessage, broker.ConsumeOptions{
		NoAck:       true,
		ConsumerTag: "_api-delegated-" + executionID,
	})

	t.broker.Publish(core.ExchangeExecution, core.KeyExecuteTimer, timerContent.Clone(), broker.Properties{})
	t.broker.Publish(core.ExchangeEvent, core.KeyActivityTimer, parentScoped(timerContent), broker.Properties{Type: "timer"})

	if exec.stopped {
		return
	}
	if timerContent.Timeout == nil {
		kind := timerContent.TimerType
		if kind == "" {
			kind = "signal"
		}
		t.debug(executionID, "waiting for "+kind)
		return
	}
	if *timerContent.Timeout <= 0 {
		exec.completed(nil, broker.Properties{})
		return
	}
	exec.timer = t.activity.Environment().Timers().SetTimeout(executionID, *timerContent.Timeout, func() {
		exec.completed(nil, broker.Properties{})
	})
}

type timerExecution struct {
	definition   *Timer
	executionID  string
	content      *core.Content
	timerContent *core.Content
	startedAt    time.Time
	timer        *environment.Timer
	stopped      bool
}

func (x *timerExecution) completed(override func(*core.Content), props broker.Properties) {
	x.stop()
	t := x.definition
	stoppedAt := t.now()
	runningTime := stoppedAt.Sub(x.startedAt)
	t.debug(x.executionID, fmt.Sprintf("completed in %s", runningTime))

	c := x.timerContent.Clone()
	c.StoppedAt = &stoppedAt
	c.RunningTime = runningTime
	c.State = "timeout"
	if override != nil {
		override(c)
	}
	t.broker.Publish(core.ExchangeEvent, core.KeyActivityTimeout, parentScoped(c), props)
	t.publishCompleted(c, props)
}

func (x *timerExecution) onDelegatedApiMessage(routingKey string, msg *broker.Message) {
	if !msg.Properties.Delegate || msg.Content.Message == nil {
		return
	}
	id := x.definition.activity.ID()
	signalID := messageString(msg.Content.Message, "id")
	signalExecutionID := messageString(msg.Content.Message, "executionId")
	if signalID != id && signalExecutionID != x.executionID {
		return
	}
	if signalExecutionID != "" && signalID == id && signalExecutionID != x.executionID {
		return
	}
	consumed := parentScoped(x.timerContent)
	consumed.Message = core.CloneMap(msg.Content.Message)
	x.definition.broker.Publish(core.ExchangeEvent, core.KeyActivityConsumed, consumed, broker.Properties{
		CorrelationID: msg.Properties.CorrelationID,
		Type:          msg.Properties.Type,
	})
	x.onApiMessage(routingKey, msg)
}

func (x *timerExecution) onApiMessage(_ string, msg *broker.Message) {
	correlationID := msg.Properties.CorrelationID
	switch msg.Properties.Type {
	case core.MessageTypeCancel:
		x.stop()
		message := msg.Content.Message
		x.completed(func(c *core.Content) {
			c.State = "cancel"
			if message != nil {
				c.Message = core.CloneMap(message)
			}
		}, broker.Properties{CorrelationID: correlationID})
	case core.MessageTypeStop:
		x.stop()
		x.definition.debug(x.executionID, "stopped")
	case core.MessageTypeDiscard:
		x.stop()
		x.definition.debug(x.executionID, "discarded")
		c := x.timerContent.Clone()
		c.State = "discard"
		x.definition.broker.Publish(core.ExchangeExecution, core.KeyExecuteDiscard, c, broker.Properties{CorrelationID: correlationID})
	}
}

func (x *timerExecution) stop() {
	x.stopped = true
	x.timer.Clear()
	b := x.definition.broker
	b.Cancel("_api-" + x.executionID)
	b.Cancel("_api-delegated-" + x.executionID)
}

// resolvedTimer is the outcome of resolving the timer expressions.
type resolvedTimer struct {
	TimeDuration string
	TimeDate     string
	TimeCycle    string
	TimerType    string
	ExpireAt     *time.Time
	Timeout      *time.Duration
}

func (r resolvedTimer) apply(c *core.Content) {
	c.TimeDuration = r.TimeDuration
	c.TimeDate = r.TimeDate
	c.TimeCycle = r.TimeCycle
	c.TimerType = r.TimerType
	c.ExpireAt = r.ExpireAt
	c.Timeout = r.Timeout
}

// resolveTimers computes an expiry per configured expression and selects
// the earliest. Values already present in content take precedence over the
// configured expressions, which lets a resumed timer keep its expiry.
func resolveTimers(settings TimerSettings, env *environment.Environment, content *core.Content, now time.Time) (resolvedTimer, error) {
	var res resolvedTimer
	if content.ExpireAt != nil {
		e := *content.ExpireAt
		res.ExpireAt = &e
	}

	kinds := []struct {
		kind       string
		fromMsg    string
		configured string
		target     *string
	}{
		{TimerTypeDuration, content.TimeDuration, settings.TimeDuration, &res.TimeDuration},
		{TimerTypeDate, content.TimeDate, settings.TimeDate, &res.TimeDate},
		{TimerTypeCycle, content.TimeCycle, settings.TimeCycle, &res.TimeCycle},
	}

	found := 0
	for _, k := range kinds {
		value := k.fromMsg
		if value == "" {
			if k.configured == "" {
				continue
			}
			resolved, err := env.ResolveString(k.configured, content)
			if err != nil {
				return res, fmt.Errorf("%s: %w", k.kind, err)
			}
			value = resolved
		}
		found++
		*k.target = value
		if strings.TrimSpace(value) == "" {
			continue
		}

		expireAt, err := expiry(k.kind, value, now)
		if err != nil {
			return res, err
		}
		if res.ExpireAt == nil || res.ExpireAt.After(expireAt) {
			res.TimerType = k.kind
			e := expireAt
			res.ExpireAt = &e
		}
	}

	switch {
	case res.ExpireAt != nil:
		timeout := res.ExpireAt.Sub(now)
		res.Timeout = &timeout
	case content.Timeout != nil:
		timeout := *content.Timeout
		res.Timeout = &timeout
	case found == 0:
		var zero time.Duration
		res.Timeout = &zero
	}
	return res, nil
}

func expiry(kind, value string, now time.Time) (time.Time, error) {
	switch kind {
	case TimerTypeDuration:
		d, err := parseDuration(value)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil
	case TimerTypeDate:
		t, err := time.Parse(time.RFC3339Nano, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timeDate >%s<", value)
		}
		return t, nil
	default:
		return nextCycle(value, now)
	}
}

func parseDuration(value string) (time.Duration, error) {
	d, err := duration.Parse(value)
	if err != nil {
		return 0, fmt.Errorf("invalid timeDuration >%s<: %w", value, err)
	}
	return d.ToTimeDuration(), nil
}

// nextCycle returns the first repetition of an ISO-8601 repeating interval
// (R[n]/<duration>) or the next fire of a five field cron expression.
func nextCycle(value string, now time.Time) (time.Time, error) {
	if strings.HasPrefix(value, "R") && strings.Contains(value, "/") {
		parts := strings.Split(value, "/")
		if n := strings.TrimPrefix(parts[0], "R"); n != "" {
			if _, err := strconv.Atoi(n); err != nil {
				return time.Time{}, fmt.Errorf("invalid timeCycle >%s<", value)
			}
		}
		d, err := parseDuration(parts[len(parts)-1])
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timeCycle >%s<: %w", value, err)
		}
		return now.Add(d), nil
	}
	schedule, err := cronParser.Parse(value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timeCycle >%s<: %w", value, err)
	}
	return schedule.Next(now.UTC()), nil
}
