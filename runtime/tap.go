package runtime

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/process"
)

// routes maps routing keys of the process event exchange to event kinds.
// Keys missing here, such as shake probes and delegation bookkeeping, are
// not observed.
var routes = map[string]EventKind{
	"process.enter":   EventRunEntered,
	"process.start":   EventRunStarted,
	"process.end":     EventRunFinished,
	"process.discard": EventRunDiscarded,
	"process.error":   EventRunFailed,
	"process.stop":    EventRunStopped,
	"process.leave":   EventRunLeft,

	core.KeyActivityEnter:   EventElementEntered,
	core.KeyActivityStart:   EventElementStarted,
	core.KeyActivityWait:    EventElementWaiting,
	core.KeyActivityTimer:   EventElementTimer,
	core.KeyActivityCatch:   EventElementCaught,
	core.KeyActivityEnd:     EventElementFinished,
	core.KeyActivityDiscard: EventElementDiscarded,
	core.KeyActivityError:   EventElementFailed,
	core.KeyActivityStop:    EventElementStopped,
	core.KeyActivityLeave:   EventElementLeft,
	"activity.signal":       EventSignalThrown,
	"activity.escalate":     EventSignalThrown,

	core.KeyFlowTake:    EventFlowTaken,
	core.KeyFlowDiscard: EventFlowDiscarded,
}

var tapSeq atomic.Uint64

// seqGen produces monotonically increasing sequence numbers for a single run.
type seqGen struct {
	counter atomic.Uint64
}

func newSeqGen() *seqGen {
	return &seqGen{}
}

// newSeqGenFrom continues after start.
func newSeqGenFrom(start uint64) *seqGen {
	s := &seqGen{}
	s.counter.Store(start)
	return s
}

// Next returns the next sequence number (1-indexed).
func (s *seqGen) Next() uint64 {
	return s.counter.Add(1)
}

// TapOption configures a Tap.
type TapOption func(*Tap)

// WithDecorators wraps the tap emitter, innermost first.
func WithDecorators(decorators ...EventEmitterDecorator) TapOption {
	return func(t *Tap) {
		for _, d := range decorators {
			if d != nil {
				t.emit = d(t.emit)
			}
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) TapOption {
	return func(t *Tap) {
		t.now = now
	}
}

// WithSeqBase continues the sequence of a run that already has events, for
// example a resumed run whose events are journaled. base returns the last
// sequence number used by runID; it runs inside broker delivery.
func WithSeqBase(base func(runID string) uint64) TapOption {
	return func(t *Tap) {
		t.seqBase = base
	}
}

// Tap observes the event exchange of a process and emits an Event per
// observed message. The emitter runs inside broker delivery, under the run
// lock of the process environment, so it must not call back into the
// process.
type Tap struct {
	proc      *process.Process
	emit      EventEmitter
	now       func() time.Time
	tag       string
	seq       *seqGen
	seqBase   func(runID string) uint64
	runID     string
	enteredAt time.Time
}

// Attach subscribes a tap to p. Call Detach to stop observing.
func Attach(p *process.Process, handler EventHandler, opts ...TapOption) *Tap {
	t := &Tap{
		proc: p,
		emit: EventEmitter(handler),
		now:  time.Now,
		tag:  fmt.Sprintf("_runtime-tap-%d", tapSeq.Add(1)),
	}
	for _, opt := range opts {
		opt(t)
	}
	p.Environment().Exec(func() {
		_, _ = p.Broker().SubscribeTmp(core.ExchangeEvent, "#", t.onMessage, broker.ConsumeOptions{
			NoAck:       true,
			ConsumerTag: t.tag,
		})
	})
	return t
}

// Detach stops observing. It must not be called from the emitter.
func (t *Tap) Detach() {
	t.proc.Environment().Exec(func() {
		t.proc.Broker().Cancel(t.tag)
	})
}

func (t *Tap) onMessage(routingKey string, msg *broker.Message) {
	kind, ok := routes[routingKey]
	if !ok {
		return
	}
	content := msg.Content
	now := t.now()

	if kind == EventRunEntered || t.runID == "" {
		t.seq = nil
		t.enteredAt = now
	}
	if kind.IsRun() {
		t.runID = content.ExecutionID
	} else if t.runID == "" {
		t.runID = rootExecutionID(content)
	}
	if t.seq == nil {
		if t.seqBase != nil {
			t.seq = newSeqGenFrom(t.seqBase(t.runID))
		} else {
			t.seq = newSeqGen()
		}
	}

	e := NewEvent(kind, t.runID)
	e.Time = now
	e.ProcessID = t.proc.ID()
	e.Seq = t.seq.Next()
	e = e.WithElapsed(now.Sub(t.enteredAt))
	if !kind.IsRun() {
		executionID := content.ExecutionID
		if content.IsSequenceFlow {
			executionID = content.SequenceID
		}
		e = e.WithElement(content.ID, content.Type, executionID)
		if content.Parent != nil {
			e.ParentID = content.Parent.ID
		}
	}
	t.emit(withPayload(e, content))
}

func withPayload(e Event, c *core.Content) Event {
	if c.State != "" {
		e = e.WithPayload("state", c.State)
	}
	if len(c.Message) > 0 {
		e = e.WithPayload("message", core.CloneMap(c.Message))
	}
	if len(c.Output) > 0 {
		e = e.WithPayload("output", core.CloneMap(c.Output))
	}
	if c.Error != nil {
		e = e.WithPayload("error", c.Error.Message)
	}
	if c.IsSequenceFlow {
		e = e.WithPayload("sourceId", c.SourceID).WithPayload("targetId", c.TargetID)
	}
	if c.TimerType != "" {
		e = e.WithPayload("timerType", c.TimerType)
	}
	if c.Timeout != nil {
		e = e.WithPayload("timeout", c.Timeout.String())
	}
	return e
}

// rootExecutionID returns the execution id of the outermost scope in the
// parent path of c.
func rootExecutionID(c *core.Content) string {
	if c.Parent == nil {
		return c.ExecutionID
	}
	if n := len(c.Parent.Path); n > 0 {
		return c.Parent.Path[n-1].ExecutionID
	}
	return c.Parent.ExecutionID
}
