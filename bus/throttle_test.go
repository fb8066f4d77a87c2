package bus

import (
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/procflow/runtime"
)

type collector struct {
	mu     sync.Mutex
	events []runtime.Event
}

func (c *collector) emit(e runtime.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) kinds() []runtime.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]runtime.EventKind, len(c.events))
	for i, e := range c.events {
		out[i] = e.Kind
	}
	return out
}

func (c *collector) snapshot() []runtime.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.events)
}

func flowEvent(flowID string, seq uint64) runtime.Event {
	e := runtime.NewEvent(runtime.EventFlowTaken, "run-1")
	e.ElementID = flowID
	e.Seq = seq
	return e
}

func TestThrottle_PassThrough(t *testing.T) {
	c := &collector{}
	te := NewThrottledEmitter(c.emit, ThrottleConfig{CoalesceInterval: time.Hour})
	defer te.Close()

	te.Emit(runtime.NewEvent(runtime.EventElementEntered, "run-1"))
	te.Emit(runtime.NewEvent(runtime.EventElementWaiting, "run-1"))

	want := []runtime.EventKind{runtime.EventElementEntered, runtime.EventElementWaiting}
	if got := c.kinds(); !slices.Equal(got, want) {
		t.Errorf("kinds = %v, want %v", got, want)
	}
}

func TestThrottle_CoalescesPerElement(t *testing.T) {
	c := &collector{}
	te := NewThrottledEmitter(c.emit, ThrottleConfig{CoalesceInterval: time.Hour})

	for i := uint64(1); i <= 10; i++ {
		te.Emit(flowEvent("loop", i))
	}
	te.Emit(flowEvent("exit", 11))

	if n := len(c.snapshot()); n != 0 {
		t.Fatalf("%d events emitted before flush", n)
	}
	te.Close()

	got := c.snapshot()
	if len(got) != 2 {
		t.Fatalf("flushed %d events, want 2", len(got))
	}
	if got[0].ElementID != "loop" || got[0].Seq != 10 {
		t.Errorf("first = %s seq %d, want loop seq 10", got[0].ElementID, got[0].Seq)
	}
	if n := got[0].Payload["coalesced"]; n != 10 {
		t.Errorf("loop coalesced = %v, want 10", n)
	}
	if got[1].ElementID != "exit" {
		t.Errorf("second = %s, want exit", got[1].ElementID)
	}
	if _, ok := got[1].Payload["coalesced"]; ok {
		t.Error("single event marked as coalesced")
	}
}

func TestThrottle_RunEventFlushesFirst(t *testing.T) {
	c := &collector{}
	te := NewThrottledEmitter(c.emit, ThrottleConfig{CoalesceInterval: time.Hour})
	defer te.Close()

	te.Emit(flowEvent("f1", 1))
	te.Emit(runtime.NewEvent(runtime.EventRunLeft, "run-1"))

	want := []runtime.EventKind{runtime.EventFlowTaken, runtime.EventRunLeft}
	if got := c.kinds(); !slices.Equal(got, want) {
		t.Errorf("kinds = %v, want %v", got, want)
	}
}

func TestThrottle_CustomKinds(t *testing.T) {
	c := &collector{}
	te := NewThrottledEmitter(c.emit, ThrottleConfig{
		CoalesceInterval: time.Hour,
		Kinds:            []runtime.EventKind{runtime.EventElementTimer},
	})
	defer te.Close()

	te.Emit(flowEvent("f1", 1))
	te.Emit(runtime.NewEvent(runtime.EventElementTimer, "run-1"))

	want := []runtime.EventKind{runtime.EventFlowTaken}
	if got := c.kinds(); !slices.Equal(got, want) {
		t.Errorf("kinds = %v, want %v", got, want)
	}
}

func TestThrottle_TickerFlushes(t *testing.T) {
	c := &collector{}
	te := NewThrottledEmitter(c.emit, ThrottleConfig{CoalesceInterval: 10 * time.Millisecond})
	defer te.Close()

	te.Emit(flowEvent("f1", 1))

	deadline := time.After(time.Second)
	for len(c.snapshot()) == 0 {
		select {
		case <-deadline:
			t.Fatal("pending event never flushed")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestThrottle_EmitAfterCloseDropped(t *testing.T) {
	c := &collector{}
	te := NewThrottledEmitter(c.emit, ThrottleConfig{})
	te.Close()
	te.Close()

	te.Emit(flowEvent("f1", 1))
	if n := len(c.snapshot()); n != 0 {
		t.Errorf("emitted %d events after close", n)
	}
}

func TestDecorator_ClosesEmitter(t *testing.T) {
	c := &collector{}
	decorate, closeFn := Decorator(ThrottleConfig{CoalesceInterval: time.Hour})
	emit := decorate(c.emit)

	emit(flowEvent("f1", 1))
	closeFn()

	if n := len(c.snapshot()); n != 1 {
		t.Errorf("flushed %d events on close, want 1", n)
	}
}
