package runtime_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/environment"
	"github.com/petal-labs/procflow/graph"
	"github.com/petal-labs/procflow/process"
	"github.com/petal-labs/procflow/runtime"
)

func newProcess(t *testing.T) *process.Process {
	t.Helper()
	env := environment.New(environment.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	g, err := graph.Build(&graph.Definition{
		ID: "order",
		Elements: []graph.ElementDef{
			{ID: "start", Type: core.TypeStartEvent},
			{ID: "approve", Type: core.TypeSignalTask},
			{ID: "end", Type: core.TypeEndEvent},
		},
		SequenceFlows: []graph.FlowDef{
			{ID: "f1", Source: "start", Target: "approve"},
			{ID: "f2", Source: "approve", Target: "end"},
		},
	}, env)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return g.NewProcess()
}

func kinds(events []runtime.Event) map[runtime.EventKind]int {
	out := map[runtime.EventKind]int{}
	for _, e := range events {
		out[e.Kind]++
	}
	return out
}

func TestTap_ObservesRun(t *testing.T) {
	p := newProcess(t)
	var events []runtime.Event
	tap := runtime.Attach(p, func(e runtime.Event) { events = append(events, e) })
	defer tap.Detach()

	if err := p.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no events observed")
	}
	if events[0].Kind != runtime.EventRunEntered {
		t.Errorf("first event = %s, want %s", events[0].Kind, runtime.EventRunEntered)
	}

	seen := kinds(events)
	if seen[runtime.EventElementWaiting] != 1 {
		t.Errorf("waiting events = %d, want 1", seen[runtime.EventElementWaiting])
	}
	if seen[runtime.EventRunFinished] != 0 {
		t.Error("run finished before the task was signaled")
	}

	p.Signal(map[string]any{"id": "approve"})

	seen = kinds(events)
	if seen[runtime.EventRunFinished] != 1 {
		t.Errorf("finished events = %d, want 1", seen[runtime.EventRunFinished])
	}
	if seen[runtime.EventFlowTaken] != 2 {
		t.Errorf("flow taken events = %d, want 2", seen[runtime.EventFlowTaken])
	}
	if last := events[len(events)-1]; last.Kind != runtime.EventRunLeft {
		t.Errorf("last event = %s, want %s", last.Kind, runtime.EventRunLeft)
	}

	runID := events[0].RunID
	for i, e := range events {
		if e.Seq != uint64(i+1) {
			t.Fatalf("events[%d].Seq = %d, want %d", i, e.Seq, i+1)
		}
		if e.RunID != runID {
			t.Errorf("events[%d].RunID = %q, want %q", i, e.RunID, runID)
		}
		if e.ProcessID != "order" {
			t.Errorf("events[%d].ProcessID = %q, want order", i, e.ProcessID)
		}
	}
}

func TestTap_ElementDetails(t *testing.T) {
	p := newProcess(t)
	var waiting []runtime.Event
	tap := runtime.Attach(p, func(e runtime.Event) {
		if e.Kind == runtime.EventElementWaiting {
			waiting = append(waiting, e)
		}
	})
	defer tap.Detach()

	if err := p.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(waiting) != 1 {
		t.Fatalf("waiting events = %d, want 1", len(waiting))
	}
	e := waiting[0]
	if e.ElementID != "approve" || e.ElementType != string(core.TypeSignalTask) {
		t.Errorf("element = %s (%s), want approve", e.ElementID, e.ElementType)
	}
	if e.ExecutionID == "" || e.ParentID != "order" {
		t.Errorf("ExecutionID = %q ParentID = %q", e.ExecutionID, e.ParentID)
	}
}

func TestTap_Decorators(t *testing.T) {
	p := newProcess(t)
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var events []runtime.Event
	stamp := func(next runtime.EventEmitter) runtime.EventEmitter {
		return func(e runtime.Event) {
			e.TraceID = "trace"
			next(e)
		}
	}
	tap := runtime.Attach(p, func(e runtime.Event) { events = append(events, e) },
		runtime.WithDecorators(stamp),
		runtime.WithClock(func() time.Time { return fixed }),
	)
	defer tap.Detach()

	if err := p.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for _, e := range events {
		if e.TraceID != "trace" {
			t.Fatalf("event %s not decorated", e.Kind)
		}
		if !e.Time.Equal(fixed) || e.Elapsed != 0 {
			t.Fatalf("event %s time = %v elapsed = %v", e.Kind, e.Time, e.Elapsed)
		}
	}
}

func TestTap_Detach(t *testing.T) {
	p := newProcess(t)
	count := 0
	tap := runtime.Attach(p, func(runtime.Event) { count++ })
	tap.Detach()

	if err := p.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if count != 0 {
		t.Errorf("detached tap observed %d events", count)
	}
}

func TestChannelEventHandler_DropsWhenFull(t *testing.T) {
	ch := make(chan runtime.Event, 1)
	h := runtime.ChannelEventHandler(ch)
	h(runtime.NewEvent(runtime.EventRunEntered, "r1"))
	h(runtime.NewEvent(runtime.EventRunLeft, "r1"))

	if got := (<-ch).Kind; got != runtime.EventRunEntered {
		t.Errorf("received %s, want %s", got, runtime.EventRunEntered)
	}
	select {
	case e := <-ch:
		t.Errorf("unexpected event %s", e.Kind)
	default:
	}
}

func TestMultiEventHandler(t *testing.T) {
	var a, b int
	h := runtime.MultiEventHandler(func(runtime.Event) { a++ }, nil, func(runtime.Event) { b++ })
	h(runtime.Event{})
	if a != 1 || b != 1 {
		t.Errorf("handlers called %d and %d times, want 1 each", a, b)
	}
}

func TestTap_SeqBase(t *testing.T) {
	p := newProcess(t)
	var asked []string
	var events []runtime.Event
	tap := runtime.Attach(p, func(e runtime.Event) { events = append(events, e) },
		runtime.WithSeqBase(func(runID string) uint64 {
			asked = append(asked, runID)
			return 41
		}))
	defer tap.Detach()

	if err := p.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(events) == 0 {
		t.Fatal("no events observed")
	}
	if len(asked) != 1 || asked[0] != events[0].RunID {
		t.Errorf("seq base asked for %v, want [%s]", asked, events[0].RunID)
	}
	for i, e := range events {
		if want := uint64(42 + i); e.Seq != want {
			t.Fatalf("event %d seq = %d, want %d", i, e.Seq, want)
		}
	}
}
