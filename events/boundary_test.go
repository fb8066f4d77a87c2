package events_test

import (
	"io"
	"log/slog"
	"testing"

	"github.com/petal-labs/procflow/activity"
	"github.com/petal-labs/procflow/broker"
	"github.com/petal-labs/procflow/core"
	"github.com/petal-labs/procflow/environment"
	"github.com/petal-labs/procflow/graph"
	"github.com/petal-labs/procflow/process"
)

func build(t *testing.T, def *graph.Definition) (*graph.Graph, *process.Process) {
	t.Helper()
	env := environment.New(environment.Options{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	g, err := graph.Build(def, env)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return g, g.NewProcess()
}

func received(ch <-chan *broker.Message) *broker.Message {
	select {
	case msg := <-ch:
		return msg
	default:
		return nil
	}
}

func postponedByID(p *process.Process, id string) *activity.Api {
	for _, api := range p.GetPostponed() {
		if api.ID() == id {
			return api
		}
	}
	return nil
}

// compensableDef runs work with a compensation boundary. When throw is set an
// intermediate throw event compensates work once it completed.
func compensableDef(interrupting, throw bool) *graph.Definition {
	compensate := []activity.EventDefinition{{Type: core.TypeCompensateEventDefinition}}
	def := &graph.Definition{
		ID: "compensable",
		Elements: []graph.ElementDef{
			{ID: "start", Type: core.TypeStartEvent},
			{ID: "work", Type: core.TypeTask},
			{
				ID:               "undo",
				Type:             core.TypeBoundaryEvent,
				AttachedTo:       "work",
				CancelActivity:   &interrupting,
				EventDefinitions: compensate,
			},
			{ID: "compensator", Type: core.TypeTask, IsForCompensation: true},
			{ID: "end", Type: core.TypeEndEvent},
		},
		Associations: []graph.FlowDef{
			{ID: "a1", Source: "undo", Target: "compensator"},
		},
	}
	if !throw {
		def.SequenceFlows = []graph.FlowDef{
			{ID: "f1", Source: "start", Target: "work"},
			{ID: "f2", Source: "work", Target: "end"},
		}
		return def
	}
	def.Elements = append(def.Elements, graph.ElementDef{
		ID:               "throw",
		Type:             core.TypeIntermediateThrowEvent,
		EventDefinitions: compensate,
	})
	def.SequenceFlows = []graph.FlowDef{
		{ID: "f1", Source: "start", Target: "work"},
		{ID: "f2", Source: "work", Target: "throw"},
		{ID: "f3", Source: "throw", Target: "end"},
	}
	return def
}

func TestBoundaryEvent_CompensationRunsCompensator(t *testing.T) {
	tests := []struct {
		name         string
		interrupting bool
	}{
		{name: "interrupting", interrupting: true},
		{name: "non-interrupting", interrupting: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, p := build(t, compensableDef(tt.interrupting, true))
			end := p.WaitFor("process.end")
			if err := p.Run(nil); err != nil {
				t.Fatalf("Run() error = %v", err)
			}

			if received(end) == nil {
				t.Fatal("process.end not published after compensation")
			}
			want := map[string]activity.Counters{
				"work":        {Taken: 1},
				"undo":        {Taken: 1},
				"compensator": {Taken: 1},
				"end":         {Taken: 1},
			}
			for id, w := range want {
				if got := g.ActivityByID(id).Counters(); got != w {
					t.Errorf("%s counters = %+v, want %+v", id, got, w)
				}
			}
			if got := p.ExecutionStatus(); got != process.StatusCompleted {
				t.Errorf("ExecutionStatus() = %q, want %q", got, process.StatusCompleted)
			}
		})
	}
}

func TestBoundaryEvent_DetachedCompensationDiscardedAtEnd(t *testing.T) {
	g, p := build(t, compensableDef(true, false))
	end := p.WaitFor("process.end")
	if err := p.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if received(end) == nil {
		t.Fatal("process.end not published with only a detached boundary left")
	}
	tests := []struct {
		id   string
		want activity.Counters
	}{
		{id: "work", want: activity.Counters{Taken: 1}},
		{id: "undo", want: activity.Counters{Discarded: 1}},
		{id: "compensator", want: activity.Counters{}},
	}
	for _, tt := range tests {
		if got := g.ActivityByID(tt.id).Counters(); got != tt.want {
			t.Errorf("%s counters = %+v, want %+v", tt.id, got, tt.want)
		}
	}
	if got := len(p.GetPostponed()); got != 0 {
		t.Errorf("GetPostponed() len = %d, want 0", got)
	}
}

// transactionDef cancels a transaction from its own cancel end event. The
// cancel boundary on the transaction leads to cancelled.
func transactionDef() *graph.Definition {
	cancel := []activity.EventDefinition{{Type: core.TypeCancelEventDefinition}}
	return &graph.Definition{
		ID: "booking",
		Elements: []graph.ElementDef{
			{ID: "start", Type: core.TypeStartEvent},
			{ID: "trx", Type: core.TypeTransaction},
			{ID: "tstart", Type: core.TypeStartEvent, Parent: "trx"},
			{ID: "reserve", Type: core.TypeTask, Parent: "trx"},
			{ID: "tcancel", Type: core.TypeEndEvent, Parent: "trx", EventDefinitions: cancel},
			{ID: "oncancel", Type: core.TypeBoundaryEvent, AttachedTo: "trx", EventDefinitions: cancel},
			{ID: "ok", Type: core.TypeEndEvent},
			{ID: "cancelled", Type: core.TypeEndEvent},
		},
		SequenceFlows: []graph.FlowDef{
			{ID: "f1", Source: "start", Target: "trx"},
			{ID: "f2", Source: "trx", Target: "ok"},
			{ID: "f3", Source: "oncancel", Target: "cancelled"},
			{ID: "t1", Source: "tstart", Target: "reserve"},
			{ID: "t2", Source: "reserve", Target: "tcancel"},
		},
	}
}

func TestBoundaryEvent_TransactionCancel(t *testing.T) {
	g, p := build(t, transactionDef())
	end := p.WaitFor("process.end")
	if err := p.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if received(end) == nil {
		t.Fatal("process.end not published after transaction cancel")
	}
	tests := []struct {
		id   string
		want activity.Counters
	}{
		{id: "trx", want: activity.Counters{Discarded: 1}},
		{id: "tcancel", want: activity.Counters{Taken: 1}},
		{id: "ok", want: activity.Counters{Discarded: 1}},
		{id: "oncancel", want: activity.Counters{Taken: 1}},
		{id: "cancelled", want: activity.Counters{Taken: 1}},
	}
	for _, tt := range tests {
		if got := g.ActivityByID(tt.id).Counters(); got != tt.want {
			t.Errorf("%s counters = %+v, want %+v", tt.id, got, tt.want)
		}
	}
}

// refundableDef waits for approval; an error boundary on the approval
// routes a failure to refund.
func refundableDef() *graph.Definition {
	return &graph.Definition{
		ID: "refundable",
		Elements: []graph.ElementDef{
			{ID: "start", Type: core.TypeStartEvent},
			{ID: "approve", Type: core.TypeSignalTask},
			{
				ID:               "failed",
				Type:             core.TypeBoundaryEvent,
				AttachedTo:       "approve",
				EventDefinitions: []activity.EventDefinition{{Type: core.TypeErrorEventDefinition}},
			},
			{ID: "approved", Type: core.TypeEndEvent},
			{ID: "refund", Type: core.TypeEndEvent},
		},
		SequenceFlows: []graph.FlowDef{
			{ID: "f1", Source: "start", Target: "approve"},
			{ID: "f2", Source: "approve", Target: "approved"},
			{ID: "f3", Source: "failed", Target: "refund"},
		},
	}
}

func TestBoundaryEvent_CaughtErrorContinuesRun(t *testing.T) {
	g, p := build(t, refundableDef())
	end := p.WaitFor("process.end")
	failed := p.WaitFor("process.error")
	if err := p.Run(nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	approve := postponedByID(p, "approve")
	if approve == nil {
		t.Fatal("approve not postponed")
	}
	p.Environment().Exec(func() {
		approve.Fail(core.NewActivityError("card declined", core.Ref{ID: "approve"}, nil))
	})

	if received(failed) != nil {
		t.Fatal("caught error failed the run")
	}
	if received(end) == nil {
		t.Fatal("process.end not published after the error was caught")
	}
	tests := []struct {
		id   string
		want int
	}{
		{id: "failed", want: 1},
		{id: "refund", want: 1},
		{id: "approved", want: 0},
	}
	for _, tt := range tests {
		if got := g.ActivityByID(tt.id).Counters().Taken; got != tt.want {
			t.Errorf("%s taken = %d, want %d", tt.id, got, tt.want)
		}
	}
	if err := p.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
}
