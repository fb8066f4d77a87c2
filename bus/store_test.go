package bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"
	"time"

	"github.com/petal-labs/procflow/runtime"
)

func makeEvent(runID string, seq uint64, kind runtime.EventKind) runtime.Event {
	e := runtime.NewEvent(kind, runID)
	e.Seq = seq
	return e
}

func seqs(events []runtime.Event) []uint64 {
	out := make([]uint64, len(events))
	for i, e := range events {
		out[i] = e.Seq
	}
	return out
}

// testEventStore runs the behaviour every EventStore implementation shares.
func testEventStore(t *testing.T, newStore func(t *testing.T) EventStore) {
	t.Run("round trip", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		at := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)

		e := makeEvent("run-1", 1, runtime.EventElementFailed)
		e.ProcessID = "order"
		e.ElementID = "approve"
		e.ElementType = "bpmn:UserTask"
		e.ExecutionID = "approve_1"
		e.ParentID = "order"
		e.Time = at
		e.Elapsed = 1500 * time.Millisecond
		e.TraceID = "trace-abc"
		e.SpanID = "span-def"
		e.Payload = map[string]any{"error": "boom", "attempt": float64(2)}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}

		events, err := store.List(ctx, "run-1", 0, 0)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(events) != 1 {
			t.Fatalf("got %d events, want 1", len(events))
		}
		got := events[0]
		if got.Kind != e.Kind || got.ProcessID != "order" || got.ElementID != "approve" ||
			got.ElementType != "bpmn:UserTask" || got.ExecutionID != "approve_1" || got.ParentID != "order" {
			t.Errorf("element fields = %+v", got)
		}
		if !got.Time.Equal(at) {
			t.Errorf("Time = %v, want %v", got.Time, at)
		}
		if got.Elapsed != e.Elapsed {
			t.Errorf("Elapsed = %v, want %v", got.Elapsed, e.Elapsed)
		}
		if got.TraceID != "trace-abc" || got.SpanID != "span-def" {
			t.Errorf("trace = %q/%q", got.TraceID, got.SpanID)
		}
		if got.Payload["error"] != "boom" || got.Payload["attempt"] != float64(2) {
			t.Errorf("Payload = %v", got.Payload)
		}
	})

	t.Run("after seq and limit", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i := uint64(1); i <= 10; i++ {
			if err := store.Append(ctx, makeEvent("run-1", i, runtime.EventElementStarted)); err != nil {
				t.Fatalf("Append(%d): %v", i, err)
			}
		}

		tests := []struct {
			afterSeq uint64
			limit    int
			want     []uint64
		}{
			{afterSeq: 0, limit: 0, want: []uint64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
			{afterSeq: 7, limit: 0, want: []uint64{8, 9, 10}},
			{afterSeq: 0, limit: 3, want: []uint64{1, 2, 3}},
			{afterSeq: 5, limit: 2, want: []uint64{6, 7}},
			{afterSeq: 10, limit: 0, want: []uint64{}},
		}
		for _, tt := range tests {
			t.Run(fmt.Sprintf("after=%d,limit=%d", tt.afterSeq, tt.limit), func(t *testing.T) {
				events, err := store.List(ctx, "run-1", tt.afterSeq, tt.limit)
				if err != nil {
					t.Fatalf("List: %v", err)
				}
				if got := seqs(events); !slices.Equal(got, tt.want) {
					t.Errorf("seqs = %v, want %v", got, tt.want)
				}
			})
		}
	})

	t.Run("latest seq", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		seq, err := store.LatestSeq(ctx, "run-1")
		if err != nil {
			t.Fatalf("LatestSeq: %v", err)
		}
		if seq != 0 {
			t.Errorf("empty LatestSeq = %d, want 0", seq)
		}
		for _, s := range []uint64{3, 1, 7, 5} {
			if err := store.Append(ctx, makeEvent("run-1", s, runtime.EventFlowTaken)); err != nil {
				t.Fatalf("Append(%d): %v", s, err)
			}
		}
		seq, err = store.LatestSeq(ctx, "run-1")
		if err != nil {
			t.Fatalf("LatestSeq: %v", err)
		}
		if seq != 7 {
			t.Errorf("LatestSeq = %d, want 7", seq)
		}
	})

	t.Run("duplicate seq rejected", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		e := makeEvent("run-1", 1, runtime.EventElementStarted)
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if err := store.Append(ctx, e); !errors.Is(err, ErrDuplicateEvent) {
			t.Fatalf("second Append error = %v, want ErrDuplicateEvent", err)
		}
		events, err := store.List(ctx, "run-1", 0, 0)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(events) != 1 {
			t.Errorf("got %d events, want 1", len(events))
		}
		// Another run may reuse the seq.
		if err := store.Append(ctx, makeEvent("run-2", 1, runtime.EventElementStarted)); err != nil {
			t.Errorf("Append to run-2: %v", err)
		}
	})

	t.Run("runs are isolated", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for _, runID := range []string{"run-b", "run-a", "run-b"} {
			seq, _ := store.LatestSeq(ctx, runID)
			if err := store.Append(ctx, makeEvent(runID, seq+1, runtime.EventRunEntered)); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}

		ids, err := store.RunIDs(ctx)
		if err != nil {
			t.Fatalf("RunIDs: %v", err)
		}
		if !slices.Equal(ids, []string{"run-a", "run-b"}) {
			t.Errorf("RunIDs = %v, want [run-a run-b]", ids)
		}
		events, err := store.List(ctx, "run-b", 0, 0)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(events) != 2 {
			t.Errorf("run-b events = %d, want 2", len(events))
		}
		events, err = store.List(ctx, "missing", 0, 0)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(events) != 0 {
			t.Errorf("missing run events = %d, want 0", len(events))
		}
	})
}
