package runtime

import (
	"sync"
	"testing"

	"github.com/petal-labs/procflow/core"
)

func TestSeqGen_Next_StartsAt1(t *testing.T) {
	sg := newSeqGen()
	got := sg.Next()
	if got != 1 {
		t.Fatalf("first call to Next() = %d, want 1", got)
	}
}

func TestSeqGen_Next_Monotonic(t *testing.T) {
	sg := newSeqGen()
	for i := uint64(1); i <= 100; i++ {
		got := sg.Next()
		if got != i {
			t.Fatalf("Next() call #%d = %d, want %d", i, got, i)
		}
	}
}

func TestSeqGen_Next_ConcurrentSafe(t *testing.T) {
	const goroutines = 100
	const callsPerGoroutine = 100
	const totalCalls = goroutines * callsPerGoroutine

	sg := newSeqGen()

	var mu sync.Mutex
	seen := make(map[uint64]bool, totalCalls)

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for c := 0; c < callsPerGoroutine; c++ {
				v := sg.Next()
				mu.Lock()
				seen[v] = true
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if len(seen) != totalCalls {
		t.Fatalf("unique values = %d, want %d", len(seen), totalCalls)
	}

	// Verify every value from 1..totalCalls is present.
	for i := uint64(1); i <= totalCalls; i++ {
		if !seen[i] {
			t.Fatalf("missing sequence number %d", i)
		}
	}
}

func TestRootExecutionID(t *testing.T) {
	tests := []struct {
		name    string
		content *core.Content
		want    string
	}{
		{name: "no parent", content: &core.Content{ExecutionID: "proc_1"}, want: "proc_1"},
		{name: "direct child", content: &core.Content{ExecutionID: "task_1", Parent: &core.Parent{ID: "proc", ExecutionID: "proc_1"}}, want: "proc_1"},
		{
			name: "nested",
			content: &core.Content{
				ExecutionID: "deep_1",
				Parent: &core.Parent{ID: "sub", ExecutionID: "sub_1", Path: []core.Ref{
					{ID: "tx", ExecutionID: "tx_1"},
					{ID: "proc", ExecutionID: "proc_1"},
				}},
			},
			want: "proc_1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := rootExecutionID(tt.content); got != tt.want {
				t.Errorf("rootExecutionID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWithPayload_Flow(t *testing.T) {
	e := withPayload(Event{}, &core.Content{
		IsSequenceFlow: true,
		SourceID:       "a",
		TargetID:       "b",
		Error:          &core.ActivityError{Message: "boom"},
	})
	if e.Payload["sourceId"] != "a" || e.Payload["targetId"] != "b" {
		t.Errorf("Payload = %v, want source and target", e.Payload)
	}
	if e.Payload["error"] != "boom" {
		t.Errorf("Payload[error] = %v, want boom", e.Payload["error"])
	}
}
