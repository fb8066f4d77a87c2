package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/procflow/runtime"
)

// collect reads events until none arrives for 50ms.
func collect(sub Subscription) []runtime.Event {
	var out []runtime.Event
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func kindsOf(events []runtime.Event) []runtime.EventKind {
	out := make([]runtime.EventKind, len(events))
	for i, e := range events {
		out[i] = e.Kind
	}
	return out
}

func TestMemBus_Routing(t *testing.T) {
	published := []runtime.Event{
		runtime.NewEvent(runtime.EventRunEntered, "order-1"),
		runtime.NewEvent(runtime.EventElementWaiting, "order-1"),
		runtime.NewEvent(runtime.EventFlowTaken, "order-2"),
		runtime.NewEvent(runtime.EventRunLeft, "order-1"),
	}
	tests := []struct {
		name      string
		subscribe func(b *MemBus) Subscription
		want      []runtime.EventKind
	}{
		{
			name:      "one run",
			subscribe: func(b *MemBus) Subscription { return b.Subscribe("order-1") },
			want:      []runtime.EventKind{runtime.EventRunEntered, runtime.EventElementWaiting, runtime.EventRunLeft},
		},
		{
			name:      "other run",
			subscribe: func(b *MemBus) Subscription { return b.Subscribe("order-2") },
			want:      []runtime.EventKind{runtime.EventFlowTaken},
		},
		{
			name:      "unknown run",
			subscribe: func(b *MemBus) Subscription { return b.Subscribe("order-3") },
		},
		{
			name:      "one run, filtered",
			subscribe: func(b *MemBus) Subscription { return b.Subscribe("order-1", runtime.EventElementWaiting) },
			want:      []runtime.EventKind{runtime.EventElementWaiting},
		},
		{
			name:      "every run",
			subscribe: func(b *MemBus) Subscription { return b.SubscribeAll() },
			want: []runtime.EventKind{
				runtime.EventRunEntered, runtime.EventElementWaiting, runtime.EventFlowTaken, runtime.EventRunLeft,
			},
		},
		{
			name:      "every run, filtered",
			subscribe: func(b *MemBus) Subscription { return b.SubscribeAll(runtime.EventFlowTaken, runtime.EventRunLeft) },
			want:      []runtime.EventKind{runtime.EventFlowTaken, runtime.EventRunLeft},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewMemBus(MemBusConfig{})
			defer b.Close()
			sub := tt.subscribe(b)
			defer sub.Close()

			for _, e := range published {
				b.Publish(e)
			}
			got := kindsOf(collect(sub))
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("event %d = %s, want %s", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestMemBus_SameRunFansOut(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()
	subs := []Subscription{b.Subscribe("order-1"), b.Subscribe("order-1"), b.SubscribeAll()}

	b.Publish(runtime.NewEvent(runtime.EventElementCaught, "order-1"))

	for i, sub := range subs {
		if got := collect(sub); len(got) != 1 {
			t.Errorf("subscriber %d got %d events, want 1", i, len(got))
		}
		sub.Close()
	}
}

func TestMemBus_UnsubscribeForgetsTopic(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()

	run := b.Subscribe("order-1")
	all := b.SubscribeAll()
	for _, sub := range []Subscription{run, run, all} {
		if err := sub.Close(); err != nil {
			t.Fatalf("Close() error = %v", err)
		}
	}
	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "order-1"))

	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.topics) != 0 {
		t.Errorf("topics left = %d, want 0", len(b.topics))
	}
}

func TestMemBus_Close(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	sub := b.Subscribe("order-1")
	b.Close()
	b.Publish(runtime.NewEvent(runtime.EventRunStarted, "order-1"))

	if _, ok := <-sub.Events(); ok {
		t.Error("subscription open after bus Close")
	}
	if _, ok := <-b.SubscribeAll().Events(); ok {
		t.Error("subscription made after Close is open")
	}
}

func TestMemBus_FullBufferDrops(t *testing.T) {
	tests := []struct {
		name      string
		buffer    int
		publish   int
		wantRecv  int
		wantDrops uint64
	}{
		{name: "fits", buffer: 4, publish: 3, wantRecv: 3},
		{name: "overflow", buffer: 2, publish: 5, wantRecv: 2, wantDrops: 3},
		{name: "default buffer", buffer: 0, publish: 300, wantRecv: defaultSubscriberBuffer, wantDrops: 300 - defaultSubscriberBuffer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewMemBus(MemBusConfig{SubscriberBufferSize: tt.buffer})
			defer b.Close()
			sub := b.Subscribe("order-1")
			defer sub.Close()

			for i := 0; i < tt.publish; i++ {
				b.Publish(runtime.NewEvent(runtime.EventElementStarted, "order-1"))
			}
			if got := len(collect(sub)); got != tt.wantRecv {
				t.Errorf("received %d, want %d", got, tt.wantRecv)
			}
			if got := b.Dropped(); got != tt.wantDrops {
				t.Errorf("Dropped() = %d, want %d", got, tt.wantDrops)
			}
		})
	}
}

func TestMemBus_Concurrent(t *testing.T) {
	b := NewMemBus(MemBusConfig{SubscriberBufferSize: 1000})
	defer b.Close()
	watcher := b.Subscribe("order-1")
	defer watcher.Close()

	const publishers = 100
	var wg sync.WaitGroup
	for i := 0; i < publishers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Churn subscriptions while publishing.
			sub := b.SubscribeAll()
			b.Publish(runtime.NewEvent(runtime.EventElementStarted, "order-1"))
			sub.Close()
		}()
	}
	wg.Wait()

	if got := len(collect(watcher)); got != publishers {
		t.Errorf("received %d events, want %d", got, publishers)
	}
}

func TestHandler_PublishesToBus(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()
	sub := b.SubscribeAll()
	defer sub.Close()

	Handler(b)(runtime.NewEvent(runtime.EventRunLeft, "order-1"))

	if got := kindsOf(collect(sub)); len(got) != 1 || got[0] != runtime.EventRunLeft {
		t.Errorf("got %v, want [%s]", got, runtime.EventRunLeft)
	}
}
