package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/petal-labs/procflow/runtime"
)

type failingStore struct {
	MemEventStore
}

func (*failingStore) Append(context.Context, runtime.Event) error {
	return errors.New("disk full")
}

func TestStoreSubscriber_PersistsEvents(t *testing.T) {
	store := NewMemEventStore()
	sub := NewStoreSubscriber(store, nil)

	for i := 1; i <= 3; i++ {
		sub.Handle(makeEvent("run-1", uint64(i), runtime.EventElementStarted))
	}

	events, err := store.List(context.Background(), "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want 3", len(events))
	}
	if got := sub.Stats(); got != (StoreStats{Stored: 3}) {
		t.Errorf("Stats() = %+v, want 3 stored", got)
	}
}

func TestStoreSubscriber_SkipsDuplicates(t *testing.T) {
	sub := NewStoreSubscriber(NewMemEventStore(), nil)
	e := makeEvent("run-1", 1, runtime.EventRunEntered)
	sub.Handle(e)
	sub.Handle(e)

	if got := sub.Stats(); got != (StoreStats{Stored: 1, Duplicates: 1}) {
		t.Errorf("Stats() = %+v, want 1 stored and 1 duplicate", got)
	}
}

func TestStoreSubscriber_HandleContinuesOnError(t *testing.T) {
	sub := NewStoreSubscriber(&failingStore{}, nil)
	sub.Handle(makeEvent("run-1", 1, runtime.EventRunEntered))
	sub.Handle(makeEvent("run-1", 2, runtime.EventRunStarted))

	if got := sub.Stats(); got != (StoreStats{Failed: 2}) {
		t.Errorf("Stats() = %+v, want 2 failed", got)
	}
}

func TestStoreSubscriber_ConsumeUntilClosed(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	store := NewMemEventStore()
	sub := b.SubscribeAll()

	for i := uint64(1); i <= 4; i++ {
		b.Publish(makeEvent("run-1", i, runtime.EventFlowTaken))
	}
	b.Close()

	NewStoreSubscriber(store, nil).Consume(context.Background(), sub)

	seq, err := store.LatestSeq(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("LatestSeq: %v", err)
	}
	if seq != 4 {
		t.Errorf("LatestSeq = %d, want 4", seq)
	}
}

func TestStoreSubscriber_ConsumeStopsOnCancel(t *testing.T) {
	b := NewMemBus(MemBusConfig{})
	defer b.Close()
	sub := b.SubscribeAll()
	defer sub.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	NewStoreSubscriber(NewMemEventStore(), nil).Consume(ctx, sub)
}
