package bus

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/petal-labs/procflow/runtime"
)

func newRedisStore(t *testing.T, opts ...RedisOption) (*RedisEventStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisEventStoreFromClient(client, opts...)
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisEventStore(t *testing.T) {
	testEventStore(t, func(t *testing.T) EventStore {
		store, _ := newRedisStore(t)
		return store
	})
}

func TestRedisEventStore_KeyPrefix(t *testing.T) {
	store, mr := newRedisStore(t, WithKeyPrefix("test:"))
	if err := store.Append(context.Background(), makeEvent("run-1", 1, runtime.EventRunEntered)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if !mr.Exists("test:run:run-1") {
		t.Errorf("keys = %v, want test:run:run-1", mr.Keys())
	}
}

func TestRedisEventStore_TTLExpiresRuns(t *testing.T) {
	store, mr := newRedisStore(t, WithTTL(time.Minute))
	ctx := context.Background()

	if err := store.Append(ctx, makeEvent("run-1", 1, runtime.EventRunEntered)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	mr.FastForward(30 * time.Second)
	if err := store.Append(ctx, makeEvent("run-2", 1, runtime.EventRunEntered)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	mr.FastForward(45 * time.Second)

	ids, err := store.RunIDs(ctx)
	if err != nil {
		t.Fatalf("RunIDs: %v", err)
	}
	if !slices.Equal(ids, []string{"run-2"}) {
		t.Errorf("RunIDs = %v, want [run-2]", ids)
	}
	events, err := store.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expired run has %d events", len(events))
	}
}
