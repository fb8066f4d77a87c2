package bus

import (
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/procflow/runtime"
)

// testDSN returns a shared-memory DSN private to the test.
func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
}

func openSQLite(t *testing.T, cfg SQLiteStoreConfig) *SQLiteEventStore {
	t.Helper()
	if cfg.DSN == "" {
		cfg.DSN = testDSN(t)
	}
	store, err := NewSQLiteEventStore(cfg)
	if err != nil {
		t.Fatalf("NewSQLiteEventStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustAppend(t *testing.T, store EventStore, events ...runtime.Event) {
	t.Helper()
	for _, e := range events {
		if err := store.Append(context.Background(), e); err != nil {
			t.Fatalf("Append(%s #%d) error = %v", e.RunID, e.Seq, err)
		}
	}
}

func TestSQLiteEventStore(t *testing.T) {
	testEventStore(t, func(t *testing.T) EventStore { return openSQLite(t, SQLiteStoreConfig{}) })
}

func TestSQLiteEventStore_RequiresDSN(t *testing.T) {
	if _, err := NewSQLiteEventStore(SQLiteStoreConfig{DSN: "  "}); err == nil {
		t.Fatal("NewSQLiteEventStore() with blank DSN succeeded")
	}
}

func TestSQLiteEventStore_ProcessIDFromFirstEvent(t *testing.T) {
	store := openSQLite(t, SQLiteStoreConfig{})
	first := makeEvent("run-1", 1, runtime.EventRunEntered)
	first.ProcessID = "order"
	second := makeEvent("run-1", 2, runtime.EventElementEntered)
	mustAppend(t, store, first, second)

	events, err := store.List(context.Background(), "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	for _, e := range events {
		if e.ProcessID != "order" {
			t.Errorf("event #%d ProcessID = %q, want order", e.Seq, e.ProcessID)
		}
	}
}

func TestSQLiteEventStore_Prune(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name       string
		cfg        SQLiteStoreConfig
		seed       func(t *testing.T, s EventStore)
		wantResult PruneResult
		wantSeqs   map[string][]uint64
	}{
		{
			name: "age drops stale runs",
			cfg:  SQLiteStoreConfig{RetentionAge: time.Minute},
			seed: func(t *testing.T, s EventStore) {
				for i := uint64(1); i <= 2; i++ {
					old := makeEvent("stale", i, runtime.EventElementStarted)
					old.Time = now.Add(-time.Hour)
					mustAppend(t, s, old)
				}
				fresh := makeEvent("fresh", 1, runtime.EventElementStarted)
				fresh.Time = now
				mustAppend(t, s, fresh)
			},
			wantResult: PruneResult{Runs: 1, Events: 2},
			wantSeqs:   map[string][]uint64{"stale": nil, "fresh": {1}},
		},
		{
			name: "age keeps runs with a recent event",
			cfg:  SQLiteStoreConfig{RetentionAge: time.Minute},
			seed: func(t *testing.T, s EventStore) {
				old := makeEvent("run-1", 1, runtime.EventElementStarted)
				old.Time = now.Add(-time.Hour)
				recent := makeEvent("run-1", 2, runtime.EventElementFinished)
				recent.Time = now
				mustAppend(t, s, old, recent)
			},
			wantSeqs: map[string][]uint64{"run-1": {1, 2}},
		},
		{
			name: "count per run",
			cfg:  SQLiteStoreConfig{RetentionCount: 2},
			seed: func(t *testing.T, s EventStore) {
				for i := uint64(1); i <= 5; i++ {
					mustAppend(t, s, makeEvent("run-1", i, runtime.EventElementStarted))
				}
				for i := uint64(1); i <= 3; i++ {
					mustAppend(t, s, makeEvent("run-2", i, runtime.EventElementStarted))
				}
			},
			wantResult: PruneResult{Events: 4},
			wantSeqs:   map[string][]uint64{"run-1": {4, 5}, "run-2": {2, 3}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := openSQLite(t, tt.cfg)
			tt.seed(t, store)

			got, err := store.Prune(context.Background())
			if err != nil {
				t.Fatalf("Prune() error = %v", err)
			}
			if got != tt.wantResult {
				t.Errorf("Prune() = %+v, want %+v", got, tt.wantResult)
			}
			for runID, want := range tt.wantSeqs {
				events, err := store.List(context.Background(), runID, 0, 0)
				if err != nil {
					t.Fatalf("List(%s) error = %v", runID, err)
				}
				if got := seqs(events); !slices.Equal(got, want) {
					t.Errorf("%s seqs = %v, want %v", runID, got, want)
				}
			}
		})
	}
}

func TestSQLiteEventStore_PrunedRunLeavesIndex(t *testing.T) {
	store := openSQLite(t, SQLiteStoreConfig{RetentionAge: time.Minute})
	old := makeEvent("stale", 1, runtime.EventRunEntered)
	old.Time = time.Now().Add(-time.Hour)
	mustAppend(t, store, old)

	if _, err := store.Prune(context.Background()); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	ids, err := store.RunIDs(context.Background())
	if err != nil {
		t.Fatalf("RunIDs() error = %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("RunIDs() = %v after prune, want none", ids)
	}
}

func TestSQLiteEventStore_ConcurrentReadWrite(t *testing.T) {
	store := openSQLite(t, SQLiteStoreConfig{})
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 8)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 50; i++ {
			if err := store.Append(ctx, makeEvent("run-1", i, runtime.EventElementStarted)); err != nil {
				errs <- err
				return
			}
		}
	}()
	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := store.List(ctx, "run-1", 0, 0); err != nil {
					errs <- err
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent access: %v", err)
	}

	events, err := store.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(events) != 50 {
		t.Errorf("got %d events, want 50", len(events))
	}
}

func TestSQLiteEventStore_Reopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	first, err := NewSQLiteEventStore(SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := uint64(1); i <= 3; i++ {
		e := makeEvent("run-1", i, runtime.EventElementStarted)
		e.ElementID = fmt.Sprintf("task-%d", i)
		e.Payload = map[string]any{"val": float64(i)}
		mustAppend(t, first, e)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopening must not reapply migrations or lose rows.
	second := openSQLite(t, SQLiteStoreConfig{DSN: dsn})
	events, err := second.List(ctx, "run-1", 0, 0)
	if err != nil {
		t.Fatalf("List() after reopen error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("after reopen got %d events, want 3", len(events))
	}
	if events[0].ElementID != "task-1" {
		t.Errorf("ElementID = %q, want task-1", events[0].ElementID)
	}
	if v := events[1].Payload["val"]; v != float64(2) {
		t.Errorf("Payload[val] = %v, want 2", v)
	}

	var migrations int
	if err := second.db.QueryRow(`SELECT COUNT(1) FROM schema_migrations`).Scan(&migrations); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if migrations != 1 {
		t.Errorf("schema_migrations rows = %d, want 1", migrations)
	}
}

func TestSQLiteEventStore_NilPayload(t *testing.T) {
	store := openSQLite(t, SQLiteStoreConfig{})
	e := makeEvent("run-1", 1, runtime.EventElementStarted)
	e.Payload = nil
	mustAppend(t, store, e)

	events, _ := store.List(context.Background(), "run-1", 0, 0)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Payload == nil {
		t.Error("Payload is nil, want empty map")
	}
}
