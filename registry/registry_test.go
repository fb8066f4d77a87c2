package registry

import (
	"sync"
	"testing"

	"github.com/petal-labs/procflow/core"
)

func TestGlobal_ReturnsSameInstance(t *testing.T) {
	r1 := Global()
	r2 := Global()
	if r1 != r2 {
		t.Error("Global() should return the same instance on every call")
	}
}

func TestGlobal_HasBuiltins(t *testing.T) {
	r := Global()
	if r.Len() == 0 {
		t.Fatal("Global registry should have built-in types registered")
	}
	for _, typ := range []core.ElementType{
		core.TypeStartEvent,
		core.TypeEndEvent,
		core.TypeBoundaryEvent,
		core.TypeExclusiveGateway,
		core.TypeSubProcess,
		core.TypeTransaction,
	} {
		if r.Factory(typ) == nil {
			t.Errorf("Factory(%s) = nil, want a behaviour factory", typ)
		}
	}
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := newRegistry()
	def := ElementTypeDef{
		Type:        "custom:Task",
		Category:    CategoryTask,
		DisplayName: "Custom Task",
		Description: "A test task",
		Definitions: []core.ElementType{core.TypeTimerEventDefinition},
	}

	r.Register(def)

	got, ok := r.Get("custom:Task")
	if !ok {
		t.Fatal("Get should find registered type")
	}
	if got.DisplayName != "Custom Task" {
		t.Errorf("DisplayName = %q, want %q", got.DisplayName, "Custom Task")
	}
	if !got.Accepts(core.TypeTimerEventDefinition) {
		t.Error("Accepts(timer) = false, want true")
	}
	if got.Accepts(core.TypeSignalEventDefinition) {
		t.Error("Accepts(signal) = true, want false")
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	r := newRegistry()
	if _, ok := r.Get("nonexistent"); ok {
		t.Error("Get should return false for unregistered type")
	}
	if r.Has("nonexistent") {
		t.Error("Has should return false for unregistered type")
	}
}

func TestRegistry_OverwritePreservesOrder(t *testing.T) {
	r := newRegistry()
	r.Register(ElementTypeDef{Type: "a", DisplayName: "first"})
	r.Register(ElementTypeDef{Type: "b"})
	r.Register(ElementTypeDef{Type: "a", DisplayName: "second"})

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("All() len = %d, want 2", len(all))
	}
	if all[0].Type != "a" || all[0].DisplayName != "second" {
		t.Errorf("all[0] = %+v, want overwritten a first", all[0])
	}
}

func TestRegistry_Placeholders(t *testing.T) {
	r := New()
	def, ok := r.Get(TypeTextAnnotation)
	if !ok {
		t.Fatal("text annotation not registered")
	}
	if !def.Placeholder {
		t.Error("Placeholder = false, want true")
	}
	if r.Factory(TypeTextAnnotation) != nil {
		t.Error("placeholder should have no factory")
	}
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	r := newRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r.Register(ElementTypeDef{Type: core.ElementType(string(rune('a' + i)))})
			_ = r.All()
			_ = r.Has("a")
		}(i)
	}
	wg.Wait()
	if r.Len() != 10 {
		t.Errorf("Len() = %d, want 10", r.Len())
	}
}
