package bus

import (
	"cmp"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/petal-labs/procflow/runtime"
)

const defaultCoalesceInterval = 100 * time.Millisecond

// ThrottleConfig controls a ThrottledEmitter.
type ThrottleConfig struct {
	// CoalesceInterval is how often coalesced events are flushed
	// (default: 100ms).
	CoalesceInterval time.Duration

	// Kinds are the event kinds to coalesce (default: flow.taken and
	// flow.discarded).
	Kinds []runtime.EventKind
}

// ThrottledEmitter coalesces noisy events, such as a flow taken on every
// loop iteration or a discard wave through a large graph. Within one
// interval only the latest event per run and element survives; it carries
// the number of events it replaced in its "coalesced" payload entry. Other
// events pass straight through, and run events flush what is pending first
// so the run outcome is always printed last.
type ThrottledEmitter struct {
	emit  runtime.EventEmitter
	kinds []runtime.EventKind

	mu      sync.Mutex
	pending map[coalesceKey]*coalesced
	closed  bool

	stop chan struct{}
	done chan struct{}
}

type coalesceKey struct {
	runID     string
	elementID string
}

type coalesced struct {
	latest runtime.Event
	count  int
}

// NewThrottledEmitter wraps emit and starts the flush ticker. Close stops it.
func NewThrottledEmitter(emit runtime.EventEmitter, cfg ThrottleConfig) *ThrottledEmitter {
	interval := cmp.Or(cfg.CoalesceInterval, defaultCoalesceInterval)
	if interval < 0 {
		interval = defaultCoalesceInterval
	}
	kinds := slices.Clone(cfg.Kinds)
	if len(kinds) == 0 {
		kinds = []runtime.EventKind{runtime.EventFlowTaken, runtime.EventFlowDiscarded}
	}
	te := &ThrottledEmitter{
		emit:    emit,
		kinds:   kinds,
		pending: make(map[coalesceKey]*coalesced),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go te.tick(interval)
	return te
}

// Emit passes e on or holds it for the next flush.
func (te *ThrottledEmitter) Emit(e runtime.Event) {
	if !slices.Contains(te.kinds, e.Kind) {
		if e.Kind.IsRun() {
			te.flush()
		}
		te.emit(e)
		return
	}

	te.mu.Lock()
	defer te.mu.Unlock()
	if te.closed {
		return
	}
	key := coalesceKey{runID: e.RunID, elementID: e.ElementID}
	if c, ok := te.pending[key]; ok {
		c.latest = e
		c.count++
		return
	}
	te.pending[key] = &coalesced{latest: e, count: 1}
}

// Decorator routes a tap emitter through a new ThrottledEmitter. The
// returned func closes it.
func Decorator(cfg ThrottleConfig) (runtime.EventEmitterDecorator, func()) {
	var te *ThrottledEmitter
	decorate := func(next runtime.EventEmitter) runtime.EventEmitter {
		te = NewThrottledEmitter(next, cfg)
		return te.Emit
	}
	return decorate, func() {
		if te != nil {
			te.Close()
		}
	}
}

// Close flushes what is pending and stops the ticker. Later calls do
// nothing.
func (te *ThrottledEmitter) Close() {
	te.mu.Lock()
	if te.closed {
		te.mu.Unlock()
		return
	}
	te.closed = true
	te.mu.Unlock()

	close(te.stop)
	<-te.done
}

func (te *ThrottledEmitter) tick(interval time.Duration) {
	defer close(te.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			te.flush()
		case <-te.stop:
			te.flush()
			return
		}
	}
}

// flush emits the pending events in Seq order.
func (te *ThrottledEmitter) flush() {
	te.mu.Lock()
	if len(te.pending) == 0 {
		te.mu.Unlock()
		return
	}
	batch := make([]runtime.Event, 0, len(te.pending))
	for _, c := range te.pending {
		e := c.latest
		if c.count > 1 {
			// Bus subscribers share payload maps.
			e.Payload = maps.Clone(e.Payload)
			e = e.WithPayload("coalesced", c.count)
		}
		batch = append(batch, e)
	}
	clear(te.pending)
	te.mu.Unlock()

	slices.SortFunc(batch, func(a, b runtime.Event) int { return cmp.Compare(a.Seq, b.Seq) })
	for _, e := range batch {
		te.emit(e)
	}
}
