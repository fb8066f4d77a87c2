package bus

import (
	"slices"
	"sync"
	"sync/atomic"

	"github.com/petal-labs/procflow/runtime"
)

const defaultSubscriberBuffer = 256

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer per subscriber (default: 256).
	SubscriberBufferSize int
}

// MemBus is an in-memory EventBus. Publish never blocks: a subscriber whose
// buffer is full misses the event and the bus counts it as dropped.
type MemBus struct {
	mu      sync.RWMutex
	topics  map[string][]*memSub // run id, "" for subscribers of every run
	bufSize int
	closed  bool
	dropped atomic.Uint64
}

// NewMemBus creates an in-memory event bus.
func NewMemBus(config MemBusConfig) *MemBus {
	size := config.SubscriberBufferSize
	if size <= 0 {
		size = defaultSubscriberBuffer
	}
	return &MemBus{topics: make(map[string][]*memSub), bufSize: size}
}

// Publish delivers event to the subscribers of its run and to those of
// every run. Events published after Close are discarded.
func (b *MemBus) Publish(event runtime.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, topic := range [2]string{event.RunID, ""} {
		for _, sub := range b.topics[topic] {
			if sub.wants(event.Kind) && !sub.offer(event) {
				b.dropped.Add(1)
			}
		}
		if event.RunID == "" {
			break
		}
	}
}

// Subscribe registers a subscriber for one run.
func (b *MemBus) Subscribe(runID string, kinds ...runtime.EventKind) Subscription {
	return b.add(runID, kinds)
}

// SubscribeAll registers a subscriber for every run.
func (b *MemBus) SubscribeAll(kinds ...runtime.EventKind) Subscription {
	return b.add("", kinds)
}

func (b *MemBus) add(topic string, kinds []runtime.EventKind) *memSub {
	sub := &memSub{
		bus:   b,
		topic: topic,
		kinds: slices.Clone(kinds),
		ch:    make(chan runtime.Event, b.bufSize),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.shut()
		return sub
	}
	b.topics[topic] = append(b.topics[topic], sub)
	return sub
}

func (b *MemBus) remove(sub *memSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rest := slices.DeleteFunc(b.topics[sub.topic], func(s *memSub) bool { return s == sub })
	if len(rest) == 0 {
		delete(b.topics, sub.topic)
		return
	}
	b.topics[sub.topic] = rest
}

// Dropped returns how many deliveries were lost to full buffers.
func (b *MemBus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes every subscription. Later subscriptions are born closed.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, subs := range b.topics {
		for _, sub := range subs {
			sub.shut()
		}
	}
	clear(b.topics)
	return nil
}

type memSub struct {
	bus   *MemBus
	topic string
	kinds []runtime.EventKind
	ch    chan runtime.Event

	mu     sync.Mutex
	closed bool
}

func (s *memSub) wants(kind runtime.EventKind) bool {
	return len(s.kinds) == 0 || slices.Contains(s.kinds, kind)
}

// offer reports false when the buffer is full. A closed subscription
// accepts and discards.
func (s *memSub) offer(event runtime.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- event:
		return true
	default:
		return false
	}
}

func (s *memSub) shut() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

func (s *memSub) Events() <-chan runtime.Event { return s.ch }

func (s *memSub) Close() error {
	s.bus.remove(s)
	s.shut()
	return nil
}

var (
	_ EventBus     = (*MemBus)(nil)
	_ Subscription = (*memSub)(nil)
)
