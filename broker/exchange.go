package broker

import (
	"strings"

	"github.com/petal-labs/procflow/core"
)

// Exchange is a topic exchange. Bindings are evaluated in descending
// priority, then in the order they were added.
type Exchange struct {
	name     string
	durable  bool
	broker   *Broker
	bindings []*Binding
}

// Binding links a queue to an exchange through a routing pattern.
type Binding struct {
	exchange *Exchange
	queue    *Queue
	pattern  string
	priority int
	durable  bool
	closed   bool
}

// Name returns the exchange name.
func (e *Exchange) Name() string {
	return e.name
}

// BindingCount returns the number of live bindings.
func (e *Exchange) BindingCount() int {
	return len(e.bindings)
}

// Pattern returns the routing pattern of the binding.
func (b *Binding) Pattern() string {
	return b.pattern
}

// Close removes the binding from its exchange.
func (b *Binding) Close() {
	if b.closed {
		return
	}
	b.closed = true
	e := b.exchange
	for i, eb := range e.bindings {
		if eb == b {
			e.bindings = append(e.bindings[:i], e.bindings[i+1:]...)
			break
		}
	}
	q := b.queue
	for i, qb := range q.bindings {
		if qb == b {
			q.bindings = append(q.bindings[:i], q.bindings[i+1:]...)
			break
		}
	}
}

func (e *Exchange) bind(q *Queue, pattern string, opts BindOptions) *Binding {
	for _, b := range e.bindings {
		if b.queue == q && b.pattern == pattern {
			return b
		}
	}
	b := &Binding{
		exchange: e,
		queue:    q,
		pattern:  pattern,
		priority: opts.Priority,
		durable:  opts.Durable,
	}
	e.bindings = append(e.bindings, b)
	sortBindings(e.bindings)
	q.bindings = append(q.bindings, b)
	return b
}

func (e *Exchange) unbind(queueName, pattern string) {
	for _, b := range append([]*Binding(nil), e.bindings...) {
		if b.queue.name == queueName && b.pattern == pattern {
			b.Close()
		}
	}
}

// publish delivers to the bindings matching at publish time. A binding
// closed by an earlier delivery is skipped.
func (e *Exchange) publish(routingKey string, content *core.Content, props Properties) bool {
	var matched []*Binding
	for _, b := range e.bindings {
		if matchPattern(b.pattern, routingKey) {
			matched = append(matched, b)
		}
	}
	for _, b := range matched {
		if b.closed || b.queue.deleted {
			continue
		}
		b.queue.QueueMessage(Fields{RoutingKey: routingKey, Exchange: e.name}, content, props)
	}
	return len(matched) > 0
}

// matchPattern reports whether routingKey matches a topic pattern where "*"
// matches exactly one dot separated word and "#" matches zero or more.
func matchPattern(pattern, routingKey string) bool {
	if pattern == "#" {
		return true
	}
	return matchWords(strings.Split(pattern, "."), strings.Split(routingKey, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
