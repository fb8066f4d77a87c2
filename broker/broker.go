// Package broker provides the in-process messaging substrate every procflow
// element communicates through: named topic exchanges, named queues bound
// with wildcard patterns, prioritized consumers with ack and prefetch, and
// snapshot/recover of durable queues.
//
// Delivery is synchronous and depth-first in the publishing goroutine. A
// queue never delivers to its consumers re-entrantly: a message queued while
// the queue is dispatching is delivered once the running handler returns.
//
// A Broker is not safe for concurrent use. Callers serialize access, see
// environment.Environment.Exec.
package broker

import (
	"fmt"
	"sort"
	"time"

	"github.com/petal-labs/procflow/core"
)

// Handler receives a delivered message.
type Handler func(routingKey string, msg *Message)

// ExchangeOptions configures an exchange.
type ExchangeOptions struct {
	Durable bool
}

// BindOptions configures a queue binding.
type BindOptions struct {
	Durable  bool
	Priority int
}

// ConsumeOptions configures a consumer.
type ConsumeOptions struct {
	// NoAck settles messages on delivery.
	NoAck bool

	// ConsumerTag names the consumer. An existing consumer with the same tag
	// is cancelled and replaced. Empty generates a tag.
	ConsumerTag string

	// Prefetch bounds the number of unacked messages held by the consumer
	// (default: 1).
	Prefetch int

	// Priority orders consumers on a queue and, for temporary subscriptions,
	// the binding on the exchange. Higher goes first.
	Priority int
}

// Broker owns the exchanges, queues and consumers of one element.
type Broker struct {
	owner     string
	exchanges map[string]*Exchange
	queues    map[string]*Queue
	consumers map[string]*Consumer
	onReturn  []*returnHandler
	seq       int
}

type returnHandler struct {
	fn Handler
}

// New creates an empty broker owned by the named element.
func New(owner string) *Broker {
	return &Broker{
		owner:     owner,
		exchanges: make(map[string]*Exchange),
		queues:    make(map[string]*Queue),
		consumers: make(map[string]*Consumer),
	}
}

// Owner returns the id of the element owning the broker.
func (b *Broker) Owner() string {
	return b.owner
}

// AssertExchange returns the named topic exchange, creating it if needed.
func (b *Broker) AssertExchange(name string, opts ...ExchangeOptions) *Exchange {
	if ex, ok := b.exchanges[name]; ok {
		return ex
	}
	var o ExchangeOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	ex := &Exchange{name: name, durable: o.Durable, broker: b}
	b.exchanges[name] = ex
	return ex
}

// GetExchange returns the named exchange or nil.
func (b *Broker) GetExchange(name string) *Exchange {
	return b.exchanges[name]
}

// AssertQueue returns the named queue, creating it if needed. An empty name
// generates a unique one.
func (b *Broker) AssertQueue(name string, opts QueueOptions) *Queue {
	if name == "" {
		name = b.nextName("smq.qname")
	}
	if q, ok := b.queues[name]; ok {
		return q
	}
	q := &Queue{name: name, options: opts, broker: b}
	b.queues[name] = q
	return q
}

// GetQueue returns the named queue or nil.
func (b *Broker) GetQueue(name string) *Queue {
	return b.queues[name]
}

// DeleteQueue deletes the named queue if it exists.
func (b *Broker) DeleteQueue(name string) {
	if q, ok := b.queues[name]; ok {
		q.Delete()
	}
}

// BindQueue binds a queue to an exchange with a routing pattern.
func (b *Broker) BindQueue(queueName, exchangeName, pattern string, opts BindOptions) (*Binding, error) {
	q := b.queues[queueName]
	if q == nil {
		return nil, fmt.Errorf("broker %s: bind: queue %q not found", b.owner, queueName)
	}
	ex := b.exchanges[exchangeName]
	if ex == nil {
		return nil, fmt.Errorf("broker %s: bind: exchange %q not found", b.owner, exchangeName)
	}
	return ex.bind(q, pattern, opts), nil
}

// UnbindQueue removes a binding between a queue and an exchange.
func (b *Broker) UnbindQueue(queueName, exchangeName, pattern string) {
	ex := b.exchanges[exchangeName]
	if ex == nil {
		return
	}
	ex.unbind(queueName, pattern)
}

// Publish routes content to every queue bound to the exchange with a
// matching pattern. It reports whether the message was routed. Unroutable
// mandatory messages are passed to the return handlers.
func (b *Broker) Publish(exchangeName, routingKey string, content *core.Content, props Properties) bool {
	ex := b.exchanges[exchangeName]
	if ex == nil {
		return false
	}
	if props.Timestamp.IsZero() {
		props.Timestamp = time.Now()
	}
	if content == nil {
		content = &core.Content{}
	}
	routed := ex.publish(routingKey, content, props)
	if !routed && props.Mandatory {
		b.returnMessage(exchangeName, routingKey, content, props)
	}
	return routed
}

// OnReturn registers a handler for unroutable mandatory messages. The
// returned function removes the handler.
func (b *Broker) OnReturn(fn Handler) func() {
	h := &returnHandler{fn: fn}
	b.onReturn = append(b.onReturn, h)
	return func() {
		for i, r := range b.onReturn {
			if r == h {
				b.onReturn = append(b.onReturn[:i], b.onReturn[i+1:]...)
				return
			}
		}
	}
}

func (b *Broker) returnMessage(exchangeName, routingKey string, content *core.Content, props Properties) {
	msg := &Message{
		Fields:     Fields{RoutingKey: routingKey, Exchange: exchangeName},
		Content:    content,
		Properties: props,
		settled:    true,
	}
	for _, h := range append([]*returnHandler(nil), b.onReturn...) {
		h.fn(routingKey, msg)
	}
}

// SubscribeTmp binds a temporary, exclusive queue to the exchange and
// consumes it. The queue is deleted when the consumer is cancelled.
func (b *Broker) SubscribeTmp(exchangeName, pattern string, h Handler, opts ConsumeOptions) (*Consumer, error) {
	return b.subscribeTmp(exchangeName, pattern, h, opts, false)
}

// SubscribeOnce is SubscribeTmp for exactly one message. The consumer is
// cancelled before the handler runs.
func (b *Broker) SubscribeOnce(exchangeName, pattern string, h Handler, opts ConsumeOptions) (*Consumer, error) {
	opts.NoAck = true
	return b.subscribeTmp(exchangeName, pattern, h, opts, true)
}

func (b *Broker) subscribeTmp(exchangeName, pattern string, h Handler, opts ConsumeOptions, once bool) (*Consumer, error) {
	ex := b.exchanges[exchangeName]
	if ex == nil {
		return nil, fmt.Errorf("broker %s: subscribe: exchange %q not found", b.owner, exchangeName)
	}
	if opts.ConsumerTag != "" {
		b.Cancel(opts.ConsumerTag)
	}
	q := b.AssertQueue(b.nextName("smq.ti"), QueueOptions{AutoDelete: true, Exclusive: true})
	ex.bind(q, pattern, BindOptions{Priority: opts.Priority})
	c := q.consume(h, opts)
	c.once = once
	return c, nil
}

// Subscribe binds a named durable queue to the exchange and consumes it.
func (b *Broker) Subscribe(exchangeName, pattern, queueName string, h Handler, opts ConsumeOptions) (*Consumer, error) {
	q := b.AssertQueue(queueName, QueueOptions{Durable: true})
	if _, err := b.BindQueue(q.name, exchangeName, pattern, BindOptions{Durable: true, Priority: opts.Priority}); err != nil {
		return nil, err
	}
	return q.Consume(h, opts), nil
}

// Consume attaches a consumer to the named queue.
func (b *Broker) Consume(queueName string, h Handler, opts ConsumeOptions) (*Consumer, error) {
	q := b.queues[queueName]
	if q == nil {
		return nil, fmt.Errorf("broker %s: consume: queue %q not found", b.owner, queueName)
	}
	return q.Consume(h, opts), nil
}

// Cancel removes the consumer with the given tag. Unacked messages are
// requeued as redelivered. It reports whether a consumer was found.
func (b *Broker) Cancel(consumerTag string) bool {
	c := b.consumers[consumerTag]
	if c == nil {
		return false
	}
	c.Cancel()
	return true
}

// GetConsumer returns the consumer with the given tag or nil.
func (b *Broker) GetConsumer(consumerTag string) *Consumer {
	return b.consumers[consumerTag]
}

// CreateShovel forwards every message matching pattern on the source
// exchange to the destination broker exchange. Close it with CloseShovel.
func (b *Broker) CreateShovel(name, sourceExchange, pattern string, dest *Broker, destExchange string) error {
	_, err := b.SubscribeTmp(sourceExchange, pattern, func(routingKey string, msg *Message) {
		dest.Publish(destExchange, routingKey, msg.Content, msg.Properties)
	}, ConsumeOptions{NoAck: true, ConsumerTag: shovelTag(name), Priority: 1000})
	return err
}

// CloseShovel stops a shovel created with CreateShovel.
func (b *Broker) CloseShovel(name string) {
	b.Cancel(shovelTag(name))
}

func shovelTag(name string) string {
	return "_shovel-" + name
}

func (b *Broker) nextName(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s-%d", prefix, b.seq)
}

func (b *Broker) registerConsumer(c *Consumer) {
	if existing := b.consumers[c.tag]; existing != nil && existing != c {
		existing.Cancel()
	}
	b.consumers[c.tag] = c
}

func (b *Broker) unregisterConsumer(c *Consumer) {
	if b.consumers[c.tag] == c {
		delete(b.consumers, c.tag)
	}
}

func (b *Broker) removeQueue(q *Queue) {
	if b.queues[q.name] == q {
		delete(b.queues, q.name)
	}
}

func sortBindings(bindings []*Binding) {
	sort.SliceStable(bindings, func(i, j int) bool {
		return bindings[i].priority > bindings[j].priority
	})
}
