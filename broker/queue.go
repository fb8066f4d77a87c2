package broker

import (
	"sort"
	"time"

	"github.com/petal-labs/procflow/core"
)

// Fields carries delivery metadata.
type Fields struct {
	RoutingKey  string `json:"routingKey"`
	Exchange    string `json:"exchange,omitempty"`
	Redelivered bool   `json:"redelivered,omitempty"`
	ConsumerTag string `json:"consumerTag,omitempty"`
}

// Properties carries message attributes set by the publisher.
type Properties struct {
	Type          string `json:"type,omitempty"`
	Delegate      bool   `json:"delegate,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
	MessageID     string `json:"messageId,omitempty"`

	// Transient marks a message that must not survive a recover, the
	// inverse of the AMQP persistent flag.
	Transient bool `json:"transient,omitempty"`

	// Mandatory requests the message to be returned when unroutable.
	Mandatory bool `json:"mandatory,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// Message is one delivery of content through a queue.
type Message struct {
	Fields     Fields
	Content    *core.Content
	Properties Properties

	queue    *Queue
	consumer *Consumer
	pending  bool
	settled  bool
}

// Ack settles the message and removes it from its queue. Acking twice is a
// no-op.
func (m *Message) Ack() {
	if m.settled || m.queue == nil {
		m.settled = true
		return
	}
	m.settled = true
	m.queue.settle(m, false)
}

// Nack settles the message; requeue puts it back as redelivered.
func (m *Message) Nack(requeue bool) {
	if m.settled || m.queue == nil {
		m.settled = true
		return
	}
	if requeue {
		m.queue.requeue(m)
		return
	}
	m.settled = true
	m.queue.settle(m, false)
}

// Pending reports whether the message is delivered and not yet settled.
func (m *Message) Pending() bool {
	return m.pending && !m.settled
}

// Clone returns an unattached copy with cloned content.
func (m *Message) Clone() *Message {
	return &Message{
		Fields:     m.Fields,
		Content:    m.Content.Clone(),
		Properties: m.Properties,
		settled:    true,
	}
}

// QueueOptions configures a queue.
type QueueOptions struct {
	Durable    bool `json:"durable,omitempty"`
	AutoDelete bool `json:"autoDelete,omitempty"`
	Exclusive  bool `json:"exclusive,omitempty"`
}

// Queue holds messages until a consumer settles them.
type Queue struct {
	name       string
	options    QueueOptions
	broker     *Broker
	messages   []*Message
	consumers  []*Consumer
	bindings   []*Binding
	depleted   []*depletedListener
	deleted    bool
	delivering bool
}

type depletedListener struct {
	fn func()
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Len returns the number of messages held, delivered or not.
func (q *Queue) Len() int {
	return len(q.messages)
}

// ConsumerCount returns the number of attached consumers.
func (q *Queue) ConsumerCount() int {
	return len(q.consumers)
}

// Messages returns the held messages in queue order.
func (q *Queue) Messages() []*Message {
	return append([]*Message(nil), q.messages...)
}

// QueueMessage appends a message and dispatches to consumers.
func (q *Queue) QueueMessage(fields Fields, content *core.Content, props Properties) *Message {
	if q.deleted {
		return nil
	}
	if props.Timestamp.IsZero() {
		props.Timestamp = time.Now()
	}
	msg := &Message{Fields: fields, Content: content, Properties: props, queue: q}
	q.messages = append(q.messages, msg)
	q.consumeNext()
	return msg
}

// Consume attaches a consumer to the queue.
func (q *Queue) Consume(h Handler, opts ConsumeOptions) *Consumer {
	return q.consume(h, opts)
}

// OnDepleted registers fn to run each time the queue becomes empty. The
// returned function removes the listener.
func (q *Queue) OnDepleted(fn func()) func() {
	l := &depletedListener{fn: fn}
	q.depleted = append(q.depleted, l)
	return func() {
		for i, d := range q.depleted {
			if d == l {
				q.depleted = append(q.depleted[:i], q.depleted[i+1:]...)
				return
			}
		}
	}
}

// Purge removes every message not currently delivered to a consumer and
// returns the number removed.
func (q *Queue) Purge() int {
	kept := q.messages[:0]
	removed := 0
	for _, m := range q.messages {
		if m.pending && !m.settled {
			kept = append(kept, m)
			continue
		}
		m.settled = true
		removed++
	}
	for i := len(kept); i < len(q.messages); i++ {
		q.messages[i] = nil
	}
	q.messages = kept
	return removed
}

// Delete removes the queue, its bindings, consumers and messages.
func (q *Queue) Delete() {
	if q.deleted {
		return
	}
	q.deleted = true
	for _, b := range append([]*Binding(nil), q.bindings...) {
		b.Close()
	}
	for _, c := range append([]*Consumer(nil), q.consumers...) {
		c.closed = true
		q.broker.unregisterConsumer(c)
	}
	q.consumers = nil
	for _, m := range q.messages {
		m.settled = true
	}
	q.messages = nil
	q.broker.removeQueue(q)
}

func (q *Queue) consume(h Handler, opts ConsumeOptions) *Consumer {
	tag := opts.ConsumerTag
	if tag == "" {
		tag = q.broker.nextName("smq.ctag")
	}
	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = 1
	}
	c := &Consumer{
		tag:      tag,
		queue:    q,
		handler:  h,
		noAck:    opts.NoAck,
		prefetch: prefetch,
		priority: opts.Priority,
	}
	q.broker.registerConsumer(c)
	q.consumers = append(q.consumers, c)
	sort.SliceStable(q.consumers, func(i, j int) bool {
		return q.consumers[i].priority > q.consumers[j].priority
	})
	q.consumeNext()
	return c
}

// consumeNext delivers ready messages to consumers with capacity. It does
// not re-enter: a dispatch loop already running picks up new messages.
func (q *Queue) consumeNext() {
	if q.delivering {
		return
	}
	q.delivering = true
	defer func() { q.delivering = false }()

	for !q.deleted {
		msg := q.nextReady()
		if msg == nil {
			return
		}
		c := q.nextConsumer()
		if c == nil {
			return
		}
		c.deliver(msg)
	}
}

func (q *Queue) nextReady() *Message {
	for _, m := range q.messages {
		if !m.pending && !m.settled {
			return m
		}
	}
	return nil
}

func (q *Queue) nextConsumer() *Consumer {
	for _, c := range q.consumers {
		if c.capacity() > 0 {
			return c
		}
	}
	return nil
}

func (q *Queue) remove(m *Message) bool {
	for i, qm := range q.messages {
		if qm == m {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return true
		}
	}
	return false
}

func (q *Queue) settle(m *Message, _ bool) {
	if m.consumer != nil && m.pending {
		m.consumer.unacked--
	}
	m.pending = false
	if !q.remove(m) {
		return
	}
	if len(q.messages) == 0 {
		q.emitDepleted()
	}
	q.consumeNext()
}

func (q *Queue) requeue(m *Message) {
	if m.consumer != nil && m.pending {
		m.consumer.unacked--
	}
	m.pending = false
	m.consumer = nil
	m.Fields.Redelivered = true
	q.consumeNext()
}

func (q *Queue) emitDepleted() {
	for _, l := range append([]*depletedListener(nil), q.depleted...) {
		l.fn()
	}
}

// Consumer receives messages from one queue.
type Consumer struct {
	tag      string
	queue    *Queue
	handler  Handler
	noAck    bool
	prefetch int
	priority int
	unacked  int
	once     bool
	closed   bool
}

// Tag returns the consumer tag.
func (c *Consumer) Tag() string {
	return c.tag
}

// Queue returns the consumed queue.
func (c *Consumer) Queue() *Queue {
	return c.queue
}

// Cancel detaches the consumer, requeues its unacked messages and deletes
// an auto-delete queue left without consumers.
func (c *Consumer) Cancel() {
	if c.closed {
		return
	}
	c.closed = true
	q := c.queue
	q.broker.unregisterConsumer(c)
	for i, qc := range q.consumers {
		if qc == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	for _, m := range q.messages {
		if m.consumer == c && m.pending && !m.settled {
			m.pending = false
			m.consumer = nil
			m.Fields.Redelivered = true
		}
	}
	c.unacked = 0
	if q.options.AutoDelete && len(q.consumers) == 0 {
		q.Delete()
		return
	}
	q.consumeNext()
}

func (c *Consumer) capacity() int {
	if c.closed {
		return 0
	}
	if c.noAck {
		return 1
	}
	return c.prefetch - c.unacked
}

func (c *Consumer) deliver(m *Message) {
	q := c.queue
	m.Fields.ConsumerTag = c.tag
	if c.noAck {
		m.settled = true
		q.remove(m)
	} else {
		m.pending = true
		m.consumer = c
		c.unacked++
	}
	if c.once {
		c.Cancel()
	}
	c.handler(m.Fields.RoutingKey, m)
	if c.noAck && len(q.messages) == 0 && !q.deleted {
		q.emitDepleted()
	}
}
