package broker

import (
	"sort"

	"github.com/petal-labs/procflow/core"
)

// State is the serializable snapshot of a broker: every durable queue and
// the persistent messages it holds.
type State struct {
	Queues []QueueState `json:"queues,omitempty"`
}

// QueueState is the snapshot of one durable queue.
type QueueState struct {
	Name     string         `json:"name"`
	Options  QueueOptions   `json:"options"`
	Messages []MessageState `json:"messages,omitempty"`
}

// MessageState is the snapshot of one queued message.
type MessageState struct {
	Fields     Fields        `json:"fields"`
	Content    *core.Content `json:"content"`
	Properties Properties    `json:"properties"`
}

// GetState snapshots durable queues. Transient messages are left out. It
// returns nil when there is nothing to keep.
func (b *Broker) GetState() *State {
	names := make([]string, 0, len(b.queues))
	for name, q := range b.queues {
		if q.options.Durable {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	state := &State{}
	for _, name := range names {
		q := b.queues[name]
		qs := QueueState{Name: q.name, Options: q.options}
		for _, m := range q.messages {
			if m.settled || m.Properties.Transient {
				continue
			}
			fields := m.Fields
			fields.ConsumerTag = ""
			qs.Messages = append(qs.Messages, MessageState{
				Fields:     fields,
				Content:    m.Content.Clone(),
				Properties: m.Properties,
			})
		}
		if len(qs.Messages) == 0 {
			continue
		}
		state.Queues = append(state.Queues, qs)
	}
	if len(state.Queues) == 0 {
		return nil
	}
	return state
}

// Recover restores queued messages from a snapshot. Queues are asserted if
// missing and every restored message is marked redelivered. Messages are
// delivered as soon as the queue has a consumer.
func (b *Broker) Recover(state *State) {
	if state == nil {
		return
	}
	for _, qs := range state.Queues {
		q := b.AssertQueue(qs.Name, qs.Options)
		for _, ms := range qs.Messages {
			fields := ms.Fields
			fields.Redelivered = true
			q.messages = append(q.messages, &Message{
				Fields:     fields,
				Content:    ms.Content.Clone(),
				Properties: ms.Properties,
				queue:      q,
			})
		}
	}
	for _, qs := range state.Queues {
		if q := b.queues[qs.Name]; q != nil {
			q.consumeNext()
		}
	}
}
