package wire

import "sort"

// Queued is one frame staged for delivery.
type Queued struct {
	Conn     ConnID
	Channel  Channel
	Priority int
	TypeID   uint16
	Frame    []byte
}

// Outbox buffers one tick's sends so they can be flushed in priority
// order. Higher priority flushes first; equal priorities keep their
// enqueue order.
type Outbox struct {
	items []Queued
}

func NewOutbox() *Outbox {
	return &Outbox{}
}

func (o *Outbox) Queue(item Queued) {
	o.items = append(o.items, item)
}

func (o *Outbox) Len() int {
	return len(o.items)
}

// Each visits every staged frame in enqueue order without draining.
func (o *Outbox) Each(fn func(Queued)) {
	for _, item := range o.items {
		fn(item)
	}
}

// Flush hands every staged frame to send, highest priority first, and
// empties the outbox. The underlying array is reused across ticks.
func (o *Outbox) Flush(send func(Queued)) int {
	if len(o.items) == 0 {
		return 0
	}
	sort.SliceStable(o.items, func(i, j int) bool {
		return o.items[i].Priority > o.items[j].Priority
	})
	count := len(o.items)
	for _, item := range o.items {
		send(item)
	}
	o.items = o.items[:0]
	return count
}
