// ABOUTME: In-process event bus: per-subscriber bounded queues with drop-oldest overflow.
// ABOUTME: Publishing never blocks on slow consumers; losses are counted per subscriber.

package engine

import (
	"sync"
	"sync/atomic"

	"github.com/sorryhyun/DiPeO-sub003/diagram"
)

// defaultQueueSize bounds each subscriber's backlog before eviction starts.
const defaultQueueSize = 256

// EventBus fans out published events to subscribers.
type EventBus interface {
	// Publish delivers the event to matching subscribers without blocking.
	Publish(evt Event)
	// Subscribe registers interest in one execution's events, or all events
	// when executionID is empty.
	Subscribe(executionID diagram.ExecutionID) *Subscription
	// Close tears down the bus and closes every subscriber channel.
	Close()
}

// Subscription is one subscriber's view of the bus. Receive from C; call
// Close when done. Lost counts events evicted because the queue was full.
type Subscription struct {
	C <-chan Event

	ch          chan Event
	executionID diagram.ExecutionID
	lost        atomic.Uint64
	bus         *InProcessBus
	closeOnce   sync.Once
}

// Lost returns how many events were evicted for this subscriber.
func (s *Subscription) Lost() uint64 { return s.lost.Load() }

// Close unregisters the subscription and closes its channel.
func (s *Subscription) Close() {
	if s.bus != nil {
		s.bus.unsubscribe(s)
		return
	}
	s.closeOnce.Do(func() { close(s.ch) })
}

// InProcessBus is the standard single-process bus.
type InProcessBus struct {
	mu        sync.RWMutex
	subs      map[*Subscription]struct{}
	queueSize int
	closed    bool
}

// NewBus returns a bus with the default per-subscriber queue size.
func NewBus() *InProcessBus {
	return NewBusWithQueueSize(defaultQueueSize)
}

// NewBusWithQueueSize returns a bus with a custom queue bound; size must be
// at least 1.
func NewBusWithQueueSize(size int) *InProcessBus {
	if size < 1 {
		size = 1
	}
	return &InProcessBus{
		subs:      make(map[*Subscription]struct{}),
		queueSize: size,
	}
}

// Subscribe registers a subscriber for one execution, or all when empty.
func (b *InProcessBus) Subscribe(executionID diagram.ExecutionID) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.queueSize)
	sub := &Subscription{C: ch, ch: ch, executionID: executionID, bus: b}
	if b.closed {
		sub.closeOnce.Do(func() { close(ch) })
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

func (b *InProcessBus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	sub.closeOnce.Do(func() { close(sub.ch) })
}

// Publish delivers to every matching subscriber. A full queue evicts its
// oldest entry so slow consumers see the freshest events.
func (b *InProcessBus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		if sub.executionID != "" && sub.executionID != evt.ExecutionID {
			continue
		}
		select {
		case sub.ch <- evt:
			continue
		default:
		}
		// Queue full: evict the oldest, then retry once. A consumer racing
		// us may refill the queue; then the new event is the one dropped.
		select {
		case <-sub.ch:
			sub.lost.Add(1)
		default:
		}
		select {
		case sub.ch <- evt:
		default:
			sub.lost.Add(1)
		}
	}
}

// Close closes the bus and all subscriber channels.
func (b *InProcessBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		sub.closeOnce.Do(func() { close(sub.ch) })
		delete(b.subs, sub)
	}
}

// NullBus discards everything. Sub-diagram executions run against it so
// nested engines never leak events into the parent's streams.
type NullBus struct{}

func (NullBus) Publish(Event) {}

func (NullBus) Subscribe(diagram.ExecutionID) *Subscription {
	ch := make(chan Event)
	sub := &Subscription{C: ch, ch: ch}
	sub.closeOnce.Do(func() { close(ch) })
	return sub
}

func (NullBus) Close() {}
