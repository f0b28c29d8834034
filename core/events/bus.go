package events

import (
	"sync"
	"sync/atomic"
)

const defaultBusBuffer = 256

// Subscriber receives events delivered by a Bus.
type Subscriber interface {
	ID() string

	// Types returns the event types the subscriber wants. Empty means all.
	Types() []Type

	OnEvent(ev Event)
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc struct {
	Name   string
	Filter []Type
	Fn     func(Event)
}

func (s SubscriberFunc) ID() string       { return s.Name }
func (s SubscriberFunc) Types() []Type    { return s.Filter }
func (s SubscriberFunc) OnEvent(ev Event) { s.Fn(ev) }

// Bus is an in-process Sink that hands events to subscribers on a single
// dispatch goroutine. Emit never blocks: when the buffer is full the event
// is dropped and counted.
type Bus struct {
	buffer chan Event

	mu       sync.RWMutex
	byType   map[Type][]Subscriber
	wildcard []Subscriber
	closed   bool

	dropped atomic.Uint64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewBus starts a bus with the given buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = defaultBusBuffer
	}
	b := &Bus{
		buffer: make(chan Event, bufferSize),
		byType: make(map[Type][]Subscriber),
		done:   make(chan struct{}),
	}
	b.wg.Add(1)
	go b.dispatch()
	return b
}

// Emit implements Sink.
func (b *Bus) Emit(ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}

	select {
	case b.buffer <- ev:
	default:
		b.dropped.Add(1)
	}
	return nil
}

// Dropped returns how many events were discarded on a full buffer.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bus) Subscribe(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	types := sub.Types()
	if len(types) == 0 {
		b.wildcard = append(b.wildcard, sub)
		return
	}
	for _, t := range types {
		b.byType[t] = append(b.byType[t], sub)
	}
}

func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.wildcard = without(b.wildcard, id)
	for t, subs := range b.byType {
		b.byType[t] = without(subs, id)
	}
}

func without(subs []Subscriber, id string) []Subscriber {
	out := make([]Subscriber, 0, len(subs))
	for _, s := range subs {
		if s.ID() != id {
			out = append(out, s)
		}
	}
	return out
}

func (b *Bus) dispatch() {
	defer b.wg.Done()
	for {
		select {
		case ev := <-b.buffer:
			b.deliver(ev)
		case <-b.done:
			// drain what was accepted before Close
			for {
				select {
				case ev := <-b.buffer:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(ev Event) {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.wildcard)+len(b.byType[ev.Type]))
	subs = append(subs, b.wildcard...)
	subs = append(subs, b.byType[ev.Type]...)
	b.mu.RUnlock()

	for _, s := range subs {
		s.OnEvent(ev)
	}
}

// Close stops the dispatcher after delivering buffered events. It is safe
// to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}
