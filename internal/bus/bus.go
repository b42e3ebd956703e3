package bus

import (
	"strings"
	"sync"
)

// Bus is an in-process publish/subscribe event bus with namespace filtering.
// Delivery is non-blocking: a subscriber that falls behind loses events rather
// than stalling the publisher.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	next int
}

// Subscription is a live bus subscription. Read events from C; call Stop when
// done. C is never closed by the bus.
type Subscription struct {
	C chan Event

	namespace string
	stop      func()
	once      sync.Once
}

// Stop removes the subscription. Safe to call more than once.
func (s *Subscription) Stop() {
	s.once.Do(s.stop)
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]*Subscription)}
}

// Publish delivers evt to every subscriber whose namespace is a prefix of
// evt.Kind. Full subscriber buffers drop the event.
func (b *Bus) Publish(evt Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if strings.HasPrefix(evt.Kind, sub.namespace) {
			select {
			case sub.C <- evt:
			default:
			}
		}
	}
}

// Subscribe registers a subscriber for events whose Kind starts with the given
// namespace prefix. bufSize controls how far the subscriber may lag before
// events are dropped.
func (b *Bus) Subscribe(namespace string, bufSize int) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.next
	b.next++
	sub := &Subscription{
		C:         make(chan Event, bufSize),
		namespace: namespace,
	}
	sub.stop = func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
	b.subs[id] = sub
	return sub
}
