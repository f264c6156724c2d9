package supervisor

import "sync"

// subscriberCapacity is the buffer of each subscriber channel. Slow
// subscribers lose events rather than block the publisher.
const subscriberCapacity = 64

// hub is a bounded broadcast fan-out. Publish never blocks; events to a
// full subscriber are dropped.
type hub[T any] struct {
	mu   sync.Mutex
	subs map[int]chan T
	next int
}

func newHub[T any]() *hub[T] {
	return &hub[T]{subs: make(map[int]chan T)}
}

// Subscribe registers a new subscriber. The returned cancel function must be
// called to release the channel.
func (h *hub[T]) Subscribe() (<-chan T, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan T, subscriberCapacity)
	h.subs[id] = ch
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Publish delivers v to every subscriber that has buffer room.
func (h *hub[T]) Publish(v T) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// Len returns the number of active subscribers.
func (h *hub[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
