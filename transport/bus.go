package transport

import "sync"

// LocalBus broadcasts messages between cache clients sharing a host, the
// way a same-origin broadcast channel reaches other tabs. Publish delivers to
// every subscriber, including the publisher's own subscription.
type LocalBus interface {
	Publish(msg []byte)
	Subscribe(fn func(msg []byte)) (unsubscribe func())
}

// Hub is an in-process LocalBus. Delivery is synchronous on the publishing
// goroutine, in subscription order.
type Hub struct {
	mu   sync.RWMutex
	subs []*hubSub
}

type hubSub struct {
	fn func([]byte)
}

var _ LocalBus = (*Hub)(nil)

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{}
}

func (h *Hub) Publish(msg []byte) {
	h.mu.RLock()
	subs := make([]*hubSub, len(h.subs))
	copy(subs, h.subs)
	h.mu.RUnlock()
	for _, s := range subs {
		buf := make([]byte, len(msg))
		copy(buf, msg)
		s.fn(buf)
	}
}

func (h *Hub) Subscribe(fn func(msg []byte)) func() {
	s := &hubSub{fn: fn}
	h.mu.Lock()
	h.subs = append(h.subs, s)
	h.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for i, cur := range h.subs {
				if cur == s {
					h.subs = append(h.subs[:i:i], h.subs[i+1:]...)
					return
				}
			}
		})
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
