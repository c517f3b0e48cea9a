// Package bus provides a small in-memory publish/subscribe event bus.
//
// It fans ingestion notifications out to in-process subscribers. Delivery is
// synchronous and best-effort: a panicking handler never takes down the
// publisher or the remaining handlers.
package bus

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Handler receives a published payload for a topic.
type Handler func(topic string, payload any)

// Bus is an in-memory topic-based event bus safe for concurrent use.
type Bus struct {
	mu          sync.Mutex
	subscribers map[string][]Handler
	recovered   atomic.Uint64
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subscribers: make(map[string][]Handler)}
}

// Subscribe registers a handler for a topic. A nil handler is an
// invalid-argument error; empty topics are likewise rejected.
func (b *Bus) Subscribe(topic string, handler Handler) error {
	if handler == nil {
		return fmt.Errorf("subscribe %q: handler must not be nil", topic)
	}
	if topic == "" {
		return fmt.Errorf("subscribe: topic must not be empty")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[topic] = append(b.subscribers[topic], handler)
	return nil
}

// Publish delivers the payload to every handler currently subscribed to the
// topic and returns the number of handlers invoked. Handlers run
// synchronously in subscription order; a panic in one handler is recovered,
// counted, and does not stop the rest.
func (b *Bus) Publish(topic string, payload any) int {
	b.mu.Lock()
	handlers := make([]Handler, len(b.subscribers[topic]))
	copy(handlers, b.subscribers[topic])
	b.mu.Unlock()

	for _, handler := range handlers {
		b.deliver(handler, topic, payload)
	}
	return len(handlers)
}

func (b *Bus) deliver(handler Handler, topic string, payload any) {
	defer func() {
		if r := recover(); r != nil {
			b.recovered.Add(1)
		}
	}()
	handler(topic, payload)
}

// Recovered returns how many handler panics have been swallowed.
func (b *Bus) Recovered() uint64 {
	return b.recovered.Load()
}
