package eventbus

import (
	"log"
	"sync"
	"time"
)

type subscription struct {
	id      uint64
	handler Handler
}

// Bus is a simple in-process pub/sub event bus.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Topic][]subscription
	inflight sync.WaitGroup
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		handlers: make(map[Topic][]subscription),
	}
}

// Subscribe registers a handler for a topic and returns a function that
// removes it again.
func (b *Bus) Subscribe(topic Topic, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[topic] = append(b.handlers[topic], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.handlers[topic]
		for i, s := range subs {
			if s.id == id {
				b.handlers[topic] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (b *Bus) snapshot(topic Topic, payload any) ([]Handler, Event) {
	b.mu.RLock()
	subs := b.handlers[topic]
	handlers := make([]Handler, len(subs))
	for i, s := range subs {
		handlers[i] = s.handler
	}
	b.mu.RUnlock()

	return handlers, Event{
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Publish sends an event to all subscribers of the topic.
// Handlers are called synchronously in the order they were registered.
func (b *Bus) Publish(topic Topic, payload any) {
	handlers, event := b.snapshot(topic, payload)
	for _, h := range handlers {
		call(h, event)
	}
}

// PublishAsync sends an event to all subscribers asynchronously.
func (b *Bus) PublishAsync(topic Topic, payload any) {
	handlers, event := b.snapshot(topic, payload)
	for _, h := range handlers {
		b.inflight.Add(1)
		go func(h Handler) {
			defer b.inflight.Done()
			call(h, event)
		}(h)
	}
}

// Wait blocks until every handler started by PublishAsync has returned.
func (b *Bus) Wait() {
	b.inflight.Wait()
}

// call runs h, keeping a panicking subscriber from taking down the publisher.
func call(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[eventbus] handler for %s panicked: %v", e.Topic, r)
		}
	}()
	h(e)
}
