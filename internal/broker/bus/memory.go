package bus

import (
	"context"
	"sync"
)

var _ Bus = new(MemoryBus)

// MemoryBus is an in-process Bus for tests and single-node deployments.
type MemoryBus struct {
	mu     sync.Mutex
	topics map[string][]*memorySubscription
}

// NewMemoryBus creates an empty in-process bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		topics: make(map[string][]*memorySubscription),
	}
}

// Publish delivers the payload to every subscriber of the topic. Payloads
// for topics without subscribers are dropped, matching pub/sub semantics.
// Slow subscribers whose buffer is full are also dropped rather than
// blocking the publisher.
func (b *MemoryBus) Publish(ctx context.Context, topic string, payload []byte) error {
	b.mu.Lock()
	subs := make([]*memorySubscription, len(b.topics[topic]))
	copy(subs, b.topics[topic])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(payload)
	}

	return nil
}

// Subscribe opens a buffered subscription on the topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	sub := &memorySubscription{
		bus:   b,
		topic: topic,
		ch:    make(chan []byte, 16),
	}

	b.mu.Lock()
	b.topics[topic] = append(b.topics[topic], sub)
	b.mu.Unlock()

	return sub, nil
}

// SubscriberCount reports active subscriptions on a topic.
func (b *MemoryBus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

type memorySubscription struct {
	bus   *MemoryBus
	topic string

	mu     sync.Mutex
	ch     chan []byte
	closed bool
}

func (s *memorySubscription) deliver(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.ch <- payload:
	default: // subscriber too slow, drop
	}
}

func (s *memorySubscription) C() <-chan []byte {
	return s.ch
}

func (s *memorySubscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.bus.mu.Lock()
	subs := s.bus.topics[s.topic]
	for i, sub := range subs {
		if sub == s {
			s.bus.topics[s.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(s.bus.topics[s.topic]) == 0 {
		delete(s.bus.topics, s.topic)
	}
	s.bus.mu.Unlock()

	return nil
}
