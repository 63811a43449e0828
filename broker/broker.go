package broker

import (
	"sync"
)

type subscriber[T any] struct {
	ch      chan T
	mu      sync.Mutex
	queue   []T
	notify  chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

func (s *subscriber[T]) push(t T) {
	s.mu.Lock()
	s.queue = append(s.queue, t)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscriber[T]) pop() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var t T
	if len(s.queue) == 0 {
		return t, false
	}
	t = s.queue[0]
	var zero T
	s.queue[0] = zero
	s.queue = s.queue[1:]
	return t, true
}

// forward delivers queued messages in publish order, so a slow subscriber never blocks Publish
// nor sees messages reordered.
func (s *subscriber[T]) forward() {
	defer close(s.stopped)
	defer close(s.ch)
	for {
		t, ok := s.pop()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.ch <- t:
		case <-s.done:
			return
		}
	}
}

// Broker implements a fan-out message broker. Every subscriber receives every message published
// after it subscribed, in publish order.
type Broker[T any] struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber[T]
}

func NewBroker[T any]() *Broker[T] {
	return &Broker[T]{
		subscribers: make(map[string]*subscriber[T]),
	}
}

// Subscribe registers a new subscriber with the given name and channel buffer size.
// It returns a receive-only channel that will receive published messages. Subscribing again with
// the same name replaces the previous subscription, closing its channel.
func (b *Broker[T]) Subscribe(name string, size int) <-chan T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subscribers[name]; ok {
		close(s.done)
	}

	s := &subscriber[T]{
		ch:      make(chan T, size),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	b.subscribers[name] = s
	go s.forward()

	return s.ch
}

// Unsubscribe removes the named subscriber and closes its channel. Messages not yet received are
// dropped.
func (b *Broker[T]) Unsubscribe(name string) {
	b.mu.Lock()
	s, ok := b.subscribers[name]
	delete(b.subscribers, name)
	b.mu.Unlock()
	if !ok {
		return
	}
	close(s.done)
	<-s.stopped
}

// Publish queues a message to all registered subscribers. It never blocks.
func (b *Broker[T]) Publish(t T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range b.subscribers {
		s.push(t)
	}
}

// Subscribers returns how many subscribers are registered.
func (b *Broker[T]) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscribers)
}

// Close closes all subscriber channels, signaling that no more messages will be published.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	subscribers := b.subscribers
	b.subscribers = make(map[string]*subscriber[T])
	b.mu.Unlock()

	for _, s := range subscribers {
		close(s.done)
		<-s.stopped
	}
}
