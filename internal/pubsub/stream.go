// Package pubsub provides typed fan-out streams with explicit
// subscribe/unsubscribe contracts.
//
// Publishing blocks until every live subscriber has accepted the value, so a
// subscriber sees values in publish order and none are dropped. Subscribers
// must drain their channel or cancel the subscription.
package pubsub

import "sync"

// Stream fans values of type T out to all current subscribers.
type Stream[T any] struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscriber[T]
	nextID uint64
	closed bool
}

type subscriber[T any] struct {
	ch       chan T
	done     chan struct{}
	stopOnce sync.Once
}

func (s *subscriber[T]) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// NewStream creates an open stream with no subscribers.
func NewStream[T any]() *Stream[T] {
	return &Stream[T]{subs: make(map[uint64]*subscriber[T])}
}

// Subscribe registers a subscriber with the given channel buffer. The
// returned cancel func removes the subscription and closes the channel; it is
// safe to call more than once. Subscribing to a closed stream returns an
// already closed channel.
func (s *Stream[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 0 {
		buffer = 0
	}

	sub := &subscriber[T]{
		ch:   make(chan T, buffer),
		done: make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = sub
	s.mu.Unlock()

	cancel := func() {
		sub.stop()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers v to every subscriber.
func (s *Stream[T]) Publish(v T) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return
	}
	for _, sub := range s.subs {
		select {
		case sub.ch <- v:
		case <-sub.done:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (s *Stream[T]) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close ends the stream and closes every subscriber channel. Values published
// after Close are discarded.
func (s *Stream[T]) Close() {
	s.mu.RLock()
	subs := make([]*subscriber[T], 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	// Unblock any in-flight Publish before taking the write lock.
	for _, sub := range subs {
		sub.stop()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
}
