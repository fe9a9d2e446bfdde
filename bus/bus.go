// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package bus is a small publish/subscribe event bus. Publish never blocks: each
// subscription buffers events in an unbounded FIFO and delivers them, in publish
// order, on its own channel.
package bus

import (
	"sync"
)

// Bus broadcasts values of type T to every live subscription.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// New creates an empty bus.
func New[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe registers a new subscription. Events published before the call are not
// delivered. Subscribing to a closed bus returns an already closed subscription.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		bus:    b,
		out:    make(chan T),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	closed := b.closed
	if !closed {
		b.subs[s] = struct{}{}
	}
	b.mu.Unlock()

	if closed {
		close(s.done)
		close(s.out)
		return s
	}
	go s.forward()
	return s
}

// Publish delivers v to every subscription registered at the time of the call.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for s := range b.subs {
		s.push(v)
	}
}

// Close unsubscribes everybody and drops undelivered events.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = map[*Subscription[T]]struct{}{}
	b.mu.Unlock()

	for s := range subs {
		s.finish()
	}
}

// Len returns the number of live subscriptions.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscription receives events from a Bus until unsubscribed.
type Subscription[T any] struct {
	bus    *Bus[T]
	out    chan T
	notify chan struct{}
	done   chan struct{}

	mu       sync.Mutex
	pending  []T
	finished bool
	once     sync.Once
}

// C returns the delivery channel. It is closed after Unsubscribe or Bus.Close.
func (s *Subscription[T]) C() <-chan T { return s.out }

// Unsubscribe stops delivery immediately; undelivered events are dropped. It is safe
// to call more than once.
func (s *Subscription[T]) Unsubscribe() {
	s.bus.mu.Lock()
	delete(s.bus.subs, s)
	s.bus.mu.Unlock()
	s.finish()
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, v)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription[T]) finish() {
	s.once.Do(func() {
		s.mu.Lock()
		s.finished = true
		s.pending = nil
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription[T]) next() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if len(s.pending) == 0 {
		return zero, false
	}
	v := s.pending[0]
	s.pending[0] = zero
	s.pending = s.pending[1:]
	return v, true
}

func (s *Subscription[T]) forward() {
	defer close(s.out)
	for {
		v, ok := s.next()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- v:
		case <-s.done:
			return
		}
	}
}
