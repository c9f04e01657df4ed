// Copyright 2025 The flexkids-sync Authors
// SPDX-License-Identifier: Apache-2.0

package offline

import "sync"

// Bus is a typed publish/subscribe channel. It replaces the stringly-typed
// "data updated" broadcast: subscribers receive a concrete payload type
// instead of fishing values out of an ad hoc event.
type Bus[T any] struct {
	mu     sync.Mutex
	subs   map[int]func(T)
	nextID int
}

// NewBus returns an empty bus.
func NewBus[T any]() *Bus[T] {
	return &Bus[T]{subs: make(map[int]func(T))}
}

// Subscribe registers a callback and returns its unsubscribe func.
func (b *Bus[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers v to every subscriber. Delivery is best-effort and
// synchronous; slow subscribers should hand off to their own goroutines.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	callbacks := make([]func(T), 0, len(b.subs))
	for _, fn := range b.subs {
		callbacks = append(callbacks, fn)
	}
	b.mu.Unlock()
	for _, fn := range callbacks {
		fn(v)
	}
}
