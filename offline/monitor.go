// Copyright 2025 The flexkids-sync Authors
// SPDX-License-Identifier: Apache-2.0

package offline

import (
	"sync"
	"sync/atomic"
)

// Monitor tracks online/offline state. The platform's reachability signal is
// fed in through SetOnline; subscribers are notified on transitions only.
// The online flag is advisory: a true value does not guarantee the remote
// store is reachable, it only allows drains and refreshes to be attempted.
type Monitor struct {
	online atomic.Bool

	mu     sync.Mutex
	subs   map[int]func(bool)
	nextID int
	drain  func()
}

// NewMonitor returns a monitor in the given initial state.
func NewMonitor(online bool) *Monitor {
	m := &Monitor{subs: make(map[int]func(bool))}
	m.online.Store(online)
	return m
}

// IsOnline reports the current connectivity state.
func (m *Monitor) IsOnline() bool {
	return m.online.Load()
}

// SetOnline feeds the platform connectivity signal. On a transition it
// notifies subscribers and, on regaining connectivity, fires the engine's
// drain hook without blocking the caller.
func (m *Monitor) SetOnline(online bool) {
	if m.online.Swap(online) == online {
		return
	}

	m.mu.Lock()
	callbacks := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		callbacks = append(callbacks, fn)
	}
	drain := m.drain
	m.mu.Unlock()

	for _, fn := range callbacks {
		fn(online)
	}
	if online && drain != nil {
		go drain()
	}
}

// OnConnectionChange registers a transition callback and returns its
// unsubscribe func. Unsubscribing removes only that callback.
func (m *Monitor) OnConnectionChange(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// setDrainHook wires the engine's drain into online transitions. Installed
// once by New.
func (m *Monitor) setDrainHook(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drain = fn
}
