// Copyright 2022 The linkfeed Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import "sync"

// ListenerHandle handle of a registered listener
type ListenerHandle interface {
	// Remove unregister the listener. Removing twice is a no-op.
	Remove()
}

// listenerHandle implements ListenerHandle
type listenerHandle struct {
	once   sync.Once
	remove func()
}

func (h *listenerHandle) Remove() {
	h.once.Do(h.remove)
}

// noopHandle is handed out by a released registry
var noopHandle = &listenerHandle{remove: func() {}}

type registeredListener[T any] struct {
	id       uint64
	listener T
}

// ListenerRegistry ordered set of listeners
//
// Once released, the registry drops every listener and refuses new ones.
type ListenerRegistry[T any] struct {
	lock      sync.Mutex
	nextID    uint64
	listeners []registeredListener[T]
	released  bool
}

// NewListenerRegistry define a new ListenerRegistry
func NewListenerRegistry[T any]() *ListenerRegistry[T] {
	return &ListenerRegistry[T]{}
}

// Add register a listener
func (r *ListenerRegistry[T]) Add(listener T) ListenerHandle {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.released {
		return noopHandle
	}
	r.nextID++
	id := r.nextID
	r.listeners = append(r.listeners, registeredListener[T]{id: id, listener: listener})
	return &listenerHandle{remove: func() { r.remove(id) }}
}

func (r *ListenerRegistry[T]) remove(id uint64) {
	r.lock.Lock()
	defer r.lock.Unlock()
	for idx, entry := range r.listeners {
		if entry.id == id {
			r.listeners = append(r.listeners[:idx:idx], r.listeners[idx+1:]...)
			return
		}
	}
}

// Snapshot the currently registered listeners, in registration order
func (r *ListenerRegistry[T]) Snapshot() []T {
	r.lock.Lock()
	defer r.lock.Unlock()
	result := make([]T, 0, len(r.listeners))
	for _, entry := range r.listeners {
		result = append(result, entry.listener)
	}
	return result
}

// Len number of registered listeners
func (r *ListenerRegistry[T]) Len() int {
	r.lock.Lock()
	defer r.lock.Unlock()
	return len(r.listeners)
}

// Release drop every listener, and refuse new ones
func (r *ListenerRegistry[T]) Release() {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.listeners = nil
	r.released = true
}

// Notifications listener calls collected while holding a lock, to be made once the lock
// is released
type Notifications struct {
	calls []func()
}

// Add queue a call
func (n *Notifications) Add(call func()) {
	n.calls = append(n.calls, call)
}

// Run make the queued calls, in order
func (n *Notifications) Run() {
	for _, call := range n.calls {
		call()
	}
}
