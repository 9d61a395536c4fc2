// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

package alarm

import (
	"runtime"
	"sync"
)

// Token is the handle Register returns. The caller must keep a
// reference to it for as long as its callback should stay registered;
// once the token becomes unreachable, a finalizer unregisters the
// callback automatically.
//
// The finalizer is attached to Token itself, never to a struct holding
// a mutex or the callback closure, so it can never resurrect live
// state.
type Token struct {
	id uint64
}

// Registry is the memory alarm's set of registered mode-switch
// callbacks. A crossed watermark calls Notify, which invokes every
// live callback; a callback that panics is caught and unregistered, so
// it neither crashes the notifier nor starves the others.
type Registry struct {
	mu       sync.Mutex
	handlers map[uint64]func(Mode)
	next     uint64
}

// NewRegistry builds an empty alarm registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[uint64]func(Mode))}
}

// Register adds fn as a mode-switch callback and returns a Token. The
// callback is removed automatically if the token is garbage collected
// without an explicit Unregister.
func (r *Registry) Register(fn func(Mode)) *Token {
	r.mu.Lock()
	id := r.next
	r.next++
	r.handlers[id] = fn
	r.mu.Unlock()

	tok := &Token{id: id}
	runtime.SetFinalizer(tok, func(t *Token) {
		r.unregister(t.id)
	})
	return tok
}

// Unregister removes tok's callback immediately and cancels its
// finalizer, since it no longer has anything to do.
func (r *Registry) Unregister(tok *Token) {
	if tok == nil {
		return
	}
	runtime.SetFinalizer(tok, nil)
	r.unregister(tok.id)
}

func (r *Registry) unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, id)
}

// Notify invokes every registered callback with mode. Callbacks run
// synchronously on the calling goroutine, snapshotted under the lock
// so a callback that registers or unregisters doesn't deadlock. A
// callback that panics is dropped from the registry.
func (r *Registry) Notify(mode Mode) {
	r.mu.Lock()
	snapshot := make(map[uint64]func(Mode), len(r.handlers))
	for id, fn := range r.handlers {
		snapshot[id] = fn
	}
	r.mu.Unlock()

	for id, fn := range snapshot {
		if !invokeSafely(fn, mode) {
			r.unregister(id)
		}
	}
}

// Len reports the number of live registrations, exposed for tests and
// introspection.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handlers)
}

func invokeSafely(fn func(Mode), mode Mode) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	fn(mode)
	return true
}
