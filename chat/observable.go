package chat

import (
	"slices"
	"sync"
)

// Value is an observable value: a holder with Get, Set, and Subscribe.
// Listeners are invoked synchronously on every Set, outside the internal
// lock, in the order they subscribed.
type Value[T any] struct {
	mu        sync.Mutex
	value     T
	listeners map[int]func(T)
	nextID    int
}

// NewValue creates a [Value] holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{
		value:     initial,
		listeners: map[int]func(T){},
	}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.value
}

// Set replaces the current value and notifies subscribers.
func (v *Value[T]) Set(value T) {
	v.mu.Lock()
	v.value = value
	ids := make([]int, 0, len(v.listeners))
	for id := range v.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(T), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, v.listeners[id])
	}
	v.mu.Unlock()

	for _, fn := range fns {
		fn(value)
	}
}

// Subscribe registers a listener and returns its unsubscribe function.
// Unsubscribing is idempotent.
func (v *Value[T]) Subscribe(fn func(T)) func() {
	v.mu.Lock()
	id := v.nextID
	v.nextID++
	v.listeners[id] = fn
	v.mu.Unlock()

	return func() {
		v.mu.Lock()
		delete(v.listeners, id)
		v.mu.Unlock()
	}
}
