// Package resource provides integer-handle arenas for host-owned values.
// Guests never see the values themselves, only the handles; a lookup with a
// handle that was never issued (or whose entry was removed) is a host fault
// for the calling operation, not a recoverable condition.
package resource

import (
	"errors"
	"sync"
)

// ErrNotFound is returned when a handle does not resolve to a live entry.
var ErrNotFound = errors.New("resource: handle not found")

// Table maps opaque int64 handles to owned values. Handles are allocated
// monotonically and are never reused while their entry is alive.
type Table[T any] struct {
	mu      sync.Mutex
	next    int64
	entries map[int64]T
}

// NewTable returns an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{entries: make(map[int64]T)}
}

// Add inserts a value and returns its freshly allocated handle.
func (t *Table[T]) Add(value T) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	handle := t.next
	t.next++
	t.entries[handle] = value
	return handle
}

// Get resolves a handle. ErrNotFound means the handle is stale or foreign.
func (t *Table[T]) Get(handle int64) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value, ok := t.entries[handle]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	return value, nil
}

// Remove deletes an entry and returns the removed value. The handle is
// retired permanently; it will not be issued again by Add.
func (t *Table[T]) Remove(handle int64) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value, ok := t.entries[handle]
	if !ok {
		var zero T
		return zero, ErrNotFound
	}
	delete(t.entries, handle)
	return value, nil
}

// Len reports the number of live entries.
func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
