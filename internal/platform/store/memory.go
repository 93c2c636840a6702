// Package store provides the versioned in-memory persistence used by the
// domain repositories in development and tests. Writes use optimistic
// concurrency: every update names the version it was derived from and is
// rejected when another writer got there first.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyExists   = errors.New("already exists")
	ErrVersionConflict = errors.New("version conflict")
)

type entry[T any] struct {
	value   T
	version int64
}

// Memory is a goroutine-safe versioned map. Values are cloned on the way in
// and on the way out so callers never share mutable state with the store.
type Memory[T any] struct {
	mu    sync.RWMutex
	items map[string]*entry[T]
	order []string
	clone func(T) T
}

// NewMemory creates an empty store. clone must return a deep copy.
func NewMemory[T any](clone func(T) T) *Memory[T] {
	return &Memory[T]{
		items: make(map[string]*entry[T]),
		clone: clone,
	}
}

// Create inserts v at version 1.
func (m *Memory[T]) Create(_ context.Context, id string, v T) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; ok {
		return 0, fmt.Errorf("%s: %w", id, ErrAlreadyExists)
	}
	m.items[id] = &entry[T]{value: m.clone(v), version: 1}
	m.order = append(m.order, id)
	return 1, nil
}

// Load returns a copy of the value stored under id and its version.
func (m *Memory[T]) Load(_ context.Context, id string) (T, int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.items[id]
	if !ok {
		var zero T
		return zero, 0, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return m.clone(e.value), e.version, nil
}

// CompareAndSwap replaces the value under id when its current version equals
// expected, returning the new version.
func (m *Memory[T]) CompareAndSwap(_ context.Context, id string, expected int64, v T) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.items[id]
	if !ok {
		return 0, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if e.version != expected {
		return 0, fmt.Errorf("%s: expected version %d, found %d: %w", id, expected, e.version, ErrVersionConflict)
	}
	e.value = m.clone(v)
	e.version++
	return e.version, nil
}

// Versioned pairs a value with the version it was read at.
type Versioned[T any] struct {
	Value   T
	Version int64
}

// Filter returns copies of all values matching pred, in insertion order.
func (m *Memory[T]) Filter(_ context.Context, pred func(T) bool) []Versioned[T] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Versioned[T]
	for _, id := range m.order {
		e := m.items[id]
		if pred == nil || pred(e.value) {
			out = append(out, Versioned[T]{Value: m.clone(e.value), Version: e.version})
		}
	}
	return out
}

// Len returns the number of stored values.
func (m *Memory[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Page slices items for limit/offset pagination and returns the total.
func Page[T any](items []T, limit, offset int) ([]T, int) {
	total := len(items)
	if offset >= total {
		return []T{}, total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return items[offset:end], total
}
