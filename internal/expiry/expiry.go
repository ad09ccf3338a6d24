// Package expiry implements a small TTL map. Entries are evicted lazily on
// access and in bulk by Sweep, so memory stays bounded even when nobody
// reads a key before its deadline.
package expiry

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	deadline time.Time
}

// Map stores values with a fixed per-map TTL.
type Map[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[K]entry[V]

	// now is swapped out in tests to drive expiry deterministically.
	now func() time.Time
}

// NewMap creates a Map whose entries live for ttl after each Set.
func NewMap[K comparable, V any](ttl time.Duration) *Map[K, V] {
	return &Map[K, V]{
		ttl:     ttl,
		entries: make(map[K]entry[V]),
		now:     time.Now,
	}
}

// Set stores value under key, resetting its deadline.
func (m *Map[K, V]) Set(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry[V]{value: value, deadline: m.now().Add(m.ttl)}
}

// Get returns the live value for key. Expired entries are removed on the way.
func (m *Map[K, V]) Get(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key, false)
}

// Take returns the live value for key and removes it, so the next lookup
// misses. Used for one-shot consumption (echo suppression).
func (m *Map[K, V]) Take(key K) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(key, true)
}

func (m *Map[K, V]) getLocked(key K, consume bool) (V, bool) {
	var zero V
	e, ok := m.entries[key]
	if !ok {
		return zero, false
	}
	if m.now().After(e.deadline) {
		delete(m.entries, key)
		return zero, false
	}
	if consume {
		delete(m.entries, key)
	}
	return e.value, true
}

// Sweep removes all expired entries and reports how many were dropped.
func (m *Map[K, V]) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for k, e := range m.entries {
		if now.After(e.deadline) {
			delete(m.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, expired or not.
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
