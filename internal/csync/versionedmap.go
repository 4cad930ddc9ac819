package csync

import (
	"iter"
	"sync/atomic"
)

// NewVersionedMap creates a new versioned, thread-safe map.
func NewVersionedMap[K comparable, V any]() *VersionedMap[K, V] {
	return &VersionedMap[K, V]{
		m: NewMap[K, V](),
	}
}

// VersionedMap is a thread-safe map that keeps track of its version. Readers
// can poll Version to find out whether anything changed since they last looked.
type VersionedMap[K comparable, V any] struct {
	m *Map[K, V]
	v atomic.Uint64
}

// Get gets the value for the specified key from the map.
func (m *VersionedMap[K, V]) Get(key K) (V, bool) {
	return m.m.Get(key)
}

// Set sets the value for the specified key in the map and increments the version.
func (m *VersionedMap[K, V]) Set(key K, value V) {
	m.m.Set(key, value)
	m.v.Add(1)
}

// Del deletes the specified key from the map and increments the version.
func (m *VersionedMap[K, V]) Del(key K) {
	m.m.Del(key)
	m.v.Add(1)
}

// Take gets an item, deletes it and increments the version when it existed.
func (m *VersionedMap[K, V]) Take(key K) (V, bool) {
	v, ok := m.m.Take(key)
	if ok {
		m.v.Add(1)
	}
	return v, ok
}

// Update applies fn to the value under key if present. The version only moves
// when a value was replaced.
func (m *VersionedMap[K, V]) Update(key K, fn func(V) V) bool {
	if !m.m.Update(key, fn) {
		return false
	}
	m.v.Add(1)
	return true
}

// Swap stores value under key, increments the version and returns the
// previous value.
func (m *VersionedMap[K, V]) Swap(key K, value V) (V, bool) {
	old, ok := m.m.Swap(key, value)
	m.v.Add(1)
	return old, ok
}

// UpdateFunc applies fn to the value under key. The version only moves when
// fn accepted the change.
func (m *VersionedMap[K, V]) UpdateFunc(key K, fn func(V) (V, bool)) bool {
	if !m.m.UpdateFunc(key, fn) {
		return false
	}
	m.v.Add(1)
	return true
}

// TakeFunc removes the value under key when pred accepts it.
func (m *VersionedMap[K, V]) TakeFunc(key K, pred func(V) bool) (V, bool) {
	v, ok := m.m.TakeFunc(key, pred)
	if ok {
		m.v.Add(1)
	}
	return v, ok
}

// Seq2 returns an iter.Seq2 that yields key-value pairs from the map.
func (m *VersionedMap[K, V]) Seq2() iter.Seq2[K, V] {
	return m.m.Seq2()
}

// Len returns the number of items in the map.
func (m *VersionedMap[K, V]) Len() int {
	return m.m.Len()
}

// Version returns the current version of the map.
func (m *VersionedMap[K, V]) Version() uint64 {
	return m.v.Load()
}
