// Package shard provides a string-keyed map split across independently locked
// shards. Operations on keys in different shards never contend, so per-user
// and per-chat state can be updated without a process-wide mutex.
package shard

import (
	"hash/maphash"
	"sync"
)

const shardCount = 64

type bucket[V any] struct {
	mu sync.RWMutex
	m  map[string]V
}

// Map is a concurrent map from string keys to V. The zero value is not
// usable; construct with New.
type Map[V any] struct {
	seed    maphash.Seed
	buckets [shardCount]*bucket[V]
}

// New creates an empty Map.
func New[V any]() *Map[V] {
	m := &Map[V]{seed: maphash.MakeSeed()}
	for i := range m.buckets {
		m.buckets[i] = &bucket[V]{m: make(map[string]V)}
	}
	return m
}

func (m *Map[V]) bucketFor(key string) *bucket[V] {
	return m.buckets[maphash.String(m.seed, key)%shardCount]
}

// Load returns the value stored under key.
func (m *Map[V]) Load(key string) (V, bool) {
	b := m.bucketFor(key)
	b.mu.RLock()
	v, ok := b.m[key]
	b.mu.RUnlock()
	return v, ok
}

// LoadOrStore returns the existing value for key if present. Otherwise it
// stores the value returned by create and returns it. loaded reports whether
// the value was already present.
func (m *Map[V]) LoadOrStore(key string, create func() V) (v V, loaded bool) {
	b := m.bucketFor(key)
	b.mu.RLock()
	v, ok := b.m[key]
	b.mu.RUnlock()
	if ok {
		return v, true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if v, ok = b.m[key]; ok {
		return v, true
	}
	v = create()
	b.m[key] = v
	return v, false
}

// Update runs fn with exclusive access to the entry for key. fn receives the
// current value and whether it exists; it returns the new value and whether
// to keep it (false deletes the key).
func (m *Map[V]) Update(key string, fn func(v V, ok bool) (V, bool)) {
	b := m.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.m[key]
	next, keep := fn(cur, ok)
	if keep {
		b.m[key] = next
	} else if ok {
		delete(b.m, key)
	}
}

// Delete removes key and returns the value that was stored, if any.
func (m *Map[V]) Delete(key string) (V, bool) {
	b := m.bucketFor(key)
	b.mu.Lock()
	v, ok := b.m[key]
	if ok {
		delete(b.m, key)
	}
	b.mu.Unlock()
	return v, ok
}

// Len returns the number of keys across all shards.
func (m *Map[V]) Len() int {
	n := 0
	for _, b := range m.buckets {
		b.mu.RLock()
		n += len(b.m)
		b.mu.RUnlock()
	}
	return n
}

// Range calls fn for every entry. Each shard is snapshotted before fn runs,
// so fn may call back into the map. Iteration stops when fn returns false.
func (m *Map[V]) Range(fn func(key string, v V) bool) {
	for _, b := range m.buckets {
		b.mu.RLock()
		keys := make([]string, 0, len(b.m))
		vals := make([]V, 0, len(b.m))
		for k, v := range b.m {
			keys = append(keys, k)
			vals = append(vals, v)
		}
		b.mu.RUnlock()

		for i := range keys {
			if !fn(keys[i], vals[i]) {
				return
			}
		}
	}
}
