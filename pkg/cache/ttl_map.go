package cache

import (
	"sync"
	"time"
)

type item[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// TTLMap is a mutex-guarded map whose entries carry an expiry. Expired entries
// are invisible to Update and are removed by Sweep.
type TTLMap[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]item[V]
}

func NewTTLMap[K comparable, V any]() *TTLMap[K, V] {
	return &TTLMap[K, V]{items: map[K]item[V]{}}
}

// Update runs fn on the current value of key while holding the lock, so a
// read-modify-write is atomic per map. fn returns the new value and its
// expiry; a zero expiry never expires.
func (m *TTLMap[K, V]) Update(key K, now time.Time, fn func(cur V, ok bool) (V, time.Time)) V {
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[key]
	if ok && !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt) {
		var zero V
		it, ok = item[V]{Value: zero}, false
	}
	v, exp := fn(it.Value, ok)
	m.items[key] = item[V]{Value: v, ExpiresAt: exp}
	return v
}

// Sweep drops every entry expired at now and reports how many were removed.
func (m *TTLMap[K, V]) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, it := range m.items {
		if !it.ExpiresAt.IsZero() && !now.Before(it.ExpiresAt) {
			delete(m.items, k)
			removed++
		}
	}
	return removed
}

func (m *TTLMap[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}
