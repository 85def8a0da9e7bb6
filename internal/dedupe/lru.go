// Package dedupe provides the bounded recent-key memory used for the hot
// tier of idempotency checks.
package dedupe

import (
	"container/list"
	"sync"
)

// LRU is a fixed-capacity least-recently-used map. Safe for concurrent use.
type LRU[K comparable, V any] struct {
	mu       sync.Mutex
	capacity int
	cache    map[K]*list.Element
	order    *list.List

	evictions int64
}

type entry[K comparable, V any] struct {
	key   K
	value V
}

func NewLRU[K comparable, V any](capacity int) *LRU[K, V] {
	if capacity <= 0 {
		capacity = 1
	}
	return &LRU[K, V]{
		capacity: capacity,
		cache:    make(map[K]*list.Element, capacity),
		order:    list.New(),
	}
}

// Get returns the value for key and promotes it.
func (l *LRU[K, V]) Get(key K) (V, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.cache[key]; ok {
		l.order.MoveToFront(elem)
		return elem.Value.(*entry[K, V]).value, true
	}
	var zero V
	return zero, false
}

// Contains reports whether key is present and promotes it.
func (l *LRU[K, V]) Contains(key K) bool {
	_, ok := l.Get(key)
	return ok
}

// Add inserts or refreshes key, evicting the oldest entry when full.
func (l *LRU[K, V]) Add(key K, value V) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.cache[key]; ok {
		elem.Value.(*entry[K, V]).value = value
		l.order.MoveToFront(elem)
		return
	}
	l.cache[key] = l.order.PushFront(&entry[K, V]{key: key, value: value})
	if l.order.Len() > l.capacity {
		oldest := l.order.Back()
		l.order.Remove(oldest)
		delete(l.cache, oldest.Value.(*entry[K, V]).key)
		l.evictions++
	}
}

// Remove drops key if present.
func (l *LRU[K, V]) Remove(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if elem, ok := l.cache[key]; ok {
		l.order.Remove(elem)
		delete(l.cache, key)
	}
}

func (l *LRU[K, V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.order.Len()
}

func (l *LRU[K, V]) Evictions() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.evictions
}
