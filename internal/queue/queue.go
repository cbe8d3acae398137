package queue

import (
	"sync"
)

// Keyed is a generic thread-safe queue that coalesces by key: pushing an
// existing key replaces its value but keeps the original position, so a
// rapidly re-published entity occupies one slot and the newest record wins.
type Keyed[K comparable, V any] struct {
	mu    sync.Mutex
	items map[K]V
	order []K
}

// NewKeyed creates a new empty keyed queue.
func NewKeyed[K comparable, V any]() *Keyed[K, V] {
	return &Keyed[K, V]{
		items: make(map[K]V),
	}
}

// Push inserts or replaces the value for key.
func (q *Keyed[K, V]) Push(key K, value V) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.items[key]; !ok {
		q.order = append(q.order, key)
	}
	q.items[key] = value
}

// Entry is one drained key/value pair.
type Entry[K comparable, V any] struct {
	Key   K
	Value V
}

// DrainN removes and returns up to n entries in insertion order.
func (q *Keyed[K, V]) DrainN(n int) []Entry[K, V] {
	q.mu.Lock()
	defer q.mu.Unlock()
	if n > len(q.order) {
		n = len(q.order)
	}
	if n == 0 {
		return nil
	}
	out := make([]Entry[K, V], 0, n)
	for _, k := range q.order[:n] {
		out = append(out, Entry[K, V]{Key: k, Value: q.items[k]})
		delete(q.items, k)
	}
	q.order = q.order[n:]
	return out
}

// DrainAll removes and returns all entries in insertion order.
func (q *Keyed[K, V]) DrainAll() []Entry[K, V] {
	q.mu.Lock()
	n := len(q.order)
	q.mu.Unlock()
	return q.DrainN(n)
}

// Len returns the number of pending entries.
func (q *Keyed[K, V]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Empty returns true if the queue has no entries.
func (q *Keyed[K, V]) Empty() bool {
	return q.Len() == 0
}

// Clear removes all entries.
func (q *Keyed[K, V]) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = make(map[K]V)
	q.order = q.order[:0]
}
